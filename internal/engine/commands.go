package engine

import "context"

// Command is one deferred action published by a change-feed handler and
// replayed through the normal dispatch path
type Command struct {
	Action string
	Params Params
}

// Publish queues a command without blocking; a full buffer drops the
// command with a warning rather than stalling the feed
func (e *Engine) Publish(cmd Command) {
	select {
	case e.commands <- cmd:
	default:
		e.logger.Warn().
			Str("action", cmd.Action).
			Msg("command buffer full, dropping command")
	}
}

// RunCommands consumes published commands until the context ends
func (e *Engine) RunCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.commands:
			if _, err := e.Dispatch(ctx, cmd.Action, cmd.Params); err != nil {
				e.logger.Error().
					Err(err).
					Str("action", cmd.Action).
					Msg("command dispatch failed")
			}
		}
	}
}

// CompensateDroppedCall queues the deny/release path for a call whose
// agent vanished mid-dial
func (e *Engine) CompensateDroppedCall(agentID, contactID string) {
	e.Publish(Command{
		Action: ActionDeniedCallback,
		Params: Params{
			"agentId":          agentID,
			"currentContactId": contactID,
		},
	})
}
