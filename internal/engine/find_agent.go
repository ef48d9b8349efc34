package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/contact"
	"github.com/openacd/controlplane/internal/external"
	"github.com/openacd/controlplane/internal/push"
)

// Match outcomes echoed to the telephony platform as targetAgentState
const (
	MatchPending     = "PENDING"
	MatchReady       = "READY"
	MatchRejected    = "REJECTED"
	MatchAbandoned   = "ABANDONED"
	MatchNoAvailable = "NONE"
)

// findAgent advances one contact through the matching state machine. The
// platform polls it: the first pass proposes an agent, later passes
// confirm the proposal, and the triggerPrompt counter tells the platform
// when to re-poll.
func (e *Engine) findAgent(ctx context.Context, p Params) (*Response, error) {
	trigger := e.nextTrigger(p.Get("triggerPrompt"))
	contactID := p.Get("initContactId")

	session, events, err := e.inbound.CreateSession(ctx, external.SessionParams{
		Number:     p.Get("inboundNumber"),
		Language:   p.Get("userLanguage"),
		IncidentID: p.Get("incidentId"),
		ContactID:  contactID,
		ANI:        p.Get("callAni"),
	})
	if err != nil {
		return nil, err
	}

	c, err := e.contacts.Load(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if session.Priority > 0 {
		c.Priority = session.Priority
	}
	if p.Has("userLanguage") {
		c.Locale = contact.NormalizeLocale(p.Get("userLanguage"))
	}
	if err := e.contacts.SetState(ctx, c, contact.RouteQueued); err != nil {
		return nil, err
	}

	result := func(agentID, state string) *Response {
		data := caseData(c.Cases)
		data["targetAgentId"] = agentID
		data["targetAgentState"] = state
		data["triggerPrompt"] = trigger
		return &Response{Data: data}
	}

	if p.Has("targetAgentId") {
		return e.confirmMatch(ctx, p, c, session, events, result)
	}
	return e.proposeMatch(ctx, p, c, session, events, result)
}

// confirmMatch re-resolves a previously proposed agent and either routes
// the call to it or unwinds the proposal
func (e *Engine) confirmMatch(
	ctx context.Context,
	p Params,
	c *contact.Contact,
	session *external.Session,
	events external.EventSink,
	result func(agentID, state string) *Response,
) (*Response, error) {
	pin := p.Get("currentContactId")
	if pin == "" {
		pin = session.SessionID
	}

	targ, err := e.agents.GetTargetAgent(ctx, pin)
	if err != nil {
		return nil, err
	}
	if targ == nil {
		return result("", MatchPending), nil
	}
	c.AgentID = targ.ID

	stillPending := !targ.State.IsInRoute()
	expired := targ.StateExpired(e.now())
	if (stillPending && expired) || !targ.State.IsOnline() {
		e.logger.Info().
			Str("agent_id", targ.ID).
			Bool("expired", expired).
			Msg("proposed agent unavailable, releasing")
		if _, err := e.agents.SetState(ctx, targ.ID, agent.SubOffline, nil); err != nil {
			return nil, err
		}
		e.emit(ctx, events, external.EventReject)
		if _, err := e.denyCallback(ctx, Params{
			"inboundNumber": p.Get("inboundNumber"),
			"agentId":       targ.ID,
		}); err != nil {
			e.logger.Error().Err(err).Msg("deny path failed during rejection")
		}
		return result("", MatchRejected), nil
	}

	if err := e.contacts.SetState(ctx, c, contact.RouteRouted); err != nil {
		return nil, err
	}
	e.emit(ctx, events, external.EventRouted)

	frame := e.contactStateFrame(targ, c, p.Get("inboundNumber"))
	if err := e.sender.Send(ctx, frame); err != nil {
		if errors.Is(err, push.ErrStaleRecipient) {
			e.logger.Warn().
				Str("agent_id", targ.ID).
				Msg("lost connection to agent, releasing")
			if _, err := e.agents.SetState(ctx, targ.ID, agent.SubOffline, nil); err != nil {
				return nil, err
			}
			e.emit(ctx, events, external.EventAbandon)
			return result("", MatchAbandoned), nil
		}
		return nil, err
	}
	return result(targ.ID, MatchReady), nil
}

// proposeMatch selects the next routable agent and pins the contact to it
func (e *Engine) proposeMatch(
	ctx context.Context,
	p Params,
	c *contact.Contact,
	session *external.Session,
	events external.EventSink,
	result func(agentID, state string) *Response,
) (*Response, error) {
	next, err := e.agents.FindNextAgent(ctx, agentLocale(c.Locale))
	if err != nil {
		if errors.Is(err, agent.ErrNoAgentsAvailable) {
			e.emit(ctx, events, external.EventNoAvailable)
			return result("", MatchNoAvailable), nil
		}
		if errors.Is(err, agent.ErrNoneRoutable) {
			return result("", MatchPending), nil
		}
		return nil, err
	}

	expiry := e.now().Add(e.cfg.AgentStateExpiry)
	updated, err := e.agents.SetState(ctx, next.ID, next.State.String(), agent.Attrs(c.ID, expiry, ""))
	if err != nil {
		return nil, err
	}

	if updated.State.IsOnline() && updated.State.IsRoutable() {
		e.emit(ctx, events, external.EventRouted)
		frame := e.contactStateFrame(updated, c, p.Get("inboundNumber"))
		if err := e.sender.Send(ctx, frame); err != nil {
			// Confirmation pass reconciles a dead connection
			e.logger.Debug().Err(err).Str("agent_id", updated.ID).
				Msg("initial contact push failed")
		}
		if err := e.inbound.Prompt(ctx, session.ID, updated.ID); err != nil {
			return nil, err
		}
	}
	return result(updated.ID, MatchPending), nil
}

// contactStateFrame builds the contact assignment push for an agent
func (e *Engine) contactStateFrame(a *agent.Agent, c *contact.Contact, callerID string) push.Frame {
	attributes := caseData(c.Cases)
	attributes["callerID"] = callerID
	frame := push.NewFrame("phone", "setContactState", map[string]any{
		"state": map[string]any{
			"id":         a.ContactID,
			"attributes": attributes,
		},
	})
	frame.Meta.ConnectionID = a.ConnectionID
	frame.Meta.Endpoint = e.cfg.WSCallbackURL
	return frame
}

// emit reports a session lifecycle event, best effort
func (e *Engine) emit(ctx context.Context, events external.EventSink, event string) {
	if events == nil {
		return
	}
	if err := events(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event", event).Msg("failed to report session event")
	}
}

// nextTrigger advances the platform re-poll counter, wrapping at the bound
func (e *Engine) nextTrigger(current string) string {
	v, _ := strconv.Atoi(current)
	v += e.cfg.TriggerPromptStep
	if v >= e.cfg.TriggerPromptMax {
		v = 0
	}
	return strconv.Itoa(v)
}

// agentLocale converts a contact locale to the dash form agents store
func agentLocale(locale string) string {
	return strings.ReplaceAll(locale, "_", "-")
}
