package engine

import (
	"context"
	"errors"
	"time"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/client"
	"github.com/openacd/controlplane/internal/contact"
	"github.com/openacd/controlplane/internal/push"
)

// Prompt call types echoed back from SET_AGENT_STATE
const (
	CallTypeInbound  = "INBOUND"
	CallTypeOutbound = "OUTBOUND"
)

// setAgentState resolves and persists the requested agent state, with
// stuck-call recovery for agents that never finished dialing out
func (e *Engine) setAgentState(ctx context.Context, p Params) (*Response, error) {
	agentID := p.Get("agentId")

	existing, err := e.agents.Get(ctx, agentID)
	if err != nil && !errors.Is(err, agent.ErrNotFound) {
		return nil, err
	}

	st := resolveState(existing, p.Get("agentState"))

	// Pending and dialing substates always carry a look-ahead expiry so a
	// stalled connection can be released later. Agents already pinned to a
	// contact keep the expiry that came with the pin.
	var expiry time.Time
	if agent.RequiresExpiry(st.Sub) && (existing == nil || existing.ContactID == "") {
		expiry = e.now().Add(e.cfg.AgentStateExpiry)
	}
	attrs := agent.Attrs(p.Get("initContactId"), expiry, p.Get("connectionId"))

	if st.Sub == agent.SubCallingCustomer && existing != nil && existing.ContactID != "" &&
		existing.State.Sub == agent.SubCallingCustomer && existing.StateExpired(e.now()) {
		// Stuck mid-dial past the expiry: force a clean release
		e.logger.Warn().
			Str("agent_id", agentID).
			Str("contact_id", existing.ContactID).
			Msg("dial expired, forcing agent offline")
		st = agent.State{
			Online: agent.FlagOffline,
			Route:  agent.ClassNotRoutable,
			Sub:    agent.SubNotRoutable,
		}
		attrs = agent.ClearContactAttrs()
	}

	updated, err := e.agents.SetState(ctx, agentID, st.String(), attrs)
	if err != nil {
		return nil, err
	}

	if p.Origin() != OriginWS {
		e.pushAgentResync(ctx, p, updated)
	}

	callType := CallTypeOutbound
	if p.Has("currentContactId") {
		callType = CallTypeInbound
	}
	return &Response{Data: map[string]any{"promptCallType": callType}}, nil
}

// pushAgentResync tells the agent's UI about a state change it did not
// originate, including the live contact if one is pinned
func (e *Engine) pushAgentResync(ctx context.Context, p Params, a *agent.Agent) {
	cl, err := e.clients.Resolve(ctx, p.Get("userId"), p.Get("connectionId"))
	if err != nil {
		if !errors.Is(err, client.ErrNotFound) {
			e.logger.Error().Err(err).Msg("failed to resolve client for resync")
		}
		return
	}

	frame := push.NewFrame("phone", "setAgentState", map[string]any{
		"state": a.State.Sub,
	})
	frame.Meta.ConnectionID = cl.ConnectionID
	frame.Meta.Endpoint = e.cfg.WSCallbackURL
	if err := e.sender.Send(ctx, frame); err != nil {
		e.logger.Debug().Err(err).Str("agent_id", a.ID).Msg("agent resync push failed")
		return
	}

	if a.ContactID == "" {
		return
	}
	c, err := e.contacts.Load(ctx, a.ContactID)
	if err != nil {
		e.logger.Error().Err(err).Str("contact_id", a.ContactID).
			Msg("failed to load contact for resync")
		return
	}
	cframe := e.contactStateFrame(a, c, "")
	cframe.Meta.ConnectionID = cl.ConnectionID
	if err := e.sender.Send(ctx, cframe); err != nil {
		e.logger.Debug().Err(err).Str("contact_id", c.ID).Msg("contact resync push failed")
	}
}

// getAgentState reads one agent's state; ws-origin callers get it as a
// push frame so the softphone can resync in place
func (e *Engine) getAgentState(ctx context.Context, p Params) (*Response, error) {
	a, err := e.agents.Get(ctx, p.Get("agentId"))
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return &Response{Data: map[string]any{}}, nil
		}
		return nil, err
	}

	if p.Origin() == OriginWS {
		frame := push.NewFrame("phone", "setAgentState", map[string]any{
			"state": a.State.Sub,
		})
		return &Response{
			Data:   map[string]any{"state": a.State.String()},
			Frames: []push.Frame{frame},
		}, nil
	}
	return &Response{Data: map[string]any{"state": a.State.String()}}, nil
}

// getAgents pushes the full agent roster to the requesting client
func (e *Engine) getAgents(ctx context.Context, p Params) (*Response, error) {
	agents, err := e.agents.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	roster := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		roster = append(roster, map[string]any{
			"agentId":          a.ID,
			"state":            a.State.String(),
			"currentContactId": a.ContactID,
			"locale":           a.Locale,
		})
	}

	cl, err := e.clients.Resolve(ctx, p.Get("userId"), p.Get("connectionId"))
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return &Response{Data: map[string]any{"agents": roster}}, nil
		}
		return nil, err
	}

	frame := push.NewFrame("phone", "getAgentMetrics", map[string]any{
		"agents": roster,
	})
	frame.Meta.ConnectionID = cl.ConnectionID
	frame.Meta.Endpoint = e.cfg.WSCallbackURL
	if err := e.sender.Send(ctx, frame); err != nil {
		e.logger.Debug().Err(err).Str("user_id", cl.UserID).Msg("agent roster push failed")
	}
	return &Response{Data: map[string]any{}}, nil
}

// clientHeartbeat refreshes the session lease and the fronted agent's
// connection token
func (e *Engine) clientHeartbeat(ctx context.Context, p Params) (*Response, error) {
	cl, err := e.clients.Heartbeat(ctx,
		p.Get("userId"),
		p.Get("connectionId"),
		p.Get("type"),
		p.Get("agentId"),
		p.Get("agentState"),
	)
	if err != nil {
		return nil, err
	}
	return &Response{Data: map[string]any{"ttl": cl.TTL}}, nil
}

// transferANI asks the platform which ANI to dial for an outbound transfer
func (e *Engine) transferANI(ctx context.Context, p Params) (*Response, error) {
	ani, err := e.transfers.RequestTransferANI(ctx, p.Get("inboundNumber"))
	if err != nil {
		return nil, err
	}
	return &Response{Data: map[string]any{"ani": ani}}, nil
}

// recvTransferContact confirms an inbound transfer and re-queues the
// transferred contact for matching
func (e *Engine) recvTransferContact(ctx context.Context, p Params) (*Response, error) {
	contactID := p.Get("initContactId")
	if err := e.transfers.ResolveContactTransfer(ctx, contactID, e.cfg.VerifyANI); err != nil {
		return nil, err
	}

	c, err := e.contacts.Load(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if p.Has("userLanguage") {
		c.Locale = contact.NormalizeLocale(p.Get("userLanguage"))
	}
	if err := e.contacts.SetState(ctx, c, contact.RouteQueued); err != nil {
		return nil, err
	}
	return &Response{Data: map[string]any{"status": "RESOLVED"}}, nil
}

// determineVerifyANI checks whether the presented ANI is the platform's
// verified transfer address
func (e *Engine) determineVerifyANI(_ context.Context, p Params) (*Response, error) {
	status := "UNVERIFIED"
	if e.cfg.VerifyANI != "" && p.Get("ani") == e.cfg.VerifyANI {
		status = "VERIFIED"
	}
	return &Response{Data: map[string]any{"status": status}}, nil
}

// resolveState classifies the requested state, filling a missing substate
// fragment from the agent's existing record
func resolveState(existing *agent.Agent, value string) agent.State {
	st := agent.Classify(value)
	if st.Sub == "" {
		if existing != nil && existing.State.Sub != "" {
			st.Sub = existing.State.Sub
		} else {
			st.Sub = st.Route
		}
	}
	return st
}
