package engine

import (
	"context"
	"errors"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/contact"
	"github.com/openacd/controlplane/internal/external"
	"github.com/openacd/controlplane/internal/metrics"
	"github.com/openacd/controlplane/internal/push"
)

// checkCase resolves the caller's case history onto the contact, once.
// A caller with no case history is a hard failure: the telephony flow
// branches on it.
func (e *Engine) checkCase(ctx context.Context, p Params) (*Response, error) {
	c, err := e.contacts.Load(ctx, p.Get("initContactId"))
	if err != nil {
		return nil, err
	}

	// Caller already resolved upstream: store and echo
	if p.Has("worksites") || p.Has("ids") {
		c.Cases = contact.Cases{
			IDs:       p.Get("ids"),
			PDAs:      p.Get("pdas"),
			Worksites: p.Get("worksites"),
		}
		if err := e.contacts.SetState(ctx, c, contact.RouteQueued); err != nil {
			return nil, err
		}
		return &Response{Data: caseData(c.Cases)}, nil
	}

	// Already resolved on a previous pass
	if c.Cases.HasAny() {
		return &Response{Data: caseData(c.Cases)}, nil
	}

	set, err := e.cases.ResolveCasesByNumber(ctx, p.Get("inboundNumber"), p.Get("incidentId"))
	if err != nil {
		return nil, err
	}
	if !set.HasAny() {
		return nil, ErrCaseNotFound
	}

	c.Cases = contact.Cases{
		IDs:       external.Join(set.IDs),
		PDAs:      external.Join(set.PDAs),
		Worksites: external.Join(set.Worksites),
	}
	if err := e.contacts.SetState(ctx, c, contact.RouteQueued); err != nil {
		return nil, err
	}
	return &Response{Data: caseData(c.Cases)}, nil
}

// createCallback converts a queued call into a scheduled outbound
// callback, moving one unit from the queued counter to the callback
// counter for the contact's locale
func (e *Engine) createCallback(ctx context.Context, p Params) (*Response, error) {
	number := p.Get("inboundNumber")
	if err := e.cases.CreateCallback(ctx,
		number,
		p.Get("userLanguage"),
		p.Get("incidentId"),
		p.Get("initContactId"),
		p.Get("callAni"),
	); err != nil {
		return nil, err
	}
	if err := e.cases.Unlock(ctx, number); err != nil {
		return nil, err
	}

	c, err := e.contacts.Load(ctx, p.Get("initContactId"))
	if err != nil {
		return nil, err
	}
	locale := c.Locale
	if err := e.contacts.Delete(ctx, c.ID); err != nil {
		return nil, err
	}

	moves := []struct {
		name  string
		delta int64
	}{
		{metrics.MetricQueued, -1},
		{metrics.LocaleKey(metrics.MetricQueued, locale), -1},
		{metrics.MetricCallbacks, 1},
		{metrics.LocaleKey(metrics.MetricCallbacks, locale), 1},
	}
	for _, m := range moves {
		if err := e.counters.Add(ctx, m.name, m.delta); err != nil {
			return nil, err
		}
	}
	return &Response{Data: map[string]any{"status": "CREATED"}}, nil
}

// denyCallback forces the agent offline, tells its UI the call was
// missed, and unlocks the caller's outbound record for another round
func (e *Engine) denyCallback(ctx context.Context, p Params) (*Response, error) {
	agentID := p.Get("agentId")

	existing, err := e.agents.Get(ctx, agentID)
	if err != nil && !errors.Is(err, agent.ErrNotFound) {
		return nil, err
	}
	pinned := p.Get("currentContactId")
	if pinned == "" && existing != nil {
		pinned = existing.ContactID
	}

	updated, err := e.agents.SetState(ctx, agentID, agent.SubOffline, nil)
	if err != nil {
		return nil, err
	}

	if pinned != "" {
		frame := push.NewFrame("phone", "setContactState", map[string]any{
			"state": map[string]any{
				"id":     pinned,
				"action": contact.ActionMissed,
			},
		})
		frame.Meta.ConnectionID = updated.ConnectionID
		frame.Meta.Endpoint = e.cfg.WSCallbackURL
		if err := e.sender.Send(ctx, frame); err != nil {
			e.logger.Debug().Err(err).Str("agent_id", agentID).
				Msg("missed-call push failed")
		}
	}

	if number := p.Get("inboundNumber"); number != "" {
		if err := e.cases.Unlock(ctx, number); err != nil {
			return nil, err
		}
	} else {
		e.logger.Info().Str("agent_id", agentID).
			Msg("no inbound number on deny, skipping unlock")
	}
	return &Response{Data: map[string]any{"status": "UNLOCKED"}}, nil
}

// updateContact re-applies a call action to the contact and returns the
// refreshed contact roster
func (e *Engine) updateContact(ctx context.Context, p Params) (*Response, error) {
	c, err := e.contacts.Load(ctx, p.Get("contactId"))
	if err != nil {
		return nil, err
	}
	c.ApplyAction(p.Get("action"))
	if err := e.contacts.SetState(ctx, c, ""); err != nil {
		return nil, err
	}
	return e.getContacts(ctx, p)
}

// getContacts returns the non-expired contact roster as a metrics frame
func (e *Engine) getContacts(ctx context.Context, _ Params) (*Response, error) {
	contacts, err := e.contacts.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	roster := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		roster = append(roster, map[string]any{
			"contactId":        c.ID,
			"state":            c.State(),
			"priority":         c.Priority,
			"action":           c.Action,
			"agentId":          c.AgentID,
			"cases":            caseData(c.Cases),
			"enteredTimestamp": c.EnteredAt,
		})
	}

	frame := push.NewFrame("phone", "setContactMetrics", map[string]any{
		"contacts": roster,
	})
	return &Response{
		Data:   map[string]any{"contacts": roster},
		Frames: []push.Frame{frame},
	}, nil
}
