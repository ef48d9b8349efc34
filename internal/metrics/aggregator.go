package metrics

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/client"
	"github.com/openacd/controlplane/internal/contact"
	"github.com/openacd/controlplane/internal/push"
	"github.com/openacd/controlplane/internal/store"
)

// DropHandler receives calls that were mid-connection when their agent
// went offline, so a callback can be queued in compensation
type DropHandler interface {
	CompensateDroppedCall(agentID, contactID string)
}

// agentSnapshot is the wire form of an agent pushed to dashboards
type agentSnapshot struct {
	AgentID   string `json:"agentId"`
	State     string `json:"state"`
	EnteredAt string `json:"enteredTimestamp,omitempty"`
	ContactID string `json:"currentContactId,omitempty"`
	Locale    string `json:"locale"`
}

func snapshotAgent(a *agent.Agent) agentSnapshot {
	s := agentSnapshot{
		AgentID:   a.ID,
		State:     a.State.String(),
		ContactID: a.ContactID,
		Locale:    a.Locale,
	}
	if !a.EnteredAt.IsZero() {
		s.EnteredAt = a.EnteredAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return s
}

// contactSnapshot is the wire form of a contact pushed to dashboards
type contactSnapshot struct {
	ContactID string        `json:"contactId"`
	State     string        `json:"state"`
	Priority  int           `json:"priority"`
	Action    string        `json:"action"`
	AgentID   string        `json:"agentId,omitempty"`
	Cases     contact.Cases `json:"cases"`
	EnteredAt int64         `json:"enteredTimestamp"`
}

func snapshotContact(c *contact.Contact) contactSnapshot {
	return contactSnapshot{
		ContactID: c.ID,
		State:     c.State(),
		Priority:  c.Priority,
		Action:    c.Action,
		AgentID:   c.AgentID,
		Cases:     c.Cases,
		EnteredAt: c.EnteredAt,
	}
}

// Aggregator folds change-feed batches into realtime counters and pushes
// fresh snapshots to connected dashboards
type Aggregator struct {
	counters *Counters
	clients  *client.Registry
	sender   push.Sender
	drops    DropHandler
	logger   zerolog.Logger
}

// NewAggregator creates the aggregator
func NewAggregator(counters *Counters, clients *client.Registry, sender push.Sender, drops DropHandler, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		counters: counters,
		clients:  clients,
		sender:   sender,
		drops:    drops,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}
}

// HandleAgentChanges folds one agent change-feed batch into the agent
// counters. Each delta is derived from the before/after image pair, so
// the batch describes movement, never absolute counts.
func (g *Aggregator) HandleAgentChanges(ctx context.Context, changes []store.Change) error {
	deltas := map[string]int64{}
	var updated []agentSnapshot

	for _, ch := range changes {
		before := agent.FromChangeRecord(ch.Before)
		after := agent.FromChangeRecord(ch.After)

		wasOnline, wasRoutable, wasConnected := flags(before)
		isOnline, isRoutable, isConnected := flags(after)

		locales := localeTags(after, before)
		move(deltas, MetricOnline, locales, diff(wasOnline, isOnline))
		move(deltas, MetricAvailable, locales, diff(wasRoutable, isRoutable))
		move(deltas, MetricOnCall, locales, diff(wasConnected, isConnected))

		// An agent that vanished or went offline while still dialing out
		// strands the caller; queue a compensating callback.
		if before != nil && before.State.Sub == agent.SubCallingCustomer &&
			before.State.IsOnline() && !isOnline && before.ContactID != "" {
			g.logger.Warn().
				Str("agent_id", before.ID).
				Str("contact_id", before.ContactID).
				Msg("agent dropped mid-dial, compensating")
			g.drops.CompensateDroppedCall(before.ID, before.ContactID)
		}

		if after != nil {
			updated = append(updated, snapshotAgent(after))
		}
	}

	if err := g.apply(ctx, deltas); err != nil {
		return err
	}

	if len(updated) > 0 {
		g.pushToAll(ctx, push.NewFrame("phone", "getAgentMetrics", map[string]any{
			"agents": updated,
		}))
	}
	return nil
}

// HandleContactChanges folds one contact change-feed batch into the
// queue counters and pushes the changed contacts to admin dashboards
func (g *Aggregator) HandleContactChanges(ctx context.Context, changes []store.Change) error {
	deltas := map[string]int64{}
	var updated []contactSnapshot

	for _, ch := range changes {
		switch ch.Event {
		case store.ChangeInsert:
			after := contact.FromChangeRecord(ch.After)
			move(deltas, MetricQueued, []string{after.Locale}, 1)
			updated = append(updated, snapshotContact(after))
		case store.ChangeRemove:
			before := contact.FromChangeRecord(ch.Before)
			move(deltas, MetricQueued, []string{before.Locale}, -1)
		case store.ChangeModify:
			updated = append(updated, snapshotContact(contact.FromChangeRecord(ch.After)))
		}
	}

	if err := g.apply(ctx, deltas); err != nil {
		return err
	}

	if len(updated) > 0 {
		g.pushToAdmins(ctx, push.NewFrame("phone", "setContactMetrics", map[string]any{
			"contacts": updated,
		}))
	}
	return nil
}

// apply writes the non-zero deltas through the counter store
func (g *Aggregator) apply(ctx context.Context, deltas map[string]int64) error {
	for name, delta := range deltas {
		if delta == 0 {
			continue
		}
		if err := g.counters.Add(ctx, name, delta); err != nil {
			return err
		}
	}
	return nil
}

// pushToAll fans the frame out to every live session, best effort
func (g *Aggregator) pushToAll(ctx context.Context, frame push.Frame) {
	clients, err := g.clients.All(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to list clients for push")
		return
	}
	g.fanOut(ctx, frame, clients)
}

// pushToAdmins fans the frame out to admin sessions only, best effort
func (g *Aggregator) pushToAdmins(ctx context.Context, frame push.Frame) {
	admins, err := g.clients.AllAdmins(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to list admin clients for push")
		return
	}
	g.fanOut(ctx, frame, admins)
}

func (g *Aggregator) fanOut(ctx context.Context, frame push.Frame, clients []*client.Client) {
	for _, c := range clients {
		frame.Meta.ConnectionID = c.ConnectionID
		if err := g.sender.Send(ctx, frame); err != nil {
			g.logger.Debug().
				Err(err).
				Str("user_id", c.UserID).
				Msg("push to client failed")
		}
	}
}

// flags derives the three counted conditions from one image; a nil image
// counts for nothing
func flags(a *agent.Agent) (online, routable, connected bool) {
	if a == nil {
		return false, false, false
	}
	online = a.State.IsOnline()
	routable = online && a.State.IsRoutable()
	connected = a.ContactID != ""
	return online, routable, connected
}

// diff turns a condition transition into a counter movement
func diff(was, is bool) int64 {
	switch {
	case is && !was:
		return 1
	case was && !is:
		return -1
	}
	return 0
}

// move applies a delta to the aggregate metric and each per-locale key
func move(deltas map[string]int64, metric string, locales []string, delta int64) {
	if delta == 0 {
		return
	}
	deltas[metric] += delta
	for _, tag := range locales {
		deltas[LocaleKey(metric, tag)] += delta
	}
}

// localeTags lists the normalized language tags of the freshest image
func localeTags(after, before *agent.Agent) []string {
	a := after
	if a == nil {
		a = before
	}
	if a == nil {
		return nil
	}
	raw := strings.Split(a.Locale, agent.LocaleSeparator)
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if t == "" {
			continue
		}
		tags = append(tags, contact.NormalizeLocale(t))
	}
	return tags
}
