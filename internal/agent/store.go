package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/store"
)

// Record attribute names
const (
	attrID       = "agent_id"
	attrState    = "state"
	attrEntered  = "entered_timestamp"
	attrContact  = "current_contact_id"
	attrStateTTL = "state_ttl"
	attrConn     = "connection_id"
	attrActive   = "active"
	attrLocale   = "locale"
)

// DefaultLocale is assumed for agents that never reported one
const DefaultLocale = "en-US"

// LocaleSeparator joins the tags of a multi-locale agent
const LocaleSeparator = "#"

var (
	// ErrNoAgentsAvailable means the active-online set is empty
	ErrNoAgentsAvailable = errors.New("no agents are available")
	// ErrNoneRoutable means agents are online but none is free right now
	ErrNoneRoutable = errors.New("agents online but none routable")
	// ErrNotFound is returned for point reads of unknown agents
	ErrNotFound = errors.New("agent not found")
)

// Agent is a support worker's tracked routing state
type Agent struct {
	ID           string
	State        State
	EnteredAt    time.Time
	ContactID    string
	StateExpiry  time.Time // zero when unset
	ConnectionID string
	Locale       string
}

// HasLocale reports whether the agent serves the given language tag
func (a *Agent) HasLocale(tag string) bool {
	return strings.Contains(a.Locale, tag)
}

// StateExpired reports whether the look-ahead expiry has elapsed
func (a *Agent) StateExpired(now time.Time) bool {
	return !a.StateExpiry.IsZero() && now.After(a.StateExpiry)
}

// Store is the agent state machine over the record store
type Store struct {
	db     store.Store
	table  string
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates an agent store on the given table
func NewStore(db store.Store, table string, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		table:  table,
		now:    time.Now,
		logger: logger.With().Str("component", "agents").Logger(),
	}
}

// WithClock overrides the store's clock, for tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get is a point read of one agent
func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	rec, err := s.db.Get(ctx, s.table, store.Key{attrID: agentID})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch agent %s: %w", agentID, err)
	}
	return fromRecord(rec), nil
}

// SetState classifies the requested state, computes the attribute set to
// carry forward versus drop, merges the caller-supplied attrs, and writes
// the full record unconditionally (last write wins). Supplying a nil
// attr value forces the attribute to be dropped even when the substate
// would otherwise inherit it.
func (s *Store) SetState(ctx context.Context, agentID, state string, attrs map[string]any) (*Agent, error) {
	existing, err := s.Get(ctx, agentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	st := Classify(state)
	rec := store.Record{
		attrID:      agentID,
		attrState:   st.String(),
		attrEntered: s.now().UTC().Format(time.RFC3339),
	}

	// active is derived: present iff the agent is online. The state-index
	// keys on it, so offline agents drop out of routing queries entirely.
	if st.IsOnline() {
		rec[attrActive] = "y"
	}

	// Contact pin and expiry are inherited only by substates that hold a
	// call; entering a clearing substate releases them. Caller-supplied
	// attrs always win, so the matcher can pin a contact onto a routable
	// agent without changing its state.
	carried := []string{attrConn, attrLocale}
	if requiresContact(st.Sub) {
		carried = append(carried, attrContact, attrStateTTL)
	}
	if clearsContact(st.Sub) && existing != nil && existing.ContactID != "" {
		s.logger.Debug().Str("agent_id", agentID).Str("contact_id", existing.ContactID).
			Msg("agent leaving call, releasing contact")
	}

	merged := map[string]any{}
	for _, name := range carried {
		if existing != nil {
			if v := existingAttr(existing, name); v != nil {
				merged[name] = v
			}
		}
	}
	for name, v := range attrs {
		if v == nil {
			delete(merged, name)
			continue
		}
		merged[name] = v
	}
	for name, v := range merged {
		rec[name] = v
	}

	if !rec.Has(attrLocale) {
		rec[attrLocale] = DefaultLocale
	}

	if err := s.db.Put(ctx, s.table, rec); err != nil {
		return nil, fmt.Errorf("failed to set agent state: %w", err)
	}

	agent := fromRecord(rec)
	s.logger.Debug().
		Str("agent_id", agentID).
		Str("state", agent.State.String()).
		Str("contact_id", agent.ContactID).
		Msg("agent state set")
	return agent, nil
}

// GetTargetAgent re-finds the agent currently pinned to a contact.
// Returns nil without error when no agent holds the contact.
func (s *Store) GetTargetAgent(ctx context.Context, contactID string) (*Agent, error) {
	recs, err := s.db.Query(ctx, s.table, store.Query{
		Index:     store.AgentContactIndex,
		HashValue: contactID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query target agent: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return fromRecord(recs[0]), nil
}

// FindNextAgent selects the longest-waiting routable agent serving the
// locale. It fails with ErrNoAgentsAvailable when no agent is online for
// the locale at all, and ErrNoneRoutable when agents are online but all
// busy, so callers poll again rather than erroring.
func (s *Store) FindNextAgent(ctx context.Context, locale string) (*Agent, error) {
	recs, err := s.db.Query(ctx, s.table, store.Query{
		Index:       store.AgentStateIndex,
		HashValue:   "y",
		RangePrefix: FlagOnline + "#",
		Filters: []store.Filter{
			{Name: attrLocale, Op: store.FilterContains, Value: locale},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query online agents: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNoAgentsAvailable
	}

	var routable []*Agent
	for _, rec := range recs {
		a := fromRecord(rec)
		if a.State.IsRoutable() {
			routable = append(routable, a)
		}
	}
	if len(routable) == 0 {
		s.logger.Debug().Str("locale", locale).Int("online", len(recs)).
			Msg("active agents found, but none are currently routable")
		return nil, ErrNoneRoutable
	}

	// Longest waiting wins: earliest entered_timestamp among the routable set
	next := routable[0]
	for _, a := range routable[1:] {
		if a.EnteredAt.Before(next.EnteredAt) {
			next = a
		}
	}

	s.logger.Debug().
		Str("agent_id", next.ID).
		Time("entered", next.EnteredAt).
		Msg("found longest-waiting routable agent")
	return next, nil
}

// GetAll lists every tracked agent
func (s *Store) GetAll(ctx context.Context) ([]*Agent, error) {
	recs, err := s.db.Scan(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("failed to scan agents: %w", err)
	}
	agents := make([]*Agent, 0, len(recs))
	for _, rec := range recs {
		agents = append(agents, fromRecord(rec))
	}
	return agents, nil
}

// UpdateConnection stores a fresh push connection token on the agent.
// Unknown agents report ErrNotFound; the update never creates a record,
// so a heartbeat naming a stale agent id cannot plant a half-formed
// agent in the roster.
func (s *Store) UpdateConnection(ctx context.Context, agentID, connectionID string) error {
	if _, err := s.Get(ctx, agentID); err != nil {
		return err
	}
	err := s.db.Update(ctx, s.table, store.Key{attrID: agentID}, store.Record{
		attrConn: connectionID,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to update agent connection: %w", err)
	}
	return nil
}

// PatchStateIfIdle sets the agent's composite state only when the agent
// holds no contact, so a heartbeat never clobbers an active call.
// Returns false when the guard failed.
func (s *Store) PatchStateIfIdle(ctx context.Context, agentID, state string) (bool, error) {
	st := Classify(state)
	err := s.db.Update(ctx, s.table, store.Key{attrID: agentID}, store.Record{
		attrState: st.String(),
	}, &store.Condition{NotExists: attrContact})
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to patch agent state: %w", err)
	}
	return true, nil
}

// FromChangeRecord converts a change-feed snapshot into an Agent.
// Returns nil for nil images.
func FromChangeRecord(rec store.Record) *Agent {
	if rec == nil {
		return nil
	}
	return fromRecord(rec)
}

func fromRecord(rec store.Record) *Agent {
	a := &Agent{
		ID:           rec.String(attrID),
		State:        Classify(rec.String(attrState)),
		ContactID:    rec.String(attrContact),
		ConnectionID: rec.String(attrConn),
		Locale:       rec.String(attrLocale),
	}
	if a.Locale == "" {
		a.Locale = DefaultLocale
	}
	if ts := rec.String(attrEntered); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			a.EnteredAt = t
		}
	}
	if ms := rec.Number(attrStateTTL); ms > 0 {
		a.StateExpiry = time.UnixMilli(int64(ms))
	}
	return a
}

// toAttrs builds the caller-supplied attribute bag for SetState
func toAttrs(contactID string, expiry time.Time, connectionID string) map[string]any {
	attrs := map[string]any{}
	if contactID != "" {
		attrs[attrContact] = contactID
	}
	if !expiry.IsZero() {
		attrs[attrStateTTL] = float64(expiry.UnixMilli())
	}
	if connectionID != "" {
		attrs[attrConn] = connectionID
	}
	return attrs
}

// Attrs exposes attribute-bag construction to the dispatcher
func Attrs(contactID string, expiry time.Time, connectionID string) map[string]any {
	return toAttrs(contactID, expiry, connectionID)
}

// ClearContactAttrs marks the contact pin and expiry for removal
func ClearContactAttrs() map[string]any {
	return map[string]any{attrContact: nil, attrStateTTL: nil}
}

func existingAttr(a *Agent, name string) any {
	switch name {
	case attrConn:
		if a.ConnectionID != "" {
			return a.ConnectionID
		}
	case attrLocale:
		if a.Locale != "" {
			return a.Locale
		}
	case attrContact:
		if a.ContactID != "" {
			return a.ContactID
		}
	case attrStateTTL:
		if !a.StateExpiry.IsZero() {
			return float64(a.StateExpiry.UnixMilli())
		}
	}
	return nil
}
