package contact

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
	attrID        = "contact_id"
	attrState     = "state"
	attrPriority  = "priority"
	attrAction    = "action"
	attrAgentID   = "agent_id"
	attrCaseIDs   = "cases_ids"
	attrCasePDAs  = "cases_pdas"
	attrWorksites = "cases_worksites"
	attrEntered   = "entered_timestamp"
	attrTTL       = "ttl"
)

// Store persists contact queue/route state
type Store struct {
	db     store.Store
	table  string
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates a contact store on the given table
func NewStore(db store.Store, table string, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		table:  table,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "contacts").Logger(),
	}
}

// WithClock overrides the store's clock, for tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Load reads a contact, applying defaults for unknown ids. A record read
// past its ttl is abandoned: it is deleted, and if its last known route
// state was routed, the returned object carries the last known
// state/cases/agent so the caller can recover. Nothing is re-persisted.
func (s *Store) Load(ctx context.Context, contactID string) (*Contact, error) {
	rec, err := s.db.Get(ctx, s.table, store.Key{attrID: contactID})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug().Str("contact_id", contactID).Msg("contact not found, assuming new")
			return New(contactID), nil
		}
		return nil, fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}

	c := fromRecord(rec)
	if c.TTL > 0 && s.now().Unix() > c.TTL {
		s.logger.Info().
			Str("contact_id", contactID).
			Str("state", c.State()).
			Msg("contact expired, deleting")
		if err := s.Delete(ctx, contactID); err != nil {
			return nil, err
		}
		if c.Routed {
			// Best-effort recovery: hand back the last known route state
			c.TTL = 0
			c.EnteredAt = 0
			return c, nil
		}
		return New(contactID), nil
	}
	return c, nil
}

// SetState persists the contact with a refreshed timestamp and ttl.
// When newState is non-empty it is reparsed into locale and routed-ness
// first.
func (s *Store) SetState(ctx context.Context, c *Contact, newState string) error {
	if newState != "" {
		c.SetStateString(newState)
	}
	now := s.now()
	c.EnteredAt = now.Unix()
	c.TTL = now.Add(s.ttl).Unix()

	rec := store.Record{
		attrID:        c.ID,
		attrState:     c.State(),
		attrPriority:  float64(c.Priority),
		attrAction:    c.Action,
		attrCaseIDs:   c.Cases.IDs,
		attrCasePDAs:  c.Cases.PDAs,
		attrWorksites: c.Cases.Worksites,
		attrEntered:   now.UTC().Format(time.RFC3339),
		attrTTL:       float64(c.TTL),
	}
	if c.AgentID != "" {
		rec[attrAgentID] = c.AgentID
	}

	if err := s.db.Put(ctx, s.table, rec); err != nil {
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	s.logger.Debug().
		Str("contact_id", c.ID).
		Str("state", c.State()).
		Str("action", c.Action).
		Msg("contact saved")
	return nil
}

// Delete removes a contact record
func (s *Store) Delete(ctx context.Context, contactID string) error {
	if err := s.db.Delete(ctx, s.table, store.Key{attrID: contactID}); err != nil {
		return fmt.Errorf("failed to delete contact %s: %w", contactID, err)
	}
	return nil
}

// GetAll lists all non-expired contacts
func (s *Store) GetAll(ctx context.Context) ([]*Contact, error) {
	recs, err := s.db.Scan(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("failed to scan contacts: %w", err)
	}
	now := s.now().Unix()
	contacts := make([]*Contact, 0, len(recs))
	for _, rec := range recs {
		c := fromRecord(rec)
		if c.TTL > 0 && now > c.TTL {
			continue
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// CountInQueue counts non-expired contacts queued for the locale
func (s *Store) CountInQueue(ctx context.Context, locale string) (int, error) {
	state := NormalizeLocale(locale) + "#" + RouteQueued
	count, err := s.db.Count(ctx, s.table, store.Query{
		Index:     store.ContactStateIndex,
		HashValue: state,
		Filters: []store.Filter{
			{Name: attrTTL, Op: store.FilterGt, Value: float64(s.now().Unix())},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queued contacts: %w", err)
	}
	return count, nil
}

// FromChangeRecord converts a change-feed snapshot into a Contact.
// Returns nil for nil images.
func FromChangeRecord(rec store.Record) *Contact {
	if rec == nil {
		return nil
	}
	return fromRecord(rec)
}

func fromRecord(rec store.Record) *Contact {
	c := New(rec.String(attrID))
	if state := rec.String(attrState); state != "" {
		c.SetStateString(state)
	}
	if p := rec.Number(attrPriority); p > 0 {
		c.Priority = int(p)
	}
	if action := rec.String(attrAction); action != "" {
		c.Action = action
	}
	c.AgentID = rec.String(attrAgentID)
	if rec.Has(attrCaseIDs) {
		c.Cases.IDs = rec.String(attrCaseIDs)
	}
	if rec.Has(attrCasePDAs) {
		c.Cases.PDAs = rec.String(attrCasePDAs)
	}
	if rec.Has(attrWorksites) {
		c.Cases.Worksites = rec.String(attrWorksites)
	}
	if ts := rec.String(attrEntered); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			c.EnteredAt = t.Unix()
		}
	}
	c.TTL = int64(rec.Number(attrTTL))
	return c
}

// LocaleOf extracts the locale half of a composite contact state string
func LocaleOf(state string) string {
	if i := strings.Index(state, "#"); i > 0 {
		return state[:i]
	}
	return DefaultLocale
}
