package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/store"
)

// Client types
const (
	TypeUser  = "user"
	TypeAdmin = "admin"
)

// Record attribute names
const (
	attrUserID = "user_id"
	attrConn   = "connection_id"
	attrType   = "client_type"
	attrTTL    = "ttl"
)

// ErrNotFound is returned when no live client matches a lookup
var ErrNotFound = errors.New("client not found")

// Client is one connected UI session
type Client struct {
	UserID       string
	ConnectionID string
	Type         string
	TTL          int64 // unix seconds
}

// IsAdmin reports whether the session is admin-typed
func (c *Client) IsAdmin() bool { return c.Type == TypeAdmin }

// Registry tracks connected UI sessions with heartbeat leases
type Registry struct {
	db     store.Store
	table  string
	agents *agent.Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewRegistry creates a client registry on the given table
func NewRegistry(db store.Store, table string, agents *agent.Store, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		db:     db,
		table:  table,
		agents: agents,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "clients").Logger(),
	}
}

// WithClock overrides the registry's clock, for tests
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Heartbeat upserts the session lease and connection token. When the
// session fronts an agent, the agent's stored connection token is
// refreshed too, and a self-reported substate is patched in only while
// the agent holds no contact, so a heartbeat never clobbers an active
// call.
func (r *Registry) Heartbeat(ctx context.Context, userID, connectionID, clientType, agentID, agentState string) (*Client, error) {
	if clientType == "" {
		clientType = TypeUser
	}
	ttl := r.now().Add(r.ttl).Unix()
	err := r.db.Update(ctx, r.table, store.Key{attrUserID: userID}, store.Record{
		attrConn: connectionID,
		attrType: clientType,
		attrTTL:  float64(ttl),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if agentID != "" {
		err := r.agents.UpdateConnection(ctx, agentID, connectionID)
		if err != nil && !errors.Is(err, agent.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			// Unknown agent id: keep the session lease, skip the agent side
			r.logger.Debug().
				Str("agent_id", agentID).
				Msg("heartbeat names an unknown agent, connection refresh skipped")
		} else if agentState != "" {
			patched, err := r.agents.PatchStateIfIdle(ctx, agentID, agentState)
			if err != nil {
				return nil, err
			}
			if !patched {
				r.logger.Debug().
					Str("agent_id", agentID).
					Msg("agent holds a contact, heartbeat state patch skipped")
			}
		}
	}

	return &Client{UserID: userID, ConnectionID: connectionID, Type: clientType, TTL: ttl}, nil
}

// Resolve finds a live session by user id, falling back to a reverse
// lookup by connection token. Expired records are purged and reported
// as not found.
func (r *Registry) Resolve(ctx context.Context, userID, connectionID string) (*Client, error) {
	if userID != "" {
		rec, err := r.db.Get(ctx, r.table, store.Key{attrUserID: userID})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to resolve client %s: %w", userID, err)
		}
		return r.liveOrPurge(ctx, fromRecord(rec))
	}

	if connectionID == "" {
		return nil, ErrNotFound
	}
	recs, err := r.db.Query(ctx, r.table, store.Query{
		Index:     store.ClientConnIndex,
		HashValue: connectionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client by connection: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return r.liveOrPurge(ctx, fromRecord(recs[0]))
}

func (r *Registry) liveOrPurge(ctx context.Context, c *Client) (*Client, error) {
	if c.TTL > 0 && r.now().Unix() > c.TTL {
		r.logger.Debug().Str("user_id", c.UserID).Msg("purging expired client")
		if err := r.db.Delete(ctx, r.table, store.Key{attrUserID: c.UserID}); err != nil {
			return nil, fmt.Errorf("failed to purge expired client: %w", err)
		}
		return nil, ErrNotFound
	}
	return c, nil
}

// All lists non-expired sessions
func (r *Registry) All(ctx context.Context) ([]*Client, error) {
	recs, err := r.db.Scan(ctx, r.table)
	if err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}
	return r.live(recs), nil
}

// AllAdmins lists non-expired admin sessions
func (r *Registry) AllAdmins(ctx context.Context) ([]*Client, error) {
	recs, err := r.db.Query(ctx, r.table, store.Query{
		Index:     store.ClientTypeIndex,
		HashValue: TypeAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query admin clients: %w", err)
	}
	return r.live(recs), nil
}

func (r *Registry) live(recs []store.Record) []*Client {
	now := r.now().Unix()
	clients := make([]*Client, 0, len(recs))
	for _, rec := range recs {
		c := fromRecord(rec)
		if c.TTL > 0 && now > c.TTL {
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

func fromRecord(rec store.Record) *Client {
	return &Client{
		UserID:       rec.String(attrUserID),
		ConnectionID: rec.String(attrConn),
		Type:         rec.String(attrType),
		TTL:          int64(rec.Number(attrTTL)),
	}
}
