package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/store"
)

const (
	clientsTable = "acd-clients"
	agentsTable  = "acd-agents"
)

func newTestRegistry(t *testing.T) (*Registry, *agent.Store, *store.MemoryStore) {
	t.Helper()
	db := store.NewMemoryStore([]store.Table{
		{
			Name:    clientsTable,
			HashKey: "user_id",
			Indexes: []store.Index{
				{Name: store.ClientTypeIndex, HashKey: "client_type"},
				{Name: store.ClientConnIndex, HashKey: "connection_id"},
			},
		},
		{
			Name:    agentsTable,
			HashKey: "agent_id",
			Indexes: []store.Index{
				{Name: store.AgentStateIndex, HashKey: "active", RangeKey: "state"},
				{Name: store.AgentContactIndex, HashKey: "current_contact_id"},
			},
		},
	})
	agents := agent.NewStore(db, agentsTable, zerolog.Nop())
	return NewRegistry(db, clientsTable, agents, 180*time.Second, zerolog.Nop()), agents, db
}

func TestHeartbeatUpsertsLease(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cl, err := r.Heartbeat(ctx, "u-1", "conn-1", "", "", "")
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if cl.Type != TypeUser {
		t.Errorf("expected default type user, got %s", cl.Type)
	}
	if cl.TTL <= time.Now().Unix() {
		t.Error("lease should extend into the future")
	}

	got, err := r.Resolve(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ConnectionID != "conn-1" {
		t.Errorf("expected connection conn-1, got %s", got.ConnectionID)
	}
}

func TestHeartbeatRefreshesAgentConnection(t *testing.T) {
	r, agents, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := agents.SetState(ctx, "A", agent.SubRoutable, nil); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}
	if _, err := r.Heartbeat(ctx, "u-1", "conn-2", TypeUser, "A", agent.SubNotRoutable); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	a, err := agents.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.ConnectionID != "conn-2" {
		t.Errorf("expected refreshed connection, got %s", a.ConnectionID)
	}
	if a.State.Sub != agent.SubNotRoutable {
		t.Errorf("idle agent substate should be patched, got %s", a.State.Sub)
	}
}

func TestHeartbeatToleratesUnknownAgent(t *testing.T) {
	r, agents, _ := newTestRegistry(t)
	ctx := context.Background()

	cl, err := r.Heartbeat(ctx, "u-1", "conn-1", TypeUser, "ghost", agent.SubRoutable)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if cl.TTL <= time.Now().Unix() {
		t.Error("session lease should still be granted")
	}
	if _, err := agents.Get(ctx, "ghost"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("heartbeat must not create an agent record, got %v", err)
	}
}

func TestHeartbeatNeverClobbersActiveCall(t *testing.T) {
	r, agents, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := agents.SetState(ctx, "A", agent.SubBusy,
		agent.Attrs("contact-1", time.Now().Add(time.Minute), "")); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}
	if _, err := r.Heartbeat(ctx, "u-1", "conn-2", TypeUser, "A", agent.SubRoutable); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	a, err := agents.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.State.Sub != agent.SubBusy {
		t.Errorf("on-call agent substate must stay Busy, got %s", a.State.Sub)
	}
}

func TestResolveByConnectionToken(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "u-1", "conn-1", TypeAdmin, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	cl, err := r.Resolve(ctx, "", "conn-1")
	if err != nil {
		t.Fatalf("Resolve by connection failed: %v", err)
	}
	if cl.UserID != "u-1" {
		t.Errorf("expected u-1, got %s", cl.UserID)
	}

	if _, err := r.Resolve(ctx, "", "conn-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolvePurgesExpired(t *testing.T) {
	r, _, db := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "u-1", "conn-1", TypeUser, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	r.WithClock(func() time.Time { return time.Now().Add(300 * time.Second) })

	if _, err := r.Resolve(ctx, "u-1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired client to report not found, got %v", err)
	}
	if _, err := db.Get(ctx, clientsTable, store.Key{"user_id": "u-1"}); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired client should be purged from the store")
	}
}

func TestAllAdmins(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "u-1", "conn-1", TypeUser, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if _, err := r.Heartbeat(ctx, "u-2", "conn-2", TypeAdmin, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	admins, err := r.AllAdmins(ctx)
	if err != nil {
		t.Fatalf("AllAdmins failed: %v", err)
	}
	if len(admins) != 1 || admins[0].UserID != "u-2" {
		t.Errorf("expected only u-2, got %+v", admins)
	}

	all, err := r.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 clients, got %d", len(all))
	}
}
