package contact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/store"
)

const testTable = "acd-contacts"

func newTestStore(t *testing.T) (*Store, *store.MemoryStore) {
	t.Helper()
	db := store.NewMemoryStore([]store.Table{{
		Name:    testTable,
		HashKey: "contact_id",
		Indexes: []store.Index{
			{Name: store.ContactStateIndex, HashKey: "state"},
		},
	}})
	return NewStore(db, testTable, 180*time.Second, zerolog.Nop()), db
}

func TestLoadUnknownContactReturnsDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	c, err := s.Load(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.ID != "c-1" || c.Priority != 1 || c.Routed {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.TTL != 0 {
		t.Error("unpersisted contact should carry no ttl")
	}
}

func TestSetStatePersistsAndRefreshes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, _ := s.Load(ctx, "c-1")
	c.Locale = "es_MX"
	c.Cases = Cases{IDs: "12", PDAs: "", Worksites: "44"}
	if err := s.SetState(ctx, c, RouteRouted); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	got, err := s.Load(ctx, "c-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.State() != "es_MX#routed" {
		t.Errorf("expected es_MX#routed, got %s", got.State())
	}
	if got.Cases.IDs != "12" || got.Cases.Worksites != "44" {
		t.Errorf("cases did not persist: %+v", got.Cases)
	}
	if got.TTL == 0 {
		t.Error("persisted contact should carry a ttl")
	}
}

func TestLoadExpiredQueuedContactResets(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	c, _ := s.Load(ctx, "c-1")
	if err := s.SetState(ctx, c, RouteQueued); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	s.WithClock(func() time.Time { return time.Now().Add(200 * time.Second) })

	got, err := s.Load(ctx, "c-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Routed || got.TTL != 0 {
		t.Errorf("expired queued contact should reset to defaults: %+v", got)
	}
	if _, err := db.Get(ctx, testTable, store.Key{"contact_id": "c-1"}); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired contact should be deleted from the store")
	}
}

func TestLoadExpiredRoutedContactRecovers(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	c, _ := s.Load(ctx, "c-1")
	c.Locale = "es_MX"
	c.AgentID = "A"
	c.Cases = Cases{IDs: "12", PDAs: "", Worksites: ""}
	if err := s.SetState(ctx, c, RouteRouted); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	s.WithClock(func() time.Time { return time.Now().Add(200 * time.Second) })

	got, err := s.Load(ctx, "c-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Routed || got.AgentID != "A" || got.Cases.IDs != "12" {
		t.Errorf("routed recovery should keep state/cases/agent: %+v", got)
	}
	if got.TTL != 0 || got.EnteredAt != 0 {
		t.Error("recovered contact must not look freshly persisted")
	}
	if _, err := db.Get(ctx, testTable, store.Key{"contact_id": "c-1"}); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired contact should still be deleted from the store")
	}
}

func TestGetAllFiltersExpired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	fresh, _ := s.Load(ctx, "fresh")
	if err := s.SetState(ctx, fresh, RouteQueued); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	old, _ := s.Load(ctx, "old")
	if err := s.SetState(ctx, old, RouteQueued); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	// Age only the second record by rewinding its ttl write
	s.WithClock(func() time.Time { return time.Now().Add(-200 * time.Second) })
	if err := s.SetState(ctx, old, RouteQueued); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	s.WithClock(time.Now)

	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "fresh" {
		t.Errorf("expected only the fresh contact, got %+v", all)
	}
}

func TestCountInQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		c, _ := s.Load(ctx, id)
		c.Locale = "es_MX"
		if err := s.SetState(ctx, c, RouteQueued); err != nil {
			t.Fatalf("SetState failed: %v", err)
		}
	}
	other, _ := s.Load(ctx, "c")
	if err := s.SetState(ctx, other, RouteQueued); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	n, err := s.CountInQueue(ctx, "es-MX")
	if err != nil {
		t.Fatalf("CountInQueue failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 queued es_MX contacts, got %d", n)
	}
}

func TestLocaleOf(t *testing.T) {
	if LocaleOf("es_MX#queued") != "es_MX" {
		t.Error("expected locale half of composite state")
	}
	if LocaleOf("queued") != DefaultLocale {
		t.Error("bare state should fall back to the default locale")
	}
}
