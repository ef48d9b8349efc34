package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newInboundService(t *testing.T, f *apiFixture) *InboundService {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewInboundService(NewClient(srv.URL, "secret", zerolog.Nop()))
}

func TestCreateSessionAndEventSink(t *testing.T) {
	f := newAPIFixture()
	f.responses["/phone_inbound"] = Session{ID: 55, Priority: 2, SessionID: "sess-55"}
	svc := newInboundService(t, f)

	session, sink, err := svc.CreateSession(context.Background(), SessionParams{
		Number:     "+15551234567",
		Language:   "es-MX",
		IncidentID: "inc-1",
		ContactID:  "c-1",
		ANI:        "+15550000000",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID != 55 || session.Priority != 2 || session.SessionID != "sess-55" {
		t.Errorf("unexpected session: %+v", session)
	}

	created := f.last()
	if created.body["dnis"] != "+15551234567" || created.body["action"] != EventEnter {
		t.Errorf("unexpected create body: %+v", created.body)
	}
	if created.body["language"] != float64(7) {
		t.Errorf("expected language id 7, got %v", created.body["language"])
	}
	if created.body["session_id"] != "c-1" {
		t.Errorf("session should be keyed by the contact, got %v", created.body["session_id"])
	}

	if err := sink(context.Background(), EventRouted); err != nil {
		t.Fatalf("sink failed: %v", err)
	}
	routed := f.last()
	if routed.path != "/phone_inbound" || routed.body["action"] != EventRouted {
		t.Errorf("unexpected event report: %+v", routed)
	}
	if routed.body["dnis"] != "+15551234567" {
		t.Error("event report should replay the session body")
	}
}

func TestPrompt(t *testing.T) {
	f := newAPIFixture()
	svc := newInboundService(t, f)

	if err := svc.Prompt(context.Background(), 55, "agent-1"); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	req := f.last()
	if req.method != http.MethodPost || req.path != "/phone_inbound/55/call" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	if req.body["agent"] != "agent-1" {
		t.Errorf("unexpected body: %+v", req.body)
	}
}

func TestLanguageID(t *testing.T) {
	tests := []struct {
		tag  string
		want int
	}{
		{"en_US", 2},
		{"en-US", 2},
		{"es_MX", 7},
		{"es-MX", 7},
		{"fr-FR", 2},
		{"", 2},
	}
	for _, tt := range tests {
		if got := LanguageID(tt.tag); got != tt.want {
			t.Errorf("LanguageID(%q) = %d, want %d", tt.tag, got, tt.want)
		}
	}
}
