package external

import (
	"context"
	"fmt"
	"net/http"
)

// Inbound session lifecycle events reported back to the platform
const (
	EventEnter       = "enter_ivr"
	EventQueued      = "queued"
	EventRouted      = "routed"
	EventReject      = "reject"
	EventAbandon     = "abandon"
	EventNoAvailable = "no_available"
)

// Session is one registered inbound call session
type Session struct {
	ID        int64  `json:"id"`
	Priority  int    `json:"priority"`
	SessionID string `json:"session_id"`
}

// EventSink reports a lifecycle event for an already-created session
type EventSink func(ctx context.Context, event string) error

// SessionParams describe the inbound call being registered
type SessionParams struct {
	Number     string
	Language   string
	IncidentID string
	ContactID  string
	ANI        string
}

// InboundService registers inbound call sessions and rings agents
type InboundService struct {
	client *Client
}

// NewInboundService creates the inbound service over the shared API client
func NewInboundService(client *Client) *InboundService {
	return &InboundService{client: client}
}

// CreateSession registers the inbound call and returns the session plus
// a sink for reporting its later lifecycle events
func (s *InboundService) CreateSession(ctx context.Context, p SessionParams) (*Session, EventSink, error) {
	body := map[string]any{
		"dnis":        p.Number,
		"language":    LanguageID(p.Language),
		"incident_id": []string{p.IncidentID},
		"session_id":  p.ContactID,
		"action":      EventEnter,
		"ani":         p.ANI,
	}

	var session Session
	if err := s.client.do(ctx, http.MethodPost, "/phone_inbound", nil, body, &session); err != nil {
		return nil, nil, fmt.Errorf("create inbound session: %w", err)
	}

	sink := func(ctx context.Context, event string) error {
		update := make(map[string]any, len(body))
		for k, v := range body {
			update[k] = v
		}
		update["action"] = event
		if err := s.client.do(ctx, http.MethodPost, "/phone_inbound", nil, update, nil); err != nil {
			return fmt.Errorf("report inbound event %s: %w", event, err)
		}
		return nil
	}
	return &session, sink, nil
}

// Prompt rings the agent for the session
func (s *InboundService) Prompt(ctx context.Context, sessionID int64, agentID string) error {
	path := fmt.Sprintf("/phone_inbound/%d/call", sessionID)
	body := map[string]any{"agent": agentID}
	if err := s.client.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("prompt agent %s: %w", agentID, err)
	}
	return nil
}
