package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/client"
	"github.com/openacd/controlplane/internal/config"
	"github.com/openacd/controlplane/internal/contact"
	"github.com/openacd/controlplane/internal/external"
	"github.com/openacd/controlplane/internal/metrics"
	"github.com/openacd/controlplane/internal/push"
)

// Action names accepted by the dispatcher
const (
	ActionCheckCase          = "CHECK_CASE"
	ActionCallback           = "CALLBACK"
	ActionDeniedCallback     = "DENIED_CALLBACK"
	ActionSetAgentState      = "SET_AGENT_STATE"
	ActionGetAgentState      = "GET_AGENT_STATE"
	ActionFindAgent          = "FIND_AGENT"
	ActionUpdateContact      = "UPDATE_CONTACT"
	ActionGetContacts        = "GET_CONTACTS"
	ActionGetAgents          = "GET_AGENTS"
	ActionClientHeartbeat    = "CLIENT_HEARTBEAT"
	ActionTransferANI        = "TRANSFER_ANI"
	ActionRecvTransfer       = "RECV_TRANSFER_CONTACT"
	ActionDetermineVerifyANI = "DETERMINE_VERIFY_ANI"
)

// Request origins. The telephony platform and the command worker dispatch
// as "connect"; socket messages dispatch as "ws".
const (
	OriginConnect = "connect"
	OriginWS      = "ws"
)

var (
	// ErrUnknownAction is returned for action names outside the dispatch table
	ErrUnknownAction = errors.New("unknown action")
	// ErrCaseNotFound terminates CHECK_CASE when the caller has no case history
	ErrCaseNotFound = errors.New("number has no associated cases")
)

// Params is the flat string parameter bag every action receives. The
// telephony platform casts all attributes to strings on the way in.
type Params map[string]string

// Get returns the named parameter, "" when absent
func (p Params) Get(name string) string { return p[name] }

// Has reports whether the parameter was supplied non-empty
func (p Params) Has(name string) bool { return p[name] != "" }

// Origin returns the request origin, defaulting to the platform
func (p Params) Origin() string {
	if p.Get("client") == OriginWS {
		return OriginWS
	}
	return OriginConnect
}

// Response is the result of one dispatched action. Frames carry push
// payloads a ws-origin caller should receive on its own socket.
type Response struct {
	Status string         `json:"status,omitempty"`
	Data   map[string]any `json:"data"`
	Frames []push.Frame   `json:"-"`
}

// CaseAPI resolves caller case history and manages outbound callbacks
type CaseAPI interface {
	ResolveCasesByNumber(ctx context.Context, number, incidentID string) (external.CaseSet, error)
	CreateCallback(ctx context.Context, number, language, incidentID, contactID, ani string) error
	Unlock(ctx context.Context, number string) error
}

// InboundAPI registers inbound call sessions and rings agents
type InboundAPI interface {
	CreateSession(ctx context.Context, p external.SessionParams) (*external.Session, external.EventSink, error)
	Prompt(ctx context.Context, sessionID int64, agentID string) error
}

// TransferAPI hands calls between telephony systems
type TransferAPI interface {
	RequestTransferANI(ctx context.Context, callerAddress string) (string, error)
	ResolveContactTransfer(ctx context.Context, contactID, verifyAddress string) error
}

// Engine dispatches telephony and UI actions against the live
// agent/contact state
type Engine struct {
	agents    *agent.Store
	contacts  *contact.Store
	clients   *client.Registry
	counters  *metrics.Counters
	cases     CaseAPI
	inbound   InboundAPI
	transfers TransferAPI
	sender    push.Sender
	cfg       *config.Config
	now       func() time.Time
	commands  chan Command
	logger    zerolog.Logger
}

// Deps bundles the engine's collaborators
type Deps struct {
	Agents    *agent.Store
	Contacts  *contact.Store
	Clients   *client.Registry
	Counters  *metrics.Counters
	Cases     CaseAPI
	Inbound   InboundAPI
	Transfers TransferAPI
	Sender    push.Sender
}

// New creates the engine
func New(deps Deps, cfg *config.Config, logger zerolog.Logger) *Engine {
	return &Engine{
		agents:    deps.Agents,
		contacts:  deps.Contacts,
		clients:   deps.Clients,
		counters:  deps.Counters,
		cases:     deps.Cases,
		inbound:   deps.Inbound,
		transfers: deps.Transfers,
		sender:    deps.Sender,
		cfg:       cfg,
		now:       time.Now,
		commands:  make(chan Command, 64),
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// WithClock overrides the engine's clock, for tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Dispatch runs one action against the parameter bag
func (e *Engine) Dispatch(ctx context.Context, action string, params Params) (*Response, error) {
	e.logger.Info().
		Str("action", action).
		Str("origin", params.Origin()).
		Msg("dispatching action")

	switch action {
	case ActionCheckCase:
		return e.checkCase(ctx, params)
	case ActionCallback:
		return e.createCallback(ctx, params)
	case ActionDeniedCallback:
		return e.denyCallback(ctx, params)
	case ActionSetAgentState:
		return e.setAgentState(ctx, params)
	case ActionGetAgentState:
		return e.getAgentState(ctx, params)
	case ActionFindAgent:
		return e.findAgent(ctx, params)
	case ActionUpdateContact:
		return e.updateContact(ctx, params)
	case ActionGetContacts:
		return e.getContacts(ctx, params)
	case ActionGetAgents:
		return e.getAgents(ctx, params)
	case ActionClientHeartbeat:
		return e.clientHeartbeat(ctx, params)
	case ActionTransferANI:
		return e.transferANI(ctx, params)
	case ActionRecvTransfer:
		return e.recvTransferContact(ctx, params)
	case ActionDetermineVerifyANI:
		return e.determineVerifyANI(ctx, params)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// HandleMessage adapts socket messages onto the dispatcher. The
// connection token is merged into the bag when the client asked for its
// metadata, matching what it would see on a push frame.
func (e *Engine) HandleMessage(ctx context.Context, connectionID string, msg push.InboundMessage) ([]push.Frame, error) {
	params := Params(msg.Params())
	params["client"] = OriginWS
	if msg.Options.IncludeMeta {
		params["connectionId"] = connectionID
	}

	resp, err := e.Dispatch(ctx, msg.Action, params)
	if err != nil {
		return nil, err
	}
	return resp.Frames, nil
}

// caseData renders a case set as the simple string map the platform expects
func caseData(c contact.Cases) map[string]any {
	return map[string]any{
		"ids":       c.IDs,
		"pdas":      c.PDAs,
		"worksites": c.Worksites,
	}
}
