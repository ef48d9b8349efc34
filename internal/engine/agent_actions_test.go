package engine

import (
	"context"
	"testing"
	"time"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/client"
)

func TestSetAgentStateRoutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":    "A",
		"agentState": agent.SubRoutable,
		"client":     "ws",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if resp.Data["promptCallType"] != CallTypeOutbound {
		t.Errorf("no pinned contact means an outbound prompt, got %v", resp.Data["promptCallType"])
	}
	a, err := f.agents.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.State.String() != "online#routable#routable" {
		t.Errorf("unexpected composite %s", a.State)
	}
}

func TestSetAgentStateInboundCallType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":          "A",
		"agentState":       agent.SubPendingBusy,
		"initContactId":    "c-1",
		"currentContactId": "c-1",
		"client":           "ws",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Data["promptCallType"] != CallTypeInbound {
		t.Errorf("pinned contact means an inbound prompt, got %v", resp.Data["promptCallType"])
	}
}

func TestSetAgentStateFillsSubstateFromExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agents.SetState(ctx, "A", agent.SubNotRoutable, nil); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":    "A",
		"agentState": "online#routable#",
		"client":     "ws",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	a, _ := f.agents.Get(ctx, "A")
	if a.State.Sub != agent.SubNotRoutable {
		t.Errorf("empty substate should inherit the prior one, got %s", a.State.Sub)
	}
}

func TestSetAgentStateFirstDialStampsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":       "A",
		"agentState":    agent.SubCallingCustomer,
		"initContactId": "c-9",
		"client":        "ws",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	a, _ := f.agents.Get(ctx, "A")
	if a.ContactID != "c-9" {
		t.Errorf("dial should pin the contact, got %q", a.ContactID)
	}
	if a.StateExpiry.IsZero() || !a.StateExpiry.After(time.Now()) {
		t.Errorf("dial should stamp a future expiry, got %v", a.StateExpiry)
	}
}

func TestSetAgentStatePendingBusyStampsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":    "A",
		"agentState": agent.SubPendingBusy,
		"client":     "ws",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	a, err := f.agents.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.State.Sub != agent.SubPendingBusy {
		t.Errorf("expected substate PendingBusy, got %s", a.State.Sub)
	}
	if a.StateExpiry.IsZero() || !a.StateExpiry.After(time.Now()) {
		t.Errorf("pending connect should stamp a future expiry, got %v", a.StateExpiry)
	}
}

func TestSetAgentStateKeepsInheritedExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pinned := time.Now().Add(time.Minute)

	if _, err := f.agents.SetState(ctx, "A", agent.SubPendingBusy,
		agent.Attrs("c-1", pinned, "")); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":    "A",
		"agentState": agent.SubPendingBusy,
		"client":     "ws",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	a, _ := f.agents.Get(ctx, "A")
	if a.StateExpiry.UnixMilli() != pinned.UnixMilli() {
		t.Errorf("pinned agent should keep its expiry, got %v want %v", a.StateExpiry, pinned)
	}
	if a.ContactID != "c-1" {
		t.Errorf("pinned contact should carry forward, got %q", a.ContactID)
	}
}

func TestSetAgentStateForcesStuckDialOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agents.SetState(ctx, "A", agent.SubCallingCustomer,
		agent.Attrs("c-9", time.Now().Add(-time.Minute), "")); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":    "A",
		"agentState": agent.SubCallingCustomer,
		"client":     "ws",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	a, _ := f.agents.Get(ctx, "A")
	if a.State.String() != "offline#not_routable#not_routable" {
		t.Errorf("stuck dial should force the agent offline, got %s", a.State)
	}
	if a.ContactID != "" || !a.StateExpiry.IsZero() {
		t.Errorf("stuck dial should release the contact: %+v", a)
	}
}

func TestSetAgentStateResyncsPlatformOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.clients.Heartbeat(ctx, "u-1", "conn-1", client.TypeUser, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":    "A",
		"agentState": agent.SubRoutable,
		"userId":     "u-1",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	frames := f.sender.named("setAgentState")
	if len(frames) != 1 {
		t.Fatalf("expected one resync push, got %d", len(f.sender.frames))
	}
	if frames[0].Meta.ConnectionID != "conn-1" {
		t.Errorf("resync should address the client connection, got %s", frames[0].Meta.ConnectionID)
	}
}

func TestSetAgentStateResyncsPinnedContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.clients.Heartbeat(ctx, "u-1", "conn-1", client.TypeUser, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if _, err := f.eng.Dispatch(ctx, ActionSetAgentState, Params{
		"agentId":       "A",
		"agentState":    agent.SubPendingBusy,
		"initContactId": "c-1",
		"userId":        "u-1",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(f.sender.named("setContactState")) != 1 {
		t.Errorf("pinned contact should ride along on the resync, got %+v", f.sender.frames)
	}
}

func TestGetAgentStateUnknownAgent(t *testing.T) {
	f := newFixture(t)

	resp, err := f.eng.Dispatch(context.Background(), ActionGetAgentState, Params{"agentId": "ghost"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("unknown agent should report empty data, got %+v", resp.Data)
	}
}

func TestGetAgentStateWS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agents.SetState(ctx, "A", agent.SubRoutable, nil); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}

	resp, err := f.eng.Dispatch(ctx, ActionGetAgentState, Params{"agentId": "A", "client": "ws"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Data["state"] != "online#routable#routable" {
		t.Errorf("unexpected state %v", resp.Data["state"])
	}
	if len(resp.Frames) != 1 || resp.Frames[0].Action.Name != "setAgentState" {
		t.Errorf("ws origin should receive a resync frame, got %+v", resp.Frames)
	}
}

func TestGetAgentsPushesRoster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.agents.SetState(ctx, "A", agent.SubRoutable, nil); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}
	if _, err := f.clients.Heartbeat(ctx, "u-1", "conn-1", client.TypeAdmin, "", ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if _, err := f.eng.Dispatch(ctx, ActionGetAgents, Params{"userId": "u-1"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	frames := f.sender.named("getAgentMetrics")
	if len(frames) != 1 || frames[0].Meta.ConnectionID != "conn-1" {
		t.Errorf("expected a roster push to conn-1, got %+v", f.sender.frames)
	}
}

func TestClientHeartbeat(t *testing.T) {
	f := newFixture(t)

	resp, err := f.eng.Dispatch(context.Background(), ActionClientHeartbeat, Params{
		"userId":       "u-1",
		"connectionId": "conn-1",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	ttl, ok := resp.Data["ttl"].(int64)
	if !ok || ttl <= time.Now().Unix() {
		t.Errorf("expected a future lease, got %v", resp.Data["ttl"])
	}
}

func TestTransferANI(t *testing.T) {
	f := newFixture(t)
	f.transfers.ani = "+15559990000"

	resp, err := f.eng.Dispatch(context.Background(), ActionTransferANI, Params{
		"inboundNumber": "+15551234567",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Data["ani"] != "+15559990000" {
		t.Errorf("unexpected ani %v", resp.Data["ani"])
	}
}

func TestRecvTransferContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.eng.Dispatch(ctx, ActionRecvTransfer, Params{
		"initContactId": "c-1",
		"userLanguage":  "es-MX",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Data["status"] != "RESOLVED" {
		t.Errorf("expected RESOLVED, got %v", resp.Data["status"])
	}
	if len(f.transfers.resolved) != 1 || f.transfers.resolved[0] != "c-1" {
		t.Errorf("expected a resolve call for c-1, got %+v", f.transfers.resolved)
	}

	c, _ := f.contacts.Load(ctx, "c-1")
	if c.Locale != "es_MX" || c.Routed || c.TTL == 0 {
		t.Errorf("transferred contact should be re-queued with its locale: %+v", c)
	}
}

func TestDetermineVerifyANI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.eng.Dispatch(ctx, ActionDetermineVerifyANI, Params{"ani": "+15559990000"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Data["status"] != "VERIFIED" {
		t.Errorf("matching ani should verify, got %v", resp.Data["status"])
	}

	resp, err = f.eng.Dispatch(ctx, ActionDetermineVerifyANI, Params{"ani": "+15550000000"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Data["status"] != "UNVERIFIED" {
		t.Errorf("foreign ani must not verify, got %v", resp.Data["status"])
	}
}
