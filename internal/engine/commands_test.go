package engine

import (
	"context"
	"testing"
	"time"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/push"
)

func TestCompensateDroppedCall(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := f.agents.SetState(ctx, "A", agent.SubCallingCustomer,
		agent.Attrs("c-1", time.Now().Add(time.Minute), "conn-1")); err != nil {
		t.Fatalf("seed agent failed: %v", err)
	}

	go f.eng.RunCommands(ctx)
	f.eng.CompensateDroppedCall("A", "c-1")

	// The deny path releases the agent, then pushes the missed-call notice
	deadline := time.Now().Add(time.Second)
	var frames []push.Frame
	for len(frames) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("compensation command never ran")
		}
		time.Sleep(5 * time.Millisecond)
		frames = f.sender.named("setContactState")
	}
	if frames[0].Meta.ConnectionID != "conn-1" {
		t.Errorf("expected a missed-call push to conn-1, got %+v", frames)
	}

	a, err := f.agents.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.State.IsOnline() || a.ContactID != "" {
		t.Errorf("dropped dial should release the agent: %+v", a)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	f := newFixture(t)

	// Nothing consumes the buffer; overflow must drop, not stall
	for i := 0; i < 200; i++ {
		f.eng.Publish(Command{Action: ActionGetContacts, Params: Params{}})
	}
}
