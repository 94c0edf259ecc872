package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/store"
	"github.com/haasonsaas/nexus/pkg/flow"
)

func TestSubscribeReplaysHistoryThenLiveEvents(t *testing.T) {
	log := store.NewMemoryEventLog()
	bus := New(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = bus.Emit(context.Background(), flow.ExecutionEvent{ID: "1", ExecutionID: "e1", Kind: flow.EventExecutionStarted})
	_ = bus.Emit(context.Background(), flow.ExecutionEvent{ID: "2", ExecutionID: "e1", Kind: flow.EventStepStarted})

	ch, _, err := bus.Subscribe(ctx, "e1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := recv(t, ch)
	if first.Kind != flow.EventConnectionEstablished {
		t.Fatalf("expected synthetic ConnectionEstablished first, got %v", first.Kind)
	}
	second := recv(t, ch)
	if second.ID != "1" {
		t.Fatalf("expected persisted event 1 next, got %+v", second)
	}
	third := recv(t, ch)
	if third.ID != "2" {
		t.Fatalf("expected persisted event 2 next, got %+v", third)
	}

	_ = bus.Emit(context.Background(), flow.ExecutionEvent{ID: "3", ExecutionID: "e1", Kind: flow.EventStepCompleted})
	fourth := recv(t, ch)
	if fourth.ID != "3" {
		t.Fatalf("expected live event 3, got %+v", fourth)
	}
}

func TestEmitDurablyPersistsEvenWithNoSubscribers(t *testing.T) {
	log := store.NewMemoryEventLog()
	bus := New(log)

	if err := bus.Emit(context.Background(), flow.ExecutionEvent{ID: "1", ExecutionID: "e1", Kind: flow.EventExecutionStarted}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	events, err := log.List(context.Background(), "e1")
	if err != nil || len(events) != 1 {
		t.Fatalf("got %+v, %v", events, err)
	}
}

func TestLaggingSubscriberGetsWarningInsteadOfBlockingEmitter(t *testing.T) {
	log := store.NewMemoryEventLog()
	bus := New(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _, err := bus.Subscribe(ctx, "e1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	recv(t, ch) // drain the synthetic ConnectionEstablished

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < SubscriberCapacity+1; i++ {
		if err := bus.Emit(context.Background(), flow.ExecutionEvent{ID: "x", ExecutionID: "e1", Kind: flow.EventStepProgress}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	// Drain to find a synthetic Warning somewhere in the backlog.
	found := false
	for i := 0; i < SubscriberCapacity; i++ {
		e := recv(t, ch)
		if e.Kind == flow.EventWarning {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected a synthetic Warning event once the subscriber fell behind")
	}
}

func recv(t *testing.T, ch <-chan flow.ExecutionEvent) flow.ExecutionEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return flow.ExecutionEvent{}
	}
}
