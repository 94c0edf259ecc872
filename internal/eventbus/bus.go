// Package eventbus implements C7: a per-execution broadcast channel that
// durably logs every event and replays history to subscribers that join
// after an execution has started. Grounded on
// internal/multiagent/orchestrator.go's RWMutex-guarded callback fan-out
// and internal/agent/loop.go's buffered-channel-plus-background-goroutine
// shape, generalized from a single callback/single consumer to a
// multi-subscriber broadcast topic.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/flow"
)

// SubscriberCapacity bounds each subscriber's channel.
const SubscriberCapacity = 256

// postTerminalTeardown is how long a topic survives after its execution
// reaches a terminal state, to let trailing subscribers catch the final
// events before the topic is torn down.
const postTerminalTeardown = 60 * time.Second

// EventLog persists an execution's event history. Implementations must
// preserve insertion order within one execution_id.
type EventLog interface {
	Append(ctx context.Context, event flow.ExecutionEvent) error
	List(ctx context.Context, executionID string) ([]flow.ExecutionEvent, error)
}

// Bus fans out ExecutionEvents to per-execution subscriber sets.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	log    EventLog

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New builds a Bus backed by the given durable event log.
func New(log EventLog) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		log:    log,
		now:    time.Now,
	}
}

type topic struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	teardown    *time.Timer
}

type subscriber struct {
	ch  chan flow.ExecutionEvent
	lag int
}

// Emit appends the event to the durable log and broadcasts it to every
// live subscriber of its execution. A subscriber too far behind to accept
// the event receives a synthetic Warning instead and the original event is
// dropped for that subscriber only; the durable log always has it.
func (b *Bus) Emit(ctx context.Context, event flow.ExecutionEvent) error {
	if err := b.log.Append(ctx, event); err != nil {
		return err
	}

	t := b.topicFor(event.ExecutionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	for sub := range t.subscribers {
		b.deliver(sub, event)
	}

	if isTerminal(event.Kind) {
		b.scheduleTeardown(event.ExecutionID, t)
	}
	return nil
}

// deliver attempts a non-blocking send; a slow consumer never blocks the
// emitter. On a full channel the current event is dropped for this
// subscriber, and the oldest buffered event is evicted to make room for a
// synthetic Warning (carrying the lag count), so the subscriber is
// notified of the gap and continues with the events that follow.
func (b *Bus) deliver(sub *subscriber, event flow.ExecutionEvent) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	sub.lag++
	dropOldest(sub.ch)
	warning := flow.ExecutionEvent{
		ExecutionID: event.ExecutionID,
		Kind:        flow.EventWarning,
		Message:     "subscriber falling behind",
		Data:        map[string]any{"lag": sub.lag},
		Timestamp:   b.now(),
	}
	select {
	case sub.ch <- warning:
	default:
	}
}

func dropOldest(ch chan flow.ExecutionEvent) {
	select {
	case <-ch:
	default:
	}
}

// Subscribe joins the execution's topic. The returned channel first
// receives a synthetic ConnectionEstablished, then every event already in
// the durable log (in insertion order), then live events from this point
// on. Cancelling ctx or calling the returned unsubscribe func stops
// delivery and closes the channel.
func (b *Bus) Subscribe(ctx context.Context, executionID string) (<-chan flow.ExecutionEvent, func(), error) {
	t := b.topicFor(executionID)

	t.mu.Lock()
	history, err := b.log.List(ctx, executionID)
	if err != nil {
		t.mu.Unlock()
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan flow.ExecutionEvent, SubscriberCapacity)}
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	sub.ch <- flow.ExecutionEvent{
		ExecutionID: executionID,
		Kind:        flow.EventConnectionEstablished,
		Timestamp:   b.now(),
	}
	for _, event := range history {
		sub.ch <- event
	}

	unsubscribe := func() {
		t.mu.Lock()
		if _, ok := t.subscribers[sub]; ok {
			delete(t.subscribers, sub)
			close(sub.ch)
		}
		t.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

func (b *Bus) topicFor(executionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subscribers: make(map[*subscriber]struct{})}
		b.topics[executionID] = t
	}
	if t.teardown != nil {
		t.teardown.Stop()
		t.teardown = nil
	}
	return t
}

// scheduleTeardown closes every subscriber and drops the topic
// postTerminalTeardown after a terminal event, unless a new event for the
// same execution (a retry, a late status correction) arrives first.
func (b *Bus) scheduleTeardown(executionID string, t *topic) {
	t.teardown = time.AfterFunc(postTerminalTeardown, func() {
		b.mu.Lock()
		delete(b.topics, executionID)
		b.mu.Unlock()

		t.mu.Lock()
		for sub := range t.subscribers {
			delete(t.subscribers, sub)
			close(sub.ch)
		}
		t.mu.Unlock()
	})
}

func isTerminal(kind flow.EventKind) bool {
	switch kind {
	case flow.EventExecutionCompleted, flow.EventExecutionFailed, flow.EventExecutionCancelled:
		return true
	default:
		return false
	}
}
