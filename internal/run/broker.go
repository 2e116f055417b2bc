package run

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrUnknownRun is returned when subscribing to a run that does not exist
// or has already been cleaned up.
var ErrUnknownRun = errors.New("unknown run")

// subscriberBuffer bounds each subscriber's event queue. A subscriber
// that falls this far behind starts losing events rather than stalling
// publication to everyone else.
const subscriberBuffer = 256

// Broker is the per-run pub/sub fan-out. Delivery is at-most-once with
// no replay: a subscriber sees only events published after it attached.
// Events for one run reach every attached subscriber in publish order.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one observer attached to a run's channel. Receive from
// C; the channel is closed when the subscription detaches or the run's
// topic is torn down after its terminal event.
type Subscription struct {
	runID   string
	ch      chan Event
	t       *topic
	closed  bool // guarded by t.mu
	dropped atomic.Int64
}

// C is the subscriber's event stream.
func (s *Subscription) C() <-chan Event { return s.ch }

// RunID returns the run this subscription is attached to.
func (s *Subscription) RunID() string { return s.runID }

// Dropped returns how many events were discarded because this
// subscriber's buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscriber. Detaching never affects the run.
func (s *Subscription) Close() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.t.subs, s)
	close(s.ch)
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Open creates the topic for a run. Called at submission time, before
// the process launches, so the runId is subscribable immediately.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

// Subscribe attaches a new observer to a run's channel.
func (b *Broker) Subscribe(runID string) (*Subscription, error) {
	b.mu.RLock()
	t, ok := b.topics[runID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownRun
	}

	sub := &Subscription{
		runID: runID,
		ch:    make(chan Event, subscriberBuffer),
		t:     t,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// The topic may have been torn down between the map lookup and here;
	// attaching now would leave a channel nobody ever closes.
	if t.closed {
		return nil, ErrUnknownRun
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Publish fans an event out to every subscriber currently attached to
// the run. A full subscriber buffer drops the event for that subscriber
// only; publication never blocks.
func (b *Broker) Publish(runID string, ev Event) {
	b.mu.RLock()
	t, ok := b.topics[runID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close tears down a run's topic, closing every attached subscriber's
// channel. Called after the terminal event has been published.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subs {
		sub.closed = true
		delete(t.subs, sub)
		close(sub.ch)
	}
}
