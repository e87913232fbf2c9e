// Package events carries the failover lifecycle event stream: an in-process bus owned by
// each coordinator and an append-only JSONL audit sink.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventFailoverInitiated opens every session's event sequence.
	EventFailoverInitiated EventType = "failover_initiated"
	// EventTaskReassigned is published once per task moved to a new worker.
	EventTaskReassigned EventType = "task_reassigned"
	// EventStateRecovered is published when a snapshot was applied to a worker.
	EventStateRecovered EventType = "state_recovered"
	// EventFailoverCompleted closes a session that reached a non-failure outcome.
	EventFailoverCompleted EventType = "failover_completed"
	// EventFailoverFailed closes a session that could not recover the worker's work.
	EventFailoverFailed EventType = "failover_failed"
)

// AllEventTypes lists every failover event type in lifecycle order.
var AllEventTypes = []EventType{
	EventFailoverInitiated,
	EventTaskReassigned,
	EventStateRecovered,
	EventFailoverCompleted,
	EventFailoverFailed,
}

// Event is one record of the failover lifecycle stream.
type Event struct {
	Type      EventType      `json:"type"`
	WorkerID  string         `json:"worker_id"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Terminal reports whether e closes a session.
func (e Event) Terminal() bool {
	return e.Type == EventFailoverCompleted || e.Type == EventFailoverFailed
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	types map[EventType]bool // nil means every type

	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func (s *subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

func (s *subscription) push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next takes everything queued so far. ok is false once the subscription is closed
// and drained.
func (s *subscription) next(spare []Event) (batch []Event, ok bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch, s.queue = s.queue, spare[:0]
			s.mu.Unlock()
			return batch, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		<-s.signal
	}
}

// Bus is a non-blocking, lossless event bus using Publish/Subscribe pattern.
// Each subscriber owns a queue drained by one goroutine, so a subscriber sees every
// event in publish order. A slow subscriber grows its own queue; Publish never waits
// for it and never discards.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscription
	bufferSize  int
	closed      bool
	backlog     atomic.Int64
	workers     sync.WaitGroup
}

// NewBus creates a new event bus. bufferSize is the initial queue capacity per
// subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		bufferSize: bufferSize,
	}
}

// Subscribe registers fn for the given event types, or for every type when none are
// given. fn is called from a dedicated goroutine. Returns an unsubscribe function that
// is safe to call more than once; events queued before it are still delivered.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := &subscription{
		queue:  make([]Event, 0, b.bufferSize),
		signal: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subscribers = append(b.subscribers, sub)

	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		spare := make([]Event, 0, b.bufferSize)
		for {
			batch, ok := sub.next(spare)
			if !ok {
				return
			}
			for _, event := range batch {
				func() {
					defer func() {
						// a panicking subscriber must not take the bus down
						_ = recover()
					}()
					fn(event)
				}()
				b.backlog.Add(-1)
			}
			clear(batch)
			spare = batch
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				sub.close()
				break
			}
		}
	}
}

// Publish queues e for every interested subscriber without blocking. A zero Timestamp
// is filled with the current UTC time.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if !sub.wants(e.Type) {
			continue
		}
		b.backlog.Add(1)
		if !sub.push(e) {
			b.backlog.Add(-1)
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Backlog returns how many deliveries are queued or still running in a subscriber.
func (b *Bus) Backlog() int64 {
	return b.backlog.Load()
}

// Close detaches all subscribers. Publish and Subscribe become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.close()
	}
	b.subscribers = nil
}

// Wait blocks until every detached subscriber has consumed its buffered events, or ctx
// ends. Call it after Close to flush pending deliveries.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
