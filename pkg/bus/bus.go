// Package bus provides the in-memory event fabric: typed pub/sub with
// per-task ordered fan-out, historical replay for reconnecting subscribers,
// and bounded per-subscriber queues.
//
// Ordering guarantee: for a given task, every subscriber observes events in
// strictly increasing seq with no gaps, duplicates or reorderings. Across
// tasks no ordering is defined.
package bus

import (
	"context"
	"sync"

	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/protocol"
)

// DefaultQueueSize is the per-subscriber buffer; overflowing it disconnects
// the subscriber with a slow_consumer error.
const DefaultQueueSize = 1024

// ErrSlowConsumer is reported by Subscription.Err after a forced disconnect.
var ErrSlowConsumer = protocol.NewError(protocol.KindRuntime, "slow_consumer: subscriber queue overflow")

// History serves durable events for replay; the taskspace store implements it.
type History interface {
	EventsSince(taskID string, fromSeq int64) ([]event.Event, error)
}

// Bus fans events out to in-process subscribers.
type Bus struct {
	history   History
	queueSize int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	all  map[*Subscription]struct{}

	// emitLocks serialize append+publish pairs per task; see emitLock.
	emitMu    sync.Mutex
	emitLocks map[string]*sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// New creates a bus. history may be nil, in which case replay is disabled
// and subscriptions start at the live tail.
func New(history History, opts ...Option) *Bus {
	b := &Bus{
		history:   history,
		queueSize: DefaultQueueSize,
		subs:      make(map[string]map[*Subscription]struct{}),
		all:       make(map[*Subscription]struct{}),
		emitLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one consumer's ordered view of a task's events.
type Subscription struct {
	out     chan event.Event
	in      chan event.Event
	taskID  string
	lastSeq int64
	cancel  context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// Events returns the subscriber's channel. It is closed when the
// subscription ends; check Err afterwards.
func (s *Subscription) Events() <-chan event.Event {
	return s.out
}

// Err reports why the subscription ended: nil for caller cancellation,
// ErrSlowConsumer for a queue overflow disconnect.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.in)
	}
	s.mu.Unlock()
}

// offer enqueues without blocking; reports false on overflow.
func (s *Subscription) offer(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.in <- ev:
		return true
	default:
		return false
	}
}

// Publish fans the event out to the task's subscribers and to firehose
// subscribers. It never blocks: a subscriber whose queue is full is
// disconnected with ErrSlowConsumer and can resume with from_seq.
//
// Callers must publish events only after they are durably appended, in seq
// order per task; the Emitter wrapper takes care of both.
func (b *Bus) Publish(ev event.Event) {
	b.mu.Lock()
	var overflowed []*Subscription
	for sub := range b.subs[ev.TaskID] {
		if !sub.offer(ev) {
			overflowed = append(overflowed, sub)
		}
	}
	for sub := range b.all {
		if !sub.offer(ev) {
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		sub.fail(ErrSlowConsumer)
	}
}

// Subscribe yields the task's events starting after fromSeq: durable
// history first, then the live tail, with no gap or duplicate at the
// boundary. Cancelling ctx (or calling Close) ends the stream promptly.
func (b *Bus) Subscribe(ctx context.Context, taskID string, fromSeq int64) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		out:     make(chan event.Event),
		in:      make(chan event.Event, b.queueSize),
		taskID:  taskID,
		lastSeq: fromSeq,
		cancel:  cancel,
	}

	// Register before reading history: anything published during replay
	// lands in the queue and is deduplicated by seq in the pump.
	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[*Subscription]struct{})
	}
	b.subs[taskID][sub] = struct{}{}
	b.mu.Unlock()

	var replay []event.Event
	if b.history != nil {
		var err error
		replay, err = b.history.EventsSince(taskID, fromSeq)
		if err != nil {
			b.remove(sub)
			cancel()
			return nil, err
		}
	}

	go sub.pump(ctx, b, replay)
	return sub, nil
}

// SubscribeAll yields live events for every task, for dashboards. Per-task
// ordering is preserved; there is no replay and no inter-task ordering.
func (b *Bus) SubscribeAll(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		out:    make(chan event.Event),
		in:     make(chan event.Event, b.queueSize),
		cancel: cancel,
	}
	b.mu.Lock()
	b.all[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pumpAll(ctx, b)
	return sub
}

// emitLock returns the task's emit lock. Emitters hold it across the
// append that assigns the seq and the publish that fans it out, so two
// concurrent emitters cannot publish out of seq order. The lock lives on
// the bus so every emitter over the same bus shares it.
func (b *Bus) emitLock(taskID string) *sync.Mutex {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	l, ok := b.emitLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		b.emitLocks[taskID] = l
	}
	return l
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
}

func (b *Bus) removeLocked(sub *Subscription) {
	if sub.taskID != "" {
		delete(b.subs[sub.taskID], sub)
		if len(b.subs[sub.taskID]) == 0 {
			delete(b.subs, sub.taskID)
		}
	}
	delete(b.all, sub)
}

// pump delivers replay then the live queue, dropping anything at or below
// the last delivered seq so the replay/live seam is exactly-once.
func (s *Subscription) pump(ctx context.Context, b *Bus, replay []event.Event) {
	defer func() {
		b.remove(s)
		s.mu.Lock()
		if !s.closed {
			s.closed = true
		}
		s.mu.Unlock()
		close(s.out)
	}()

	deliver := func(ev event.Event) bool {
		if ev.Seq <= s.lastSeq {
			return true
		}
		select {
		case s.out <- ev:
			s.lastSeq = ev.Seq
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, ev := range replay {
		if !deliver(ev) {
			return
		}
	}
	for {
		select {
		case ev, ok := <-s.in:
			if !ok {
				return
			}
			if !deliver(ev) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) pumpAll(ctx context.Context, b *Bus) {
	defer func() {
		b.remove(s)
		s.mu.Lock()
		if !s.closed {
			s.closed = true
		}
		s.mu.Unlock()
		close(s.out)
	}()

	for {
		select {
		case ev, ok := <-s.in:
			if !ok {
				return
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
