package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/event"
)

// memHistory is an in-memory History used to exercise replay without a
// full taskspace store.
type memHistory struct {
	mu     sync.Mutex
	events map[string][]event.Event
}

func newMemHistory() *memHistory {
	return &memHistory{events: make(map[string][]event.Event)}
}

func (h *memHistory) append(ev event.Event) event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Seq = int64(len(h.events[ev.TaskID]) + 1)
	h.events[ev.TaskID] = append(h.events[ev.TaskID], ev)
	return ev
}

func (h *memHistory) EventsSince(taskID string, fromSeq int64) ([]event.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []event.Event
	for _, ev := range h.events[taskID] {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func collect(t *testing.T, sub *Subscription, n int) []event.Event {
	t.Helper()
	var out []event.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d events, wanted %d (err: %v)", len(out), n, sub.Err())
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	return out
}

func TestLiveOrderingNoGaps(t *testing.T) {
	h := newMemHistory()
	b := New(h)

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 50; i++ {
		b.Publish(h.append(event.New("t1", event.KindPartDelta)))
	}

	evs := collect(t, sub, 50)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestReplayThenLiveSeamless(t *testing.T) {
	h := newMemHistory()
	b := New(h)

	for i := 0; i < 10; i++ {
		h.append(event.New("t1", event.KindPartDelta))
	}

	sub, err := b.Subscribe(context.Background(), "t1", 4)
	require.NoError(t, err)
	defer sub.Close()

	// Live events continue while the subscriber drains replay.
	for i := 0; i < 5; i++ {
		b.Publish(h.append(event.New("t1", event.KindPartDelta)))
	}

	evs := collect(t, sub, 11)
	for i, ev := range evs {
		assert.Equal(t, int64(5+i), ev.Seq, "strictly increasing, no gaps, no dups")
	}
}

func TestReplayDeduplicatesOverlap(t *testing.T) {
	h := newMemHistory()
	b := New(h)

	ev1 := h.append(event.New("t1", event.KindPartDelta))
	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// The same durable event is also published live; the subscriber must
	// see it exactly once.
	b.Publish(ev1)
	b.Publish(h.append(event.New("t1", event.KindPartDelta)))

	evs := collect(t, sub, 2)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, int64(2), evs[1].Seq)
}

func TestCrossTaskIsolation(t *testing.T) {
	h := newMemHistory()
	b := New(h)

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	b.Publish(h.append(event.New("t2", event.KindPartDelta)))
	b.Publish(h.append(event.New("t1", event.KindPartDelta)))

	evs := collect(t, sub, 1)
	assert.Equal(t, "t1", evs[0].TaskID)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEveryTask(t *testing.T) {
	h := newMemHistory()
	b := New(h)

	sub := b.SubscribeAll(context.Background())
	defer sub.Close()

	b.Publish(h.append(event.New("t1", event.KindPartDelta)))
	b.Publish(h.append(event.New("t2", event.KindPartDelta)))

	evs := collect(t, sub, 2)
	tasks := map[string]bool{evs[0].TaskID: true, evs[1].TaskID: true}
	assert.True(t, tasks["t1"] && tasks["t2"])
}

func TestSlowConsumerDisconnected(t *testing.T) {
	h := newMemHistory()
	b := New(h, WithQueueSize(4))

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	// Nobody drains; queue (4) + the one parked in the pump overflow.
	for i := 0; i < 10; i++ {
		b.Publish(h.append(event.New("t1", event.KindPartDelta)))
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
				return
			}
		case <-deadline:
			t.Fatal("subscriber was never disconnected")
		}
	}
}

func TestSlowConsumerResumesWithFromSeq(t *testing.T) {
	h := newMemHistory()
	b := New(h, WithQueueSize(2))

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		b.Publish(h.append(event.New("t1", event.KindPartDelta)))
	}

	var got []event.Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)

	var last int64
	if len(got) > 0 {
		last = got[len(got)-1].Seq
	}
	resumed, err := b.Subscribe(context.Background(), "t1", last)
	require.NoError(t, err)
	defer resumed.Close()

	evs := collect(t, resumed, int(8-last))
	assert.Equal(t, last+1, evs[0].Seq)
	assert.Equal(t, int64(8), evs[len(evs)-1].Seq)
}

func TestCancellationClosesPromptly(t *testing.T) {
	h := newMemHistory()
	b := New(h)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "t1", 0)
	require.NoError(t, err)

	start := time.Now()
	cancel()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("cancellation not observed")
	}
	assert.NoError(t, sub.Err())
}

func TestEmitterAssignsSeqThenPublishes(t *testing.T) {
	h := newMemHistory()
	b := New(h)
	em := NewEmitter(journalFunc(func(taskID string, ev *event.Event) (int64, error) {
		*ev = h.append(*ev)
		return ev.Seq, nil
	}), b)

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	seq, err := em.Emit(event.New("t1", event.KindTaskUpdate))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	evs := collect(t, sub, 1)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, event.KindTaskUpdate, evs[0].Kind)
}

func TestConcurrentEmittersLoseNoEvents(t *testing.T) {
	h := newMemHistory()
	b := New(h, WithQueueSize(2048))
	journal := journalFunc(func(taskID string, ev *event.Event) (int64, error) {
		*ev = h.append(*ev)
		return ev.Seq, nil
	})
	em1 := NewEmitter(journal, b)
	em2 := NewEmitter(journal, b)

	sub, err := b.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Two emitters race on the same task; a publish that overtook a lower
	// seq would be dropped by the pump's dedup and never reach the stream.
	var wg sync.WaitGroup
	for _, em := range []*Emitter{em1, em2} {
		wg.Add(1)
		go func(em *Emitter) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, err := em.Emit(event.New("t1", event.KindPartDelta))
				assert.NoError(t, err)
			}
		}(em)
	}
	wg.Wait()

	evs := collect(t, sub, 1000)
	for i, ev := range evs {
		require.Equal(t, int64(i+1), ev.Seq)
	}
}

type journalFunc func(taskID string, ev *event.Event) (int64, error)

func (f journalFunc) AppendEvent(taskID string, ev *event.Event) (int64, error) {
	return f(taskID, ev)
}
