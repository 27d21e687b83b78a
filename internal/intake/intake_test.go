package intake

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbcodex-ai/nbcodex/internal/event"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) handle(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestQueuePreservesArrivalOrder(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(Config{Handler: rec.handle})
	q.Start()
	defer q.Stop()

	for i := 0; i < 100; i++ {
		q.Push([]byte(fmt.Sprintf("frame-%03d", i)))
	}

	waitFor(t, func() bool { return rec.count() == 100 })

	frames := rec.snapshot()
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("frame-%03d", i), f)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueDrainsBeyondOneBatch(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(Config{Handler: rec.handle, BatchSize: 4})
	q.Start()
	defer q.Stop()

	for i := 0; i < 20; i++ {
		q.Push([]byte("x"))
	}

	// More than one batch worth of frames still drains fully via re-arm.
	waitFor(t, func() bool { return rec.count() == 20 })
}

func TestQueueShedsOldestOnOverflow(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	dropped := make(chan event.IntakeDroppedData, 16)
	unsubscribe := bus.Subscribe(event.IntakeDropped, func(e event.Event) {
		if d, ok := e.Data.(event.IntakeDroppedData); ok {
			dropped <- d
		}
	})
	defer unsubscribe()

	rec := &recorder{}
	q := NewQueue(Config{Handler: rec.handle, MaxQueued: 5, Bus: bus})
	// Not started: everything stays buffered so the cap is observable.

	for i := 0; i < 8; i++ {
		q.Push([]byte(fmt.Sprintf("frame-%d", i)))
	}

	assert.Equal(t, 5, q.Len())
	assert.EqualValues(t, 3, q.Dropped())

	select {
	case d := <-dropped:
		assert.Equal(t, 1, d.Dropped)
		assert.Equal(t, 5, d.Queued)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an intake-dropped event")
	}

	// The survivors are the newest frames, still in order.
	q.Start()
	defer q.Stop()
	waitFor(t, func() bool { return rec.count() == 5 })
	assert.Equal(t, []string{"frame-3", "frame-4", "frame-5", "frame-6", "frame-7"}, rec.snapshot())
}

func TestQueueRecoversFromHandlerPanic(t *testing.T) {
	rec := &recorder{}
	var panicked [][]byte
	var mu sync.Mutex

	q := NewQueue(Config{
		Handler: func(frame []byte) {
			if string(frame) == "poison" {
				panic("bad frame")
			}
			rec.handle(frame)
		},
		OnPanic: func(_ any, frame []byte) {
			mu.Lock()
			panicked = append(panicked, frame)
			mu.Unlock()
		},
	})
	q.Start()
	defer q.Stop()

	q.Push([]byte("before"))
	q.Push([]byte("poison"))
	q.Push([]byte("after"))

	waitFor(t, func() bool { return rec.count() == 2 })
	assert.Equal(t, []string{"before", "after"}, rec.snapshot())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, panicked, 1)
	assert.Equal(t, "poison", string(panicked[0]))
}

func TestQueueStopIsIdempotent(t *testing.T) {
	q := NewQueue(Config{Handler: func([]byte) {}})
	q.Start()
	q.Stop()
	q.Stop()
}

func TestQueuePushAfterStopDoesNotBlock(t *testing.T) {
	q := NewQueue(Config{Handler: func([]byte) {}})
	q.Start()
	q.Stop()

	q.Push([]byte("late"))
	assert.Equal(t, 1, q.Len())
}
