// Package intake serializes inbound backend frames for the dispatcher.
//
// The transport delivers frames from a reader goroutine; the dispatcher
// mutates session state and must see frames one at a time in arrival
// order. The queue sits between the two: a single pump goroutine drains
// a bounded FIFO in batches, so bursty streams cannot starve the host
// and a flooded backend cannot grow memory without bound.
package intake

import (
	"sync"

	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
)

const (
	// DefaultBatchSize is the maximum number of frames applied per pump
	// wakeup before yielding.
	DefaultBatchSize = 32
	// DefaultMaxQueued is the hard cap on buffered frames. Above it the
	// oldest frames are shed.
	DefaultMaxQueued = 1024
)

// Handler applies one raw frame. It runs on the pump goroutine.
type Handler func(frame []byte)

// Config holds configuration for creating a Queue.
type Config struct {
	Handler   Handler
	Bus       *event.Bus
	BatchSize int
	MaxQueued int
	// OnPanic is invoked after a recovered handler panic, on the pump
	// goroutine, with the frame that caused it. Optional.
	OnPanic func(recovered any, frame []byte)
}

// Queue is a lossy FIFO between the transport and the dispatcher.
// Frames are applied strictly in arrival order; overflow sheds the
// oldest frames and reports the loss on the bus.
type Queue struct {
	mu      sync.Mutex
	entries [][]byte
	dropped uint64

	handler   Handler
	bus       *event.Bus
	batchSize int
	maxQueued int
	onPanic   func(recovered any, frame []byte)

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a queue. Call Start to begin draining.
func NewQueue(cfg Config) *Queue {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	max := cfg.MaxQueued
	if max <= 0 {
		max = DefaultMaxQueued
	}
	return &Queue{
		handler:   cfg.Handler,
		bus:       cfg.Bus,
		batchSize: batch,
		maxQueued: max,
		onPanic:   cfg.OnPanic,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the pump goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Stop halts the pump and waits for it to exit. Buffered frames that
// were not yet applied are discarded.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// Push buffers a frame for the dispatcher. Never blocks: when the
// queue is at capacity the oldest frames are dropped to make room.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	q.entries = append(q.entries, frame)
	var shed int
	if len(q.entries) > q.maxQueued {
		shed = len(q.entries) - q.maxQueued
		q.entries = append([][]byte(nil), q.entries[shed:]...)
		q.dropped += uint64(shed)
	}
	queued := len(q.entries)
	q.mu.Unlock()

	if shed > 0 {
		logging.Warn().
			Int("dropped", shed).
			Int("queued", queued).
			Msg("Intake queue overflow: oldest frames shed")
		q.publish(event.Event{
			Type: event.IntakeDropped,
			Data: event.IntakeDroppedData{Dropped: shed, Queued: queued},
		})
	}

	q.arm()
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the total number of frames shed since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		batch := q.take()
		for _, frame := range batch {
			select {
			case <-q.stop:
				return
			default:
			}
			q.apply(frame)
		}

		// Re-arm instead of looping so Stop gets a look in between
		// batches and a steady flood cannot monopolize the pump.
		if q.Len() > 0 {
			q.arm()
		}
	}
}

// take pops up to one batch of frames in FIFO order.
func (q *Queue) take() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if n == 0 {
		return nil
	}
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := q.entries[:n]
	q.entries = append([][]byte(nil), q.entries[n:]...)
	return batch
}

// apply runs the handler for one frame. A panic in the handler is
// contained here so a single bad frame cannot kill the pump.
func (q *Queue) apply(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Int("frameBytes", len(frame)).
				Msg("Intake handler panicked; frame discarded")
			if q.onPanic != nil {
				q.onPanic(r, frame)
			}
		}
	}()
	if q.handler != nil {
		q.handler(frame)
	}
}

func (q *Queue) arm() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(ev event.Event) {
	if q.bus != nil {
		q.bus.Publish(ev)
		return
	}
	event.Publish(ev)
}
