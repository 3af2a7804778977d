package journal

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"clawdeck/internal/domain"
)

const defaultQueueSize = 256

// Recorder decouples event recording from the dispatch path: Record enqueues
// and returns immediately while a single goroutine drains into the sink.
// Event handlers run on the socket read loop, so a slow disk must never
// stall frame processing. When the queue is full the oldest queued event is
// dropped first.
type Recorder struct {
	sink   domain.EventSink
	logger *slog.Logger
	queue  chan domain.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ domain.EventSink = (*Recorder)(nil)

// NewRecorder starts a recorder draining into sink. queueSize <= 0 picks a
// default. Call Close to flush and stop.
func NewRecorder(sink domain.EventSink, queueSize int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		sink:   sink,
		logger: logger,
		queue:  make(chan domain.Event, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues ev without blocking. After Close it is a no-op. It never
// returns an error; sink failures are logged by the drain goroutine.
func (r *Recorder) Record(ctx context.Context, ev domain.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	select {
	case r.queue <- ev:
		return nil
	default:
	}
	select {
	case dropped := <-r.queue:
		r.logger.Debug("journal queue full, oldest event dropped", "event", string(dropped.Name))
	default:
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Debug("journal queue full, event dropped", "event", string(ev.Name))
	}
	return nil
}

// Close stops accepting events, drains the queue into the sink, and returns.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.queue)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.sink.Record(context.Background(), ev); err != nil {
			r.logger.Warn("event not journaled", "event", string(ev.Name), "error", err)
		}
	}
}
