package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/warp/skill-exchange/metrics"
)

// ErrQueueFull is returned by Pool.Dispatch when the buffer is full.
var ErrQueueFull = errors.New("notification queue full")

// ErrPoolClosed is returned by Pool.Dispatch after Shutdown.
var ErrPoolClosed = errors.New("notification pool closed")

// Pool delivers events asynchronously on a fixed set of workers. Dispatch
// never blocks: when the queue is full the event is dropped.
type Pool struct {
	jobs   chan Event
	next   Dispatcher
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(bufferSize int, next Dispatcher, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		jobs:   make(chan Event, bufferSize),
		next:   next,
		logger: logger,
	}
}

func (p *Pool) Start(workerCount int) {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for ev := range p.jobs {
		if err := p.next.Dispatch(context.Background(), ev); err != nil {
			metrics.NotificationFailures.WithLabelValues(string(ev.Kind)).Inc()
			p.logger.Warn("notification delivery failed",
				"kind", ev.Kind,
				"user_id", ev.UserID,
				"error", err,
			)
		}
	}
}

func (p *Pool) Dispatch(_ context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- ev:
		return nil
	default:
		metrics.NotificationsDropped.Inc()
		return ErrQueueFull
	}
}

// Shutdown stops accepting events and waits for queued ones to drain.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
