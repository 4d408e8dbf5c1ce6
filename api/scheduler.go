/*
scheduler.go - Automated no-show expiry

PURPOSE:
  Periodically cancels Pending sessions whose scheduled start has passed
  without both parties confirming, which releases the student's hold.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists Pending sessions and cancels the ones past scheduledStart through
    the session machine, as the configured system actor
  - The machine serializes per session, so a participant confirming at the
    same moment either wins (the cancel then fails with InvalidState and is
    skipped) or loses cleanly

  The credit engine itself has no timers. This is an ordinary caller of
  Cancel that happens to run on a ticker.

CONFIGURATION:
  - CheckInterval: How often to check ([expiry] interval, default 5m)
  - Enabled: Whether scheduler is active ([expiry] enabled)

USAGE:
  scheduler := NewExpiryScheduler(sessions, machine, "system", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - session/machine.go: Cancel
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// ExpiryReason is recorded as the cancellation reason of expired sessions.
const ExpiryReason = "not confirmed before scheduled start"

// sessionLister is the slice of session.Store the scheduler reads.
type sessionLister interface {
	List(ctx context.Context, f session.Filter) ([]session.Session, error)
}

// ExpiryScheduler handles automated cancellation of unconfirmed sessions.
type ExpiryScheduler struct {
	Sessions      sessionLister
	Machine       *session.Machine
	Actor         credit.UserID
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a new scheduler. actor must be an admin known
// to the machine.
func NewExpiryScheduler(sessions sessionLister, machine *session.Machine, actor credit.UserID, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryScheduler{
		Sessions:      sessions,
		Machine:       machine,
		Actor:         actor,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		Now:           time.Now,
		logger:        logger.With("component", "expiry"),
	}
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.logger.Info("scheduler disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	// Stop closes the channel, so every start needs a fresh one.
	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run(es.ticker, es.stop)

	es.logger.Info("scheduler started", "interval", es.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.ticker = nil
		es.logger.Info("scheduler stopped")
	}
}

func (es *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer es.wg.Done()

	// Run immediately on start
	es.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			es.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many sessions it cancelled.
func (es *ExpiryScheduler) RunNow(ctx context.Context) int {
	now := es.Now()

	pending, err := es.Sessions.List(ctx, session.Filter{Statuses: []session.Status{session.StatusPending}})
	if err != nil {
		es.logger.Error("list pending sessions", "error", err)
		return 0
	}

	expired, skipped := 0, 0
	for _, s := range pending {
		if now.Before(s.ScheduledStart) {
			continue
		}
		_, err := es.Machine.Cancel(ctx, s.ID, es.Actor, ExpiryReason)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, credit.ErrInvalidState):
			// Confirmed or cancelled since we listed it.
			skipped++
		default:
			es.logger.Error("expire session", "session_id", s.ID, "error", err)
		}
	}

	if expired > 0 || skipped > 0 {
		es.logger.Info("sweep completed", "expired", expired, "skipped", skipped)
	}
	return expired
}
