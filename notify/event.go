/*
Package notify carries the events the credit engine emits to the outside world.

PURPOSE:
  The ledger and session machine describe what happened; delivery (email,
  push, in-app) belongs to whatever sits behind a Dispatcher. The core never
  retries delivery and a failed dispatch never fails the ledger or session
  write that produced it.

DISPATCHERS:
  Log       writes events to slog
  Pool      buffered worker pool, drops when the queue is full
  River     one river job per event, durable in PostgreSQL
  Recorder  keeps events in memory for tests
  Multi     fans out to several dispatchers
*/
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/metrics"
)

// Kind names a logical event.
type Kind string

const (
	SessionBooked    Kind = "session.booked"
	SessionConfirmed Kind = "session.confirmed"
	SessionStarted   Kind = "session.started"
	SessionCancelled Kind = "session.cancelled"
	SessionCompleted Kind = "session.completed"
	SessionDisputed  Kind = "session.disputed"
	CreditsEarned    Kind = "credits.earned"
	CreditsSpent     Kind = "credits.spent"
	CreditsRefunded  Kind = "credits.refunded"
	CreditsAdjusted  Kind = "credits.adjusted"
)

// Event is one notification addressed to a single user.
type Event struct {
	Kind      Kind            `json:"kind"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id,omitempty"`
	EntryID   string          `json:"entry_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// Dispatcher accepts events for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ev Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Emit hands events to d. Failures are logged and counted, never returned.
// A nil dispatcher discards events.
func Emit(ctx context.Context, d Dispatcher, logger *slog.Logger, events ...Event) {
	if d == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			metrics.NotificationFailures.WithLabelValues(string(ev.Kind)).Inc()
			logger.Warn("notification dispatch failed",
				"kind", ev.Kind,
				"user_id", ev.UserID,
				"session_id", ev.SessionID,
				"error", err,
			)
		}
	}
}
