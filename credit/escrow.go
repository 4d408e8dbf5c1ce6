/*
escrow.go - Session escrow: hold, settle, release

PURPOSE:
  The Escrow is the only component that places and resolves holds. Every
  primitive is a single ledger unit: the balance check and the insert, or
  the status change and the counter entry, commit together or not at all.

LIFECYCLE OF A HOLD:
  Hold     inserts  Spent  -amount  Pending   (student)
  Settle   marks    Spent           Completed
           inserts  Earned +amount  Completed (teacher, RelatedEntryID = hold)
  Release  marks    Spent           Cancelled
           inserts  Refund +amount  Completed (student, RelatedEntryID = hold)
  Void     marks    Spent           Failed    (booking never persisted)

IDEMPOTENCY:
  Settle on a Completed hold and Release on a Cancelled hold return the
  existing outcome with AlreadyResolved set. Resolving with the other outcome
  is a HoldResolvedError. Hold is not retried automatically; pass an
  idempotency key to make a retry safe.

SEE ALSO:
  - ledger.go: Update / Tx
  - session/machine.go: the only caller in the session flow
*/
package credit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/metrics"
)

// Escrow places and resolves session holds.
type Escrow struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewEscrow(ledger *Ledger, logger *slog.Logger) *Escrow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escrow{ledger: ledger, logger: logger}
}

// Settlement is the outcome of resolving a hold.
type Settlement struct {
	Hold            Entry
	Counter         Entry // Earned on settle, Refund on release, zero on void
	AlreadyResolved bool
}

// ResolveOption customizes a Settle or Release call.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	audit *AuditRecord
}

// WithAudit writes an audit record in the same unit as the resolution. It is
// used when an admin resolves a disputed session.
func WithAudit(rec AuditRecord) ResolveOption {
	return func(o *resolveOptions) { o.audit = &rec }
}

// =============================================================================
// HOLD
// =============================================================================

// Hold reserves amount from the student's available balance for a session.
// A repeated idempotency key for the same student and session returns the
// original hold.
func (e *Escrow) Hold(ctx context.Context, student UserID, amount decimal.Decimal, sessionID SessionID, idempotencyKey string) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, badRequest("hold amount must be positive, got %s", amount)
	}

	var hold Entry
	err := e.ledger.Update(ctx, []UserID{student}, func(tx *Tx) error {
		if idempotencyKey != "" {
			prev, err := tx.GetByIdempotencyKey(ctx, idempotencyKey)
			switch {
			case err == nil:
				if prev.UserID != student || prev.RelatedSessionID != sessionID || !prev.IsHold() {
					return ErrDuplicateIdempotencyKey
				}
				hold = prev
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		bal, err := tx.Balance(ctx, student)
		if err != nil {
			return err
		}
		if !bal.CanSpend(amount) {
			return insufficient(student, bal.Available, amount)
		}

		out, err := tx.Append(ctx, Entry{
			UserID:           student,
			Type:             EntrySpent,
			Amount:           amount.Neg(),
			RelatedSessionID: sessionID,
			Status:           StatusPending,
			Notes:            "session hold",
			IdempotencyKey:   idempotencyKey,
			ActorID:          student,
		})
		if err != nil {
			return err
		}
		hold = out[0]
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.HoldsRejected.Inc()
		}
		return Entry{}, err
	}

	metrics.HoldsPlaced.Inc()
	e.logger.Debug("hold placed",
		"hold_id", hold.ID,
		"student_id", student,
		"session_id", sessionID,
		"amount", amount.String(),
	)
	return hold, nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Settle transfers a Pending hold to the teacher.
func (e *Escrow) Settle(ctx context.Context, holdID EntryID, teacher UserID, opts ...ResolveOption) (Settlement, error) {
	return e.resolve(ctx, holdID, teacher, StatusCompleted, "settle", opts)
}

// Release refunds a Pending hold to the student.
func (e *Escrow) Release(ctx context.Context, holdID EntryID, opts ...ResolveOption) (Settlement, error) {
	return e.resolve(ctx, holdID, "", StatusCancelled, "release", opts)
}

// Void marks a Pending hold Failed. Only booking uses it, when the session
// could not be persisted after the hold committed.
func (e *Escrow) Void(ctx context.Context, holdID EntryID) (Settlement, error) {
	return e.resolve(ctx, holdID, "", StatusFailed, "void", nil)
}

func (e *Escrow) resolve(ctx context.Context, holdID EntryID, teacher UserID, to EntryStatus, op string, opts []ResolveOption) (Settlement, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	hold, err := e.ledger.Get(ctx, holdID)
	if err != nil {
		return Settlement{}, err
	}
	if !hold.IsHold() {
		return Settlement{}, badRequest("entry %s is %s, not a hold", holdID, hold.Type)
	}
	if to == StatusCompleted && (teacher == "" || teacher == hold.UserID) {
		return Settlement{}, badRequest("hold %s cannot settle to %q", holdID, teacher)
	}

	var out Settlement
	err = e.ledger.Update(ctx, []UserID{hold.UserID, teacher}, func(tx *Tx) error {
		// Re-read under the account lock; the first read only found the owner.
		current, err := tx.Get(ctx, holdID)
		if err != nil {
			return err
		}

		if current.Status == to {
			out, err = existingOutcome(ctx, tx, current)
			if err != nil {
				return err
			}
			// A repeat must name the teacher that was paid.
			if to == StatusCompleted && out.Counter.UserID != teacher {
				return &HoldResolvedError{HoldID: holdID, Status: current.Status, Op: op}
			}
			return nil
		}
		if current.Status != StatusPending {
			return &HoldResolvedError{HoldID: holdID, Status: current.Status, Op: op}
		}

		marked, err := tx.MarkStatus(ctx, holdID, to)
		if err != nil {
			return err
		}
		out.Hold = marked

		if counter, ok := counterEntry(marked, teacher); ok {
			written, err := tx.Append(ctx, counter)
			if err != nil {
				return err
			}
			out.Counter = written[0]
		}

		if o.audit != nil {
			rec := *o.audit
			rec.EntryID = holdID
			rec.SessionID = marked.RelatedSessionID
			rec.Amount = marked.Amount.Abs()
			if err := tx.Audit(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	if out.AlreadyResolved {
		e.logger.Debug("hold already resolved", "hold_id", holdID, "op", op, "status", out.Hold.Status)
		return out, nil
	}
	metrics.HoldResolutions.WithLabelValues(outcomeLabel(to)).Inc()
	e.logger.Info("hold resolved",
		"hold_id", holdID,
		"op", op,
		"session_id", out.Hold.RelatedSessionID,
		"amount", out.Hold.Amount.Abs().String(),
	)
	return out, nil
}

// counterEntry builds the entry that accompanies a resolution.
func counterEntry(hold Entry, teacher UserID) (Entry, bool) {
	amount := hold.Amount.Abs()
	switch hold.Status {
	case StatusCompleted:
		return Entry{
			UserID:             teacher,
			CounterpartyUserID: hold.UserID,
			Type:               EntryEarned,
			Amount:             amount,
			RelatedSessionID:   hold.RelatedSessionID,
			RelatedEntryID:     hold.ID,
			Status:             StatusCompleted,
			Notes:              "session settled",
			ActorID:            hold.UserID,
		}, true
	case StatusCancelled:
		return Entry{
			UserID:           hold.UserID,
			Type:             EntryRefund,
			Amount:           amount,
			RelatedSessionID: hold.RelatedSessionID,
			RelatedEntryID:   hold.ID,
			Status:           StatusCompleted,
			Notes:            "session hold released",
			ActorID:          hold.UserID,
		}, true
	case StatusFailed:
		return Entry{}, false
	case StatusPending:
		panic("credit: counter entry for unresolved hold")
	default:
		panic("credit: unhandled hold status " + string(hold.Status))
	}
}

// existingOutcome rebuilds the Settlement of an already-resolved hold.
func existingOutcome(ctx context.Context, tx *Tx, hold Entry) (Settlement, error) {
	out := Settlement{Hold: hold, AlreadyResolved: true}

	var want EntryType
	switch hold.Status {
	case StatusCompleted:
		want = EntryEarned
	case StatusCancelled:
		want = EntryRefund
	case StatusFailed:
		return out, nil
	case StatusPending:
		panic("credit: existing outcome for unresolved hold")
	default:
		panic("credit: unhandled hold status " + string(hold.Status))
	}

	related, err := tx.Related(ctx, hold.ID)
	if err != nil {
		return Settlement{}, err
	}
	for _, r := range related {
		if r.Type == want {
			out.Counter = r
			return out, nil
		}
	}
	return Settlement{}, invalidEntry(hold.ID, "resolved hold has no %s entry", want)
}

func outcomeLabel(to EntryStatus) string {
	switch to {
	case StatusCompleted:
		return "settled"
	case StatusCancelled:
		return "released"
	case StatusFailed:
		return "voided"
	case StatusPending:
		return "pending"
	default:
		return string(to)
	}
}
