/*
reconcile.go - Administrative corrections

PURPOSE:
  The Reconciler is the admin escape hatch. It writes Completed entries
  outside the hold/settle/release discipline, but still through the ledger,
  so every correction is validated, balance-checked and audited.

OPERATIONS:
  Adjust    signed Adjustment entry
  Bonus     positive Bonus entry (referrals, promotions)
  Transfer  paired Transfer entries between two users
  Reverse   compensating Adjustment referencing the original entry
  Report    read-only consistency check of one account

AUDIT:
  Every write appends an AuditRecord (actor, action, user, amount, reason) in
  the same unit as the entries. A reason is mandatory.

AUTHORIZATION:
  Callers must pass an actor the Authorizer recognises as an admin.
*/
package credit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/metrics"
	"github.com/warp/skill-exchange/notify"
)

// =============================================================================
// AUTHORIZATION
// =============================================================================

// Authorizer decides who may call the Reconciler.
type Authorizer interface {
	IsAdmin(ctx context.Context, actor UserID) bool
}

// StaticAdmins is a fixed admin set, usually loaded from configuration.
type StaticAdmins map[UserID]bool

func NewStaticAdmins(ids ...string) StaticAdmins {
	s := make(StaticAdmins, len(ids))
	for _, id := range ids {
		s[UserID(id)] = true
	}
	return s
}

func (s StaticAdmins) IsAdmin(_ context.Context, actor UserID) bool {
	return s[actor]
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	ledger *Ledger
	auth   Authorizer
	events notify.Dispatcher
	logger *slog.Logger
}

func NewReconciler(ledger *Ledger, auth Authorizer, events notify.Dispatcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{ledger: ledger, auth: auth, events: events, logger: logger}
}

func (r *Reconciler) authorize(ctx context.Context, actor UserID) error {
	if actor == "" || r.auth == nil || !r.auth.IsAdmin(ctx, actor) {
		return fmt.Errorf("%w: %q is not an admin", ErrNotAuthorized, actor)
	}
	return nil
}

// Adjust writes a signed Adjustment. A negative adjustment may not take the
// user's available balance below zero.
func (r *Reconciler) Adjust(ctx context.Context, userID UserID, amount decimal.Decimal, reason string, actor UserID) (Entry, error) {
	return r.adjust(ctx, EntryAdjustment, AuditAdjust, userID, amount, reason, actor)
}

// Bonus grants a positive amount.
func (r *Reconciler) Bonus(ctx context.Context, userID UserID, amount decimal.Decimal, reason string, actor UserID) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, badRequest("bonus must be positive, got %s", amount)
	}
	return r.adjust(ctx, EntryBonus, AuditBonus, userID, amount, reason, actor)
}

func (r *Reconciler) adjust(ctx context.Context, typ EntryType, action AuditAction, userID UserID, amount decimal.Decimal, reason string, actor UserID) (Entry, error) {
	if err := r.authorize(ctx, actor); err != nil {
		return Entry{}, err
	}
	if userID == "" {
		return Entry{}, badRequest("user id is required")
	}
	if amount.IsZero() {
		return Entry{}, badRequest("amount must be nonzero")
	}
	if reason == "" {
		return Entry{}, badRequest("reason is required")
	}

	var out Entry
	err := r.ledger.Update(ctx, []UserID{userID}, func(tx *Tx) error {
		written, err := tx.Append(ctx, Entry{
			UserID:  userID,
			Type:    typ,
			Amount:  amount,
			Status:  StatusCompleted,
			Notes:   reason,
			ActorID: actor,
		})
		if err != nil {
			return err
		}
		out = written[0]
		return tx.Audit(ctx, AuditRecord{
			ActorID: actor,
			Action:  action,
			UserID:  userID,
			EntryID: out.ID,
			Amount:  amount,
			Reason:  reason,
		})
	})
	if err != nil {
		return Entry{}, err
	}

	metrics.Adjustments.WithLabelValues(string(action)).Inc()
	r.logger.Info("ledger adjusted",
		"actor_id", actor,
		"user_id", userID,
		"type", typ,
		"amount", amount.String(),
		"reason", reason,
	)
	notify.Emit(ctx, r.events, r.logger, adjustedEvent(out, reason))
	return out, nil
}

// Transfer moves amount from one user to another as a paired Transfer.
func (r *Reconciler) Transfer(ctx context.Context, from, to UserID, amount decimal.Decimal, reason string, actor UserID) ([2]Entry, error) {
	var out [2]Entry
	if err := r.authorize(ctx, actor); err != nil {
		return out, err
	}
	switch {
	case from == "" || to == "":
		return out, badRequest("both users are required")
	case from == to:
		return out, badRequest("cannot transfer to the same user")
	case !amount.IsPositive():
		return out, badRequest("transfer amount must be positive, got %s", amount)
	case reason == "":
		return out, badRequest("reason is required")
	}

	debitID, creditID := NewEntryID(), NewEntryID()
	err := r.ledger.Update(ctx, []UserID{from, to}, func(tx *Tx) error {
		written, err := tx.Append(ctx,
			Entry{
				ID:                 debitID,
				UserID:             from,
				CounterpartyUserID: to,
				Type:               EntryTransfer,
				Amount:             amount.Neg(),
				RelatedEntryID:     creditID,
				Status:             StatusCompleted,
				Notes:              reason,
				ActorID:            actor,
			},
			Entry{
				ID:                 creditID,
				UserID:             to,
				CounterpartyUserID: from,
				Type:               EntryTransfer,
				Amount:             amount,
				RelatedEntryID:     debitID,
				Status:             StatusCompleted,
				Notes:              reason,
				ActorID:            actor,
			},
		)
		if err != nil {
			return err
		}
		copy(out[:], written)
		return tx.Audit(ctx, AuditRecord{
			ActorID: actor,
			Action:  AuditTransfer,
			UserID:  from,
			EntryID: debitID,
			Amount:  amount,
			Reason:  fmt.Sprintf("%s (to %s)", reason, to),
		})
	})
	if err != nil {
		return [2]Entry{}, err
	}

	metrics.Adjustments.WithLabelValues(string(AuditTransfer)).Inc()
	r.logger.Info("credits transferred",
		"actor_id", actor,
		"from", from,
		"to", to,
		"amount", amount.String(),
	)
	notify.Emit(ctx, r.events, r.logger, adjustedEvent(out[0], reason), adjustedEvent(out[1], reason))
	return out, nil
}

// Reverse writes an Adjustment that cancels a Completed entry's effect.
// Holds are resolved through the escrow and transfers with a new transfer,
// so only single-sided entries can be reversed. Reversing twice fails with
// ErrInvalidState.
func (r *Reconciler) Reverse(ctx context.Context, entryID EntryID, reason string, actor UserID) (Entry, error) {
	if err := r.authorize(ctx, actor); err != nil {
		return Entry{}, err
	}
	if reason == "" {
		return Entry{}, badRequest("reason is required")
	}

	orig, err := r.ledger.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	switch orig.Type {
	case EntryEarned, EntryRefund, EntryBonus, EntryAdjustment:
	case EntrySpent, EntryTransfer:
		return Entry{}, badRequest("%s entries cannot be reversed", orig.Type)
	default:
		return Entry{}, badRequest("unknown entry type %q", orig.Type)
	}

	var out Entry
	err = r.ledger.Update(ctx, []UserID{orig.UserID}, func(tx *Tx) error {
		current, err := tx.Get(ctx, entryID)
		if err != nil {
			return err
		}
		if current.Status != StatusCompleted {
			return fmt.Errorf("%w: entry %s is %s", ErrInvalidState, entryID, current.Status)
		}
		related, err := tx.Related(ctx, entryID)
		if err != nil {
			return err
		}
		for _, rel := range related {
			if rel.Type == EntryAdjustment {
				return fmt.Errorf("%w: entry %s already reversed by %s", ErrInvalidState, entryID, rel.ID)
			}
		}

		written, err := tx.Append(ctx, Entry{
			UserID:           current.UserID,
			Type:             EntryAdjustment,
			Amount:           current.Amount.Neg(),
			RelatedSessionID: current.RelatedSessionID,
			RelatedEntryID:   current.ID,
			Status:           StatusCompleted,
			Notes:            reason,
			ActorID:          actor,
		})
		if err != nil {
			return err
		}
		out = written[0]
		return tx.Audit(ctx, AuditRecord{
			ActorID:   actor,
			Action:    AuditReverse,
			UserID:    current.UserID,
			EntryID:   out.ID,
			SessionID: current.RelatedSessionID,
			Amount:    out.Amount,
			Reason:    reason,
		})
	})
	if err != nil {
		return Entry{}, err
	}

	metrics.Adjustments.WithLabelValues(string(AuditReverse)).Inc()
	r.logger.Info("entry reversed",
		"actor_id", actor,
		"entry_id", entryID,
		"reversal_id", out.ID,
		"amount", out.Amount.String(),
	)
	notify.Emit(ctx, r.events, r.logger, adjustedEvent(out, reason))
	return out, nil
}

// Audits lists audit records. Admin only.
func (r *Reconciler) Audits(ctx context.Context, f AuditFilter, actor UserID) ([]AuditRecord, error) {
	if err := r.authorize(ctx, actor); err != nil {
		return nil, err
	}
	return r.ledger.store.Audits(ctx, f)
}

// Balance returns any user's balance. Admin only.
func (r *Reconciler) Balance(ctx context.Context, userID UserID, actor UserID) (Balance, error) {
	if err := r.authorize(ctx, actor); err != nil {
		return Balance{}, err
	}
	return NewCalculator(r.ledger.store).Balance(ctx, userID)
}

func adjustedEvent(e Entry, reason string) notify.Event {
	return notify.Event{
		Kind:      notify.CreditsAdjusted,
		UserID:    string(e.UserID),
		SessionID: string(e.RelatedSessionID),
		EntryID:   string(e.ID),
		Amount:    e.Amount,
		Reason:    reason,
		At:        e.CreatedAt,
	}
}

// =============================================================================
// REPORT - Read-only consistency check
// =============================================================================

// Report summarizes one account and lists any consistency problems found.
type Report struct {
	UserID   UserID
	Balance  Balance
	Entries  int
	Holds    HoldCounts
	Problems []string
}

// HoldCounts tallies a user's holds by status.
type HoldCounts struct {
	Pending  int
	Settled  int
	Released int
	Voided   int
}

// OK reports whether no problem was found.
func (r Report) OK() bool {
	return len(r.Problems) == 0
}

// Report checks one account: non-negative balance and snapshots, every
// resolved hold has exactly one counter entry, every transfer has its pair,
// and no entry was reversed twice.
func (r *Reconciler) Report(ctx context.Context, userID UserID, actor UserID) (Report, error) {
	if err := r.authorize(ctx, actor); err != nil {
		return Report{}, err
	}
	return Check(ctx, r.ledger.store, userID)
}

// Check builds a Report without authorization. The CLI uses it directly.
func Check(ctx context.Context, s Store, userID UserID) (Report, error) {
	entries, err := s.Entries(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		UserID:  userID,
		Balance: Calculate(userID, entries),
		Entries: len(entries),
	}
	problem := func(format string, args ...any) {
		rep.Problems = append(rep.Problems, fmt.Sprintf(format, args...))
	}

	if rep.Balance.Available.IsNegative() {
		problem("available balance is negative: %s", rep.Balance.Available)
	}

	for i, e := range entries {
		if e.BalanceAfter.IsNegative() {
			problem("entry %s has negative balance snapshot %s", e.ID, e.BalanceAfter)
		}
		if i > 0 && !Less(entries[i-1], e) {
			problem("entry %s is out of order", e.ID)
		}

		related, err := s.Related(ctx, e.ID)
		if err != nil {
			return Report{}, err
		}
		counts := make(map[EntryType]int, len(related))
		for _, rel := range related {
			counts[rel.Type]++
		}
		if counts[EntryAdjustment] > 1 {
			problem("entry %s reversed %d times", e.ID, counts[EntryAdjustment])
		}

		switch e.Type {
		case EntrySpent:
			checkHold(e, counts, &rep, problem)
		case EntryTransfer:
			pair, err := s.Get(ctx, e.RelatedEntryID)
			switch {
			case err != nil:
				problem("transfer %s has no counter entry %s", e.ID, e.RelatedEntryID)
			case pair.Type != EntryTransfer || !pair.Amount.Equal(e.Amount.Neg()) || pair.RelatedEntryID != e.ID:
				problem("transfer %s does not match its counter entry %s", e.ID, pair.ID)
			}
		case EntryEarned, EntryRefund, EntryBonus, EntryAdjustment:
		default:
			problem("entry %s has unknown type %q", e.ID, e.Type)
		}
	}
	return rep, nil
}

func checkHold(e Entry, counts map[EntryType]int, rep *Report, problem func(string, ...any)) {
	switch e.Status {
	case StatusPending:
		rep.Holds.Pending++
		if counts[EntryEarned]+counts[EntryRefund] > 0 {
			problem("pending hold %s already has a counter entry", e.ID)
		}
	case StatusCompleted:
		rep.Holds.Settled++
		if counts[EntryEarned] != 1 || counts[EntryRefund] != 0 {
			problem("settled hold %s has %d earned and %d refund entries", e.ID, counts[EntryEarned], counts[EntryRefund])
		}
	case StatusCancelled:
		rep.Holds.Released++
		if counts[EntryRefund] != 1 || counts[EntryEarned] != 0 {
			problem("released hold %s has %d refund and %d earned entries", e.ID, counts[EntryRefund], counts[EntryEarned])
		}
	case StatusFailed:
		rep.Holds.Voided++
		if counts[EntryEarned]+counts[EntryRefund] > 0 {
			problem("voided hold %s has a counter entry", e.ID)
		}
	default:
		problem("hold %s has unknown status %q", e.ID, e.Status)
	}
}
