/*
balance.go - Balance calculation

PURPOSE:
  Derives a user's balance from their ledger entries. This is the ONLY place
  entry amounts are summed. Nothing else inline-sums the ledger.

BALANCE COMPONENTS:
  Available:      spendable now
  Held:           committed to open escrow holds (Pending Spent entries)
  Total:          Available + Held
  EarnedLifetime: Completed Earned entries
  SpentLifetime:  Completed Spent entries (magnitude)

HOW ENTRIES COUNT:
  A hold debits the account when it is placed. Settlement keeps the debit
  (Pending -> Completed). Release keeps the debit too (Pending -> Cancelled)
  but appends a Refund that credits it back. A Failed hold never took effect.

    Available = Σ signed amount of every entry that is not Failed
    Held      = Σ |amount| of Pending Spent entries

EXAMPLE (Scenario B/C):
  Bonus +20 (completed)            Available 20, Held 0
  Spent  -6 (pending hold)         Available 14, Held 6
  -- settle --
  Spent  -6 (completed)            Available 14, Held 0
  -- or release --
  Spent  -6 (cancelled)
  Refund +6 (completed)            Available 20, Held 0

SEE ALSO:
  - escrow.go: checks Available before placing a hold
  - ledger.go: stamps BalanceAfter using the same rules
*/
package credit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE
// =============================================================================

// Balance is a user's derived account state.
type Balance struct {
	UserID         UserID
	Available      decimal.Decimal
	Held           decimal.Decimal
	EarnedLifetime decimal.Decimal
	SpentLifetime  decimal.Decimal
}

// Total returns Available + Held.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Held)
}

// CanSpend reports whether amount can be debited without going negative.
func (b Balance) CanSpend(amount decimal.Decimal) bool {
	return b.Available.GreaterThanOrEqual(amount)
}

// Calculate derives a balance from a user's entries.
func Calculate(userID UserID, entries []Entry) Balance {
	b := Balance{
		UserID:         userID,
		Available:      decimal.Zero,
		Held:           decimal.Zero,
		EarnedLifetime: decimal.Zero,
		SpentLifetime:  decimal.Zero,
	}
	for _, e := range entries {
		b.apply(e)
	}
	return b
}

// apply folds one entry into the balance.
func (b *Balance) apply(e Entry) {
	if !e.Effective() {
		return
	}
	b.Available = b.Available.Add(e.Amount)

	switch e.Type {
	case EntrySpent:
		switch e.Status {
		case StatusPending:
			b.Held = b.Held.Add(e.Amount.Abs())
		case StatusCompleted:
			b.SpentLifetime = b.SpentLifetime.Add(e.Amount.Abs())
		case StatusCancelled, StatusFailed:
		default:
			panic(fmt.Sprintf("credit: unhandled entry status %q", string(e.Status)))
		}
	case EntryEarned:
		if e.Status == StatusCompleted {
			b.EarnedLifetime = b.EarnedLifetime.Add(e.Amount)
		}
	case EntryRefund, EntryBonus, EntryAdjustment, EntryTransfer:
	default:
		panic(fmt.Sprintf("credit: unhandled entry type %q", string(e.Type)))
	}
}

// =============================================================================
// CALCULATOR - Read-side aggregation, never mutates
// =============================================================================

// Reader is the read subset of Store the calculator needs.
type Reader interface {
	Entries(ctx context.Context, userID UserID) ([]Entry, error)
}

// Calculator computes balances from a store.
type Calculator struct {
	Store Reader
}

// NewCalculator creates a calculator reading from store.
func NewCalculator(store Reader) *Calculator {
	return &Calculator{Store: store}
}

// Balance returns the full balance for a user.
func (c *Calculator) Balance(ctx context.Context, userID UserID) (Balance, error) {
	entries, err := c.Store.Entries(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Calculate(userID, entries), nil
}

// Available returns the spendable balance.
func (c *Calculator) Available(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	b, err := c.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available, nil
}

// Held returns the amount committed to open holds.
func (c *Calculator) Held(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	b, err := c.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Held, nil
}
