/*
Package credit provides the credit ledger and session-escrow engine.

PURPOSE:
  Credits are the internal, non-monetary currency learners pay teachers with.
  This package owns every balance-affecting write: the append-only ledger,
  the balance calculator, the escrow manager that holds and resolves credits
  for booked sessions, and the reconciliation interface admins use for
  manual corrections.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amounts: fixed-point decimal.Decimal values, never float64
  - Entry: one ledger record, immutable once it reaches a terminal status
  - EntryType / EntryStatus: closed sets with exhaustive switches
  - UserID / EntryID / SessionID: opaque identifiers, never object pointers

DESIGN PRINCIPLES:
  1. Append-only: entries are never deleted; only Pending entries change status
  2. Precision: decimal.Decimal everywhere, rounding only in cost computation
  3. Type safety: distinct ID types prevent mixing users, entries and sessions
  4. Auditability: every entry has a balance snapshot, notes and an actor

USAGE:
  entry := credit.Entry{
      UserID: "user-42",
      Type:   credit.EntryBonus,
      Amount: credit.Credits(10),
      Status: credit.StatusCompleted,
  }

SEE ALSO:
  - ledger.go: append / markStatus / query
  - balance.go: available and held balances
  - escrow.go: hold / settle / release
  - reconcile.go: admin adjustments
*/
package credit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// Credits returns an integral credit amount.
func Credits(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// MustParseCredits parses a decimal literal such as "12.5". It panics on
// malformed input and is meant for constants and tests.
func MustParseCredits(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type SessionID string

// NewEntryID returns a time-ordered (UUIDv7) entry identifier.
func NewEntryID() EntryID {
	return EntryID(uuid.Must(uuid.NewV7()).String())
}

// NewSessionID returns a time-ordered (UUIDv7) session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.Must(uuid.NewV7()).String())
}

// =============================================================================
// ENTRY TYPE
// =============================================================================

// EntryType is the business reason for a ledger entry.
type EntryType string

const (
	EntryEarned     EntryType = "earned"     // teacher credited on settlement
	EntrySpent      EntryType = "spent"      // student debited by a hold
	EntryRefund     EntryType = "refund"     // hold returned on release
	EntryBonus      EntryType = "bonus"      // admin grant (referral, promotion)
	EntryAdjustment EntryType = "adjustment" // admin correction, signed
	EntryTransfer   EntryType = "transfer"   // one side of an admin transfer pair
)

// EntryTypes lists every entry type.
var EntryTypes = []EntryType{EntryEarned, EntrySpent, EntryRefund, EntryBonus, EntryAdjustment, EntryTransfer}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryEarned, EntrySpent, EntryRefund, EntryBonus, EntryAdjustment, EntryTransfer:
		return true
	default:
		return false
	}
}

// ParseEntryType converts a wire value into an EntryType.
func ParseEntryType(s string) (EntryType, error) {
	t := EntryType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entry type %q", s)
	}
	return t, nil
}

// =============================================================================
// ENTRY STATUS
// =============================================================================

// EntryStatus is the lifecycle state of a ledger entry.
//
//	Pending ──▶ Completed
//	   │
//	   ├──────▶ Cancelled
//	   │
//	   └──────▶ Failed
//
// Completed, Cancelled and Failed are terminal.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusCancelled EntryStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further status change is allowed.
func (s EntryStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending:
		return false
	default:
		panic(fmt.Sprintf("credit: unhandled entry status %q", string(s)))
	}
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to EntryStatus) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusCompleted, StatusCancelled, StatusFailed:
			return true
		}
		return false
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

// ParseEntryStatus converts a wire value into an EntryStatus.
func ParseEntryStatus(s string) (EntryStatus, error) {
	st := EntryStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown entry status %q", s)
	}
	return st, nil
}

// =============================================================================
// ENTRY - One balance-affecting record
// =============================================================================

// Entry is one ledger record. Amount is signed from the perspective of
// UserID: positive increases the balance, negative decreases it.
type Entry struct {
	ID                 EntryID
	UserID             UserID
	CounterpartyUserID UserID // optional
	Type               EntryType
	Amount             decimal.Decimal
	BalanceAfter       decimal.Decimal // available balance right after this entry
	RelatedSessionID   SessionID       // optional
	RelatedEntryID     EntryID         // optional, links refunds/reversals/pairs
	Status             EntryStatus
	CreatedAt          time.Time
	ProcessedAt        *time.Time // set when the entry reaches a terminal status
	Notes              string
	IdempotencyKey     string // optional, unique across the ledger
	ActorID            UserID // who caused the write (participant, admin, system)
}

// IsHold reports whether the entry is a session hold (a Spent entry).
func (e Entry) IsHold() bool {
	return e.Type == EntrySpent
}

// Effective reports whether the entry counts toward the balance.
// A Failed entry never took effect.
func (e Entry) Effective() bool {
	switch e.Status {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return false
	default:
		panic(fmt.Sprintf("credit: unhandled entry status %q", string(e.Status)))
	}
}
