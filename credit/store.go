/*
store.go - Persistence interface for ledger entries and audit records

PURPOSE:
  Defines the boundary between the ledger and the database. Stores persist
  entries and audit records; they never compute balances or decide whether a
  write is legal. That is the Ledger's job.

KEY INTERFACES:
  Store:   entry and audit persistence, scoped to a transaction when obtained
           through TxStore.WithTx
  TxStore: opens the atomic unit every ledger mutation runs in

APPEND-ONLY CONTRACT:
  - Insert(): add entries
  - SetStatus(): conditional Pending -> terminal change, nothing else
  - NO Delete, NO amount updates

ATOMICITY AND ORDERING:
  Every mutation runs inside WithTx and starts with LockAccounts for the users
  it touches. Implementations serialize writers per account (row locks in
  PostgreSQL, a single writer in SQLite and memory), so a balance check and
  the insert that depends on it can't interleave with another writer.

IMPLEMENTATIONS:
  - credit/store/memory.go: in-memory, for tests and dev
  - store/sqlite: SQLite
  - store/postgres: PostgreSQL via pgx

SEE ALSO:
  - ledger.go: the only caller of Store writes
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Entry persistence
// =============================================================================

// Store persists ledger entries and audit records.
type Store interface {
	// Insert persists entries in order. Returns ErrDuplicateIdempotencyKey if
	// any key is already used.
	Insert(ctx context.Context, entries ...Entry) error

	// SetStatus changes an entry's status only if it is currently from.
	// Returns ErrNotFound or ErrConcurrentModification.
	SetStatus(ctx context.Context, id EntryID, from, to EntryStatus, processedAt time.Time) error

	// Get returns a single entry or ErrNotFound.
	Get(ctx context.Context, id EntryID) (Entry, error)

	// GetByIdempotencyKey returns the entry written with key or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (Entry, error)

	// Related returns entries whose RelatedEntryID is id, oldest first.
	Related(ctx context.Context, id EntryID) ([]Entry, error)

	// Entries returns every entry for a user ordered by (CreatedAt, ID) ascending.
	Entries(ctx context.Context, userID UserID) ([]Entry, error)

	// Page returns up to q.Limit entries for a user ordered by (CreatedAt, ID)
	// descending, strictly after q.After when set.
	Page(ctx context.Context, userID UserID, q Query) ([]Entry, error)

	// LockAccounts serializes writers on the given accounts until the
	// surrounding transaction ends. Outside WithTx it is a no-op.
	LockAccounts(ctx context.Context, users ...UserID) error

	// AppendAudit persists an audit record.
	AppendAudit(ctx context.Context, a AuditRecord) error

	// Audits returns audit records matching the filter, newest first.
	Audits(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERY - Reverse-chronological, cursor-paginated reads
// =============================================================================

// Query filters a page of entries. Zero values mean "no filter".
type Query struct {
	Types     []EntryType
	Statuses  []EntryStatus
	SessionID SessionID
	After     *Cursor
	Limit     int
}

// Matches reports whether e passes the type/status/session filters.
func (q Query) Matches(e Entry) bool {
	if q.SessionID != "" && e.RelatedSessionID != q.SessionID {
		return false
	}
	if len(q.Types) > 0 && !containsType(q.Types, e.Type) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, e.Status) {
		return false
	}
	return true
}

func containsType(ts []EntryType, t EntryType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []EntryStatus, s EntryStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// AUDIT LOG - Who did what, separate from the entries themselves
// =============================================================================

type AuditAction string

const (
	AuditAdjust   AuditAction = "adjust"
	AuditBonus    AuditAction = "bonus"
	AuditTransfer AuditAction = "transfer"
	AuditReverse  AuditAction = "reverse"
	AuditResolve  AuditAction = "resolve_dispute"
)

// AuditRecord records an administrative action.
type AuditRecord struct {
	ID        string
	At        time.Time
	ActorID   UserID
	Action    AuditAction
	UserID    UserID
	EntryID   EntryID
	SessionID SessionID
	Amount    decimal.Decimal
	Reason    string
}

type AuditFilter struct {
	ActorID UserID
	UserID  UserID
	Actions []AuditAction
	Limit   int
}

// Matches reports whether a passes the filter.
func (f AuditFilter) Matches(a AuditRecord) bool {
	if f.ActorID != "" && a.ActorID != f.ActorID {
		return false
	}
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if len(f.Actions) > 0 {
		for _, act := range f.Actions {
			if act == a.Action {
				return true
			}
		}
		return false
	}
	return true
}
