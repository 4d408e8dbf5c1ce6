/*
ledger.go - Append-only credit ledger

PURPOSE:
  The Ledger is the source of truth for every balance. It validates entries,
  stamps ordering and balance snapshots, and runs each mutation as one atomic
  unit with the affected accounts locked.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never deleted or re-valued
  2. TERMINAL IS FINAL: only Pending -> {Completed, Cancelled, Failed}
  3. ORDERED: per user, (CreatedAt, ID) order matches BalanceAfter order
  4. PAIRED TRANSFERS: a Transfer is always written with its counter entry
  5. NON-NEGATIVE: no committed unit leaves Available below zero

CORRECTIONS:
  Completed entries are never edited. A correction is a new Adjustment that
  references the original through RelatedEntryID (see reconcile.go).

WHO WRITES:
  Only the Escrow (escrow.go) and the Reconciler (reconcile.go) call Update.
  HTTP handlers and the session machine go through them.

SEE ALSO:
  - store.go: persistence interface
  - balance.go: how entries sum to a balance
*/
package credit

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/metrics"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger validates and persists entries.
type Ledger struct {
	store  TxStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for consistency violations.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLedger(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store for read-side components.
func (l *Ledger) Store() TxStore {
	return l.store
}

// Update runs fn as one atomic unit with the given accounts locked. If fn
// returns an error nothing is written.
func (l *Ledger) Update(ctx context.Context, users []UserID, fn func(tx *Tx) error) error {
	users = uniqueUsers(users)
	start := time.Now()
	err := l.store.WithTx(ctx, func(s Store) error {
		if err := s.LockAccounts(ctx, users...); err != nil {
			return err
		}
		tx := &Tx{
			ledger:   l,
			store:    s,
			locked:   make(map[UserID]bool, len(users)),
			accounts: make(map[UserID]*account, len(users)),
		}
		for _, u := range users {
			tx.locked[u] = true
		}
		return fn(tx)
	})
	metrics.LedgerWriteDuration.Observe(time.Since(start).Seconds())

	if IsInternal(err) {
		metrics.LedgerConsistencyErrors.Inc()
		l.logger.Error("ledger write aborted: consistency violation",
			"users", users,
			"error", err,
		)
	}
	return err
}

// Append writes entries in one atomic unit. This is the generic write path;
// escrow and reconciliation build on Tx.Append directly.
func (l *Ledger) Append(ctx context.Context, entries ...Entry) ([]Entry, error) {
	users := make([]UserID, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.UserID)
	}
	var out []Entry
	err := l.Update(ctx, users, func(tx *Tx) error {
		var err error
		out, err = tx.Append(ctx, entries...)
		return err
	})
	return out, err
}

// MarkStatus moves a Pending entry to a terminal status.
func (l *Ledger) MarkStatus(ctx context.Context, id EntryID, to EntryStatus) (Entry, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	var out Entry
	err = l.Update(ctx, []UserID{e.UserID}, func(tx *Tx) error {
		var err error
		out, err = tx.MarkStatus(ctx, id, to)
		return err
	})
	return out, err
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id EntryID) (Entry, error) {
	return l.store.Get(ctx, id)
}

// =============================================================================
// TX - One atomic ledger unit
// =============================================================================

// Tx is the handle passed to Update callbacks. Writes are only allowed for
// accounts locked by the enclosing Update.
type Tx struct {
	ledger   *Ledger
	store    Store
	locked   map[UserID]bool
	accounts map[UserID]*account
}

type account struct {
	balance Balance
	last    time.Time
}

// stamp returns a creation time strictly after the account's last entry,
// at microsecond precision so every store keeps it exactly.
func (a *account) stamp(now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(a.last) {
		now = a.last.Add(time.Microsecond)
	}
	a.last = now
	return now
}

func (tx *Tx) account(ctx context.Context, user UserID) (*account, error) {
	if !tx.locked[user] {
		return nil, invalidEntry("", "account %s is not locked in this unit", user)
	}
	if a, ok := tx.accounts[user]; ok {
		return a, nil
	}
	entries, err := tx.store.Entries(ctx, user)
	if err != nil {
		return nil, err
	}
	a := &account{balance: Calculate(user, entries)}
	if n := len(entries); n > 0 {
		a.last = entries[n-1].CreatedAt
	}
	tx.accounts[user] = a
	return a, nil
}

// Balance returns the user's balance as seen inside this unit.
func (tx *Tx) Balance(ctx context.Context, user UserID) (Balance, error) {
	a, err := tx.account(ctx, user)
	if err != nil {
		return Balance{}, err
	}
	return a.balance, nil
}

// Get reads an entry inside this unit.
func (tx *Tx) Get(ctx context.Context, id EntryID) (Entry, error) {
	return tx.store.Get(ctx, id)
}

// Related reads entries referencing id inside this unit.
func (tx *Tx) Related(ctx context.Context, id EntryID) ([]Entry, error) {
	return tx.store.Related(ctx, id)
}

// GetByIdempotencyKey reads an entry by key inside this unit.
func (tx *Tx) GetByIdempotencyKey(ctx context.Context, key string) (Entry, error) {
	return tx.store.GetByIdempotencyKey(ctx, key)
}

// Audit appends an audit record inside this unit.
func (tx *Tx) Audit(ctx context.Context, a AuditRecord) error {
	if a.At.IsZero() {
		a.At = tx.ledger.now().UTC().Truncate(time.Microsecond)
	}
	if a.ID == "" {
		a.ID = string(NewEntryID())
	}
	return tx.store.AppendAudit(ctx, a)
}

// Append validates and inserts entries. IDs are assigned when empty;
// CreatedAt, BalanceAfter and ProcessedAt are always stamped here.
func (tx *Tx) Append(ctx context.Context, entries ...Entry) ([]Entry, error) {
	if err := validateBatch(entries); err != nil {
		return nil, err
	}

	now := tx.ledger.now().UTC()
	out := make([]Entry, len(entries))
	for i, e := range entries {
		a, err := tx.account(ctx, e.UserID)
		if err != nil {
			return nil, err
		}
		if e.ID == "" {
			e.ID = NewEntryID()
		}
		e.CreatedAt = a.stamp(now)
		e.ProcessedAt = nil
		if e.Status == StatusCompleted {
			at := e.CreatedAt
			e.ProcessedAt = &at
		}

		before := a.balance.Available
		a.balance.apply(e)
		if e.Amount.IsNegative() && a.balance.Available.IsNegative() {
			return nil, insufficient(e.UserID, before, e.Amount.Neg())
		}
		e.BalanceAfter = a.balance.Available
		out[i] = e
	}

	if err := tx.store.Insert(ctx, out...); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkStatus performs a legal Pending -> terminal change.
func (tx *Tx) MarkStatus(ctx context.Context, id EntryID, to EntryStatus) (Entry, error) {
	e, err := tx.store.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if !tx.locked[e.UserID] {
		return Entry{}, invalidEntry(id, "account %s is not locked in this unit", e.UserID)
	}
	if !to.Valid() || !CanTransition(e.Status, to) {
		return Entry{}, &InvalidTransitionError{EntryID: id, From: e.Status, To: to}
	}

	now := tx.ledger.now().UTC().Truncate(time.Microsecond)
	if err := tx.store.SetStatus(ctx, id, e.Status, to, now); err != nil {
		return Entry{}, err
	}
	// Reload the account on next use so held/available reflect the change.
	delete(tx.accounts, e.UserID)

	e.Status = to
	e.ProcessedAt = &now
	return e, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateBatch(entries []Entry) error {
	if len(entries) == 0 {
		return invalidEntry("", "no entries")
	}

	byID := make(map[EntryID]Entry, len(entries))
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		if e.ID != "" {
			if _, dup := byID[e.ID]; dup {
				return invalidEntry(e.ID, "duplicate id in batch")
			}
			byID[e.ID] = e
		}
	}

	for _, e := range entries {
		if e.Type != EntryTransfer {
			continue
		}
		if e.ID == "" || e.RelatedEntryID == "" {
			return invalidEntry(e.ID, "transfer must carry its id and its counter entry id")
		}
		p, ok := byID[e.RelatedEntryID]
		if !ok {
			return invalidEntry(e.ID, "transfer submitted without its counter entry %s", e.RelatedEntryID)
		}
		switch {
		case p.Type != EntryTransfer:
			return invalidEntry(e.ID, "counter entry %s is %s, not a transfer", p.ID, p.Type)
		case p.RelatedEntryID != e.ID:
			return invalidEntry(e.ID, "counter entry %s does not reference it back", p.ID)
		case !p.Amount.Equal(e.Amount.Neg()):
			return invalidEntry(e.ID, "transfer pair amounts %s and %s do not cancel", e.Amount, p.Amount)
		case p.UserID != e.CounterpartyUserID || e.UserID != p.CounterpartyUserID:
			return invalidEntry(e.ID, "transfer pair counterparties do not match")
		case p.Status != e.Status:
			return invalidEntry(e.ID, "transfer pair statuses differ")
		}
	}
	return nil
}

func validateEntry(e Entry) error {
	if e.UserID == "" {
		return invalidEntry(e.ID, "missing user id")
	}
	if !e.Type.Valid() {
		return invalidEntry(e.ID, "unknown type %q", e.Type)
	}
	switch e.Status {
	case StatusPending, StatusCompleted:
	case StatusCancelled, StatusFailed:
		return invalidEntry(e.ID, "status %s not allowed at creation", e.Status)
	default:
		return invalidEntry(e.ID, "unknown status %q", e.Status)
	}
	if e.Amount.IsZero() {
		return invalidEntry(e.ID, "amount is zero")
	}
	if e.CounterpartyUserID != "" && e.CounterpartyUserID == e.UserID {
		return invalidEntry(e.ID, "counterparty is the account itself")
	}

	switch e.Type {
	case EntrySpent:
		if e.Amount.IsPositive() {
			return invalidEntry(e.ID, "spent amount must be negative")
		}
	case EntryEarned, EntryRefund, EntryBonus:
		if e.Amount.IsNegative() {
			return invalidEntry(e.ID, "%s amount must be positive", e.Type)
		}
	case EntryAdjustment, EntryTransfer:
	default:
		return invalidEntry(e.ID, "unhandled type %q", e.Type)
	}

	if e.Status == StatusPending && e.Type != EntrySpent {
		return invalidEntry(e.ID, "only holds may be created pending")
	}
	return nil
}

func uniqueUsers(users []UserID) []UserID {
	seen := make(map[UserID]bool, len(users))
	out := make([]UserID, 0, len(users))
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	// Stable lock order avoids deadlocks between units locking the same pair.
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// QUERY - Lazy, restartable, reverse-chronological reads
// =============================================================================

// Less reports whether a sorts before b in (CreatedAt, ID) order.
func Less(a, b Entry) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Cursor marks a position in a user's reverse-chronological entry list.
type Cursor struct {
	CreatedAt time.Time
	ID        EntryID
}

// CursorFor returns the cursor positioned at e.
func CursorFor(e Entry) Cursor {
	return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// String encodes the cursor as an opaque token.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + string(c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a token produced by Cursor.String.
func ParseCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: EntryID(id)}, nil
}

// Older reports whether e sorts strictly after the cursor in
// reverse-chronological order.
func (c Cursor) Older(e Entry) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

// Page is one slice of a user's history.
type Page struct {
	Entries []Entry
	Next    *Cursor // nil on the last page
}

// Query returns one page of a user's entries, newest first.
func (l *Ledger) Query(ctx context.Context, userID UserID, q Query) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	q.Limit = limit + 1

	entries, err := l.store.Page(ctx, userID, q)
	if err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		next := CursorFor(entries[limit-1])
		page.Next = &next
	}
	return page, nil
}

// All lazily walks every matching entry, newest first, fetching one page at a
// time. Stop ranging to stop fetching.
func (l *Ledger) All(ctx context.Context, userID UserID, q Query) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for {
			page, err := l.Query(ctx, userID, q)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if page.Next == nil {
				return
			}
			q.After = page.Next
		}
	}
}

// Sum returns the sum of amounts, a helper for reports and tests.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
