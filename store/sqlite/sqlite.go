/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the server needs using SQLite. The
  PostgreSQL store (store/postgres) follows the same schema with row locks
  instead of a single writer.

INTERFACES IMPLEMENTED:
  credit.TxStore:  ledger entries and audit records
  session.Store:   sessions with version compare-and-swap
  catalog.Store:   skill offerings and rates

APPEND-ONLY ENFORCEMENT:
  - No DELETE on credit_entries (trigger aborts)
  - UPDATE only changes status/processed_at of a pending row (trigger aborts
    anything else)
  - Corrections are new Adjustment rows

KEY TABLES:
  credit_entries:  the ledger
  credit_audit:    who did what through the reconciliation interface
  sessions:        booked sessions
  offerings:       the skill/rate catalog

CONCURRENCY:
  One connection and a sync.RWMutex. WithTx holds the write lock for the
  whole transaction, so LockAccounts has nothing left to do: SQLite has a
  single writer.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text, so lexical order is
  chronological order and (created_at, id) sorts correctly in SQL.

USAGE:
  store, err := sqlite.New("./data/skillswap.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credit.NewLedger(store)

SEE ALSO:
  - credit/store.go: interface definitions
  - credit/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs queries against a database or an open transaction. It does no
// locking; Store and txStore decide that.
type conn struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS credit_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		counterparty_user_id TEXT,
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		related_session_id TEXT,
		related_entry_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		notes TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		actor_id TEXT
	);

	-- Balance calculation and history pages (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON credit_entries(user_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_entries_related_entry
		ON credit_entries(related_entry_id) WHERE related_entry_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_session
		ON credit_entries(related_session_id) WHERE related_session_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
		BEFORE DELETE ON credit_entries
	BEGIN
		SELECT RAISE(ABORT, 'credit_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_entries_immutable
		BEFORE UPDATE ON credit_entries
		WHEN OLD.status <> 'pending'
		  OR NEW.id IS NOT OLD.id
		  OR NEW.user_id IS NOT OLD.user_id
		  OR NEW.amount IS NOT OLD.amount
		  OR NEW.balance_after IS NOT OLD.balance_after
		  OR NEW.entry_type IS NOT OLD.entry_type
		  OR NEW.created_at IS NOT OLD.created_at
	BEGIN
		SELECT RAISE(ABORT, 'credit entry is immutable');
	END;

	-- Reconciliation audit trail
	CREATE TABLE IF NOT EXISTS credit_audit (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		user_id TEXT NOT NULL,
		entry_id TEXT,
		session_id TEXT,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user ON credit_audit(user_id, at);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON credit_audit(actor_id, at);

	-- Sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		skill_ref TEXT NOT NULL,
		scheduled_start TEXT NOT NULL,
		scheduled_end TEXT NOT NULL,
		hourly_rate TEXT NOT NULL,
		credits_cost TEXT NOT NULL,
		hold_entry_id TEXT NOT NULL REFERENCES credit_entries(id),
		status TEXT NOT NULL,
		teacher_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		student_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		disputed_at TEXT,
		dispute_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_teacher ON sessions(teacher_id, scheduled_start);
	CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions(student_id, scheduled_start);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	-- Skill catalog
	CREATE TABLE IF NOT EXISTS offerings (
		teacher_id TEXT NOT NULL,
		skill_ref TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		credits_per_hour TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (teacher_id, skill_ref)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer sqlTx.Rollback()

	// Every read inside fn goes through the transaction so it sees its own
	// writes and never waits on the connection the transaction holds.
	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// txStore is the credit.Store handed to WithTx callbacks.
type txStore struct {
	conn
}

// LockAccounts is a no-op: WithTx already holds the only writer.
func (ts *txStore) LockAccounts(context.Context, ...credit.UserID) error {
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS - Store methods outside a transaction
// =============================================================================

func (s *Store) Insert(ctx context.Context, entries ...credit.Entry) error {
	return s.WithTx(ctx, func(tx credit.Store) error {
		return tx.Insert(ctx, entries...)
	})
}

func (s *Store) SetStatus(ctx context.Context, id credit.EntryID, from, to credit.EntryStatus, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SetStatus(ctx, id, from, to, processedAt)
}

func (s *Store) Get(ctx context.Context, id credit.EntryID) (credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Get(ctx, id)
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetByIdempotencyKey(ctx, key)
}

func (s *Store) Related(ctx context.Context, id credit.EntryID) ([]credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Related(ctx, id)
}

func (s *Store) Entries(ctx context.Context, userID credit.UserID) ([]credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Entries(ctx, userID)
}

func (s *Store) Page(ctx context.Context, userID credit.UserID, q credit.Query) ([]credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Page(ctx, userID, q)
}

// LockAccounts outside a transaction has nothing to protect.
func (s *Store) LockAccounts(context.Context, ...credit.UserID) error {
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, a credit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AppendAudit(ctx, a)
}

func (s *Store) Audits(ctx context.Context, f credit.AuditFilter) ([]credit.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Audits(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad amount %q: %w", s, err)
	}
	return d, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// classify maps driver errors onto the credit error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			if strings.Contains(se.Error(), "idempotency_key") {
				return credit.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("%w: %v", credit.ErrConcurrentModification, err)
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked ||
			se.Code == sqlite3.ErrIoErr || se.Code == sqlite3.ErrCantOpen:
			return fmt.Errorf("%w: %v", credit.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", credit.ErrStoreUnavailable, err)
	}
	return err
}
