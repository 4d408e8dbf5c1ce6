/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces using pgx.

PURPOSE:
  The production store. Same interfaces and schema shape as store/sqlite, but
  writers on different accounts proceed in parallel: LockAccounts takes row
  locks on credit_accounts instead of one process-wide writer.

INTERFACES IMPLEMENTED:
  credit.TxStore:  ledger entries and audit records
  session.Store:   sessions with version compare-and-swap (Store.Sessions)
  catalog.Store:   skill offerings (Store.Offerings)

LOCKING:
  credit_accounts holds one row per user that has ever been written. Every
  ledger unit upserts the rows it touches and locks them FOR UPDATE in
  user_id order, so two units touching the same pair of accounts always
  lock them in the same order and cannot deadlock each other.

ERRORS:
  23505 unique_violation    -> credit.ErrDuplicateIdempotencyKey (key index)
                               credit.ErrConcurrentModification (anything else)
  40001, 40P01              -> credit.ErrConcurrentModification
  08xxx, 57P0x, timeouts    -> credit.ErrStoreUnavailable

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
)

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	conn
	pool *pgxpool.Pool
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	s, err := NewFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewFromPool wraps an existing pool, which the caller may share with other
// components such as the river client.
func NewFromPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach database: %w", classify(err))
	}
	s := &Store{conn: conn{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS credit_entries (
		id TEXT COLLATE "C" PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES credit_accounts(user_id),
		counterparty_user_id TEXT,
		entry_type TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		balance_after NUMERIC NOT NULL,
		related_session_id TEXT,
		related_entry_id TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		notes TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		actor_id TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS credit_entries_idempotency_key
		ON credit_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS credit_entries_user_created
		ON credit_entries(user_id, created_at, id);
	CREATE INDEX IF NOT EXISTS credit_entries_related_entry
		ON credit_entries(related_entry_id) WHERE related_entry_id IS NOT NULL;

	CREATE OR REPLACE FUNCTION credit_entries_guard() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			RAISE EXCEPTION 'credit_entries is append-only';
		END IF;
		IF OLD.status <> 'pending'
			OR NEW.id <> OLD.id
			OR NEW.user_id <> OLD.user_id
			OR NEW.amount <> OLD.amount
			OR NEW.balance_after <> OLD.balance_after
			OR NEW.entry_type <> OLD.entry_type
			OR NEW.created_at <> OLD.created_at THEN
			RAISE EXCEPTION 'credit entry % is immutable', OLD.id;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS credit_entries_guard ON credit_entries;
	CREATE TRIGGER credit_entries_guard
		BEFORE UPDATE OR DELETE ON credit_entries
		FOR EACH ROW EXECUTE FUNCTION credit_entries_guard();

	CREATE TABLE IF NOT EXISTS credit_audit (
		id TEXT PRIMARY KEY,
		at TIMESTAMPTZ NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		user_id TEXT NOT NULL,
		entry_id TEXT,
		session_id TEXT,
		amount NUMERIC NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS credit_audit_user ON credit_audit(user_id, at);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		skill_ref TEXT NOT NULL,
		scheduled_start TIMESTAMPTZ NOT NULL,
		scheduled_end TIMESTAMPTZ NOT NULL,
		hourly_rate NUMERIC NOT NULL,
		credits_cost NUMERIC NOT NULL,
		hold_entry_id TEXT NOT NULL REFERENCES credit_entries(id),
		status TEXT NOT NULL,
		teacher_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		student_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		disputed_at TIMESTAMPTZ,
		dispute_reason TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS sessions_teacher ON sessions(teacher_id, scheduled_start);
	CREATE INDEX IF NOT EXISTS sessions_student ON sessions(student_id, scheduled_start);

	CREATE TABLE IF NOT EXISTS offerings (
		teacher_id TEXT NOT NULL,
		skill_ref TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		credits_per_hour NUMERIC NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (teacher_id, skill_ref)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a read-committed transaction. Isolation between ledger
// units comes from the account row locks, not from the isolation level.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&txStore{conn: conn{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// Insert outside WithTx runs in its own transaction so the account rows the
// entries reference exist.
func (s *Store) Insert(ctx context.Context, entries ...credit.Entry) error {
	users := make([]credit.UserID, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.UserID)
	}
	return s.WithTx(ctx, func(tx credit.Store) error {
		if err := tx.LockAccounts(ctx, users...); err != nil {
			return err
		}
		return tx.Insert(ctx, entries...)
	})
}

// LockAccounts outside a transaction has nothing to hold the locks.
func (s *Store) LockAccounts(context.Context, ...credit.UserID) error {
	return nil
}

type txStore struct {
	conn
}

// LockAccounts creates missing account rows and locks all of them in
// user_id order until the transaction ends.
func (ts *txStore) LockAccounts(ctx context.Context, users ...credit.UserID) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = string(u)
	}
	slices.Sort(ids)
	if _, err := ts.q.Exec(ctx, `
		INSERT INTO credit_accounts (user_id)
		SELECT unnest($1::text[])
		ON CONFLICT (user_id) DO NOTHING
	`, ids); err != nil {
		return classify(err)
	}
	rows, err := ts.q.Query(ctx, `
		SELECT user_id FROM credit_accounts
		WHERE user_id = ANY($1)
		ORDER BY user_id
		FOR UPDATE
	`, ids)
	if err != nil {
		return classify(err)
	}
	rows.Close()
	return classify(rows.Err())
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const entryColumns = `id, user_id, counterparty_user_id, entry_type, amount::text, balance_after::text,
	related_session_id, related_entry_id, status, created_at, processed_at, notes,
	idempotency_key, actor_id`

func (c conn) Insert(ctx context.Context, entries ...credit.Entry) error {
	for _, e := range entries {
		_, err := c.q.Exec(ctx, `
			INSERT INTO credit_entries (id, user_id, counterparty_user_id, entry_type, amount, balance_after,
				related_session_id, related_entry_id, status, created_at, processed_at, notes,
				idempotency_key, actor_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			string(e.ID),
			string(e.UserID),
			nullString(string(e.CounterpartyUserID)),
			string(e.Type),
			e.Amount.String(),
			e.BalanceAfter.String(),
			nullString(string(e.RelatedSessionID)),
			nullString(string(e.RelatedEntryID)),
			string(e.Status),
			e.CreatedAt,
			e.ProcessedAt,
			e.Notes,
			nullString(e.IdempotencyKey),
			nullString(string(e.ActorID)),
		)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (c conn) SetStatus(ctx context.Context, id credit.EntryID, from, to credit.EntryStatus, processedAt time.Time) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE credit_entries SET status = $1, processed_at = $2
		WHERE id = $3 AND status = $4
	`, string(to), processedAt, string(id), string(from))
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	return credit.ErrConcurrentModification
}

func (c conn) Get(ctx context.Context, id credit.EntryID) (credit.Entry, error) {
	return scanEntry(c.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM credit_entries WHERE id = $1`, string(id)))
}

func (c conn) GetByIdempotencyKey(ctx context.Context, key string) (credit.Entry, error) {
	return scanEntry(c.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM credit_entries WHERE idempotency_key = $1`, key))
}

func (c conn) Related(ctx context.Context, id credit.EntryID) ([]credit.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM credit_entries
		WHERE related_entry_id = $1
		ORDER BY created_at, id
	`, string(id))
}

func (c conn) Entries(ctx context.Context, userID credit.UserID) ([]credit.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM credit_entries
		WHERE user_id = $1
		ORDER BY created_at, id
	`, string(userID))
}

func (c conn) Page(ctx context.Context, userID credit.UserID, q credit.Query) ([]credit.Entry, error) {
	var (
		where = []string{"user_id = $1"}
		args  = []any{string(userID)}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		where = append(where, "entry_type = ANY("+arg(types)+")")
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if q.SessionID != "" {
		where = append(where, "related_session_id = "+arg(string(q.SessionID)))
	}
	if q.After != nil {
		where = append(where, "(created_at, id) < ("+arg(q.After.CreatedAt)+", "+arg(string(q.After.ID))+")")
	}

	sql := `SELECT ` + entryColumns + ` FROM credit_entries WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		sql += ` LIMIT ` + arg(q.Limit)
	}
	return c.queryEntries(ctx, sql, args...)
}

func (c conn) queryEntries(ctx context.Context, sql string, args ...any) ([]credit.Entry, error) {
	rows, err := c.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []credit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

func scanEntry(row pgx.Row) (credit.Entry, error) {
	var (
		e                                     credit.Entry
		id, userID, entryType, status         string
		amount, balanceAfter                  string
		counterparty, relatedSession, related *string
		idemKey, actor                        *string
	)
	err := row.Scan(&id, &userID, &counterparty, &entryType, &amount, &balanceAfter,
		&relatedSession, &related, &status, &e.CreatedAt, &e.ProcessedAt, &e.Notes,
		&idemKey, &actor)
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.Entry{}, credit.ErrNotFound
	}
	if err != nil {
		return credit.Entry{}, classify(err)
	}

	e.ID = credit.EntryID(id)
	e.UserID = credit.UserID(userID)
	e.CounterpartyUserID = credit.UserID(deref(counterparty))
	e.Type = credit.EntryType(entryType)
	e.Status = credit.EntryStatus(status)
	e.RelatedSessionID = credit.SessionID(deref(relatedSession))
	e.RelatedEntryID = credit.EntryID(deref(related))
	e.IdempotencyKey = deref(idemKey)
	e.ActorID = credit.UserID(deref(actor))
	e.CreatedAt = e.CreatedAt.UTC()
	e.ProcessedAt = utc(e.ProcessedAt)

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return credit.Entry{}, fmt.Errorf("entry %s: bad amount: %w", id, err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return credit.Entry{}, fmt.Errorf("entry %s: bad balance: %w", id, err)
	}
	return e, nil
}

// =============================================================================
// AUDIT RECORDS
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, a credit.AuditRecord) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO credit_audit (id, at, actor_id, action, user_id, entry_id, session_id, amount, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.At,
		string(a.ActorID),
		string(a.Action),
		string(a.UserID),
		nullString(string(a.EntryID)),
		nullString(string(a.SessionID)),
		a.Amount.String(),
		a.Reason,
	)
	return classify(err)
}

func (c conn) Audits(ctx context.Context, f credit.AuditFilter) ([]credit.AuditRecord, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(string(f.ActorID)))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(string(f.UserID)))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		where = append(where, "action = ANY("+arg(actions)+")")
	}
	sql := `SELECT id, at, actor_id, action, user_id, entry_id, session_id, amount::text, reason
		FROM credit_audit WHERE ` + strings.Join(where, " AND ") + ` ORDER BY at DESC, id DESC`
	if f.Limit > 0 {
		sql += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := c.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []credit.AuditRecord
	for rows.Next() {
		var (
			a                   credit.AuditRecord
			actor, action, user string
			amount              string
			entryID, sessionID  *string
		)
		if err := rows.Scan(&a.ID, &a.At, &actor, &action, &user, &entryID, &sessionID, &amount, &a.Reason); err != nil {
			return nil, classify(err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("audit %s: bad amount: %w", a.ID, err)
		}
		a.At = a.At.UTC()
		a.ActorID = credit.UserID(actor)
		a.Action = credit.AuditAction(action)
		a.UserID = credit.UserID(user)
		a.EntryID = credit.EntryID(deref(entryID))
		a.SessionID = credit.SessionID(deref(sessionID))
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// classify maps pgx errors onto the credit error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == "credit_entries_idempotency_key":
			return credit.ErrDuplicateIdempotencyKey
		case pgErr.Code == "23505", pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %s", credit.ErrConcurrentModification, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %s", credit.ErrStoreUnavailable, pgErr.Message)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", credit.ErrStoreUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", credit.ErrStoreUnavailable, err)
	}
	return err
}
