package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/skill-exchange/credit"
)

// =============================================================================
// LEDGER ENTRIES (credit.Store interface)
// =============================================================================

const entryColumns = `id, user_id, counterparty_user_id, entry_type, amount, balance_after,
	related_session_id, related_entry_id, status, created_at, processed_at, notes,
	idempotency_key, actor_id`

// Insert adds entries to the ledger.
func (c conn) Insert(ctx context.Context, entries ...credit.Entry) error {
	for _, e := range entries {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO credit_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
			formatTime(e.CreatedAt),
			nullTime(e.ProcessedAt),
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

// SetStatus moves an entry out of from. Zero rows touched means it is gone
// or somebody else moved it first.
func (c conn) SetStatus(ctx context.Context, id credit.EntryID, from, to credit.EntryStatus, processedAt time.Time) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE credit_entries SET status = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`, string(to), formatTime(processedAt), string(id), string(from))
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 1 {
		return nil
	}
	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	return credit.ErrConcurrentModification
}

func (c conn) Get(ctx context.Context, id credit.EntryID) (credit.Entry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM credit_entries WHERE id = ?`, string(id))
	return scanEntry(row)
}

func (c conn) GetByIdempotencyKey(ctx context.Context, key string) (credit.Entry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM credit_entries WHERE idempotency_key = ?`, key)
	return scanEntry(row)
}

func (c conn) Related(ctx context.Context, id credit.EntryID) ([]credit.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM credit_entries
		WHERE related_entry_id = ?
		ORDER BY created_at ASC, id ASC
	`, string(id))
}

func (c conn) Entries(ctx context.Context, userID credit.UserID) ([]credit.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM credit_entries
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, string(userID))
}

// Page returns a reverse-chronological slice of a user's entries.
func (c conn) Page(ctx context.Context, userID credit.UserID, q credit.Query) ([]credit.Entry, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{string(userID)}
	)
	if len(q.Types) > 0 {
		where = append(where, "entry_type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	if q.SessionID != "" {
		where = append(where, "related_session_id = ?")
		args = append(args, string(q.SessionID))
	}
	if q.After != nil {
		at := formatTime(q.After.CreatedAt)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, at, at, string(q.After.ID))
	}

	query := `SELECT ` + entryColumns + ` FROM credit_entries WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return c.queryEntries(ctx, query, args...)
}

func (c conn) queryEntries(ctx context.Context, query string, args ...any) ([]credit.Entry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
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

func scanEntry(s scanner) (credit.Entry, error) {
	var (
		e                                     credit.Entry
		id, userID, entryType, status         string
		amount, balanceAfter, createdAt       string
		counterparty, relatedSession, related sql.NullString
		processedAt, idemKey, actor           sql.NullString
	)
	err := s.Scan(&id, &userID, &counterparty, &entryType, &amount, &balanceAfter,
		&relatedSession, &related, &status, &createdAt, &processedAt, &e.Notes,
		&idemKey, &actor)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Entry{}, credit.ErrNotFound
	}
	if err != nil {
		return credit.Entry{}, classify(err)
	}

	e.ID = credit.EntryID(id)
	e.UserID = credit.UserID(userID)
	e.CounterpartyUserID = credit.UserID(counterparty.String)
	e.Type = credit.EntryType(entryType)
	e.Status = credit.EntryStatus(status)
	e.RelatedSessionID = credit.SessionID(relatedSession.String)
	e.RelatedEntryID = credit.EntryID(related.String)
	e.IdempotencyKey = idemKey.String
	e.ActorID = credit.UserID(actor.String)

	if e.Amount, err = parseDecimal(amount); err != nil {
		return credit.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	if e.BalanceAfter, err = parseDecimal(balanceAfter); err != nil {
		return credit.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return credit.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	if e.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return credit.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return e, nil
}

// =============================================================================
// AUDIT RECORDS
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, a credit.AuditRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO credit_audit (id, at, actor_id, action, user_id, entry_id, session_id, amount, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		formatTime(a.At),
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
		where = []string{"1 = 1"}
		args  []any
	)
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, string(f.ActorID))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, string(f.UserID))
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	query := `SELECT id, at, actor_id, action, user_id, entry_id, session_id, amount, reason
		FROM credit_audit WHERE ` + strings.Join(where, " AND ") + ` ORDER BY at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []credit.AuditRecord
	for rows.Next() {
		var (
			a                       credit.AuditRecord
			at, actor, action, user string
			amount                  string
			entryID, sessionID      sql.NullString
		)
		if err := rows.Scan(&a.ID, &at, &actor, &action, &user, &entryID, &sessionID, &amount, &a.Reason); err != nil {
			return nil, classify(err)
		}
		if a.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if a.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		a.ActorID = credit.UserID(actor)
		a.Action = credit.AuditAction(action)
		a.UserID = credit.UserID(user)
		a.EntryID = credit.EntryID(entryID.String)
		a.SessionID = credit.SessionID(sessionID.String)
		out = append(out, a)
	}
	return out, classify(rows.Err())
}
