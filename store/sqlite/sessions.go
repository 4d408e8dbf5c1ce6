package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// =============================================================================
// SESSIONS (session.Store interface)
// =============================================================================

// Sessions is the session.Store view of a Store. It shares the connection
// and the lock with the ledger.
type Sessions struct {
	s *Store
}

// Sessions returns the session store backed by the same database.
func (s *Store) Sessions() *Sessions {
	return &Sessions{s: s}
}

const sessionColumns = `id, teacher_id, student_id, skill_ref, scheduled_start, scheduled_end,
	hourly_rate, credits_cost, hold_entry_id, status, teacher_confirmed, student_confirmed,
	confirmed_at, started_at, completed_at, cancelled_at, cancellation_reason, cancelled_by,
	disputed_at, dispute_reason, version, created_at, updated_at`

func (ss *Sessions) Create(ctx context.Context, sess session.Session) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	_, err := ss.s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(sess.ID),
		string(sess.TeacherID),
		string(sess.StudentID),
		sess.SkillRef,
		formatTime(sess.ScheduledStart),
		formatTime(sess.ScheduledEnd),
		sess.HourlyRate.String(),
		sess.CreditsCost.String(),
		string(sess.HoldEntryID),
		string(sess.Status),
		sess.TeacherConfirmed,
		sess.StudentConfirmed,
		nullTime(sess.ConfirmedAt),
		nullTime(sess.StartedAt),
		nullTime(sess.CompletedAt),
		nullTime(sess.CancelledAt),
		sess.CancellationReason,
		string(sess.CancelledBy),
		nullTime(sess.DisputedAt),
		sess.DisputeReason,
		sess.Version,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	return classify(err)
}

func (ss *Sessions) Get(ctx context.Context, id credit.SessionID) (session.Session, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	row := ss.s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id))
	return scanSession(row)
}

// Update writes every mutable column when the stored version still matches.
func (ss *Sessions) Update(ctx context.Context, sess session.Session) (session.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	res, err := ss.s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			teacher_confirmed = ?,
			student_confirmed = ?,
			confirmed_at = ?,
			started_at = ?,
			completed_at = ?,
			cancelled_at = ?,
			cancellation_reason = ?,
			cancelled_by = ?,
			disputed_at = ?,
			dispute_reason = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(sess.Status),
		sess.TeacherConfirmed,
		sess.StudentConfirmed,
		nullTime(sess.ConfirmedAt),
		nullTime(sess.StartedAt),
		nullTime(sess.CompletedAt),
		nullTime(sess.CancelledAt),
		sess.CancellationReason,
		string(sess.CancelledBy),
		nullTime(sess.DisputedAt),
		sess.DisputeReason,
		formatTime(sess.UpdatedAt),
		string(sess.ID),
		sess.Version,
	)
	if err != nil {
		return session.Session{}, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.Session{}, classify(err)
	}
	if n == 0 {
		var exists int
		err := ss.s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, string(sess.ID)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, credit.ErrNotFound
		}
		if err != nil {
			return session.Session{}, classify(err)
		}
		return session.Session{}, credit.ErrConcurrentModification
	}

	sess.Version++
	return sess, nil
}

// List returns matching sessions, most recently scheduled first.
func (ss *Sessions) List(ctx context.Context, f session.Filter) ([]session.Session, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	var (
		where = []string{"1 = 1"}
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "(teacher_id = ? OR student_id = ?)")
		args = append(args, string(f.UserID), string(f.UserID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY scheduled_start DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := ss.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, classify(rows.Err())
}

func scanSession(s scanner) (session.Session, error) {
	var (
		sess                                         session.Session
		id, teacher, student, status, holdID         string
		start, end, rate, cost, createdAt, updatedAt string
		cancelledBy                                  string
		confirmedAt, startedAt, completedAt          sql.NullString
		cancelledAt, disputedAt                      sql.NullString
	)
	err := s.Scan(&id, &teacher, &student, &sess.SkillRef, &start, &end,
		&rate, &cost, &holdID, &status, &sess.TeacherConfirmed, &sess.StudentConfirmed,
		&confirmedAt, &startedAt, &completedAt, &cancelledAt, &sess.CancellationReason, &cancelledBy,
		&disputedAt, &sess.DisputeReason, &sess.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, credit.ErrNotFound
	}
	if err != nil {
		return session.Session{}, classify(err)
	}

	sess.ID = credit.SessionID(id)
	sess.TeacherID = credit.UserID(teacher)
	sess.StudentID = credit.UserID(student)
	sess.HoldEntryID = credit.EntryID(holdID)
	sess.Status = session.Status(status)
	sess.CancelledBy = credit.UserID(cancelledBy)

	if sess.ScheduledStart, err = parseTime(start); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.ScheduledEnd, err = parseTime(end); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.HourlyRate, err = parseDecimal(rate); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.CreditsCost, err = parseDecimal(cost); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.ConfirmedAt, err = parseNullTime(confirmedAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.StartedAt, err = parseNullTime(startedAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	if sess.DisputedAt, err = parseNullTime(disputedAt); err != nil {
		return session.Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	return sess, nil
}
