package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// =============================================================================
// SESSIONS (session.Store interface)
// =============================================================================

// Sessions is the session.Store view of a Store.
type Sessions struct {
	pool querier
}

func (s *Store) Sessions() *Sessions {
	return &Sessions{pool: s.pool}
}

const sessionColumns = `id, teacher_id, student_id, skill_ref, scheduled_start, scheduled_end,
	hourly_rate::text, credits_cost::text, hold_entry_id, status, teacher_confirmed, student_confirmed,
	confirmed_at, started_at, completed_at, cancelled_at, cancellation_reason, cancelled_by,
	disputed_at, dispute_reason, version, created_at, updated_at`

func (ss *Sessions) Create(ctx context.Context, s session.Session) error {
	_, err := ss.pool.Exec(ctx, `
		INSERT INTO sessions (id, teacher_id, student_id, skill_ref, scheduled_start, scheduled_end,
			hourly_rate, credits_cost, hold_entry_id, status, teacher_confirmed, student_confirmed,
			confirmed_at, started_at, completed_at, cancelled_at, cancellation_reason, cancelled_by,
			disputed_at, dispute_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`,
		string(s.ID), string(s.TeacherID), string(s.StudentID), s.SkillRef,
		s.ScheduledStart, s.ScheduledEnd,
		s.HourlyRate.String(), s.CreditsCost.String(), string(s.HoldEntryID), string(s.Status),
		s.TeacherConfirmed, s.StudentConfirmed,
		s.ConfirmedAt, s.StartedAt, s.CompletedAt, s.CancelledAt,
		s.CancellationReason, string(s.CancelledBy),
		s.DisputedAt, s.DisputeReason,
		s.Version, s.CreatedAt, s.UpdatedAt,
	)
	return classify(err)
}

func (ss *Sessions) Get(ctx context.Context, id credit.SessionID) (session.Session, error) {
	return scanSession(ss.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, string(id)))
}

// Update is a compare-and-swap on version. RETURNING tells a lost race
// apart from a missing row without a second round trip in the common case.
func (ss *Sessions) Update(ctx context.Context, s session.Session) (session.Session, error) {
	var version int64
	err := ss.pool.QueryRow(ctx, `
		UPDATE sessions SET
			status = $1,
			teacher_confirmed = $2,
			student_confirmed = $3,
			confirmed_at = $4,
			started_at = $5,
			completed_at = $6,
			cancelled_at = $7,
			cancellation_reason = $8,
			cancelled_by = $9,
			disputed_at = $10,
			dispute_reason = $11,
			updated_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14
		RETURNING version
	`,
		string(s.Status), s.TeacherConfirmed, s.StudentConfirmed,
		s.ConfirmedAt, s.StartedAt, s.CompletedAt, s.CancelledAt,
		s.CancellationReason, string(s.CancelledBy),
		s.DisputedAt, s.DisputeReason, s.UpdatedAt,
		string(s.ID), s.Version,
	).Scan(&version)
	if err == nil {
		s.Version = version
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, classify(err)
	}
	if _, err := ss.Get(ctx, s.ID); err != nil {
		return session.Session{}, err
	}
	return session.Session{}, credit.ErrConcurrentModification
}

func (ss *Sessions) List(ctx context.Context, f session.Filter) ([]session.Session, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		p := arg(string(f.UserID))
		where = append(where, "(teacher_id = "+p+" OR student_id = "+p+")")
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	sql := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY scheduled_start DESC, id DESC`
	if f.Limit > 0 {
		sql += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := ss.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		s                               session.Session
		id, teacher, student, status    string
		holdID, rate, cost, cancelledBy string
	)
	err := row.Scan(&id, &teacher, &student, &s.SkillRef, &s.ScheduledStart, &s.ScheduledEnd,
		&rate, &cost, &holdID, &status, &s.TeacherConfirmed, &s.StudentConfirmed,
		&s.ConfirmedAt, &s.StartedAt, &s.CompletedAt, &s.CancelledAt, &s.CancellationReason, &cancelledBy,
		&s.DisputedAt, &s.DisputeReason, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, credit.ErrNotFound
	}
	if err != nil {
		return session.Session{}, classify(err)
	}

	s.ID = credit.SessionID(id)
	s.TeacherID = credit.UserID(teacher)
	s.StudentID = credit.UserID(student)
	s.HoldEntryID = credit.EntryID(holdID)
	s.Status = session.Status(status)
	s.CancelledBy = credit.UserID(cancelledBy)

	s.ScheduledStart = s.ScheduledStart.UTC()
	s.ScheduledEnd = s.ScheduledEnd.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.ConfirmedAt = utc(s.ConfirmedAt)
	s.StartedAt = utc(s.StartedAt)
	s.CompletedAt = utc(s.CompletedAt)
	s.CancelledAt = utc(s.CancelledAt)
	s.DisputedAt = utc(s.DisputedAt)

	if s.HourlyRate, err = decimal.NewFromString(rate); err != nil {
		return session.Session{}, fmt.Errorf("session %s: bad rate: %w", id, err)
	}
	if s.CreditsCost, err = decimal.NewFromString(cost); err != nil {
		return session.Session{}, fmt.Errorf("session %s: bad cost: %w", id, err)
	}
	return s, nil
}

// =============================================================================
// OFFERINGS (catalog.Store interface)
// =============================================================================

type Offerings struct {
	pool querier
}

func (s *Store) Offerings() *Offerings {
	return &Offerings{pool: s.pool}
}

func (st *Offerings) PutOffering(ctx context.Context, o catalog.Offering) error {
	_, err := st.pool.Exec(ctx, `
		INSERT INTO offerings (teacher_id, skill_ref, title, credits_per_hour, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (teacher_id, skill_ref) DO UPDATE SET
			title = EXCLUDED.title,
			credits_per_hour = EXCLUDED.credits_per_hour,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, string(o.TeacherID), o.SkillRef, o.Title, o.CreditsPerHour.String(), o.Active, o.UpdatedAt)
	return classify(err)
}

func (st *Offerings) GetOffering(ctx context.Context, teacherID credit.UserID, skillRef string) (catalog.Offering, error) {
	return scanOffering(st.pool.QueryRow(ctx, `
		SELECT teacher_id, skill_ref, title, credits_per_hour::text, active, updated_at
		FROM offerings WHERE teacher_id = $1 AND skill_ref = $2
	`, string(teacherID), skillRef))
}

func (st *Offerings) ListOfferings(ctx context.Context, teacherID credit.UserID) ([]catalog.Offering, error) {
	rows, err := st.pool.Query(ctx, `
		SELECT teacher_id, skill_ref, title, credits_per_hour::text, active, updated_at
		FROM offerings
		WHERE $1::text = '' OR teacher_id = $1
		ORDER BY teacher_id, skill_ref
	`, string(teacherID))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []catalog.Offering
	for rows.Next() {
		o, err := scanOffering(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, classify(rows.Err())
}

func scanOffering(row pgx.Row) (catalog.Offering, error) {
	var (
		o             catalog.Offering
		teacher, rate string
	)
	err := row.Scan(&teacher, &o.SkillRef, &o.Title, &rate, &o.Active, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Offering{}, credit.ErrNotFound
	}
	if err != nil {
		return catalog.Offering{}, classify(err)
	}
	o.TeacherID = credit.UserID(teacher)
	o.UpdatedAt = o.UpdatedAt.UTC()
	if o.CreditsPerHour, err = decimal.NewFromString(rate); err != nil {
		return catalog.Offering{}, fmt.Errorf("offering %s/%s: bad rate: %w", teacher, o.SkillRef, err)
	}
	return o, nil
}
