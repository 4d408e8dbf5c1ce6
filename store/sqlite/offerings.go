package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
)

// =============================================================================
// OFFERINGS (catalog.Store interface)
// =============================================================================

// Offerings is the catalog.Store view of a Store.
type Offerings struct {
	s *Store
}

func (s *Store) Offerings() *Offerings {
	return &Offerings{s: s}
}

func (st *Offerings) PutOffering(ctx context.Context, o catalog.Offering) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	_, err := st.s.db.ExecContext(ctx, `
		INSERT INTO offerings (teacher_id, skill_ref, title, credits_per_hour, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (teacher_id, skill_ref) DO UPDATE SET
			title = excluded.title,
			credits_per_hour = excluded.credits_per_hour,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, string(o.TeacherID), o.SkillRef, o.Title, o.CreditsPerHour.String(), o.Active, formatTime(o.UpdatedAt))
	return classify(err)
}

func (st *Offerings) GetOffering(ctx context.Context, teacherID credit.UserID, skillRef string) (catalog.Offering, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	row := st.s.db.QueryRowContext(ctx, `
		SELECT teacher_id, skill_ref, title, credits_per_hour, active, updated_at
		FROM offerings WHERE teacher_id = ? AND skill_ref = ?
	`, string(teacherID), skillRef)
	return scanOffering(row)
}

// ListOfferings returns offerings ordered by teacher then skill. An empty
// teacherID lists everyone's.
func (st *Offerings) ListOfferings(ctx context.Context, teacherID credit.UserID) ([]catalog.Offering, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()

	rows, err := st.s.db.QueryContext(ctx, `
		SELECT teacher_id, skill_ref, title, credits_per_hour, active, updated_at
		FROM offerings
		WHERE ? = '' OR teacher_id = ?
		ORDER BY teacher_id, skill_ref
	`, string(teacherID), string(teacherID))
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

func scanOffering(s scanner) (catalog.Offering, error) {
	var (
		o                        catalog.Offering
		teacher, rate, updatedAt string
	)
	err := s.Scan(&teacher, &o.SkillRef, &o.Title, &rate, &o.Active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Offering{}, credit.ErrNotFound
	}
	if err != nil {
		return catalog.Offering{}, classify(err)
	}
	o.TeacherID = credit.UserID(teacher)
	if o.CreditsPerHour, err = parseDecimal(rate); err != nil {
		return catalog.Offering{}, fmt.Errorf("offering %s/%s: %w", teacher, o.SkillRef, err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return catalog.Offering{}, fmt.Errorf("offering %s/%s: %w", teacher, o.SkillRef, err)
	}
	return o, nil
}
