/*
Package session implements the lifecycle of a booked teaching session.

PURPOSE:
  The Machine owns session status and is the only caller of the escrow in the
  session flow. It books (hold), confirms, starts, completes (settle),
  cancels (release) and disputes sessions, one serialized step at a time.

KEY INVARIANTS:
  - A session exists only if its hold committed
  - Completed implies the hold was settled; Cancelled implies it was released
  - CreditsCost is fixed at booking and never recomputed
  - Session rows carry a version; every write is compare-and-swap

SEE ALSO:
  - credit/escrow.go: hold / settle / release
  - machine.go: operations
*/
package session

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
)

// Role is a participant's side of a session.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Session is one booked teaching session. Participants are referenced by ID.
type Session struct {
	ID             credit.SessionID
	TeacherID      credit.UserID
	StudentID      credit.UserID
	SkillRef       string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	HourlyRate     decimal.Decimal
	CreditsCost    decimal.Decimal
	HoldEntryID    credit.EntryID
	Status         Status

	TeacherConfirmed bool
	StudentConfirmed bool

	ConfirmedAt        *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	CancelledBy        credit.UserID
	DisputedAt         *time.Time
	DisputeReason      string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleOf returns the user's role, or false if they are not a participant.
func (s Session) RoleOf(user credit.UserID) (Role, bool) {
	switch user {
	case s.TeacherID:
		return RoleTeacher, true
	case s.StudentID:
		return RoleStudent, true
	default:
		return "", false
	}
}

// Duration is the scheduled length.
func (s Session) Duration() time.Duration {
	return s.ScheduledEnd.Sub(s.ScheduledStart)
}

// Participants returns teacher and student IDs.
func (s Session) Participants() []credit.UserID {
	return []credit.UserID{s.TeacherID, s.StudentID}
}

// Filter selects sessions for List. Zero values mean "no filter".
type Filter struct {
	UserID   credit.UserID // teacher or student
	Statuses []Status
	Limit    int
}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s Session) bool {
	if f.UserID != "" && s.TeacherID != f.UserID && s.StudentID != f.UserID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if st == s.Status {
			return true
		}
	}
	return false
}
