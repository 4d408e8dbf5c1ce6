package session

import "fmt"

// Status is the lifecycle state of a session.
//
//	Pending ──▶ Confirmed ──▶ InProgress ──▶ Completed
//	   │            │             │   ▲
//	   │            │             ▼   │
//	   │            │          Disputed
//	   │            │             │
//	   └────────────┴─────────────┴──────▶ Cancelled
//
// Completed and Cancelled are terminal. Disputed is left only through an
// admin resolution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// Statuses lists every session status.
var Statuses = []Status{StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusDisputed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the session can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusPending, StatusConfirmed, StatusInProgress, StatusDisputed:
		return false
	default:
		panic(fmt.Sprintf("session: unhandled status %q", string(s)))
	}
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusDisputed || to == StatusCancelled
	case StatusDisputed:
		return to == StatusCompleted || to == StatusCancelled
	case StatusCompleted, StatusCancelled:
		return false
	default:
		panic(fmt.Sprintf("session: unhandled status %q", string(from)))
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}
