package session

import (
	"errors"
	"fmt"

	"github.com/warp/skill-exchange/credit"
)

// ErrBookingRejected is returned when a booking cannot be honoured.
var ErrBookingRejected = errors.New("booking rejected")

// BookingRejectedError wraps the reason a booking was refused. It matches
// both ErrBookingRejected and the cause (usually credit.ErrInsufficientCredits).
type BookingRejectedError struct {
	StudentID credit.UserID
	Cause     error
}

func (e *BookingRejectedError) Error() string {
	return fmt.Sprintf("booking rejected for %s: %v", e.StudentID, e.Cause)
}

func (e *BookingRejectedError) Unwrap() []error {
	return []error{ErrBookingRejected, e.Cause}
}

// StateError is returned when a session is not in a legal source state.
// Callers should re-read the session.
type StateError struct {
	SessionID credit.SessionID
	Status    Status
	Op        string
	Reason    string // optional
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("cannot %s session %s in status %s", e.Op, e.SessionID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateError) Unwrap() error {
	return credit.ErrInvalidState
}

func notParticipant(id credit.SessionID, user credit.UserID) error {
	return fmt.Errorf("%w: %s is not a participant of session %s", credit.ErrNotAuthorized, user, id)
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", credit.ErrInvalidRequest, fmt.Sprintf(format, args...))
}
