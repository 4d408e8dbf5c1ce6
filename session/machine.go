/*
machine.go - Session state machine

OPERATIONS:
  Book            hold the cost, then create the session (Pending)
  Confirm         record a participant's answer; both yes -> Confirmed,
                  any no -> Cancelled with release
  Start           Confirmed -> InProgress, at or after scheduled start
  Complete        settle, then InProgress -> Completed (Confirmed past the
                  scheduled end passes through InProgress first)
  Cancel          release, then -> Cancelled (participants: Pending or
                  Confirmed only; admins also from InProgress)
  Dispute         InProgress -> Disputed
  ResolveDispute  admin: Disputed -> Completed (settle) or Cancelled (release)

ORDERING:
  Escrow first, status second. A terminal status is only written after the
  escrow outcome it implies has committed. If the escrow call fails the
  session keeps its status and the caller retries; settle and release are
  idempotent, so a retry after a lost status write converges.

SERIALIZATION:
  Operations on one session hold a per-session lock for their whole
  duration, and every status write is a compare-and-swap on the row version.
  Whichever operation observes a legal source state first wins; the other
  gets a StateError.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/metrics"
	"github.com/warp/skill-exchange/notify"
)

// terminalWriteAttempts bounds re-reads when a terminal status write loses a
// version race after the escrow outcome committed.
const terminalWriteAttempts = 5

// =============================================================================
// MACHINE
// =============================================================================

type Machine struct {
	sessions    Store
	escrow      *credit.Escrow
	catalog     RateCatalog
	admins      credit.Authorizer
	events      notify.Dispatcher
	logger      *slog.Logger
	now         func() time.Time
	billingUnit decimal.Decimal
	locks       *keyedMutex
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEvents sets the notification dispatcher.
func WithEvents(d notify.Dispatcher) Option {
	return func(m *Machine) { m.events = d }
}

// WithAdmins sets who may resolve disputes and cancel in-progress sessions.
func WithAdmins(a credit.Authorizer) Option {
	return func(m *Machine) { m.admins = a }
}

// WithBillingUnit sets the cost rounding granularity.
func WithBillingUnit(unit decimal.Decimal) Option {
	return func(m *Machine) {
		if unit.IsPositive() {
			m.billingUnit = unit
		}
	}
}

func NewMachine(sessions Store, escrow *credit.Escrow, catalog RateCatalog, opts ...Option) *Machine {
	m := &Machine{
		sessions:    sessions,
		escrow:      escrow,
		catalog:     catalog,
		admins:      credit.StaticAdmins{},
		logger:      slog.Default(),
		now:         time.Now,
		billingUnit: DefaultBillingUnit,
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// BOOK
// =============================================================================

// BookRequest describes a booking. IdempotencyKey is optional; a retried
// booking with the same key returns the original session.
type BookRequest struct {
	StudentID      credit.UserID
	TeacherID      credit.UserID
	SkillRef       string
	Start          time.Time
	End            time.Time
	IdempotencyKey string
}

// Book places a hold for the session cost and creates the session in
// Pending. If the hold is rejected no session is created.
func (m *Machine) Book(ctx context.Context, req BookRequest) (Session, error) {
	switch {
	case req.StudentID == "" || req.TeacherID == "":
		return Session{}, m.rejectInput(invalidRequest("student and teacher are required"))
	case req.StudentID == req.TeacherID:
		return Session{}, m.rejectInput(invalidRequest("cannot book a session with yourself"))
	case req.SkillRef == "":
		return Session{}, m.rejectInput(invalidRequest("skill reference is required"))
	case !req.End.After(req.Start):
		return Session{}, m.rejectInput(invalidRequest("session must end after it starts"))
	}

	rate, err := m.catalog.HourlyRate(ctx, req.TeacherID, req.SkillRef)
	if err != nil {
		return Session{}, fmt.Errorf("look up rate for %s/%s: %w", req.TeacherID, req.SkillRef, err)
	}
	cost, err := Cost(rate, req.Start, req.End, m.billingUnit)
	if err != nil {
		return Session{}, m.rejectInput(err)
	}

	id, holdKey := credit.NewSessionID(), ""
	if req.IdempotencyKey != "" {
		// Deterministic so a retry maps to the same hold and session.
		name := string(req.StudentID) + "/" + req.IdempotencyKey
		id = credit.SessionID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String())
		holdKey = "book:" + name
	}

	unlock := m.locks.lock(id)
	defer unlock()

	if req.IdempotencyKey != "" {
		if existing, err := m.sessions.Get(ctx, id); err == nil {
			if !existing.sameBooking(req) {
				return Session{}, fmt.Errorf("%w: key %q was used for a different booking", credit.ErrDuplicateIdempotencyKey, req.IdempotencyKey)
			}
			return existing, nil
		} else if !errors.Is(err, credit.ErrNotFound) {
			return Session{}, err
		}
	}

	hold, err := m.escrow.Hold(ctx, req.StudentID, cost, id, holdKey)
	if err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			metrics.BookingsRejected.WithLabelValues("insufficient_credits").Inc()
			return Session{}, &BookingRejectedError{StudentID: req.StudentID, Cause: err}
		}
		return Session{}, err
	}
	if hold.Status != credit.StatusPending {
		// A previous attempt with this key placed the hold and then gave up.
		return Session{}, &StateError{SessionID: id, Status: StatusCancelled, Op: "book", Reason: "previous attempt with this key was abandoned"}
	}

	now := m.now().UTC()
	s := Session{
		ID:             id,
		TeacherID:      req.TeacherID,
		StudentID:      req.StudentID,
		SkillRef:       req.SkillRef,
		ScheduledStart: req.Start.UTC(),
		ScheduledEnd:   req.End.UTC(),
		HourlyRate:     rate,
		CreditsCost:    cost,
		HoldEntryID:    hold.ID,
		Status:         StatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		// The session never existed, so the hold never should have.
		if _, verr := m.escrow.Void(context.WithoutCancel(ctx), hold.ID); verr != nil {
			m.logger.Error("failed to void hold after session create failed",
				"session_id", id,
				"hold_id", hold.ID,
				"create_error", err,
				"error", verr,
			)
		}
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionTransitions.WithLabelValues("", string(StatusPending)).Inc()
	m.logger.Info("session booked",
		"session_id", s.ID,
		"student_id", s.StudentID,
		"teacher_id", s.TeacherID,
		"cost", cost.String(),
	)
	m.emit(ctx, s, notify.SessionBooked, "")
	notify.Emit(ctx, m.events, m.logger, notify.Event{
		Kind:      notify.CreditsSpent,
		UserID:    string(s.StudentID),
		SessionID: string(s.ID),
		EntryID:   string(hold.ID),
		Amount:    cost,
		Reason:    "held for session",
	})
	return s, nil
}

// sameBooking reports whether req describes the booking that created s.
func (s Session) sameBooking(req BookRequest) bool {
	return s.StudentID == req.StudentID &&
		s.TeacherID == req.TeacherID &&
		s.SkillRef == req.SkillRef &&
		s.ScheduledStart.Truncate(time.Microsecond).Equal(req.Start.Truncate(time.Microsecond)) &&
		s.ScheduledEnd.Truncate(time.Microsecond).Equal(req.End.Truncate(time.Microsecond))
}

func (m *Machine) rejectInput(err error) error {
	metrics.BookingsRejected.WithLabelValues("invalid_request").Inc()
	return err
}

// =============================================================================
// PARTICIPANT OPERATIONS
// =============================================================================

// Confirm records a participant's answer. Declining cancels the session and
// releases the hold.
func (m *Machine) Confirm(ctx context.Context, id credit.SessionID, by credit.UserID, accept bool) (Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, role, err := m.loadAsParticipant(ctx, id, by)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusPending {
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "confirm"}
	}

	if !accept {
		return m.cancelLocked(ctx, s, by, fmt.Sprintf("declined by %s", role), nil)
	}

	next := s
	switch role {
	case RoleTeacher:
		next.TeacherConfirmed = true
	case RoleStudent:
		next.StudentConfirmed = true
	default:
		panic("session: unhandled role " + string(role))
	}
	if next.TeacherConfirmed && next.StudentConfirmed {
		now := m.now().UTC()
		next.Status = StatusConfirmed
		next.ConfirmedAt = &now
	}

	saved, err := m.save(ctx, s, next)
	if err != nil {
		return Session{}, err
	}
	if saved.Status == StatusConfirmed {
		m.emit(ctx, saved, notify.SessionConfirmed, "")
	}
	return saved, nil
}

// Start moves a Confirmed session to InProgress once its scheduled start has
// passed.
func (m *Machine) Start(ctx context.Context, id credit.SessionID, by credit.UserID) (Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, _, err := m.loadAsParticipant(ctx, id, by)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusConfirmed {
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "start"}
	}
	now := m.now().UTC()
	if now.Before(s.ScheduledStart) {
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "start", Reason: "scheduled start not reached"}
	}

	saved, err := m.startLocked(ctx, s, now)
	if err != nil {
		return Session{}, err
	}
	m.emit(ctx, saved, notify.SessionStarted, "")
	return saved, nil
}

func (m *Machine) startLocked(ctx context.Context, s Session, now time.Time) (Session, error) {
	next := s
	next.Status = StatusInProgress
	next.StartedAt = &now
	return m.save(ctx, s, next)
}

// Complete settles the hold to the teacher and marks the session Completed.
// If settlement fails the session stays InProgress and the caller retries.
func (m *Machine) Complete(ctx context.Context, id credit.SessionID, by credit.UserID) (Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, _, err := m.loadAsParticipant(ctx, id, by)
	if err != nil {
		return Session{}, err
	}

	now := m.now().UTC()
	switch s.Status {
	case StatusInProgress:
	case StatusConfirmed:
		if now.Before(s.ScheduledEnd) {
			return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "complete", Reason: "scheduled end not reached"}
		}
		// Implicit start: persist InProgress so a failed settle leaves the
		// session where a retry expects it.
		if s, err = m.startLocked(ctx, s, now); err != nil {
			return Session{}, err
		}
	case StatusPending, StatusCompleted, StatusCancelled, StatusDisputed:
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "complete"}
	default:
		panic(fmt.Sprintf("session: unhandled status %q", string(s.Status)))
	}

	return m.completeLocked(ctx, s, nil)
}

func (m *Machine) completeLocked(ctx context.Context, s Session, opts []credit.ResolveOption) (Session, error) {
	settlement, err := m.escrow.Settle(ctx, s.HoldEntryID, s.TeacherID, opts...)
	if err != nil {
		return Session{}, fmt.Errorf("settle session %s: %w", s.ID, err)
	}

	saved, err := m.writeTerminal(ctx, s, StatusCompleted, func(next *Session) {
		now := m.now().UTC()
		next.CompletedAt = &now
	})
	if err != nil {
		return Session{}, err
	}

	m.logger.Info("session completed",
		"session_id", saved.ID,
		"hold_id", saved.HoldEntryID,
		"earned_entry_id", settlement.Counter.ID,
	)
	m.emit(ctx, saved, notify.SessionCompleted, "")
	notify.Emit(ctx, m.events, m.logger, notify.Event{
		Kind:      notify.CreditsEarned,
		UserID:    string(saved.TeacherID),
		SessionID: string(saved.ID),
		EntryID:   string(settlement.Counter.ID),
		Amount:    saved.CreditsCost,
		Reason:    "session completed",
	})
	return saved, nil
}

// Cancel releases the hold and marks the session Cancelled. Participants may
// cancel while Pending or Confirmed; admins may also cancel an in-progress
// session.
func (m *Machine) Cancel(ctx context.Context, id credit.SessionID, by credit.UserID, reason string) (Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	_, participant := s.RoleOf(by)
	admin := m.admins.IsAdmin(ctx, by)
	if !participant && !admin {
		return Session{}, notParticipant(id, by)
	}

	switch s.Status {
	case StatusPending, StatusConfirmed:
	case StatusInProgress:
		if !admin {
			return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "cancel", Reason: "dispute the session instead"}
		}
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "cancel"}
	default:
		panic(fmt.Sprintf("session: unhandled status %q", string(s.Status)))
	}

	return m.cancelLocked(ctx, s, by, reason, nil)
}

func (m *Machine) cancelLocked(ctx context.Context, s Session, by credit.UserID, reason string, opts []credit.ResolveOption) (Session, error) {
	settlement, err := m.escrow.Release(ctx, s.HoldEntryID, opts...)
	if err != nil {
		return Session{}, fmt.Errorf("release session %s: %w", s.ID, err)
	}

	saved, err := m.writeTerminal(ctx, s, StatusCancelled, func(next *Session) {
		now := m.now().UTC()
		next.CancelledAt = &now
		next.CancellationReason = reason
		next.CancelledBy = by
	})
	if err != nil {
		return Session{}, err
	}

	m.logger.Info("session cancelled",
		"session_id", saved.ID,
		"by", by,
		"reason", reason,
	)
	m.emit(ctx, saved, notify.SessionCancelled, reason)
	notify.Emit(ctx, m.events, m.logger, notify.Event{
		Kind:      notify.CreditsRefunded,
		UserID:    string(saved.StudentID),
		SessionID: string(saved.ID),
		EntryID:   string(settlement.Counter.ID),
		Amount:    saved.CreditsCost,
		Reason:    reason,
	})
	return saved, nil
}

// Dispute flags an in-progress session for admin resolution. The hold stays
// pending until then.
func (m *Machine) Dispute(ctx context.Context, id credit.SessionID, by credit.UserID, reason string) (Session, error) {
	if reason == "" {
		return Session{}, invalidRequest("dispute reason is required")
	}
	unlock := m.locks.lock(id)
	defer unlock()

	s, _, err := m.loadAsParticipant(ctx, id, by)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusInProgress {
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "dispute"}
	}

	now := m.now().UTC()
	next := s
	next.Status = StatusDisputed
	next.DisputedAt = &now
	next.DisputeReason = reason
	saved, err := m.save(ctx, s, next)
	if err != nil {
		return Session{}, err
	}

	m.logger.Warn("session disputed", "session_id", id, "by", by, "reason", reason)
	m.emit(ctx, saved, notify.SessionDisputed, reason)
	return saved, nil
}

// =============================================================================
// ADMIN RESOLUTION
// =============================================================================

// Resolution is the outcome an admin picks for a disputed session.
type Resolution string

const (
	ResolveComplete Resolution = "complete"
	ResolveCancel   Resolution = "cancel"
)

// ResolveDispute settles or releases a disputed session's hold and records
// the decision in the audit log.
func (m *Machine) ResolveDispute(ctx context.Context, id credit.SessionID, actor credit.UserID, outcome Resolution, reason string) (Session, error) {
	if !m.admins.IsAdmin(ctx, actor) {
		return Session{}, fmt.Errorf("%w: %s is not an admin", credit.ErrNotAuthorized, actor)
	}
	if reason == "" {
		return Session{}, invalidRequest("resolution reason is required")
	}

	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusDisputed {
		return Session{}, &StateError{SessionID: id, Status: s.Status, Op: "resolve"}
	}

	audit := credit.WithAudit(credit.AuditRecord{
		ActorID: actor,
		Action:  credit.AuditResolve,
		UserID:  s.StudentID,
		Reason:  fmt.Sprintf("%s: %s", outcome, reason),
	})
	switch outcome {
	case ResolveComplete:
		return m.completeLocked(ctx, s, []credit.ResolveOption{audit})
	case ResolveCancel:
		return m.cancelLocked(ctx, s, actor, reason, []credit.ResolveOption{audit})
	default:
		return Session{}, invalidRequest("unknown resolution %q", outcome)
	}
}

// =============================================================================
// READS
// =============================================================================

// Get returns a session visible to the caller (participant or admin).
func (m *Machine) Get(ctx context.Context, id credit.SessionID, by credit.UserID) (Session, error) {
	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if _, ok := s.RoleOf(by); !ok && !m.admins.IsAdmin(ctx, by) {
		return Session{}, notParticipant(id, by)
	}
	return s, nil
}

// List returns the caller's sessions.
func (m *Machine) List(ctx context.Context, by credit.UserID, f Filter) ([]Session, error) {
	f.UserID = by
	return m.sessions.List(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Machine) loadAsParticipant(ctx context.Context, id credit.SessionID, by credit.UserID) (Session, Role, error) {
	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return Session{}, "", err
	}
	role, ok := s.RoleOf(by)
	if !ok {
		return Session{}, "", notParticipant(id, by)
	}
	return s, role, nil
}

// save writes next over prev with a version check. A lost race surfaces as
// a StateError so the caller re-reads.
func (m *Machine) save(ctx context.Context, prev, next Session) (Session, error) {
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		return Session{}, &StateError{SessionID: prev.ID, Status: prev.Status, Op: "move to " + string(next.Status)}
	}
	next.UpdatedAt = m.now().UTC()
	saved, err := m.sessions.Update(ctx, next)
	if errors.Is(err, credit.ErrConcurrentModification) {
		current, gerr := m.sessions.Get(ctx, prev.ID)
		if gerr != nil {
			return Session{}, gerr
		}
		return Session{}, &StateError{SessionID: prev.ID, Status: current.Status, Op: "update", Reason: "session changed concurrently"}
	}
	if err != nil {
		return Session{}, err
	}
	m.recordTransition(prev.Status, saved.Status)
	return saved, nil
}

// writeTerminal persists a terminal status after its escrow outcome has
// committed. The escrow already decided the outcome, so a version race is
// resolved by re-reading and writing again.
func (m *Machine) writeTerminal(ctx context.Context, s Session, to Status, mutate func(*Session)) (Session, error) {
	current := s
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		if current.Status == to {
			return current, nil
		}
		next := current
		next.Status = to
		mutate(&next)
		next.UpdatedAt = m.now().UTC()

		saved, err := m.sessions.Update(ctx, next)
		if err == nil {
			m.recordTransition(current.Status, to)
			return saved, nil
		}
		if !errors.Is(err, credit.ErrConcurrentModification) {
			return Session{}, fmt.Errorf("write %s status for session %s: %w", to, s.ID, err)
		}
		m.logger.Warn("terminal status write lost a race, re-reading",
			"session_id", s.ID,
			"to", to,
			"attempt", attempt+1,
		)
		if current, err = m.sessions.Get(ctx, s.ID); err != nil {
			return Session{}, err
		}
	}
	return Session{}, fmt.Errorf("write %s status for session %s: %w", to, s.ID, credit.ErrConcurrentModification)
}

func (m *Machine) recordTransition(from, to Status) {
	if from != to {
		metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// emit sends a session event to both participants.
func (m *Machine) emit(ctx context.Context, s Session, kind notify.Kind, reason string) {
	events := make([]notify.Event, 0, 2)
	for _, u := range s.Participants() {
		events = append(events, notify.Event{
			Kind:      kind,
			UserID:    string(u),
			SessionID: string(s.ID),
			Amount:    s.CreditsCost,
			Reason:    reason,
		})
	}
	notify.Emit(ctx, m.events, m.logger, events...)
}

// keyedMutex hands out one mutex per session, dropping it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[credit.SessionID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[credit.SessionID]*refMutex)}
}

func (k *keyedMutex) lock(id credit.SessionID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
