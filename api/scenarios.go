/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Seeds a running server with the four reference situations of the credit
	engine so they can be replayed by hand or from a frontend.

AVAILABLE SCENARIOS:

	insufficient-credits: student with 10 credits books 2h at 6/h (cost 12), rejected
	book-and-complete:    student with 20 credits books 1.5h at 4/h (cost 6), left Pending
	cancel-refund:        same booking as above, then cancelled before confirmation
	concurrent-booking:   two simultaneous bookings, credits for only one

HOW SCENARIOS WORK:
 1. Create a fresh teacher and student (IDs carry a random suffix, so
    scenarios never collide and nothing is reset)
 2. Publish the teacher's offering
 3. Fund the student with a Bonus written by the system actor
 4. Run the scenario's booking steps through the session machine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "book-and-complete"}

	The response names the users and, when a JWT secret is configured,
	bearer tokens for them.

NOTE:

	Only mounted when server.enable_scenarios is set.

SEE ALSO:
  - handlers.go: session and ledger routes used to continue a scenario
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "insufficient-credits",
		Name:        "Insufficient Credits",
		Description: "Student has 10 credits, books 2 hours at 6/hour (cost 12). Booking is rejected and nothing is held.",
	},
	{
		ID:          "book-and-complete",
		Name:        "Book and Complete",
		Description: "Student has 20 credits, books 1.5 hours at 4/hour (cost 6). 14 available, 6 held until both confirm and the session completes.",
	},
	{
		ID:          "cancel-refund",
		Name:        "Cancel and Refund",
		Description: "Same booking, cancelled before confirmation. Balance returns to 20 with one Refund entry.",
	},
	{
		ID:          "concurrent-booking",
		Name:        "Concurrent Booking",
		Description: "Two bookings race against credits for one. Exactly one succeeds.",
	},
}

const (
	scenarioSkill = "demo-lesson"
	tokenTTL      = 24 * time.Hour
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a scenario and runs its booking steps.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	var load func(ctx context.Context, sc *scenarioRun) error
	switch req.ScenarioID {
	case "insufficient-credits":
		load = h.loadInsufficientCredits
	case "book-and-complete":
		load = h.loadBookAndComplete
	case "cancel-refund":
		load = h.loadCancelRefund
	case "concurrent-booking":
		load = h.loadConcurrentBooking
	default:
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	sc := newScenarioRun(req.ScenarioID)
	if err := load(r.Context(), sc); err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	resp := LoadScenarioResponse{
		ScenarioID: req.ScenarioID,
		Users:      map[string]string{"teacher": string(sc.teacher), "student": string(sc.student)},
		Notes:      sc.notes,
	}
	for _, s := range sc.sessions {
		resp.Sessions = append(resp.Sessions, toSessionDTO(s))
	}
	if len(h.Auth.secret) > 0 {
		resp.Tokens = make(map[string]string, len(resp.Users))
		for role, id := range resp.Users {
			tok, err := h.Auth.IssueToken(credit.UserID(id), tokenTTL)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			resp.Tokens[role] = tok
		}
	}

	h.logger().Info("scenario loaded",
		"scenario", req.ScenarioID,
		"teacher", sc.teacher,
		"student", sc.student,
		"sessions", len(sc.sessions),
	)
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenarioRun struct {
	teacher  credit.UserID
	student  credit.UserID
	start    time.Time
	sessions []session.Session
	notes    []string
}

func newScenarioRun(id string) *scenarioRun {
	suffix := uuid.NewString()[:8]
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	return &scenarioRun{
		teacher: credit.UserID(id + "-teacher-" + suffix),
		student: credit.UserID(id + "-student-" + suffix),
		start:   start,
	}
}

func (sc *scenarioRun) note(format string, args ...any) {
	sc.notes = append(sc.notes, fmt.Sprintf(format, args...))
}

// seed publishes the teacher's offering and funds the student.
func (h *Handler) seed(ctx context.Context, sc *scenarioRun, rate, funds int64) error {
	if _, err := h.Catalog.Put(ctx, catalog.Offering{
		TeacherID:      sc.teacher,
		SkillRef:       scenarioSkill,
		Title:          "Demo lesson",
		CreditsPerHour: credit.Credits(rate),
		Active:         true,
	}); err != nil {
		return fmt.Errorf("publish offering: %w", err)
	}
	if _, err := h.Reconciler.Bonus(ctx, sc.student, credit.Credits(funds), "demo scenario funding", h.System); err != nil {
		return fmt.Errorf("fund student: %w", err)
	}
	sc.note("student funded with %d credits, teacher rate %d/hour", funds, rate)
	return nil
}

func (h *Handler) book(ctx context.Context, sc *scenarioRun, length time.Duration) (session.Session, error) {
	return h.Machine.Book(ctx, session.BookRequest{
		StudentID: sc.student,
		TeacherID: sc.teacher,
		SkillRef:  scenarioSkill,
		Start:     sc.start,
		End:       sc.start.Add(length),
	})
}

// Scenario A
func (h *Handler) loadInsufficientCredits(ctx context.Context, sc *scenarioRun) error {
	if err := h.seed(ctx, sc, 6, 10); err != nil {
		return err
	}
	_, err := h.book(ctx, sc, 2*time.Hour)
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		return fmt.Errorf("expected insufficient credits, got %v", err)
	}
	sc.note("booking 2h at 6/hour rejected: %v", err)
	return h.noteBalance(ctx, sc)
}

// Scenario B. Confirm (both sides), start and complete through the API.
func (h *Handler) loadBookAndComplete(ctx context.Context, sc *scenarioRun) error {
	if err := h.seed(ctx, sc, 4, 20); err != nil {
		return err
	}
	s, err := h.book(ctx, sc, 90*time.Minute)
	if err != nil {
		return err
	}
	sc.sessions = append(sc.sessions, s)
	sc.note("booked 1.5h at 4/hour, cost %s", s.CreditsCost)
	return h.noteBalance(ctx, sc)
}

// Scenario C
func (h *Handler) loadCancelRefund(ctx context.Context, sc *scenarioRun) error {
	if err := h.seed(ctx, sc, 4, 20); err != nil {
		return err
	}
	s, err := h.book(ctx, sc, 90*time.Minute)
	if err != nil {
		return err
	}
	if err := h.noteBalance(ctx, sc); err != nil {
		return err
	}
	s, err = h.Machine.Cancel(ctx, s.ID, sc.student, "changed my mind")
	if err != nil {
		return err
	}
	sc.sessions = append(sc.sessions, s)
	sc.note("cancelled before confirmation")
	return h.noteBalance(ctx, sc)
}

// Scenario D
func (h *Handler) loadConcurrentBooking(ctx context.Context, sc *scenarioRun) error {
	if err := h.seed(ctx, sc, 4, 6); err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
		errs     []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.book(ctx, sc, 90*time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sc.sessions = append(sc.sessions, s)
			case errors.Is(err, credit.ErrInsufficientCredits):
				rejected++
			default:
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	sc.note("%d booking(s) succeeded, %d rejected for insufficient credits", len(sc.sessions), rejected)
	return h.noteBalance(ctx, sc)
}

func (h *Handler) noteBalance(ctx context.Context, sc *scenarioRun) error {
	b, err := h.Balances.Balance(ctx, sc.student)
	if err != nil {
		return err
	}
	sc.note("student available %s, held %s", b.Available.StringFixed(1), b.Held.StringFixed(1))
	return nil
}
