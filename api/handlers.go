/*
handlers.go - HTTP API handlers for the skill exchange

PURPOSE:
  Exposes the session machine, ledger and reconciler via REST API. Handles
  HTTP request/response and JSON, and delegates every rule to the domain
  packages. No handler touches a store directly.

ENDPOINTS:
  Sessions:
    POST   /api/sessions                 Book (caller is the student)
    GET    /api/sessions                 Caller's sessions (?status=&limit=)
    GET    /api/sessions/{id}            One session
    POST   /api/sessions/{id}/confirm    Accept or decline
    POST   /api/sessions/{id}/cancel     Cancel with reason
    POST   /api/sessions/{id}/start      Confirmed -> InProgress
    POST   /api/sessions/{id}/complete   Settle the hold
    POST   /api/sessions/{id}/dispute    Flag for admin resolution

  Ledger:
    GET    /api/me/balance               Caller's balance
    GET    /api/me/entries               Caller's history, newest first

  Admin:
    POST   /api/admin/adjustments        Adjustment or bonus
    POST   /api/admin/transfers          Paired transfer
    POST   /api/admin/entries/{id}/reverse
    POST   /api/admin/sessions/{id}/resolve
    GET    /api/admin/users/{id}/balance
    GET    /api/admin/users/{id}/report
    GET    /api/admin/audit

  Offerings:
    GET    /api/offerings                All offerings (?teacher=)
    POST   /api/offerings                Create/replace caller's offering

ERROR HANDLING:
  See errors.go. Domain errors map to 4xx; ledger defects and store failures
  are logged and answered without details.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: caller identity
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// maxBodyBytes caps request bodies. Every body here is a handful of fields.
const maxBodyBytes = 64 << 10

// Handler holds the domain services the routes call.
type Handler struct {
	Machine    *session.Machine
	Ledger     *credit.Ledger
	Balances   *credit.Calculator
	Reconciler *credit.Reconciler
	Catalog    *catalog.Catalog
	Auth       *Authenticator

	// System is the admin actor used when loading demo scenarios.
	System credit.UserID
	// Health reports store reachability for /healthz. Optional.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// decode reads a JSON body into dst. An empty body is allowed when optional.
func decode(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", credit.ErrInvalidRequest, err)
	}
	return nil
}

func sessionID(r *http.Request) credit.SessionID {
	return credit.SessionID(chi.URLParam(r, "id"))
}

// csv splits a query parameter on commas and also accepts repeats
// (?type=a,b or ?type=a&type=b).
func csv(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit %q must be a non-negative integer", credit.ErrInvalidRequest, raw)
	}
	return n, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// BookSession books a session with the caller as student.
func (h *Handler) BookSession(w http.ResponseWriter, r *http.Request) {
	var req BookSessionRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.TeacherID == "" || req.SkillRef == "" || req.ScheduledStart.IsZero() || req.ScheduledEnd.IsZero() {
		writeError(w, http.StatusBadRequest, "teacherId, skillRef, scheduledStart and scheduledEnd are required", nil)
		return
	}

	s, err := h.Machine.Book(r.Context(), session.BookRequest{
		StudentID:      UserFrom(r.Context()),
		TeacherID:      credit.UserID(req.TeacherID),
		SkillRef:       req.SkillRef,
		Start:          req.ScheduledStart,
		End:            req.ScheduledEnd,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(s))
}

// ListSessions returns the caller's sessions, newest scheduled first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := session.Filter{Limit: limit}
	for _, raw := range csv(r, "status") {
		st, err := session.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status filter", err)
			return
		}
		f.Statuses = append(f.Statuses, st)
	}

	sessions, err := h.Machine.List(r.Context(), UserFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Machine.Get(r.Context(), sessionID(r), UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// ConfirmSession records the caller's answer. {"accept": false} declines,
// which cancels the session and releases the hold.
func (h *Handler) ConfirmSession(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decode(r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}
	accept := req.Accept == nil || *req.Accept
	h.transition(w, r, func(ctx context.Context, id credit.SessionID, by credit.UserID) (session.Session, error) {
		return h.Machine.Confirm(ctx, id, by, accept)
	})
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}
	h.transition(w, r, func(ctx context.Context, id credit.SessionID, by credit.UserID) (session.Session, error) {
		return h.Machine.Cancel(ctx, id, by, req.Reason)
	})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Machine.Start)
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Machine.Complete)
}

func (h *Handler) DisputeSession(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	h.transition(w, r, func(ctx context.Context, id credit.SessionID, by credit.UserID) (session.Session, error) {
		return h.Machine.Dispute(ctx, id, by, req.Reason)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, credit.SessionID, credit.UserID) (session.Session, error)) {
	s, err := op(r.Context(), sessionID(r), UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// =============================================================================
// LEDGER
// =============================================================================

func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Balances.Balance(r.Context(), UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// MyEntries pages through the caller's history. Pass nextCursor back as
// ?cursor= to continue.
func (h *Handler) MyEntries(w http.ResponseWriter, r *http.Request) {
	q, err := parseEntryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	page, err := h.Ledger.Query(r.Context(), UserFrom(r.Context()), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := EntriesResponse{Entries: make([]EntryDTO, 0, len(page.Entries))}
	for _, e := range page.Entries {
		resp.Entries = append(resp.Entries, toEntryDTO(e))
	}
	if page.Next != nil {
		resp.NextCursor = page.Next.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEntryQuery(r *http.Request) (credit.Query, error) {
	var q credit.Query
	limit, err := queryLimit(r)
	if err != nil {
		return q, err
	}
	q.Limit = limit
	q.SessionID = credit.SessionID(r.URL.Query().Get("session_id"))

	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, err := credit.ParseCursor(raw)
		if err != nil {
			return q, err
		}
		q.After = &c
	}
	for _, raw := range csv(r, "type") {
		t, err := credit.ParseEntryType(raw)
		if err != nil {
			return q, err
		}
		q.Types = append(q.Types, t)
	}
	for _, raw := range csv(r, "status") {
		st, err := credit.ParseEntryStatus(raw)
		if err != nil {
			return q, err
		}
		q.Statuses = append(q.Statuses, st)
	}
	return q, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateAdjustment writes a signed Adjustment, or a Bonus when kind is "bonus".
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	actor := UserFrom(r.Context())

	var (
		entry credit.Entry
		err   error
	)
	switch req.Kind {
	case "", "adjustment":
		entry, err = h.Reconciler.Adjust(r.Context(), credit.UserID(req.UserID), req.Amount, req.Reason, actor)
	case "bonus":
		entry, err = h.Reconciler.Bonus(r.Context(), credit.UserID(req.UserID), req.Amount, req.Reason, actor)
	default:
		writeError(w, http.StatusBadRequest, "kind must be adjustment or bonus", nil)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	pair, err := h.Reconciler.Transfer(r.Context(),
		credit.UserID(req.FromUserID), credit.UserID(req.ToUserID),
		req.Amount, req.Reason, UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferResponse{
		Debit:  toEntryDTO(pair[0]),
		Credit: toEntryDTO(pair[1]),
	})
}

func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	entry, err := h.Reconciler.Reverse(r.Context(), credit.EntryID(chi.URLParam(r, "id")), req.Reason, UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Machine.ResolveDispute(r.Context(), sessionID(r), UserFrom(r.Context()),
		session.Resolution(req.Outcome), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) UserBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Reconciler.Balance(r.Context(), credit.UserID(chi.URLParam(r, "id")), UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) UserReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reconciler.Report(r.Context(), credit.UserID(chi.URLParam(r, "id")), UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(rep))
}

// ListAudits filters by ?actor=, ?user=, ?action= and ?limit=.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := credit.AuditFilter{
		ActorID: credit.UserID(r.URL.Query().Get("actor")),
		UserID:  credit.UserID(r.URL.Query().Get("user")),
		Limit:   limit,
	}
	for _, a := range csv(r, "action") {
		f.Actions = append(f.Actions, credit.AuditAction(a))
	}

	records, err := h.Reconciler.Audits(r.Context(), f, UserFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AuditDTO, 0, len(records))
	for _, a := range records {
		out = append(out, toAuditDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// OFFERINGS
// =============================================================================

func (h *Handler) ListOfferings(w http.ResponseWriter, r *http.Request) {
	offerings, err := h.Catalog.List(r.Context(), credit.UserID(r.URL.Query().Get("teacher")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]OfferingDTO, 0, len(offerings))
	for _, o := range offerings {
		out = append(out, toOfferingDTO(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// PutOffering creates or replaces one of the caller's offerings. Sessions
// already booked keep the rate they were booked at.
func (h *Handler) PutOffering(w http.ResponseWriter, r *http.Request) {
	var req PutOfferingRequest
	if err := decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.Catalog.Put(r.Context(), catalog.Offering{
		TeacherID:      UserFrom(r.Context()),
		SkillRef:       req.SkillRef,
		Title:          req.Title,
		CreditsPerHour: req.CreditsPerHour,
		Active:         req.Active == nil || *req.Active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferingDTO(o))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.logger().Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
