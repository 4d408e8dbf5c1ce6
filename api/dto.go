/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the credit and session models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Credits are decimals and serialize as JSON strings ("6", "4.5") so clients
  never round through float64. Requests accept strings or numbers.

VALIDATION:
  Handlers do the shape checks (required fields, parseable times). Domain
  rules (positive amounts, non-empty reasons) are enforced by the credit and
  session packages and surface as 400s.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/skill-exchange/catalog"
	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// =============================================================================
// SESSIONS
// =============================================================================

type BookSessionRequest struct {
	TeacherID      string    `json:"teacherId"`
	SkillRef       string    `json:"skillRef"`
	ScheduledStart time.Time `json:"scheduledStart"`
	ScheduledEnd   time.Time `json:"scheduledEnd"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// ConfirmRequest carries the participant's answer. A missing body accepts.
type ConfirmRequest struct {
	Accept *bool `json:"accept,omitempty"`
}

// ReasonRequest is the body of cancel and dispute.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

type ResolveRequest struct {
	Outcome string `json:"outcome"` // complete or cancel
	Reason  string `json:"reason"`
}

type SessionDTO struct {
	ID                 string          `json:"id"`
	TeacherID          string          `json:"teacherId"`
	StudentID          string          `json:"studentId"`
	SkillRef           string          `json:"skillRef"`
	ScheduledStart     time.Time       `json:"scheduledStart"`
	ScheduledEnd       time.Time       `json:"scheduledEnd"`
	HourlyRate         decimal.Decimal `json:"hourlyRate"`
	CreditsCost        decimal.Decimal `json:"creditsCost"`
	HoldEntryID        string          `json:"holdEntryId"`
	Status             string          `json:"status"`
	TeacherConfirmed   bool            `json:"teacherConfirmed"`
	StudentConfirmed   bool            `json:"studentConfirmed"`
	ConfirmedAt        *time.Time      `json:"confirmedAt,omitempty"`
	StartedAt          *time.Time      `json:"startedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	CancelledAt        *time.Time      `json:"cancelledAt,omitempty"`
	CancellationReason string          `json:"cancellationReason,omitempty"`
	CancelledBy        string          `json:"cancelledBy,omitempty"`
	DisputedAt         *time.Time      `json:"disputedAt,omitempty"`
	DisputeReason      string          `json:"disputeReason,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func toSessionDTO(s session.Session) SessionDTO {
	return SessionDTO{
		ID:                 string(s.ID),
		TeacherID:          string(s.TeacherID),
		StudentID:          string(s.StudentID),
		SkillRef:           s.SkillRef,
		ScheduledStart:     s.ScheduledStart,
		ScheduledEnd:       s.ScheduledEnd,
		HourlyRate:         s.HourlyRate,
		CreditsCost:        s.CreditsCost,
		HoldEntryID:        string(s.HoldEntryID),
		Status:             string(s.Status),
		TeacherConfirmed:   s.TeacherConfirmed,
		StudentConfirmed:   s.StudentConfirmed,
		ConfirmedAt:        s.ConfirmedAt,
		StartedAt:          s.StartedAt,
		CompletedAt:        s.CompletedAt,
		CancelledAt:        s.CancelledAt,
		CancellationReason: s.CancellationReason,
		CancelledBy:        string(s.CancelledBy),
		DisputedAt:         s.DisputedAt,
		DisputeReason:      s.DisputeReason,
		Version:            s.Version,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	UserID         string          `json:"userId"`
	Available      decimal.Decimal `json:"available"`
	Held           decimal.Decimal `json:"held"`
	Total          decimal.Decimal `json:"total"`
	EarnedLifetime decimal.Decimal `json:"earnedLifetime"`
	SpentLifetime  decimal.Decimal `json:"spentLifetime"`
}

func toBalanceDTO(b credit.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:         string(b.UserID),
		Available:      b.Available,
		Held:           b.Held,
		Total:          b.Total(),
		EarnedLifetime: b.EarnedLifetime,
		SpentLifetime:  b.SpentLifetime,
	}
}

type EntryDTO struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"userId"`
	CounterpartyUserID string          `json:"counterpartyUserId,omitempty"`
	Type               string          `json:"type"`
	Amount             decimal.Decimal `json:"amount"`
	BalanceAfter       decimal.Decimal `json:"balanceAfter"`
	RelatedSessionID   string          `json:"relatedSessionId,omitempty"`
	RelatedEntryID     string          `json:"relatedEntryId,omitempty"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	ProcessedAt        *time.Time      `json:"processedAt,omitempty"`
	Notes              string          `json:"notes,omitempty"`
}

func toEntryDTO(e credit.Entry) EntryDTO {
	return EntryDTO{
		ID:                 string(e.ID),
		UserID:             string(e.UserID),
		CounterpartyUserID: string(e.CounterpartyUserID),
		Type:               string(e.Type),
		Amount:             e.Amount,
		BalanceAfter:       e.BalanceAfter,
		RelatedSessionID:   string(e.RelatedSessionID),
		RelatedEntryID:     string(e.RelatedEntryID),
		Status:             string(e.Status),
		CreatedAt:          e.CreatedAt,
		ProcessedAt:        e.ProcessedAt,
		Notes:              e.Notes,
	}
}

// EntriesResponse is one page of history. NextCursor is empty on the last page.
type EntriesResponse struct {
	Entries    []EntryDTO `json:"entries"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AdjustmentRequest struct {
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
	Kind   string          `json:"kind,omitempty"` // adjustment (default) or bonus
	Reason string          `json:"reason"`
}

type TransferRequest struct {
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}

type TransferResponse struct {
	Debit  EntryDTO `json:"debit"`
	Credit EntryDTO `json:"credit"`
}

type ReportDTO struct {
	UserID   string     `json:"userId"`
	Balance  BalanceDTO `json:"balance"`
	Entries  int        `json:"entries"`
	Holds    HoldsDTO   `json:"holds"`
	OK       bool       `json:"ok"`
	Problems []string   `json:"problems"`
}

type HoldsDTO struct {
	Pending  int `json:"pending"`
	Settled  int `json:"settled"`
	Released int `json:"released"`
	Voided   int `json:"voided"`
}

func toReportDTO(r credit.Report) ReportDTO {
	problems := r.Problems
	if problems == nil {
		problems = []string{}
	}
	return ReportDTO{
		UserID:  string(r.UserID),
		Balance: toBalanceDTO(r.Balance),
		Entries: r.Entries,
		Holds: HoldsDTO{
			Pending:  r.Holds.Pending,
			Settled:  r.Holds.Settled,
			Released: r.Holds.Released,
			Voided:   r.Holds.Voided,
		},
		OK:       r.OK(),
		Problems: problems,
	}
}

type AuditDTO struct {
	ID        string          `json:"id"`
	At        time.Time       `json:"at"`
	ActorID   string          `json:"actorId"`
	Action    string          `json:"action"`
	UserID    string          `json:"userId,omitempty"`
	EntryID   string          `json:"entryId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

func toAuditDTO(a credit.AuditRecord) AuditDTO {
	return AuditDTO{
		ID:        a.ID,
		At:        a.At,
		ActorID:   string(a.ActorID),
		Action:    string(a.Action),
		UserID:    string(a.UserID),
		EntryID:   string(a.EntryID),
		SessionID: string(a.SessionID),
		Amount:    a.Amount,
		Reason:    a.Reason,
	}
}

// =============================================================================
// OFFERINGS
// =============================================================================

type OfferingDTO struct {
	TeacherID      string          `json:"teacherId"`
	SkillRef       string          `json:"skillRef"`
	Title          string          `json:"title"`
	CreditsPerHour decimal.Decimal `json:"creditsPerHour"`
	Active         bool            `json:"active"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type PutOfferingRequest struct {
	SkillRef       string          `json:"skillRef"`
	Title          string          `json:"title"`
	CreditsPerHour decimal.Decimal `json:"creditsPerHour"`
	Active         *bool           `json:"active,omitempty"` // defaults to true
}

func toOfferingDTO(o catalog.Offering) OfferingDTO {
	return OfferingDTO{
		TeacherID:      string(o.TeacherID),
		SkillRef:       o.SkillRef,
		Title:          o.Title,
		CreditsPerHour: o.CreditsPerHour,
		Active:         o.Active,
		UpdatedAt:      o.UpdatedAt,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// LoadScenarioResponse names the users a scenario created. Tokens are only
// issued when a JWT secret is configured.
type LoadScenarioResponse struct {
	ScenarioID string            `json:"scenarioId"`
	Users      map[string]string `json:"users"`
	Tokens     map[string]string `json:"tokens,omitempty"`
	Sessions   []SessionDTO      `json:"sessions,omitempty"`
	Notes      []string          `json:"notes,omitempty"`
}
