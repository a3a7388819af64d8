package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Split coordination status values.
const (
	SplitStatusPending        = "pending"
	SplitStatusPartialFailure = "partial_failure"
	SplitStatusCompleted      = "completed"
)

// Record is one financial line item in a user's ledger.
// Pending=true implies CategoryID is nil; Settle only ever goes false->true.
type Record struct {
	ID             string          `json:"id"`
	OwnerUserID    string          `json:"owner_user_id"`
	Name           string          `json:"name"`
	Amount         decimal.Decimal `json:"amount"`
	CategoryID     *string         `json:"category_id"`
	Date           string          `json:"date"`
	Pending        bool            `json:"pending"`
	Settle         bool            `json:"settle"`
	SplitID        *string         `json:"split_id"`
	DebtorUserID   string          `json:"debtor_user_id"`
	CreditorUserID string          `json:"creditor_user_id"`
}

// SplitCoordination tracks one fan-out operation so that failed participant
// writes can be retried without the client resending the payload.
type SplitCoordination struct {
	ID                      string                     `json:"id"`
	PayerUserID             string                     `json:"payer_user_id"`
	TotalAmount             decimal.Decimal            `json:"total_amount"`
	Description             string                     `json:"description"`
	CategoryID              string                     `json:"category_id"`
	Date                    string                     `json:"date"`
	ParticipantShares       map[string]decimal.Decimal `json:"participant_shares"`
	Status                  string                     `json:"status"`
	FanoutAttempts          int64                      `json:"fanout_attempts"`
	SucceededParticipantIDs []string                   `json:"succeeded_participant_ids"`
	FailedParticipantIDs    []string                   `json:"failed_participant_ids"`
	CreatedAt               time.Time                  `json:"created_at"`
	UpdatedAt               time.Time                  `json:"updated_at"`
}

// IdempotencyEntry deduplicates retried client requests. A nil ResponseBody
// is an in-flight reservation left by an attempt that has not committed yet.
type IdempotencyEntry struct {
	UserID         string
	Endpoint       string
	Key            string
	PayloadHash    string
	ResponseStatus int
	ResponseBody   json.RawMessage
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// SplitParticipant is one (user, owed amount) pair in a create request.
type SplitParticipant struct {
	UserID string  `json:"user_id" validate:"required,max=100"`
	Amount float64 `json:"amount" validate:"required,gt=0"`
}

// CreateSplitRequest is the payload for POST /splits/create.
type CreateSplitRequest struct {
	IdempotencyKey string             `json:"idempotency_key" validate:"required,max=255"`
	TotalAmount    float64            `json:"total_amount" validate:"required,gt=0"`
	Description    string             `json:"description" validate:"required,max=255"`
	Date           string             `json:"date" validate:"required,datetime=2006-01-02"`
	CategoryID     string             `json:"category_id" validate:"required,max=100"`
	Splits         []SplitParticipant `json:"splits" validate:"required,min=1,dive"`
}

// CreateSplitResponse is the 201 body, cached verbatim for idempotent replay.
// PendingRecordIDs follow the participant order of the request.
type CreateSplitResponse struct {
	SplitID          string   `json:"split_id"`
	PayerRecordID    string   `json:"payer_record_id"`
	PendingRecordIDs []string `json:"pending_record_ids"`
}

// RetrySplitResponse reflects coordination state after a retry attempt.
type RetrySplitResponse struct {
	SplitID               string   `json:"split_id"`
	Status                string   `json:"status"`
	PendingRecordIDs      []string `json:"pending_record_ids"`
	MissingParticipantIDs []string `json:"missing_participant_ids"`
}

// FinalizePendingRequest is the payload for POST /records/finalize-pending.
type FinalizePendingRequest struct {
	RecordID   string `json:"record_id" validate:"required,max=100"`
	CategoryID string `json:"category_id" validate:"required,max=100"`
}

// SettleRequest is the payload for PUT /records/{id}/settle.
type SettleRequest struct {
	SplitID string `json:"split_id" validate:"required,max=100"`
}

// RecordFilter narrows an owner-scoped record listing.
type RecordFilter struct {
	Pending   *bool
	Settle    *bool
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// ListRecordsResponse is the body for GET /records.
type ListRecordsResponse struct {
	Records    []Record `json:"records"`
	TotalCount int      `json:"total_count"`
}
