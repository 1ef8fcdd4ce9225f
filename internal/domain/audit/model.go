package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/claims/ingest/internal/domain/claims"
)

// Status of one processing run.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// FileAudit maps to the ingestion_file_audit table: one row per processing
// run of a file, never deleted.
type FileAudit struct {
	ID                 int64         `db:"id" json:"id"`
	RunID              uuid.UUID     `db:"run_id" json:"run_id"`
	FileID             string        `db:"file_id" json:"file_id"`
	IngestionFileID    *int64        `db:"ingestion_file_id" json:"ingestion_file_id,omitempty"`
	Mode               string        `db:"processing_mode" json:"processing_mode"`
	Status             Status        `db:"status" json:"status"`
	Attempt            int           `db:"attempt" json:"attempt"`
	StartedAt          time.Time     `db:"started_at" json:"started_at"`
	CompletedAt        *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	DurationMS         *int64        `db:"duration_ms" json:"duration_ms,omitempty"`
	Counts             claims.Counts `json:"counts"`
	VerificationPassed bool          `db:"verification_passed" json:"verification_passed"`
	ErrorCode          *string       `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage       *string       `db:"error_message" json:"error_message,omitempty"`
}

// IngestionError maps to the ingestion_error table.
type IngestionError struct {
	ID         int64     `db:"id" json:"id"`
	AuditID    int64     `db:"audit_id" json:"audit_id"`
	FileID     string    `db:"file_id" json:"file_id"`
	Stage      string    `db:"stage" json:"stage"`
	ObjectType *string   `db:"object_type" json:"object_type,omitempty"`
	ObjectKey  *string   `db:"object_key" json:"object_key,omitempty"`
	ErrorCode  string    `db:"error_code" json:"error_code"`
	Message    string    `db:"message" json:"message"`
	Retryable  bool      `db:"retryable" json:"retryable"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// ListFilter narrows audit listings. Zero values match everything.
type ListFilter struct {
	Status Status
	FileID string
}
