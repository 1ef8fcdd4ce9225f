package claims

import (
	"fmt"
	"time"

	"github.com/claims/ingest/internal/platform/claimxml"
)

// EventType is the closed set of claim lifecycle events.
type EventType int16

const (
	EventSubmission   EventType = 1
	EventResubmission EventType = 2
	EventRemittance   EventType = 3
)

func (t EventType) String() string {
	switch t {
	case EventSubmission:
		return "SUBMISSION"
	case EventResubmission:
		return "RESUBMISSION"
	case EventRemittance:
		return "REMITTANCE"
	}
	return fmt.Sprintf("EventType(%d)", int16(t))
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventSubmission, EventResubmission, EventRemittance:
		return true
	}
	return false
}

// Status is a derived claim status recorded on the timeline.
type Status string

const (
	StatusSubmitted     Status = "SUBMITTED"
	StatusResubmitted   Status = "RESUBMITTED"
	StatusPaid          Status = "PAID"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusRejected      Status = "REJECTED"
)

// IngestionFile maps to the ingestion_file table.
type IngestionFile struct {
	ID       int64             `db:"id" json:"id"`
	FileID   string            `db:"file_id" json:"file_id"`
	FileName string            `db:"file_name" json:"file_name"`
	Root     claimxml.RootType `db:"root_type" json:"root_type"`
	Header   claimxml.Header   `json:"header"`
}

// Event is one row of the append-only claim_event log.
type Event struct {
	ID              int64     `db:"id" json:"id"`
	ClaimKeyID      int64     `db:"claim_key_id" json:"claim_key_id"`
	Type            EventType `db:"type" json:"type"`
	Time            time.Time `db:"event_time" json:"event_time"`
	IngestionFileID int64     `db:"ingestion_file_id" json:"ingestion_file_id"`
	SubmissionID    *int64    `db:"submission_id" json:"submission_id,omitempty"`
	RemittanceID    *int64    `db:"remittance_id" json:"remittance_id,omitempty"`
}

// ClaimRow is a submitted claim with its resolved references.
type ClaimRow struct {
	ClaimKeyID    int64
	SubmissionID  int64
	Claim         *claimxml.Claim
	PayerRefID    *int64
	ProviderRefID *int64
}

type EncounterRow struct {
	ClaimID       int64
	Encounter     *claimxml.Encounter
	FacilityRefID *int64
}

type DiagnosisRow struct {
	ClaimID   int64
	Diagnosis claimxml.Diagnosis
	CodeRefID *int64
}

type ActivityRow struct {
	ClaimID        int64
	Activity       *claimxml.Activity
	CodeRefID      *int64
	ClinicianRefID *int64
}

// RemittanceClaimRow is a claim as adjudicated in a remittance advice.
// DenialRefID is the claim-level denial, independent of activity denials.
type RemittanceClaimRow struct {
	RemittanceID  int64
	ClaimKeyID    int64
	Claim         *claimxml.Claim
	ProviderRefID *int64
	FacilityRefID *int64
	DenialRefID   *int64
}

type RemittanceActivityRow struct {
	RemittanceClaimID int64
	Activity          *claimxml.Activity
	CodeRefID         *int64
	DenialRefID       *int64
	ClinicianRefID    *int64
}

// EventActivityRow is the snapshot of one activity as it stood on an event.
// Exactly one of ActivityRefID and RemittanceActivityRefID is set.
type EventActivityRow struct {
	EventID                 int64
	ActivityRefID           *int64
	RemittanceActivityRefID *int64
	Activity                *claimxml.Activity
}

// Tally counts one entity type: parsed from the file, newly persisted,
// absorbed by an idempotent write, and skipped with its claim.
type Tally struct {
	Parsed       int `json:"parsed"`
	Persisted    int `json:"persisted"`
	Deduplicated int `json:"deduplicated"`
	Skipped      int `json:"skipped"`
}

// Balanced reports whether every parsed record was persisted, deduplicated
// or deliberately skipped.
func (t Tally) Balanced() bool {
	return t.Parsed == t.Persisted+t.Deduplicated+t.Skipped
}

func (t *Tally) record(inserted bool) {
	if inserted {
		t.Persisted++
	} else {
		t.Deduplicated++
	}
}

// Rejection is a claim left out of an otherwise committed file.
type Rejection struct {
	ClaimID string `json:"claim_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Counts is the per-file tally reported to the audit.
type Counts struct {
	Claims          Tally `json:"claims"`
	Activities      Tally `json:"activities"`
	Diagnoses       Tally `json:"diagnoses"`
	Encounters      Tally `json:"encounters"`
	Events          Tally `json:"events"`
	EventActivities Tally `json:"event_activities"`

	Rejected []Rejection `json:"rejected,omitempty"`
}

// RolledBack discards everything written by a transaction that did not
// commit; parsed counts are kept.
func (c *Counts) RolledBack() {
	for _, t := range c.tallies() {
		t.Persisted = 0
		t.Deduplicated = 0
		t.Skipped = 0
	}
	c.Rejected = nil
}

// Unbalanced names the entity types whose tally does not add up.
func (c *Counts) Unbalanced() []string {
	var out []string
	for i, t := range c.tallies() {
		if !t.Balanced() {
			out = append(out, tallyNames[i])
		}
	}
	return out
}

var tallyNames = [...]string{"claims", "activities", "diagnoses", "encounters", "events", "event_activities"}

func (c *Counts) tallies() [6]*Tally {
	return [6]*Tally{&c.Claims, &c.Activities, &c.Diagnoses, &c.Encounters, &c.Events, &c.EventActivities}
}
