package claims

import (
	"context"
	"time"

	"github.com/claims/ingest/internal/platform/claimxml"
)

// Repository writes the claim graph. Insert methods report inserted=false
// when a uniqueness constraint absorbed the row; the returned id is then the
// existing row's id.
type Repository interface {
	UpsertIngestionFile(ctx context.Context, f *IngestionFile) (int64, error)
	InsertSubmission(ctx context.Context, ingestionFileID int64) (int64, error)
	InsertRemittance(ctx context.Context, ingestionFileID int64) (int64, error)

	// UpsertClaimKey returns the id for claimID, creating it if absent.
	UpsertClaimKey(ctx context.Context, claimID string) (int64, error)
	// SubmissionEventTime returns the event time of the key's Submission
	// event, if it has one.
	SubmissionEventTime(ctx context.Context, claimKeyID int64) (time.Time, bool, error)

	InsertClaim(ctx context.Context, row *ClaimRow) (int64, bool, error)
	InsertEncounter(ctx context.Context, row *EncounterRow) (bool, error)
	InsertDiagnosis(ctx context.Context, row *DiagnosisRow) (bool, error)
	InsertActivity(ctx context.Context, row *ActivityRow) (int64, bool, error)

	InsertRemittanceClaim(ctx context.Context, row *RemittanceClaimRow) (int64, bool, error)
	InsertRemittanceActivity(ctx context.Context, row *RemittanceActivityRow) (int64, bool, error)

	// AppendEvent inserts ev, or on the dedup key (claim key, type, event
	// time) repoints the existing row at ev's ingestion file.
	AppendEvent(ctx context.Context, ev *Event) (int64, bool, error)
	UpdateLastEvent(ctx context.Context, ev *Event) error
	// InsertEventActivity snapshots one activity onto an event, once per
	// (event, activity id).
	InsertEventActivity(ctx context.Context, row *EventActivityRow) (bool, error)
	InsertResubmission(ctx context.Context, eventID int64, r *claimxml.Resubmission) error
	InsertStatus(ctx context.Context, claimKeyID int64, status Status, at time.Time, eventID int64) error

	// SubmittedNet sums the net of the key's submitted activities.
	SubmittedNet(ctx context.Context, claimKeyID int64) (float64, error)
}
