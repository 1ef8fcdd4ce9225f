package claims

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/claims/ingest/internal/domain/refdata"
	"github.com/claims/ingest/internal/platform/claimxml"
	"github.com/claims/ingest/internal/platform/db"
	"github.com/claims/ingest/internal/platform/ingesterr"
)

// Resolver maps natural reference codes to row ids.
type Resolver interface {
	Resolve(ctx context.Context, kind refdata.Kind, src refdata.Source, raw ...string) (int64, bool, error)
}

// ClaimSource yields claims in document order and io.EOF at the end.
type ClaimSource interface {
	Next() (*claimxml.Claim, error)
}

const oneSubmissionIndex = "uq_claim_event_one_submission"

// Engine persists one parsed file. It must run on a transaction carried by
// ctx: every write of the file commits or rolls back together.
type Engine struct {
	repo     Repository
	resolver Resolver
	logger   zerolog.Logger
}

func NewEngine(repo Repository, resolver Resolver, logger zerolog.Logger) *Engine {
	return &Engine{repo: repo, resolver: resolver, logger: logger.With().Str("component", "claims").Logger()}
}

// PersistFile registers f and writes every claim from src, updating counts
// as it goes. Parsed counts are added before a claim is written so they
// survive a failure; persisted counts are only meaningful if the enclosing
// transaction commits.
func (e *Engine) PersistFile(ctx context.Context, f *IngestionFile, src ClaimSource, counts *Counts) (int64, error) {
	if db.TxFromContext(ctx) == nil {
		return 0, errors.New("claims: PersistFile requires a transaction")
	}

	fileID, err := e.repo.UpsertIngestionFile(ctx, f)
	if err != nil {
		return 0, ingesterr.Classify("register file", err)
	}

	var persist func(context.Context, *IngestionFile, int64, *claimxml.Claim, *Counts) error
	var batchID int64
	switch f.Root {
	case claimxml.RootSubmission:
		batchID, err = e.repo.InsertSubmission(ctx, fileID)
		persist = e.persistSubmitted
	case claimxml.RootRemittance:
		batchID, err = e.repo.InsertRemittance(ctx, fileID)
		persist = e.persistRemitted
	default:
		return fileID, &ingesterr.ParseError{Code: ingesterr.CodeUnknownRoot, Msg: fmt.Sprintf("unsupported root %s", f.Root)}
	}
	if err != nil {
		return fileID, ingesterr.Classify("register batch", err)
	}

	for {
		c, err := src.Next()
		if err == io.EOF {
			return fileID, nil
		}
		if err != nil {
			return fileID, err
		}
		if err := persist(ctx, f, batchID, c, counts); err != nil {
			return fileID, claimError(c.ID, err)
		}
	}
}

func (e *Engine) persistSubmitted(ctx context.Context, f *IngestionFile, submissionID int64, c *claimxml.Claim, counts *Counts) error {
	counts.Claims.Parsed++
	counts.Activities.Parsed += len(c.Activities)
	counts.Diagnoses.Parsed += len(c.Diagnoses)
	if c.Encounter != nil {
		counts.Encounters.Parsed++
	}

	at := f.Header.TransactionDate
	src := refdata.Source{IngestionFileID: f.ID, ClaimID: c.ID}

	keyID, err := e.repo.UpsertClaimKey(ctx, c.ID)
	if err != nil {
		return err
	}

	// A Submission at another time is only legitimate as a resubmission.
	// Otherwise the claim is skipped and the rest of the file kept.
	prior, submitted, err := e.repo.SubmissionEventTime(ctx, keyID)
	if err != nil {
		return err
	}
	appendSubmission := !submitted || prior.Equal(at)
	if submitted && !prior.Equal(at) && c.Resubmission == nil {
		e.skip(counts, c, ingesterr.CodeDuplicateSubmission,
			fmt.Sprintf("claim already submitted at %s without <Resubmission>", prior.UTC().Format("2006-01-02 15:04")))
		return nil
	}

	payerRef, err := e.ref(ctx, refdata.KindPayer, src, c.PayerID)
	if err != nil {
		return err
	}
	providerRef, err := e.ref(ctx, refdata.KindProvider, src, c.ProviderID)
	if err != nil {
		return err
	}
	claimID, inserted, err := e.repo.InsertClaim(ctx, &ClaimRow{
		ClaimKeyID: keyID, SubmissionID: submissionID, Claim: c,
		PayerRefID: payerRef, ProviderRefID: providerRef,
	})
	if err != nil {
		return err
	}
	counts.Claims.record(inserted)

	if c.Encounter != nil {
		facilityRef, err := e.ref(ctx, refdata.KindFacility, src, c.Encounter.FacilityID)
		if err != nil {
			return err
		}
		inserted, err := e.repo.InsertEncounter(ctx, &EncounterRow{ClaimID: claimID, Encounter: c.Encounter, FacilityRefID: facilityRef})
		if err != nil {
			return err
		}
		counts.Encounters.record(inserted)
	}

	for _, d := range c.Diagnoses {
		codeRef, err := e.ref(ctx, refdata.KindDiagnosisCode, src, d.Code, "")
		if err != nil {
			return err
		}
		inserted, err := e.repo.InsertDiagnosis(ctx, &DiagnosisRow{ClaimID: claimID, Diagnosis: d, CodeRefID: codeRef})
		if err != nil {
			return err
		}
		counts.Diagnoses.record(inserted)
	}

	snapshot := make([]EventActivityRow, 0, len(c.Activities))
	for i := range c.Activities {
		a := &c.Activities[i]
		codeRef, err := e.ref(ctx, refdata.KindActivityCode, src, a.Code, "")
		if err != nil {
			return err
		}
		clinicianRef, err := e.ref(ctx, refdata.KindClinician, src, a.Clinician)
		if err != nil {
			return err
		}
		activityID, inserted, err := e.repo.InsertActivity(ctx, &ActivityRow{
			ClaimID: claimID, Activity: a, CodeRefID: codeRef, ClinicianRefID: clinicianRef,
		})
		if err != nil {
			return err
		}
		counts.Activities.record(inserted)
		snapshot = append(snapshot, EventActivityRow{ActivityRefID: &activityID, Activity: a})
	}

	if appendSubmission {
		ev := &Event{
			ClaimKeyID: keyID, Type: EventSubmission, Time: at,
			IngestionFileID: f.ID, SubmissionID: &submissionID,
		}
		if _, err := e.appendEvent(ctx, counts, ev); err != nil {
			return err
		}
		if err := e.project(ctx, counts, ev.ID, snapshot); err != nil {
			return err
		}
	}
	if c.Resubmission != nil {
		ev := &Event{
			ClaimKeyID: keyID, Type: EventResubmission, Time: at,
			IngestionFileID: f.ID, SubmissionID: &submissionID,
		}
		if _, err := e.appendEvent(ctx, counts, ev); err != nil {
			return err
		}
		if err := e.repo.InsertResubmission(ctx, ev.ID, c.Resubmission); err != nil {
			return err
		}
		if err := e.project(ctx, counts, ev.ID, snapshot); err != nil {
			return err
		}
	}
	return nil
}

// skip leaves c out of the file. Its records count as parsed and skipped,
// and the rejection is reported with the file's audit.
func (e *Engine) skip(counts *Counts, c *claimxml.Claim, code, msg string) {
	counts.Claims.Skipped++
	counts.Activities.Skipped += len(c.Activities)
	counts.Diagnoses.Skipped += len(c.Diagnoses)
	if c.Encounter != nil {
		counts.Encounters.Skipped++
	}
	counts.Rejected = append(counts.Rejected, Rejection{ClaimID: c.ID, Code: code, Message: msg})
	e.logger.Warn().Str("claim_id", c.ID).Str("error_code", code).Msg(msg)
}

// project snapshots rows onto event eventID.
func (e *Engine) project(ctx context.Context, counts *Counts, eventID int64, rows []EventActivityRow) error {
	for i := range rows {
		row := rows[i]
		row.EventID = eventID
		counts.EventActivities.Parsed++
		inserted, err := e.repo.InsertEventActivity(ctx, &row)
		if err != nil {
			return err
		}
		counts.EventActivities.record(inserted)
	}
	return nil
}

func (e *Engine) persistRemitted(ctx context.Context, f *IngestionFile, remittanceID int64, c *claimxml.Claim, counts *Counts) error {
	counts.Claims.Parsed++
	counts.Activities.Parsed += len(c.Activities)

	src := refdata.Source{IngestionFileID: f.ID, ClaimID: c.ID}

	// A remittance may arrive before its submission; the key is created
	// either way.
	keyID, err := e.repo.UpsertClaimKey(ctx, c.ID)
	if err != nil {
		return err
	}

	providerRef, err := e.ref(ctx, refdata.KindProvider, src, c.ProviderID)
	if err != nil {
		return err
	}
	var facilityRef *int64
	if c.Encounter != nil {
		if facilityRef, err = e.ref(ctx, refdata.KindFacility, src, c.Encounter.FacilityID); err != nil {
			return err
		}
	}
	denialRef, err := e.ref(ctx, refdata.KindDenialCode, src, c.DenialCode)
	if err != nil {
		return err
	}

	rcID, inserted, err := e.repo.InsertRemittanceClaim(ctx, &RemittanceClaimRow{
		RemittanceID: remittanceID, ClaimKeyID: keyID, Claim: c,
		ProviderRefID: providerRef, FacilityRefID: facilityRef, DenialRefID: denialRef,
	})
	if err != nil {
		return err
	}
	counts.Claims.record(inserted)

	snapshot := make([]EventActivityRow, 0, len(c.Activities))
	for i := range c.Activities {
		a := &c.Activities[i]
		codeRef, err := e.ref(ctx, refdata.KindActivityCode, src, a.Code, "")
		if err != nil {
			return err
		}
		denialRef, err := e.ref(ctx, refdata.KindDenialCode, src, a.DenialCode)
		if err != nil {
			return err
		}
		clinicianRef, err := e.ref(ctx, refdata.KindClinician, src, a.Clinician)
		if err != nil {
			return err
		}
		remitActivityID, inserted, err := e.repo.InsertRemittanceActivity(ctx, &RemittanceActivityRow{
			RemittanceClaimID: rcID, Activity: a,
			CodeRefID: codeRef, DenialRefID: denialRef, ClinicianRefID: clinicianRef,
		})
		if err != nil {
			return err
		}
		counts.Activities.record(inserted)
		snapshot = append(snapshot, EventActivityRow{RemittanceActivityRefID: &remitActivityID, Activity: a})
	}

	ev := &Event{
		ClaimKeyID: keyID, Type: EventRemittance, Time: f.Header.TransactionDate,
		IngestionFileID: f.ID, RemittanceID: &remittanceID,
	}
	if _, err := e.appendEvent(ctx, counts, ev); err != nil {
		return err
	}
	if err := e.project(ctx, counts, ev.ID, snapshot); err != nil {
		return err
	}

	net, err := e.repo.SubmittedNet(ctx, keyID)
	if err != nil {
		return err
	}
	return e.repo.InsertStatus(ctx, keyID, RemittanceStatus(net, c.DenialCode, c.Activities), ev.Time, ev.ID)
}

// appendEvent writes ev, advances the key's last-event pointers and, for
// submission-side events, the status timeline.
func (e *Engine) appendEvent(ctx context.Context, counts *Counts, ev *Event) (int64, error) {
	counts.Events.Parsed++
	id, inserted, err := e.repo.AppendEvent(ctx, ev)
	if err != nil {
		if ev.Type == EventSubmission {
			// Another file committed this claim's Submission after the
			// check above. A retry sees it and skips the claim.
			if pgErr, ok := db.PgError(err); ok && pgErr.Code == db.CodeUniqueViolation && pgErr.ConstraintName == oneSubmissionIndex {
				return 0, &ingesterr.TransientError{Op: "append submission", Err: &ingesterr.ConstraintViolationError{
					Code:       ingesterr.CodeDuplicateSubmission,
					Constraint: oneSubmissionIndex,
					ObjectType: "claim_event",
					Msg:        "concurrent Submission for the same claim",
					Err:        err,
				}}
			}
		}
		return 0, err
	}
	counts.Events.record(inserted)

	if err := e.repo.UpdateLastEvent(ctx, ev); err != nil {
		return 0, err
	}
	if status, ok := StatusForEvent(ev.Type); ok {
		if err := e.repo.InsertStatus(ctx, ev.ClaimKeyID, status, ev.Time, id); err != nil {
			return 0, err
		}
	}
	e.logger.Debug().Int64("claim_key_id", ev.ClaimKeyID).Stringer("type", ev.Type).Int64("event_id", id).Bool("inserted", inserted).Msg("event appended")
	return id, nil
}

// ref resolves a reference code to a nullable id.
func (e *Engine) ref(ctx context.Context, kind refdata.Kind, src refdata.Source, raw ...string) (*int64, error) {
	id, ok, err := e.resolver.Resolve(ctx, kind, src, raw...)
	if err != nil || !ok {
		return nil, err
	}
	return &id, nil
}

// claimError classifies err and tags constraint violations with the claim
// they occurred on.
func claimError(claimID string, err error) error {
	err = ingesterr.Classify("persist claim", err)
	var cv *ingesterr.ConstraintViolationError
	if errors.As(err, &cv) && cv.ObjectKey == "" {
		cv.ObjectKey = claimID
		if cv.ObjectType == "" {
			cv.ObjectType = "claim"
		}
	}
	return err
}
