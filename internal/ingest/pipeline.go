// Package ingest drives claim files from an intake source through parsing,
// reference resolution and persistence, one database transaction per file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/claims/ingest/internal/domain/audit"
	"github.com/claims/ingest/internal/domain/claims"
	"github.com/claims/ingest/internal/platform/claimxml"
	"github.com/claims/ingest/internal/platform/ingesterr"
	"github.com/claims/ingest/internal/platform/intake"
)

// Persister writes the claims of one file. It must run inside the
// transaction carried by ctx.
type Persister interface {
	PersistFile(ctx context.Context, f *claims.IngestionFile, src claims.ClaimSource, counts *claims.Counts) (int64, error)
}

// Auditor records processing runs outside the file transaction.
type Auditor interface {
	Start(ctx context.Context, fileID, mode string, attempt int) (*audit.FileAudit, error)
	Complete(ctx context.Context, a *audit.FileAudit, ingestionFileID int64, counts claims.Counts) (bool, error)
	Fail(ctx context.Context, a *audit.FileAudit, counts claims.Counts, cause error) error
	RecordError(ctx context.Context, a *audit.FileAudit, e *audit.IngestionError) error
}

// TxFunc runs fn in a transaction committed only when fn returns nil.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Result describes one processing attempt.
type Result struct {
	AuditID         int64
	IngestionFileID int64
	Mode            claimxml.Mode
	Counts          claims.Counts
	Verified        bool
	Duration        time.Duration
	// Err is nil when the file committed. A committed file whose
	// verification failed still has a nil Err.
	Err error
}

// Pipeline processes single files. It holds no per-file state and is safe
// for concurrent use by the orchestrator's workers.
type Pipeline struct {
	persister Persister
	auditor   Auditor
	inTx      TxFunc
	threshold int64
	logger    zerolog.Logger
}

// NewPipeline builds a Pipeline. Files of threshold bytes or more are
// streamed from disk; smaller ones are decoded in memory.
func NewPipeline(persister Persister, auditor Auditor, inTx TxFunc, threshold int64, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		persister: persister,
		auditor:   auditor,
		inTx:      inTx,
		threshold: threshold,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Process runs one attempt for a claimed file. The audit row is opened
// before anything is read and closed whatever the outcome, so every attempt
// leaves a trace even when its transaction rolls back.
func (p *Pipeline) Process(ctx context.Context, src intake.Source, f intake.File, attempt int) Result {
	started := time.Now()
	mode := claimxml.ModeFor(f.Size, p.threshold)
	res := Result{Mode: mode}

	log := p.logger.With().
		Str("file_id", f.Name).
		Str("mode", string(mode)).
		Int("attempt", attempt).
		Logger()

	a, err := p.auditor.Start(ctx, f.Name, string(mode), attempt)
	if err != nil {
		res.Err = ingesterr.Classify("start audit", err)
		res.Duration = time.Since(started)
		return res
	}
	res.AuditID = a.ID
	log = log.With().Str("run_id", a.RunID.String()).Logger()
	log.Debug().Int64("size", f.Size).Msg("processing file")

	var reader *claimxml.Reader
	err = p.inTx(ctx, func(ctx context.Context) error {
		rc, err := src.Open(ctx, f)
		if err != nil {
			return &ingesterr.TransientError{Op: "open file", Err: err}
		}
		defer rc.Close()

		reader, err = claimxml.Open(rc, mode)
		if err != nil {
			return err
		}
		file := &claims.IngestionFile{
			FileID:   f.Name,
			FileName: f.Name,
			Root:     reader.Root(),
			Header:   reader.Header(),
		}
		res.IngestionFileID, err = p.persister.PersistFile(ctx, file, reader, &res.Counts)
		return err
	})
	if err != nil {
		res.Err = p.fail(ctx, a, res.Counts, err)
		res.Duration = time.Since(started)
		log.Warn().
			Err(res.Err).
			Str("error_code", ingesterr.Code(res.Err)).
			Bool("retryable", ingesterr.IsRetryable(res.Err)).
			Msg("file rolled back")
		return res
	}

	p.checkRecordCount(ctx, a, reader, log)
	p.recordRejections(ctx, a, res.Counts.Rejected, log)

	res.Verified, err = p.auditor.Complete(ctx, a, res.IngestionFileID, res.Counts)
	if err != nil {
		log.Error().Err(err).Msg("failed to complete audit")
	}
	res.Duration = time.Since(started)

	ev := log.Info()
	if !res.Verified {
		ev = log.Warn()
	}
	ev.Int64("ingestion_file_id", res.IngestionFileID).
		Int("claims_parsed", res.Counts.Claims.Parsed).
		Int("claims_persisted", res.Counts.Claims.Persisted).
		Int("claims_deduplicated", res.Counts.Claims.Deduplicated).
		Bool("verification_passed", res.Verified).
		Dur("duration", res.Duration).
		Msg("file committed")
	return res
}

// fail classifies cause and closes the audit as failed. A cancelled or
// expired file context is reported as a timeout.
func (p *Pipeline) fail(ctx context.Context, a *audit.FileAudit, counts claims.Counts, cause error) error {
	cause = ingesterr.Classify("persist file", cause)
	if ctxErr := ctx.Err(); ctxErr != nil && !ingesterr.IsRetryable(cause) && !isTyped(cause) {
		cause = &ingesterr.TransientError{Op: "persist file", Err: errors.Join(ctxErr, cause)}
	}
	if err := p.auditor.Fail(ctx, a, counts, cause); err != nil {
		p.logger.Error().Err(err).Str("file_id", a.FileID).Msg("failed to record failed audit")
	}
	return cause
}

func isTyped(err error) bool {
	var (
		pe *ingesterr.ParseError
		re *ingesterr.ReferenceResolutionError
		ce *ingesterr.ConstraintViolationError
	)
	return errors.As(err, &pe) || errors.As(err, &re) || errors.As(err, &ce)
}

// checkRecordCount compares the header's RecordCount with the claims read.
// A mismatch is recorded but does not fail the file.
func (p *Pipeline) checkRecordCount(ctx context.Context, a *audit.FileAudit, r *claimxml.Reader, log zerolog.Logger) {
	want := r.Header().RecordCount
	if want <= 0 || want == r.Count() {
		return
	}
	objType := "file"
	err := p.auditor.RecordError(ctx, a, &audit.IngestionError{
		Stage:      "PARSE",
		ObjectType: &objType,
		ObjectKey:  &a.FileID,
		ErrorCode:  ingesterr.CodeRecordCount,
		Message:    fmt.Sprintf("header RecordCount %d, claims read %d", want, r.Count()),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record count mismatch")
	}
	log.Warn().Int("record_count", want).Int("claims_read", r.Count()).Msg("record count mismatch")
}

// recordRejections writes one error row per claim skipped by a committed
// file and a file-level summary row.
func (p *Pipeline) recordRejections(ctx context.Context, a *audit.FileAudit, rejected []claims.Rejection, log zerolog.Logger) {
	if len(rejected) == 0 {
		return
	}
	claimType, fileType := "claim", "file"
	for _, r := range rejected {
		claimID := r.ClaimID
		err := p.auditor.RecordError(ctx, a, &audit.IngestionError{
			Stage:      "PERSIST",
			ObjectType: &claimType,
			ObjectKey:  &claimID,
			ErrorCode:  r.Code,
			Message:    r.Message,
		})
		if err != nil {
			log.Error().Err(err).Str("claim_id", r.ClaimID).Msg("failed to record skipped claim")
		}
	}
	err := p.auditor.RecordError(ctx, a, &audit.IngestionError{
		Stage:      "PERSIST",
		ObjectType: &fileType,
		ObjectKey:  &a.FileID,
		ErrorCode:  rejected[0].Code,
		Message:    fmt.Sprintf("%d claim(s) skipped, rest of file committed", len(rejected)),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record skipped claim summary")
	}
	log.Warn().Int("claims_skipped", len(rejected)).Msg("claims skipped")
}
