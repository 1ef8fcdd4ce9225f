package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/ingest/internal/domain/claims"
	"github.com/claims/ingest/internal/platform/ingesterr"
)

// writeTimeout bounds audit writes made after the file's own context has
// been cancelled.
const writeTimeout = 10 * time.Second

// Service records processing runs and verifies their counts.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// detached keeps ctx's values but not its cancellation, so a run that timed
// out or was interrupted is still recorded.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// Start opens the audit row for one processing attempt.
func (s *Service) Start(ctx context.Context, fileID, mode string, attempt int) (*FileAudit, error) {
	a := &FileAudit{
		RunID:     uuid.New(),
		FileID:    fileID,
		Mode:      mode,
		Status:    StatusProcessing,
		Attempt:   attempt,
		StartedAt: s.now(),
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := s.repo.Start(ctx, a); err != nil {
		return nil, fmt.Errorf("start audit for %s: %w", fileID, err)
	}
	return a, nil
}

// Complete closes a committed run. Every entity type must balance parsed
// against persisted plus deduplicated, and the events attributed to the
// file in the database must match the events written or absorbed. Any
// divergence fails verification and records a discrepancy.
func (s *Service) Complete(ctx context.Context, a *FileAudit, ingestionFileID int64, counts claims.Counts) (bool, error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	a.Counts = counts
	a.IngestionFileID = &ingestionFileID
	a.Status = StatusSuccess

	problems := counts.Unbalanced()
	stored, err := s.repo.CountEventsForFile(ctx, ingestionFileID)
	if err != nil {
		return false, fmt.Errorf("count events for file %d: %w", ingestionFileID, err)
	}
	if want := counts.Events.Persisted + counts.Events.Deduplicated; stored != want {
		problems = append(problems, fmt.Sprintf("events in store %d != %d", stored, want))
	}

	a.VerificationPassed = len(problems) == 0
	if !a.VerificationPassed {
		if err := s.discrepancy(ctx, a, problems); err != nil {
			return false, err
		}
	}
	s.finish(a)
	if err := s.repo.Complete(ctx, a); err != nil {
		return false, fmt.Errorf("complete audit %d: %w", a.ID, err)
	}

	s.logger.Info().
		Str("file_id", a.FileID).
		Str("run_id", a.RunID.String()).
		Bool("verification_passed", a.VerificationPassed).
		Int("claims_parsed", counts.Claims.Parsed).
		Int("claims_persisted", counts.Claims.Persisted).
		Int("claims_deduplicated", counts.Claims.Deduplicated).
		Int("claims_skipped", counts.Claims.Skipped).
		Msg("file audit completed")
	return a.VerificationPassed, nil
}

// Fail closes a run whose transaction rolled back. Persisted counts are
// zeroed, cause is recorded as an IngestionError, and verification fails.
func (s *Service) Fail(ctx context.Context, a *FileAudit, counts claims.Counts, cause error) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	counts.RolledBack()
	a.Counts = counts
	a.Status = StatusFailed
	a.VerificationPassed = false

	code := ingesterr.Code(cause)
	msg := cause.Error()
	a.ErrorCode = &code
	a.ErrorMessage = &msg

	var errs []error
	objType, objKey := errorObject(cause)
	errs = append(errs, s.RecordError(ctx, a, &IngestionError{
		Stage:      ingesterr.Stage(cause),
		ObjectType: objType,
		ObjectKey:  objKey,
		ErrorCode:  code,
		Message:    msg,
		Retryable:  ingesterr.IsRetryable(cause),
	}))
	if problems := counts.Unbalanced(); len(problems) > 0 {
		errs = append(errs, s.discrepancy(ctx, a, problems))
	}

	s.finish(a)
	if err := s.repo.Complete(ctx, a); err != nil {
		errs = append(errs, fmt.Errorf("complete audit %d: %w", a.ID, err))
	}

	s.logger.Warn().
		Str("file_id", a.FileID).
		Str("run_id", a.RunID.String()).
		Int("attempt", a.Attempt).
		Str("error_code", code).
		Err(cause).
		Msg("file audit failed")
	return errors.Join(errs...)
}

// RecordError attaches an error row to a run. Stage defaults to PERSIST.
func (s *Service) RecordError(ctx context.Context, a *FileAudit, e *IngestionError) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	e.AuditID = a.ID
	e.FileID = a.FileID
	if e.Stage == "" {
		e.Stage = "PERSIST"
	}
	if err := s.repo.RecordError(ctx, e); err != nil {
		return fmt.Errorf("record %s error for %s: %w", e.ErrorCode, a.FileID, err)
	}
	return nil
}

func (s *Service) discrepancy(ctx context.Context, a *FileAudit, problems []string) error {
	objType := "file"
	return s.RecordError(ctx, a, &IngestionError{
		Stage:      "VERIFY",
		ObjectType: &objType,
		ObjectKey:  &a.FileID,
		ErrorCode:  ingesterr.CodeVerifyMismatch,
		Message:    "parsed and persisted counts diverge: " + strings.Join(problems, ", ") + countsDetail(a.Counts),
	})
}

func (s *Service) finish(a *FileAudit) {
	done := s.now()
	ms := done.Sub(a.StartedAt).Milliseconds()
	a.CompletedAt = &done
	a.DurationMS = &ms
}

func countsDetail(c claims.Counts) string {
	return fmt.Sprintf(" (claims %d/%d/%d, activities %d/%d/%d, events %d/%d/%d parsed/persisted/deduplicated)",
		c.Claims.Parsed, c.Claims.Persisted, c.Claims.Deduplicated,
		c.Activities.Parsed, c.Activities.Persisted, c.Activities.Deduplicated,
		c.Events.Parsed, c.Events.Persisted, c.Events.Deduplicated)
}

func errorObject(err error) (*string, *string) {
	var cv *ingesterr.ConstraintViolationError
	if errors.As(err, &cv) && cv.ObjectKey != "" {
		return &cv.ObjectType, &cv.ObjectKey
	}
	var rre *ingesterr.ReferenceResolutionError
	if errors.As(err, &rre) {
		t := rre.Table
		return &t, &rre.Code
	}
	return nil, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*FileAudit, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*FileAudit, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Errors lists the error rows of an audit, oldest first.
func (s *Service) Errors(ctx context.Context, auditID int64) ([]*IngestionError, error) {
	if _, err := s.repo.Get(ctx, auditID); err != nil {
		return nil, err
	}
	return s.repo.ListErrors(ctx, auditID)
}
