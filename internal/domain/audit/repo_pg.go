package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by Get for an unknown audit id.
var ErrNotFound = errors.New("audit not found")

// repoPG always writes through the pool, never a transaction from ctx: an
// audit row must survive the rollback of the file it describes.
type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const auditCols = `id, run_id, file_id, ingestion_file_id, processing_mode, status, attempt,
	started_at, completed_at, duration_ms,
	claims_parsed, claims_persisted, claims_deduplicated,
	activities_parsed, activities_persisted, activities_deduplicated,
	diagnoses_parsed, diagnoses_persisted, diagnoses_deduplicated,
	encounters_parsed, encounters_persisted, encounters_deduplicated,
	events_parsed, events_persisted, events_deduplicated,
	event_activities_parsed, event_activities_persisted, event_activities_deduplicated,
	claims_skipped, activities_skipped, diagnoses_skipped, encounters_skipped,
	verification_passed, error_code, error_message`

func (r *repoPG) Start(ctx context.Context, a *FileAudit) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO ingestion_file_audit (run_id, file_id, processing_mode, status, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		a.RunID, a.FileID, a.Mode, string(a.Status), a.Attempt, a.StartedAt,
	).Scan(&a.ID)
}

func (r *repoPG) Complete(ctx context.Context, a *FileAudit) error {
	c := a.Counts
	tag, err := r.pool.Exec(ctx, `
		UPDATE ingestion_file_audit SET
			status = $2, ingestion_file_id = $3, completed_at = $4, duration_ms = $5,
			claims_parsed = $6, claims_persisted = $7, claims_deduplicated = $8,
			activities_parsed = $9, activities_persisted = $10, activities_deduplicated = $11,
			diagnoses_parsed = $12, diagnoses_persisted = $13, diagnoses_deduplicated = $14,
			encounters_parsed = $15, encounters_persisted = $16, encounters_deduplicated = $17,
			events_parsed = $18, events_persisted = $19, events_deduplicated = $20,
			event_activities_parsed = $21, event_activities_persisted = $22, event_activities_deduplicated = $23,
			claims_skipped = $24, activities_skipped = $25, diagnoses_skipped = $26, encounters_skipped = $27,
			verification_passed = $28, error_code = $29, error_message = $30
		WHERE id = $1`,
		a.ID, string(a.Status), a.IngestionFileID, a.CompletedAt, a.DurationMS,
		c.Claims.Parsed, c.Claims.Persisted, c.Claims.Deduplicated,
		c.Activities.Parsed, c.Activities.Persisted, c.Activities.Deduplicated,
		c.Diagnoses.Parsed, c.Diagnoses.Persisted, c.Diagnoses.Deduplicated,
		c.Encounters.Parsed, c.Encounters.Persisted, c.Encounters.Deduplicated,
		c.Events.Parsed, c.Events.Persisted, c.Events.Deduplicated,
		c.EventActivities.Parsed, c.EventActivities.Persisted, c.EventActivities.Deduplicated,
		c.Claims.Skipped, c.Activities.Skipped, c.Diagnoses.Skipped, c.Encounters.Skipped,
		a.VerificationPassed, a.ErrorCode, a.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete audit %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (r *repoPG) RecordError(ctx context.Context, e *IngestionError) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO ingestion_error (audit_id, file_id, stage, object_type, object_key, error_code, message, retryable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, occurred_at`,
		e.AuditID, e.FileID, e.Stage, e.ObjectType, e.ObjectKey, e.ErrorCode, e.Message, e.Retryable,
	).Scan(&e.ID, &e.OccurredAt)
}

func (r *repoPG) CountEventsForFile(ctx context.Context, ingestionFileID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM claim_event WHERE ingestion_file_id = $1`, ingestionFileID).Scan(&n)
	return n, err
}

func (r *repoPG) Get(ctx context.Context, id int64) (*FileAudit, error) {
	a, err := scanAudit(r.pool.QueryRow(ctx, `SELECT `+auditCols+` FROM ingestion_file_audit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*FileAudit, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.FileID != "" {
		args = append(args, f.FileID)
		conds = append(conds, fmt.Sprintf("file_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingestion_file_audit`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM ingestion_file_audit%s ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			auditCols, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*FileAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListErrors(ctx context.Context, auditID int64) ([]*IngestionError, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, audit_id, file_id, stage, object_type, object_key, error_code, message, retryable, occurred_at
		FROM ingestion_error WHERE audit_id = $1 ORDER BY id`, auditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IngestionError
	for rows.Next() {
		var e IngestionError
		if err := rows.Scan(&e.ID, &e.AuditID, &e.FileID, &e.Stage, &e.ObjectType, &e.ObjectKey,
			&e.ErrorCode, &e.Message, &e.Retryable, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanAudit(row pgx.Row) (*FileAudit, error) {
	var (
		a      FileAudit
		status string
		c      = &a.Counts
	)
	err := row.Scan(
		&a.ID, &a.RunID, &a.FileID, &a.IngestionFileID, &a.Mode, &status, &a.Attempt,
		&a.StartedAt, &a.CompletedAt, &a.DurationMS,
		&c.Claims.Parsed, &c.Claims.Persisted, &c.Claims.Deduplicated,
		&c.Activities.Parsed, &c.Activities.Persisted, &c.Activities.Deduplicated,
		&c.Diagnoses.Parsed, &c.Diagnoses.Persisted, &c.Diagnoses.Deduplicated,
		&c.Encounters.Parsed, &c.Encounters.Persisted, &c.Encounters.Deduplicated,
		&c.Events.Parsed, &c.Events.Persisted, &c.Events.Deduplicated,
		&c.EventActivities.Parsed, &c.EventActivities.Persisted, &c.EventActivities.Deduplicated,
		&c.Claims.Skipped, &c.Activities.Skipped, &c.Diagnoses.Skipped, &c.Encounters.Skipped,
		&a.VerificationPassed, &a.ErrorCode, &a.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}
