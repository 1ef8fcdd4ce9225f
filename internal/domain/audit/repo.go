package audit

import "context"

type Repository interface {
	Start(ctx context.Context, a *FileAudit) error
	Complete(ctx context.Context, a *FileAudit) error
	RecordError(ctx context.Context, e *IngestionError) error

	// CountEventsForFile counts the claim_event rows currently attributed to
	// an ingestion file.
	CountEventsForFile(ctx context.Context, ingestionFileID int64) (int, error)

	Get(ctx context.Context, id int64) (*FileAudit, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*FileAudit, int, error)
	ListErrors(ctx context.Context, auditID int64) ([]*IngestionError, error)
}
