package refdata

import "context"

// Repository is the storage side of reference resolution. Every method runs
// on the transaction carried by ctx when there is one.
type Repository interface {
	Find(ctx context.Context, d Descriptor, key []string) (int64, bool, error)
	// Upsert inserts key and attrs, or on a key conflict updates the
	// attributes present in attrs, and returns the row id either way.
	Upsert(ctx context.Context, d Descriptor, key []string, attrs map[string]string) (int64, error)
	RecordDiscovery(ctx context.Context, disc Discovery) error

	TableExists(ctx context.Context, table string) (bool, error)
	// UniqueKeys lists the column sets of the non-partial unique indexes on
	// table.
	UniqueKeys(ctx context.Context, table string) ([][]string, error)

	MarkBootstrapped(ctx context.Context, name, version string, rows int) error
	BootstrapVersion(ctx context.Context, name string) (string, bool, error)
}
