package refdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/claims/ingest/internal/platform/db"
	"github.com/claims/ingest/internal/platform/ingesterr"
)

// DiscoveredBy is recorded on discovery rows written by the pipeline.
const DiscoveredBy = "SYSTEM"

// Resolver maps natural codes to reference row ids. Concurrent resolution of
// the same unseen code converges through the upsert; the only in-process
// state is the set of kinds whose table has been found unusable.
type Resolver struct {
	repo        Repository
	policy      Policy
	descriptors map[Kind]Descriptor
	logger      zerolog.Logger

	broken sync.Map // Kind -> *ingesterr.ReferenceResolutionError
}

// NewResolver validates every descriptor up front so a malformed one fails
// at startup.
func NewResolver(repo Repository, policy Policy, descriptors map[Kind]Descriptor, logger zerolog.Logger) (*Resolver, error) {
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return &Resolver{
		repo:        repo,
		policy:      policy,
		descriptors: descriptors,
		logger:      logger.With().Str("component", "refdata").Logger(),
	}, nil
}

func (r *Resolver) Policy() Policy { return r.policy }

// Descriptor returns the descriptor registered for kind.
func (r *Resolver) Descriptor(kind Kind) (Descriptor, bool) {
	d, ok := r.descriptors[kind]
	return d, ok
}

// Resolve returns the id of the reference row for the given key values,
// which follow the descriptor's KeyColumns order. ok is false when the code
// is blank, or unseen and the policy forbids inserting it; callers then
// keep the text code with a NULL reference.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, src Source, raw ...string) (int64, bool, error) {
	d, known := r.descriptors[kind]
	if !known {
		return 0, false, fmt.Errorf("refdata: unknown kind %q", kind)
	}
	if prev, failed := r.broken.Load(kind); failed {
		return 0, false, prev.(*ingesterr.ReferenceResolutionError)
	}

	key, usable := d.KeyValues(raw...)
	if !usable {
		return 0, false, nil
	}

	id, found, err := r.repo.Find(ctx, d, key)
	if err != nil {
		return 0, false, r.fail(d, key, err)
	}
	if found {
		return id, true, nil
	}

	disc := Discovery{
		Table:           d.Table,
		Code:            key[0],
		DiscoveredBy:    DiscoveredBy,
		IngestionFileID: src.IngestionFileID,
		ClaimID:         src.ClaimID,
	}
	if len(key) > 1 {
		disc.CodeSystem = key[1]
	}
	if err := r.repo.RecordDiscovery(ctx, disc); err != nil {
		return 0, false, r.fail(d, key, err)
	}

	if !r.policy.InsertOnMiss() {
		return 0, false, nil
	}

	id, err = r.repo.Upsert(ctx, d, key, nil)
	if err != nil {
		return 0, false, r.fail(d, key, err)
	}
	r.logger.Debug().Str("kind", string(kind)).Strs("key", key).Int64("id", id).Msg("reference auto-inserted")
	return id, true, nil
}

// fail converts configuration-class SQL errors into a
// ReferenceResolutionError and remembers the kind as broken. Anything else
// is returned for the caller to classify.
func (r *Resolver) fail(d Descriptor, key []string, err error) error {
	if rre := configError(d, key, err); rre != nil {
		r.markBroken(d.Kind, rre)
		return rre
	}
	return fmt.Errorf("resolve %s %v: %w", d.Kind, key, err)
}

// configError returns a ReferenceResolutionError when err shows that d's
// table cannot serve its descriptor, and nil otherwise.
func configError(d Descriptor, key []string, err error) *ingesterr.ReferenceResolutionError {
	switch db.SQLState(err) {
	case db.CodeInvalidConflictSpec, db.CodeUndefinedTable, db.CodeUndefinedColumn:
		return &ingesterr.ReferenceResolutionError{
			Kind:  string(d.Kind),
			Table: d.Table,
			Code:  strings.Join(key, "/"),
			Err:   err,
		}
	}
	return nil
}

// Disable marks the kind named by rre as unusable until restart. The
// bootstrap uses it to carry a failed load over to the resolver.
func (r *Resolver) Disable(rre *ingesterr.ReferenceResolutionError) {
	r.markBroken(Kind(rre.Kind), rre)
}

func (r *Resolver) markBroken(kind Kind, rre *ingesterr.ReferenceResolutionError) {
	if _, loaded := r.broken.LoadOrStore(kind, rre); !loaded {
		r.logger.Error().Err(rre).Str("kind", string(kind)).Msg("reference kind disabled until restart")
	}
}

// CheckSchema verifies that each descriptor's table exists and carries a
// unique constraint on exactly its key columns. Every failing kind is
// reported and marked broken.
func (r *Resolver) CheckSchema(ctx context.Context) error {
	kinds := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var errs []error
	for _, k := range kinds {
		d := r.descriptors[Kind(k)]
		if err := r.checkDescriptor(ctx, d); err != nil {
			var rre *ingesterr.ReferenceResolutionError
			if errors.As(err, &rre) {
				r.markBroken(d.Kind, rre)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) checkDescriptor(ctx context.Context, d Descriptor) error {
	exists, err := r.repo.TableExists(ctx, d.Table)
	if err != nil {
		return fmt.Errorf("check table %s: %w", d.Table, err)
	}
	if !exists {
		return &ingesterr.ReferenceResolutionError{Kind: string(d.Kind), Table: d.Table, Err: errors.New("table does not exist")}
	}

	keys, err := r.repo.UniqueKeys(ctx, d.Table)
	if err != nil {
		return fmt.Errorf("list unique keys of %s: %w", d.Table, err)
	}
	for _, cols := range keys {
		if sameColumns(cols, d.KeyColumns) {
			return nil
		}
	}
	return &ingesterr.ReferenceResolutionError{
		Kind:  string(d.Kind),
		Table: d.Table,
		Err:   fmt.Errorf("no unique constraint on (%s); found %v", strings.Join(d.KeyColumns, ", "), keys),
	}
}
