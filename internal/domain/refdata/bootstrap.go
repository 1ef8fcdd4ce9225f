package refdata

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/claims/ingest/internal/platform/ingesterr"
)

// TxFunc runs fn inside one database transaction.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// LoadResult summarises one CSV file.
type LoadResult struct {
	Kind      Kind
	File      string
	Rows      int
	Skipped   int
	Unchanged bool

	// Err is set when the kind's table cannot take the load. The kind is
	// skipped and the remaining files are still loaded.
	Err *ingesterr.ReferenceResolutionError
}

// Loader bulk-loads reference CSV files through the same descriptors, and
// therefore the same conflict targets, as the runtime resolver.
type Loader struct {
	repo        Repository
	inTx        TxFunc
	descriptors map[Kind]Descriptor
	strict      bool
	logger      zerolog.Logger
}

// NewLoader creates a Loader. In strict mode a row with a blank key aborts
// its file; otherwise the row is skipped and counted.
func NewLoader(repo Repository, inTx TxFunc, descriptors map[Kind]Descriptor, strict bool, logger zerolog.Logger) *Loader {
	return &Loader{
		repo:        repo,
		inTx:        inTx,
		descriptors: descriptors,
		strict:      strict,
		logger:      logger.With().Str("component", "refdata-bootstrap").Logger(),
	}
}

// LoadDir loads every descriptor's CSV file found in dir, one transaction per
// file. Missing files are skipped. A file whose content hash matches the
// last recorded bootstrap is not reloaded.
//
// A file rejected with a ReferenceResolutionError rolls back, is reported
// in its LoadResult and does not stop the other files; the returned error
// then joins every such failure. Any other error aborts the load.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]LoadResult, error) {
	var rejected []error
	kinds := make([]string, 0, len(l.descriptors))
	for k := range l.descriptors {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var results []LoadResult
	for _, k := range kinds {
		d := l.descriptors[Kind(k)]
		if d.CSVFile == "" {
			continue
		}
		path := filepath.Join(dir, d.CSVFile)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Info().Str("file", d.CSVFile).Msg("reference file not present, skipping")
			continue
		}
		if err != nil {
			return results, fmt.Errorf("read %s: %w", path, err)
		}

		sum := sha256.Sum256(data)
		version := hex.EncodeToString(sum[:])

		prev, ok, err := l.repo.BootstrapVersion(ctx, d.CSVFile)
		if err != nil {
			return results, fmt.Errorf("bootstrap status for %s: %w", d.CSVFile, err)
		}
		if ok && prev == version {
			results = append(results, LoadResult{Kind: d.Kind, File: d.CSVFile, Unchanged: true})
			continue
		}

		var res LoadResult
		err = l.inTx(ctx, func(ctx context.Context) error {
			var err error
			res, err = l.LoadCSV(ctx, d, strings.NewReader(string(data)))
			if err != nil {
				return err
			}
			return l.repo.MarkBootstrapped(ctx, d.CSVFile, version, res.Rows)
		})
		var rre *ingesterr.ReferenceResolutionError
		if errors.As(err, &rre) {
			l.logger.Error().Err(err).Str("file", d.CSVFile).Str("table", d.Table).Msg("reference file rejected, kind disabled")
			results = append(results, LoadResult{Kind: d.Kind, File: d.CSVFile, Err: rre})
			rejected = append(rejected, fmt.Errorf("load %s: %w", d.CSVFile, err))
			continue
		}
		if err != nil {
			return results, fmt.Errorf("load %s: %w", d.CSVFile, err)
		}

		l.logger.Info().Str("file", d.CSVFile).Int("rows", res.Rows).Int("skipped", res.Skipped).Msg("reference file loaded")
		results = append(results, res)
	}
	return results, errors.Join(rejected...)
}

// LoadCSV upserts every row of r into d's table. The first record must be
// a header naming at least the key columns that have no default.
func (l *Loader) LoadCSV(ctx context.Context, d Descriptor, r io.Reader) (LoadResult, error) {
	res := LoadResult{Kind: d.Kind, File: d.CSVFile}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range d.KeyColumns {
		if _, ok := idx[c]; !ok && d.Defaults[c] == "" {
			return res, fmt.Errorf("missing header column %q (have %v)", c, header)
		}
	}

	field := func(row []string, col string) string {
		if i, ok := idx[col]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}

		raw := make([]string, len(d.KeyColumns))
		for i, c := range d.KeyColumns {
			raw[i] = field(row, c)
		}
		key, ok := d.KeyValues(raw...)
		if !ok {
			if l.strict {
				return res, fmt.Errorf("line %d: blank key %v", line, d.KeyColumns)
			}
			res.Skipped++
			continue
		}

		attrs := make(map[string]string, len(d.Attributes))
		for _, c := range d.Attributes {
			_, present := idx[c]
			v := field(row, c)
			if v == "" {
				v = d.Defaults[c]
			}
			if present || v != "" {
				attrs[c] = v
			}
		}

		if _, err := l.repo.Upsert(ctx, d, key, attrs); err != nil {
			if rre := configError(d, key, err); rre != nil {
				return res, fmt.Errorf("line %d: %w", line, rre)
			}
			return res, fmt.Errorf("line %d: %w", line, err)
		}
		res.Rows++
	}
	return res, nil
}
