package refdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claims/ingest/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func placeholders(from, n int) string {
	p := make([]string, n)
	for i := range p {
		p[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(p, ", ")
}

func findSQL(d Descriptor) string {
	conds := make([]string, len(d.KeyColumns))
	for i, c := range d.KeyColumns {
		conds[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	return fmt.Sprintf("SELECT id FROM %s WHERE %s", d.Table, strings.Join(conds, " AND "))
}

// conflictTarget is the single source of the ON CONFLICT clause for both the
// resolver and the bootstrap loader.
func conflictTarget(d Descriptor) string {
	return "ON CONFLICT (" + strings.Join(d.KeyColumns, ", ") + ")"
}

// upsertSQL inserts the key plus attrCols. On conflict it refreshes attrCols,
// or rewrites the key onto itself when there are none so RETURNING still
// yields the existing id.
func upsertSQL(d Descriptor, attrCols []string) string {
	cols := append(append([]string{}, d.KeyColumns...), attrCols...)

	var set []string
	for _, c := range attrCols {
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	if len(set) == 0 {
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", d.KeyColumns[0], d.KeyColumns[0]))
	} else {
		set = append(set, "updated_at = NOW()")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s DO UPDATE SET %s RETURNING id",
		d.Table, strings.Join(cols, ", "), placeholders(1, len(cols)),
		conflictTarget(d), strings.Join(set, ", "))
}

func (r *repoPG) Find(ctx context.Context, d Descriptor, key []string) (int64, bool, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, findSQL(d), toArgs(key)...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *repoPG) Upsert(ctx context.Context, d Descriptor, key []string, attrs map[string]string) (int64, error) {
	attrCols := make([]string, 0, len(attrs))
	for _, c := range d.Attributes {
		if _, ok := attrs[c]; ok {
			attrCols = append(attrCols, c)
		}
	}

	args := toArgs(key)
	for _, c := range attrCols {
		v := attrs[c]
		if v == "" {
			args = append(args, nil)
		} else {
			args = append(args, v)
		}
	}

	var id int64
	if err := r.conn(ctx).QueryRow(ctx, upsertSQL(d, attrCols), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *repoPG) RecordDiscovery(ctx context.Context, disc Discovery) error {
	var fileID *int64
	if disc.IngestionFileID != 0 {
		fileID = &disc.IngestionFileID
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO code_discovery_audit (source_table, code, code_system, discovered_by, ingestion_file_id, claim_external_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''))`,
		disc.Table, disc.Code, disc.CodeSystem, disc.DiscoveredBy, fileID, disc.ClaimID)
	return err
}

func (r *repoPG) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&ok)
	return ok, err
}

func (r *repoPG) UniqueKeys(ctx context.Context, table string) ([][]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT array_agg(a.attname::text ORDER BY k.ord)
		FROM pg_index i
		CROSS JOIN LATERAL unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		WHERE i.indrelid = to_regclass($1) AND i.indisunique AND i.indpred IS NULL
		GROUP BY i.indexrelid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys [][]string
	for rows.Next() {
		var cols []string
		if err := rows.Scan(&cols); err != nil {
			return nil, err
		}
		keys = append(keys, cols)
	}
	return keys, rows.Err()
}

func (r *repoPG) MarkBootstrapped(ctx context.Context, name, version string, rowsLoaded int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO refdata_bootstrap_status (name, version, rows_loaded)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, rows_loaded = EXCLUDED.rows_loaded, completed_at = NOW()`,
		name, version, rowsLoaded)
	return err
}

func (r *repoPG) BootstrapVersion(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := r.conn(ctx).QueryRow(ctx, `SELECT version FROM refdata_bootstrap_status WHERE name = $1`, name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func toArgs(vals []string) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

// sameColumns compares column sets ignoring order; ON CONFLICT inference
// does the same.
func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string{}, a...)
	y := append([]string{}, b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
