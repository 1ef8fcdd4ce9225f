package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/claims/ingest/internal/config"
	"github.com/claims/ingest/internal/domain/refdata"
	"github.com/claims/ingest/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "claims-ingest",
		Short:         "Idempotent claims XML ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(refdataCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openPool(ctx context.Context, cfg *config.Config, schema string) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the inbound location and ingest claim files",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return runService(ctx, cfg, newLogger(cfg.Env), once)
		},
	}
	cmd.Flags().Bool("once", false, "Drain the ready queue and exit")
	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) (string, error) {
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	if !db.ValidSchema(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the schema if needed and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, err := schemaFlag(cmd, cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg, schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.EnsureSchema(ctx, pool, schema, db.NewMigrator(pool, db.Migrations()))
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, err := schemaFlag(cmd, cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg, schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func refdataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refdata",
		Short: "Manage reference data",
	}

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Load reference CSV files into the reference tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.RefdataDir = dir
			}
			if strict, _ := cmd.Flags().GetBool("strict"); strict {
				cfg.RefdataStrict = true
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			results, err := newLoader(pool, cfg, newLogger(cfg.Env)).LoadDir(ctx, cfg.RefdataDir)
			for _, r := range results {
				state := fmt.Sprintf("%d row(s), %d skipped", r.Rows, r.Skipped)
				switch {
				case r.Err != nil:
					state = "FAILED: " + r.Err.Error()
				case r.Unchanged:
					state = "unchanged"
				}
				fmt.Printf("%-16s %-32s %s\n", r.Kind, r.File, state)
			}
			return err
		},
	}
	bootstrapCmd.Flags().String("dir", "", "Directory holding the CSV files (defaults to REFDATA_DIR)")
	bootstrapCmd.Flags().Bool("strict", false, "Abort a file on the first row with a blank key")
	cmd.AddCommand(bootstrapCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify every reference table has the unique key the resolver upserts on",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			resolver, err := newResolver(pool, cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			if err := resolver.CheckSchema(ctx); err != nil {
				return err
			}
			fmt.Println("All reference tables match their descriptors.")
			return nil
		},
	})

	return cmd
}

func newResolver(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (*refdata.Resolver, error) {
	policy := refdata.Policy{
		BootstrapEnabled: cfg.RefdataBootstrap,
		AutoInsert:       cfg.RefdataAutoInsert,
	}
	return refdata.NewResolver(refdata.NewRepoPG(pool), policy, refdata.Descriptors(), logger)
}

func newLoader(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) *refdata.Loader {
	inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	return refdata.NewLoader(refdata.NewRepoPG(pool), inTx, refdata.Descriptors(), cfg.RefdataStrict, logger)
}
