package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/claims/ingest/internal/config"
	"github.com/claims/ingest/internal/domain/audit"
	"github.com/claims/ingest/internal/domain/claims"
	"github.com/claims/ingest/internal/domain/refdata"
	"github.com/claims/ingest/internal/ingest"
	"github.com/claims/ingest/internal/platform/db"
	"github.com/claims/ingest/internal/platform/ingesterr"
	"github.com/claims/ingest/internal/platform/intake"
	"github.com/claims/ingest/internal/platform/middleware"
	"github.com/claims/ingest/internal/platform/telemetry"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func openSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (intake.Source, error) {
	switch cfg.IntakeSource {
	case config.SourceAzBlob:
		src, err := intake.NewBlob(cfg.AzureConnectionString, cfg.AzureContainer, logger)
		if err != nil {
			return nil, err
		}
		if err := src.Init(ctx); err != nil {
			return nil, err
		}
		return src, nil
	default:
		return intake.NewLocalFS(intake.Dirs{
			Ready:    cfg.ReadyDir,
			Inflight: cfg.InflightDir,
			Done:     cfg.DoneDir,
			Error:    cfg.ErrorDir,
			Owner:    cfg.IntakeOwner,
		})
	}
}

// bootstrapRefdata loads the reference CSV files. Kinds whose table rejects
// the load are disabled on resolver and startup continues; any other load
// error is returned.
func bootstrapRefdata(ctx context.Context, loader *refdata.Loader, resolver *refdata.Resolver, dir string) error {
	results, err := loader.LoadDir(ctx, dir)
	for _, r := range results {
		if r.Err != nil {
			resolver.Disable(r.Err)
		}
	}
	var rre *ingesterr.ReferenceResolutionError
	if err != nil && !errors.As(err, &rre) {
		return err
	}
	return nil
}

// runService wires the ingestion pipeline. With once set it drains the
// ready queue and returns; otherwise it polls and serves the ops surface
// until ctx is cancelled.
func runService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, once bool) error {
	pool, err := openPool(ctx, cfg, cfg.DBSchema)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	resolver, err := newResolver(pool, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.RefdataBootstrap {
		if err := bootstrapRefdata(ctx, newLoader(pool, cfg, logger), resolver, cfg.RefdataDir); err != nil {
			return fmt.Errorf("reference data bootstrap: %w", err)
		}
	}
	if err := resolver.CheckSchema(ctx); err != nil {
		// Affected kinds fail their files until the schema is fixed and the
		// service restarted; the rest keep ingesting.
		logger.Error().Err(err).Msg("reference schema check failed")
	}

	auditSvc := audit.NewService(audit.NewRepoPG(pool), logger)
	engine := claims.NewEngine(claims.NewRepoPG(pool), resolver, logger)
	inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
	pipeline := ingest.NewPipeline(engine, auditSvc, inTx, cfg.SizeThresholdBytes, logger)

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open intake source: %w", err)
	}

	metrics := telemetry.New()
	orch := ingest.NewOrchestrator(src, pipeline, logger,
		ingest.WithWorkers(cfg.Workers),
		ingest.WithPollInterval(cfg.PollInterval),
		ingest.WithRetry(cfg.MaxAttempts, cfg.RetryBaseDelay),
		ingest.WithFileTimeout(cfg.FileTimeout),
		ingest.WithMetrics(metrics),
	)

	if once {
		return orch.Drain(ctx)
	}

	e := newServer(logger, pool, auditSvc, orch, metrics, db.Check{Name: "refdata", Fn: resolver.CheckSchema})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting ops server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}

func newServer(logger zerolog.Logger, pool *pgxpool.Pool, auditSvc *audit.Service, orch *ingest.Orchestrator, metrics *telemetry.Registry, checks ...db.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(requestTimeout))

	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", poolGauges(pool, metrics))

	api := e.Group("/api/v1")
	audit.NewHandler(auditSvc).RegisterRoutes(api)
	orch.RegisterRoutes(api)
	return e
}

// poolGauges refreshes the connection pool gauges before each scrape.
func poolGauges(pool *pgxpool.Pool, metrics *telemetry.Registry) echo.HandlerFunc {
	h := metrics.Handler()
	return func(c echo.Context) error {
		st := pool.Stat()
		metrics.SetGauge(telemetry.DBPoolActiveConns, int64(st.AcquiredConns()))
		metrics.SetGauge(telemetry.DBPoolIdleConns, int64(st.IdleConns()))
		return h(c)
	}
}
