package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/claims/ingest/internal/platform/ingesterr"
	"github.com/claims/ingest/internal/platform/intake"
	"github.com/claims/ingest/internal/platform/telemetry"
)

// Processor runs one attempt for a claimed file.
type Processor interface {
	Process(ctx context.Context, src intake.Source, f intake.File, attempt int) Result
}

const maxBackoff = 5 * time.Minute

// Orchestrator polls a Source and feeds claimed files to a fixed-size
// worker pool.
type Orchestrator struct {
	src         intake.Source
	proc        Processor
	logger      zerolog.Logger
	metrics     *telemetry.Registry
	workers     int
	poll        time.Duration
	maxAttempts int
	baseDelay   time.Duration
	fileTimeout time.Duration

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	mu      sync.Mutex
	running bool
	lastErr string
	lastRun time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithRetry sets the attempt limit and the first backoff delay. Later
// delays double up to maxBackoff.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(o *Orchestrator) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		if base >= 0 {
			o.baseDelay = base
		}
	}
}

// WithFileTimeout bounds each attempt, transaction included.
func WithFileTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.fileTimeout = d
		}
	}
}

// WithMetrics publishes pool and file counters to r.
func WithMetrics(r *telemetry.Registry) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

func NewOrchestrator(src intake.Source, proc Processor, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		src:         src,
		proc:        proc,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		metrics:     telemetry.New(),
		workers:     4,
		poll:        5 * time.Second,
		maxAttempts: 3,
		baseDelay:   time.Second,
		fileTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics.SetGauge(telemetry.WorkerCapacity, int64(o.workers))
	return o
}

// Run recovers interrupted files and then polls until ctx is cancelled.
// Files in flight at shutdown are left in inflight for the next Recover.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.start(ctx); err != nil {
		return err
	}
	defer o.stop()

	o.logger.Info().
		Int("workers", o.workers).
		Dur("poll_interval", o.poll).
		Int("max_attempts", o.maxAttempts).
		Msg("orchestrator started")

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		if _, _, err := o.cycle(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("poll cycle failed")
		}
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes the ready queue until a cycle claims nothing. Files that
// keep failing to claim are left in ready.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if err := o.start(ctx); err != nil {
		return err
	}
	defer o.stop()

	for {
		listed, claimed, err := o.cycle(ctx)
		if err != nil {
			return err
		}
		if claimed == 0 || ctx.Err() != nil {
			if listed > 0 && ctx.Err() == nil {
				o.logger.Warn().Int("files", listed).Msg("ready files could not be claimed, leaving them in ready")
			}
			o.logger.Info().
				Int64("processed", o.processed.Load()).
				Int64("failed", o.failed.Load()).
				Msg("ready queue drained")
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.mu.Unlock()

	n, err := o.src.Recover(ctx)
	if err != nil {
		o.stop()
		return fmt.Errorf("recover inflight files: %w", err)
	}
	if n > 0 {
		o.logger.Warn().Int("files", n).Msg("returned interrupted files to ready")
	}
	return nil
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// cycle lists ready files and processes them with at most o.workers in
// flight. It returns how many files were listed and how many this
// orchestrator claimed.
func (o *Orchestrator) cycle(ctx context.Context) (int, int, error) {
	files, err := o.src.List(ctx)
	o.mu.Lock()
	o.lastRun = time.Now().UTC()
	o.lastErr = ""
	if err != nil {
		o.lastErr = err.Error()
	}
	o.mu.Unlock()
	if err != nil {
		return 0, 0, fmt.Errorf("list ready files: %w", err)
	}

	var claimed atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		f := f
		g.Go(func() error {
			if o.handle(ctx, f) {
				claimed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return len(files), int(claimed.Load()), err
}

// handle claims f and runs it to an outcome. It reports whether the claim
// succeeded.
func (o *Orchestrator) handle(ctx context.Context, f intake.File) bool {
	claimed, err := o.src.Claim(ctx, f)
	if errors.Is(err, intake.ErrClaimed) {
		return false
	}
	if err != nil {
		o.logger.Error().Err(err).Str("file_id", f.Name).Msg("failed to claim file")
		return false
	}

	o.inFlight.Add(1)
	o.metrics.AddGauge(telemetry.FilesInFlight, 1)
	defer func() {
		o.inFlight.Add(-1)
		o.metrics.AddGauge(telemetry.FilesInFlight, -1)
	}()

	for attempt := 1; ; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, o.fileTimeout)
		res := o.proc.Process(fctx, o.src, claimed, attempt)
		cancel()
		o.metrics.Observe(telemetry.FileDurationSecs, res.Duration.Seconds())

		if res.Err == nil {
			o.metrics.Add(telemetry.ClaimsTotal, "result", "persisted", int64(res.Counts.Claims.Persisted))
			o.metrics.Add(telemetry.ClaimsTotal, "result", "deduplicated", int64(res.Counts.Claims.Deduplicated))
			o.archive(ctx, claimed, intake.OutcomeDone, "")
			return true
		}

		if ctx.Err() != nil {
			o.logger.Warn().Str("file_id", claimed.Name).Msg("shutdown during processing, file left in inflight")
			return true
		}

		if ingesterr.IsRetryable(res.Err) && attempt < o.maxAttempts {
			o.retried.Add(1)
			o.metrics.Add(telemetry.FileRetriesTotal, "", "", 1)
			delay := o.backoff(attempt)
			o.logger.Warn().
				Err(res.Err).
				Str("file_id", claimed.Name).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying file")
			select {
			case <-ctx.Done():
				return true
			case <-time.After(delay):
			}
			continue
		}

		detail := fmt.Sprintf("%s: %v", ingesterr.Code(res.Err), res.Err)
		if res.AuditID != 0 {
			detail = fmt.Sprintf("audit %d attempt %d\n%s", res.AuditID, attempt, detail)
		}
		o.archive(ctx, claimed, intake.OutcomeError, detail)
		return true
	}
}

func (o *Orchestrator) archive(ctx context.Context, f intake.File, outcome intake.Outcome, detail string) {
	if outcome == intake.OutcomeDone {
		o.processed.Add(1)
	} else {
		o.failed.Add(1)
	}
	o.metrics.Add(telemetry.FilesTotal, "outcome", string(outcome), 1)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := o.src.Archive(actx, f, outcome, detail); err != nil {
		o.logger.Error().Err(err).Str("file_id", f.Name).Str("outcome", string(outcome)).Msg("failed to archive file")
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.baseDelay
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Status is a point-in-time view of the worker pool.
type Status struct {
	Running     bool      `json:"running"`
	Capacity    int       `json:"capacity"`
	InFlight    int64     `json:"in_flight"`
	Processed   int64     `json:"processed"`
	Failed      int64     `json:"failed"`
	Retried     int64     `json:"retried"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	LastPollErr string    `json:"last_poll_error,omitempty"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Running:     o.running,
		Capacity:    o.workers,
		InFlight:    o.inFlight.Load(),
		Processed:   o.processed.Load(),
		Failed:      o.failed.Load(),
		Retried:     o.retried.Load(),
		LastPoll:    o.lastRun,
		LastPollErr: o.lastErr,
	}
}

func (o *Orchestrator) RegisterRoutes(api *echo.Group) {
	api.GET("/ingestion/status", o.StatusHandler)
}

func (o *Orchestrator) StatusHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, o.Status())
}
