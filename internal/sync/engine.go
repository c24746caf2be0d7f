package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	otelScope         = "calrelay/sync"
	spanPass          = "sync.pass"
	metricCreated     = "calrelay.sync.events.created"
	metricUpdated     = "calrelay.sync.events.updated"
	metricDeleted     = "calrelay.sync.events.deleted"
	metricUnchanged   = "calrelay.sync.events.unchanged"
	metricCursorReset = "calrelay.sync.cursor_resets"
	metricErrors      = "calrelay.sync.errors"
)

// Pair maps a source calendar onto a sink calendar.
type Pair struct {
	Source string
	Sink   string
}

// Stats aggregates the results of one engine run across all pairs.
type Stats struct {
	Passes    int
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Errors    int
}

func (s *Stats) add(r Result) {
	s.Passes++
	s.Created += r.Created
	s.Updated += r.Updated
	s.Deleted += r.Deleted
	s.Unchanged += r.Unchanged
}

// EngineConfig holds the tunables of an [Engine].
type EngineConfig struct {
	Pairs        []Pair
	PollInterval time.Duration
	// MaxAttempts is the number of times a failing pass is tried per run.
	MaxAttempts int
}

// Engine drives the Syncer: every run syncs all pairs concurrently, retrying
// each failing pass with backoff. Create one with [NewEngine] and start it
// with [Engine.Run].
type Engine struct {
	syncer *Syncer
	cfg    EngineConfig
	log    *slog.Logger

	// OTel instruments; no-op when telemetry is disabled.
	tracer         trace.Tracer
	cntCreated     metric.Int64Counter
	cntUpdated     metric.Int64Counter
	cntDeleted     metric.Int64Counter
	cntUnchanged   metric.Int64Counter
	cntCursorReset metric.Int64Counter
	cntErrors      metric.Int64Counter
}

// NewEngine creates an Engine for the configured pairs.
func NewEngine(syncer *Syncer, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		syncer: syncer,
		cfg:    cfg,
		log:    logger,

		tracer:         tracer,
		cntCreated:     mustCounter(metricCreated, "Number of events created in the sink"),
		cntUpdated:     mustCounter(metricUpdated, "Number of events updated in the sink"),
		cntDeleted:     mustCounter(metricDeleted, "Number of events deleted from the sink"),
		cntUnchanged:   mustCounter(metricUnchanged, "Number of upserts ignored because the sink was as new"),
		cntCursorReset: mustCounter(metricCursorReset, "Number of expired cursors replaced by a full sync"),
		cntErrors:      mustCounter(metricErrors, "Number of failed sync passes"),
	}
}

// pass runs one pair with retries, recording a trace span and metrics.
func (e *Engine) pass(ctx context.Context, p Pair, full bool) (Result, error) {
	ctx, span := e.tracer.Start(ctx, spanPass, trace.WithAttributes(
		attribute.String("sync.source_calendar_id", p.Source),
		attribute.String("sync.sink_calendar_id", p.Sink),
		attribute.Bool("sync.full_requested", full),
	))
	defer span.End()

	var res Result
	attempts := 0
	err := Retry(ctx, e.cfg.MaxAttempts, func() error {
		attempts++
		var err error
		res, err = e.syncer.Sync(ctx, p.Source, p.Sink, full)
		if err != nil {
			e.log.Warn("sync pass failed", "source_calendar_id", p.Source, "attempt", attempts, "error", err)
			if isPermanent(err) {
				return Permanent(err)
			}
		}
		return err
	})

	// Counters are safe to record even when the span is a no-op.
	if res.Created > 0 {
		e.cntCreated.Add(ctx, int64(res.Created))
	}
	if res.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(res.Updated))
	}
	if res.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(res.Deleted))
	}
	if res.Unchanged > 0 {
		e.cntUnchanged.Add(ctx, int64(res.Unchanged))
	}
	if res.CursorReset {
		e.cntCursorReset.Add(ctx, 1)
	}

	span.SetAttributes(
		attribute.Int("sync.attempts", attempts),
		attribute.Bool("sync.full", res.Full),
		attribute.Bool("sync.blob_backed", res.BlobBacked),
		attribute.Int("sync.created", res.Created),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
	)
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		return res, fmt.Errorf("syncing %s -> %s: %w", p.Source, p.Sink, err)
	}
	return res, nil
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, model.ErrMissingCursor) ||
		errors.Is(err, model.ErrAmbiguousChangeSet) ||
		errors.Is(err, context.Canceled)
}

// RunOnce syncs every pair once. Pairs run concurrently; the returned error
// joins the failures of all pairs.
func (e *Engine) RunOnce(ctx context.Context, full bool) (Stats, error) {
	var (
		mu    gosync.Mutex
		wg    gosync.WaitGroup
		stats Stats
		errs  []error
	)
	for _, p := range e.cfg.Pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.pass(ctx, p, full)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				errs = append(errs, err)
				return
			}
			stats.add(res)
		}()
	}
	wg.Wait()

	e.log.Info("sync run complete",
		"pairs", len(e.cfg.Pairs),
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"unchanged", stats.Unchanged,
		"errors", stats.Errors,
	)
	return stats, errors.Join(errs...)
}

// Run starts the polling loop. It blocks until ctx is cancelled. Only the
// first run honours full.
func (e *Engine) Run(ctx context.Context, full bool) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if _, err := e.RunOnce(ctx, full); err != nil {
		e.log.Error("initial sync failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx, false); err != nil {
				e.log.Error("sync failed", "error", err)
			}
		}
	}
}
