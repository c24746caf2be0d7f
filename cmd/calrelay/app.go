package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/calrelay/internal/blob"
	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/source/caldav"
	"github.com/njoerd114/calrelay/internal/source/google"
	"github.com/njoerd114/calrelay/internal/state"
	syncp "github.com/njoerd114/calrelay/internal/sync"
	"github.com/njoerd114/calrelay/internal/telemetry"
	"github.com/njoerd114/calrelay/internal/transfer"
)

// app holds the wired components of a sync run.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *state.Store
	engine *syncp.Engine

	closers []func()
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// openStore opens the state database named by cfg, or the default one.
func openStore(cfg *config.Config, logger *slog.Logger) (*state.Store, string, error) {
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolving state DB path: %w", err)
		}
		dbPath = p
	}
	store, err := state.Open(dbPath, logger)
	if err != nil {
		return nil, dbPath, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	return store, dbPath, nil
}

// newApp wires config, telemetry, the state DB, the source, blob transfer
// and the engine. pairs overrides the configured pairs when non-empty.
func newApp(ctx context.Context, gf *globalFlags, pairs []syncp.Pair) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Logger --------------------------------------------------------------

	logger := newLogger(gf.verbose)
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", gf.configPath, err)
	}
	a.cfg = cfg
	logger.Info("config loaded",
		"source", cfg.Source.Type,
		"poll_interval", cfg.PollInterval,
		"pairs", len(cfg.Pairs),
		"offload", cfg.Transfer.Offload,
		"blob_backend", cfg.Blob.Backend,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewLogHandler(logger.Handler(), nil))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}
	a.log = logger

	// --- State DB ------------------------------------------------------------

	store, dbPath, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	// --- Source --------------------------------------------------------------

	source, err := newSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// --- Blob transfer -------------------------------------------------------

	blobs, err := newBlobStore(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	codec, err := transfer.CodecFor(cfg.Transfer.Format)
	if err != nil {
		return nil, err
	}
	mode, err := transfer.ParseMode(cfg.Transfer.Offload)
	if err != nil {
		return nil, err
	}
	adapter := transfer.NewAdapter(blobs, codec, logger)
	offloading := &transfer.OffloadingSource{
		Source:  source,
		Adapter: adapter,
		Policy:  transfer.Policy{Mode: mode, Threshold: cfg.Transfer.Threshold},
		Log:     logger,
	}

	// --- Sync engine ---------------------------------------------------------

	if len(pairs) == 0 {
		for _, p := range cfg.Pairs {
			pairs = append(pairs, syncp.Pair{Source: p.Source, Sink: p.Sink})
		}
	}
	syncer := syncp.NewSyncer(offloading, store, adapter, syncp.Timeouts{
		Source: cfg.Timeouts.Source,
		Blob:   cfg.Timeouts.Blob,
		Sink:   cfg.Timeouts.Sink,
	}, logger)
	a.engine = syncp.NewEngine(syncer, syncp.EngineConfig{
		Pairs:        pairs,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.Retry.MaxAttempts,
	}, logger)

	ok = true
	return a, nil
}

func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (syncp.Source, error) {
	switch cfg.Source.Type {
	case config.SourceGoogle:
		src, err := google.NewFromFiles(ctx, cfg.Source.Google.CredentialsFile, cfg.Source.Google.TokenFile, logger)
		if err != nil {
			return nil, fmt.Errorf("initialising Google source: %w", err)
		}
		return src, nil
	case config.SourceCalDAV:
		src, err := caldav.New(caldav.Config{
			Endpoint: cfg.Source.CalDAV.Endpoint,
			Username: cfg.Source.CalDAV.Username,
			Password: cfg.Source.CalDAV.Password,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("initialising CalDAV source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Source.Type)
	}
}

func newBlobStore(cfg *config.Config, store *state.Store, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobWebDAV:
		s, err := blob.NewWebDAVStore(blob.WebDAVConfig{
			Endpoint:   cfg.Blob.WebDAV.Endpoint,
			Collection: cfg.Blob.WebDAV.Collection,
			Username:   cfg.Blob.WebDAV.Username,
			Password:   cfg.Blob.WebDAV.Password,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("initialising WebDAV blob store: %w", err)
		}
		return s, nil
	default:
		s, err := blob.NewSQLiteStore(store.DB(), logger)
		if err != nil {
			return nil, fmt.Errorf("initialising SQLite blob store: %w", err)
		}
		return s, nil
	}
}
