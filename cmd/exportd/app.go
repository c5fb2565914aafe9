package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/heimdex/exportd/internal/api"
	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/compositor"
	"github.com/heimdex/exportd/internal/config"
	"github.com/heimdex/exportd/internal/db"
	"github.com/heimdex/exportd/internal/logging"
	"github.com/heimdex/exportd/internal/metrics"
	"github.com/heimdex/exportd/internal/notify"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/retention"
	"github.com/heimdex/exportd/internal/service"
	"github.com/heimdex/exportd/internal/worker"
)

type appOptions struct {
	api    bool
	worker bool
}

// app holds the wired components of one process.
type app struct {
	cfg      *config.EnvConfig
	logger   *slog.Logger
	database *db.DB
	store    *queue.SQLStore
	objects  cloud.ObjectStore
	local    *cloud.LocalStore
	metrics  *metrics.Collector
	service  *service.ExportService
	sweeper  *retention.Sweeper

	// worker only
	runner    *worker.Runner
	doctor    *compositor.CachedDoctor
	publisher notify.Publisher

	closers []func() error
}

func loadConfig() (*config.EnvConfig, *slog.Logger, func() error, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	logger, closeLog := logging.NewLoggerWithFile(cfg.LogLevel(), cfg.LogFile())
	return cfg, logger, closeLog, nil
}

func openDatabase(ctx context.Context, cfg *config.EnvConfig, logger *slog.Logger) (*db.DB, error) {
	dialect, err := db.ParseDialect(cfg.DBDriver())
	if err != nil {
		return nil, err
	}
	database, err := db.Open(ctx, dialect, cfg.DatabaseDSN(), logging.WithComponent(logger, "db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// Links signed by a lone worker are verified by a lone API process.
	if opts.api != opts.worker {
		if err := cfg.RequireSharedSecret(); err != nil {
			closeLog()
			return nil, err
		}
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	a.closers = append(a.closers, closeLog)

	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg, logger := a.cfg, a.logger

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.database = database
	a.closers = append(a.closers, database.Close)
	a.store = queue.NewSQLStore(database)

	if err := a.wireStorage(ctx); err != nil {
		return err
	}

	a.service = service.NewExportService(a.store, a.objects, cfg.URLTTL(), logging.WithComponent(logger, "service"))
	a.sweeper = retention.NewSweeper(a.store, a.objects, retention.Config{
		WorkDir:           cfg.WorkDir(),
		ArtifactRetention: cfg.ArtifactRetention(),
		TempRetention:     cfg.TempRetention(),
		Interval:          cfg.SweepInterval(),
	}, logging.WithComponent(logger, "retention"))

	if opts.worker {
		return a.wireWorker(ctx)
	}
	return nil
}

func (a *app) wireStorage(ctx context.Context) error {
	cfg, logger := a.cfg, logging.WithComponent(a.logger, "storage")

	switch cfg.StorageBackend() {
	case "s3":
		s3, err := cloud.NewS3Store(ctx, cloud.S3Config{
			Bucket:   cfg.S3Bucket(),
			Region:   cfg.S3Region(),
			Endpoint: cfg.S3Endpoint(),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		a.objects = s3
	default:
		local, err := cloud.NewLocalStore(cfg.LocalStorageDir(), cfg.PublicBaseURL(), cfg.SigningSecret(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		a.objects = local
		a.local = local
	}
	return nil
}

func (a *app) wireWorker(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	if err := os.MkdirAll(cfg.WorkDir(), 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	comp, err := compositor.New(cfg.FFmpegPath(), cfg.RenderTimeout(), logging.WithComponent(logger, "compositor"))
	if err != nil {
		return err
	}
	a.doctor = compositor.NewCachedDoctor(comp, logger)

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if caps, err := a.doctor.Refresh(probeCtx); err != nil {
		logger.Warn("initial ffmpeg probe failed", "error", err)
	} else {
		logger.Info("ffmpeg capabilities detected",
			"version", caps.Version,
			"libx264", caps.HasLibx264,
			"aac", caps.HasAAC,
			"subtitles", caps.HasSubtitles,
			"xstack", caps.HasXStack,
		)
		if !caps.CanRender() {
			logger.Warn("ffmpeg lacks libx264 or aac; renders will fail")
		}
	}

	a.publisher = notify.NopPublisher{}
	if cfg.AMQPURL() != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL(), cfg.AMQPQueue(), logging.WithComponent(logger, "notify"))
		if err != nil {
			// Notifications are best effort; exports still run without them.
			logger.Warn("amqp unavailable, job events disabled", "error", err, "url", logging.SanitizeURL(cfg.AMQPURL()))
		} else {
			a.publisher = pub
		}
	}
	a.closers = append(a.closers, a.publisher.Close)

	a.runner = worker.NewRunner(worker.Deps{
		Store:     a.store,
		Objects:   a.objects,
		Fetcher:   cloud.NewHTTPFetcher(logging.WithComponent(logger, "fetcher")).WithFileRoot(cfg.MediaRoot()),
		Composer:  comp,
		Doctor:    a.doctor,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}, worker.Config{
		WorkerID:            cfg.WorkerID(),
		WorkDir:             cfg.WorkDir(),
		PollInterval:        cfg.PollInterval(),
		StaleAfter:          cfg.StaleAfter(),
		ReclaimInterval:     cfg.ReclaimInterval(),
		MaxAttempts:         cfg.MaxAttempts(),
		URLTTL:              cfg.URLTTL(),
		DownloadConcurrency: cfg.DownloadConcurrency(),
		SubtitleOrder:       cfg.SubtitleOrder(),
	}, logging.WithComponent(logger, "worker"))
	return nil
}

func (a *app) serverConfig(startTime time.Time) api.ServerConfig {
	sc := api.ServerConfig{
		BindAddr:       a.cfg.BindAddr(),
		Port:           a.cfg.Port(),
		Service:        a.service,
		APIToken:       a.cfg.APIToken(),
		AllowedOrigins: a.cfg.AllowedOrigins(),
		Logger:         logging.WithComponent(a.logger, "api"),
		StartTime:      startTime,
		Version:        config.Version,
	}
	if a.local != nil {
		sc.Artifacts = http.Handler(a.local)
	}
	// Interface fields stay nil rather than holding typed nil pointers.
	if a.runner != nil {
		sc.Worker = a.runner
	}
	if a.doctor != nil {
		sc.Doctor = a.doctor
	}
	return sc
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
