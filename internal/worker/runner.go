// Package worker claims export jobs and drives each one through
// download, subtitles, compose and upload, reporting progress to the store
// after every step.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/compositor"
	"github.com/heimdex/exportd/internal/metrics"
	"github.com/heimdex/exportd/internal/notify"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/subtitle"
)

var (
	ErrCancelled       = errors.New("cancelled by request")
	ErrNothingToExport = errors.New("nothing to export: every section is deleted")
	ErrNoRecordings    = errors.New("job has no recordings")
)

type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

type Composer interface {
	Compose(ctx context.Context, req compositor.Request) error
}

// CapabilityChecker reports what the local ffmpeg supports.
type CapabilityChecker interface {
	Get(ctx context.Context) (*compositor.Capabilities, error)
}

type Config struct {
	WorkerID            string
	WorkDir             string
	PollInterval        time.Duration
	StaleAfter          time.Duration
	ReclaimInterval     time.Duration
	MaxAttempts         int
	URLTTL              time.Duration
	DownloadConcurrency int
	SubtitleOrder       string
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.URLTTL <= 0 {
		c.URLTTL = time.Hour
	}
	if c.DownloadConcurrency <= 0 {
		c.DownloadConcurrency = 4
	}
	return c
}

// Deps are the collaborators of a Runner. Doctor, Publisher and Metrics
// are optional.
type Deps struct {
	Store     queue.Store
	Objects   cloud.ObjectStore
	Fetcher   Fetcher
	Composer  Composer
	Doctor    CapabilityChecker
	Publisher notify.Publisher
	Metrics   *metrics.Collector
}

type Runner struct {
	store     queue.Store
	objects   cloud.ObjectStore
	fetcher   Fetcher
	composer  Composer
	doctor    CapabilityChecker
	publisher notify.Publisher
	metrics   *metrics.Collector
	order     subtitle.Order
	cfg       Config
	logger    *slog.Logger

	running atomic.Bool
	paused  atomic.Bool

	mu         sync.Mutex
	currentJob string
}

func NewRunner(deps Deps, cfg Config, logger *slog.Logger) *Runner {
	if deps.Publisher == nil {
		deps.Publisher = notify.NopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		store:     deps.Store,
		objects:   deps.Objects,
		fetcher:   deps.Fetcher,
		composer:  deps.Composer,
		doctor:    deps.Doctor,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		order:     subtitle.ParseOrder(cfg.SubtitleOrder),
		cfg:       cfg,
		logger:    logger,
	}
}

// Start polls for jobs until ctx is cancelled. Each tick drains every job
// that can be claimed. Stale claims are reclaimed on start and every
// ReclaimInterval.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}
	defer r.running.Store(false)

	r.logger.Info("export worker started",
		"worker_id", r.cfg.WorkerID,
		"poll_interval", r.cfg.PollInterval,
		"stale_after", r.cfg.StaleAfter,
	)
	r.reclaim(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	reclaimTicker := time.NewTicker(r.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export worker stopping")
			return
		case <-reclaimTicker.C:
			r.reclaim(ctx)
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Runner) drain(ctx context.Context) {
	for ctx.Err() == nil && !r.paused.Load() {
		processed, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("failed to claim job", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimNextJob(ctx, r.cfg.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.process(ctx, job)
	return true, nil
}

func (r *Runner) reclaim(ctx context.Context) {
	res, err := r.store.ReclaimStale(ctx, r.cfg.StaleAfter, r.cfg.MaxAttempts)
	if err != nil {
		r.logger.Error("failed to reclaim stale jobs", "error", err)
		return
	}
	if res.Requeued > 0 || res.Failed > 0 {
		r.logger.Warn("reclaimed stale jobs", "requeued", res.Requeued, "failed", res.Failed)
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("export worker paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("export worker resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// State is a point-in-time view of the runner for status reporting.
type State struct {
	WorkerID   string           `json:"worker_id"`
	Running    bool             `json:"running"`
	Paused     bool             `json:"paused"`
	CurrentJob string           `json:"current_job,omitempty"`
	Metrics    metrics.Snapshot `json:"metrics"`
}

func (r *Runner) State() State {
	r.mu.Lock()
	current := r.currentJob
	r.mu.Unlock()
	return State{
		WorkerID:   r.cfg.WorkerID,
		Running:    r.IsRunning(),
		Paused:     r.IsPaused(),
		CurrentJob: current,
		Metrics:    r.metrics.Snapshot(),
	}
}

func (r *Runner) setCurrent(id string) {
	r.mu.Lock()
	r.currentJob = id
	r.mu.Unlock()
}

// heartbeat keeps the claim fresh while a job runs and abandons the run
// once the claim is gone.
func (r *Runner) heartbeat(ctx context.Context, run *jobRun) {
	interval := r.cfg.StaleAfter / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.store.Heartbeat(ctx, run.claim)
			if errors.Is(err, queue.ErrClaimLost) {
				run.abandon(queue.ErrClaimLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				run.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// progressThrottle drops compose updates that would not change the
// stored percentage.
type progressThrottle struct {
	last int
}

func (p *progressThrottle) next(fraction float64) (queue.Progress, bool) {
	prog := queue.Composing(fraction)
	if prog.Percentage == p.last {
		return prog, false
	}
	p.last = prog.Percentage
	return prog, true
}
