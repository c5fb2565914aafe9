// Package retention deletes expired export artifacts and leftover worker
// workspaces.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/queue"
)

const batchSize = 100

type Config struct {
	WorkDir           string
	ArtifactRetention time.Duration
	TempRetention     time.Duration
	Interval          time.Duration
}

// Result counts what one pass removed.
type Result struct {
	ArtifactsDeleted  int `json:"artifacts_deleted"`
	WorkspacesRemoved int `json:"workspaces_removed"`
	Errors            int `json:"errors"`
}

type Sweeper struct {
	store   queue.Store
	objects cloud.ObjectStore
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

func NewSweeper(store queue.Store, objects cloud.ObjectStore, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{store: store, objects: objects, cfg: cfg, now: time.Now, logger: logger}
}

// Start runs a pass immediately and then every Interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("retention sweeper started",
		"interval", s.cfg.Interval,
		"artifact_retention", s.cfg.ArtifactRetention,
		"temp_retention", s.cfg.TempRetention,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep. Failures on individual items are
// logged and counted; the pass continues.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result
	if s.cfg.ArtifactRetention > 0 {
		s.sweepArtifacts(ctx, &res)
	}
	if s.cfg.TempRetention > 0 && s.cfg.WorkDir != "" {
		s.sweepWorkspaces(ctx, &res)
	}
	if res.ArtifactsDeleted > 0 || res.WorkspacesRemoved > 0 || res.Errors > 0 {
		s.logger.Info("retention sweep finished",
			"artifacts_deleted", res.ArtifactsDeleted,
			"workspaces_removed", res.WorkspacesRemoved,
			"errors", res.Errors,
		)
	}
	return res
}

func (s *Sweeper) sweepArtifacts(ctx context.Context, res *Result) {
	cutoff := s.now().Add(-s.cfg.ArtifactRetention)
	for ctx.Err() == nil {
		jobs, err := s.store.ListExpiredArtifacts(ctx, cutoff, batchSize)
		if err != nil {
			s.logger.Error("failed to list expired artifacts", "error", err)
			res.Errors++
			return
		}

		progressed := false
		for _, job := range jobs {
			if err := s.objects.Delete(ctx, job.ArtifactKey); err != nil {
				s.logger.Warn("failed to delete artifact", "job_id", job.ID, "key", job.ArtifactKey, "error", err)
				res.Errors++
				continue
			}
			if err := s.store.MarkArtifactDeleted(ctx, job.ID); err != nil {
				s.logger.Warn("failed to mark artifact deleted", "job_id", job.ID, "error", err)
				res.Errors++
				continue
			}
			res.ArtifactsDeleted++
			progressed = true
		}

		// A short batch is the last one; a batch of pure failures would
		// loop forever.
		if len(jobs) < batchSize || !progressed {
			return
		}
	}
}

func (s *Sweeper) sweepWorkspaces(ctx context.Context, res *Result) {
	entries, err := os.ReadDir(s.cfg.WorkDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to read work dir", "path", s.cfg.WorkDir, "error", err)
			res.Errors++
		}
		return
	}

	cutoff := s.now().Add(-s.cfg.TempRetention)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		// Never pull a workspace out from under a live job.
		job, err := s.store.GetJob(ctx, entry.Name())
		switch {
		case err == nil:
			if job.Status == queue.StatusProcessing {
				continue
			}
		case !errors.Is(err, queue.ErrNotFound):
			s.logger.Warn("failed to look up workspace job", "job_id", entry.Name(), "error", err)
			res.Errors++
			continue
		}

		path := filepath.Join(s.cfg.WorkDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to remove workspace", "path", path, "error", err)
			res.Errors++
			continue
		}
		res.WorkspacesRemoved++
	}
}
