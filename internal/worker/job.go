package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/compositor"
	"github.com/heimdex/exportd/internal/export"
	"github.com/heimdex/exportd/internal/logging"
	"github.com/heimdex/exportd/internal/notify"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/renderplan"
	"github.com/heimdex/exportd/internal/subtitle"
)

// jobRun is the mutable state of one job attempt.
type jobRun struct {
	job       *queue.ClaimedJob
	claim     queue.Claim
	abandon   context.CancelCauseFunc
	stage     queue.Stage
	workspace string
	logger    *slog.Logger

	sections []renderplan.VideoSection
	inputs   []compositor.Input
	subtitle string
	output   string
	settings compositor.Settings
}

func (r *Runner) process(parent context.Context, job *queue.ClaimedJob) {
	// ctx ends early with cause ErrClaimLost once another worker owns the job.
	ctx, abandon := context.WithCancelCause(parent)
	defer abandon(nil)

	run := &jobRun{
		job:       job,
		claim:     job.Claim(),
		abandon:   abandon,
		stage:     queue.StageDownloading,
		workspace: filepath.Join(r.cfg.WorkDir, job.ID),
		logger:    logging.WithJobID(r.logger, job.ID),
	}
	run.logger.Info("processing export job", "room_id", job.Payload.RoomID, "attempt", job.Attempts)

	r.setCurrent(job.ID)
	defer r.setCurrent("")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, run)

	defer func() {
		if err := os.RemoveAll(run.workspace); err != nil {
			run.logger.Warn("failed to remove workspace", "path", run.workspace, "error", err)
		}
	}()

	done := r.metrics.Time("total")
	defer done()

	var downloadURL string
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				run.logger.Error("export job panicked", "panic", p, "stack", string(debug.Stack()))
				err = fmt.Errorf("internal error: %v", p)
			}
		}()
		downloadURL, err = r.execute(ctx, run)
		return err
	}()

	if err != nil {
		r.finishFailed(ctx, run, err)
		return
	}
	r.finishCompleted(ctx, run, downloadURL)
}

func (r *Runner) execute(ctx context.Context, run *jobRun) (string, error) {
	p := run.job.Payload
	if len(p.Recordings) == 0 {
		return "", ErrNoRecordings
	}

	run.settings = p.Settings.Render().Normalize()
	if err := run.settings.Validate(); err != nil {
		return "", err
	}

	run.sections = renderplan.ApplyFocus(p.VideoSections, p.FocusSegments)
	if renderplan.AllDeleted(run.sections) {
		run.stage = queue.StageCompose
		return "", ErrNothingToExport
	}

	if err := os.MkdirAll(run.workspace, 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	steps := []struct {
		stage queue.Stage
		name  string
		fn    func(context.Context, *jobRun) error
	}{
		{queue.StageDownloading, "download", r.download},
		{queue.StageSubtitles, "subtitles", r.subtitles},
		{queue.StageCompose, "compose", r.compose},
	}
	for _, step := range steps {
		run.stage = step.stage
		if err := r.checkCancel(ctx, run); err != nil {
			return "", err
		}
		stop := r.metrics.Time(step.name)
		err := step.fn(ctx, run)
		stop()
		if err != nil {
			return "", err
		}
	}

	run.stage = queue.StageUploading
	if err := r.checkCancel(ctx, run); err != nil {
		return "", err
	}
	stop := r.metrics.Time("upload")
	defer stop()
	return r.upload(ctx, run)
}

func (r *Runner) checkCancel(ctx context.Context, run *jobRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := r.store.IsCancelRequested(ctx, run.job.ID)
	if err != nil {
		run.logger.Warn("failed to check cancellation", "error", err)
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (r *Runner) download(ctx context.Context, run *jobRun) error {
	recs := run.job.Payload.Recordings
	run.inputs = make([]compositor.Input, len(recs))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.DownloadConcurrency)
	for i, rec := range recs {
		dest := filepath.Join(run.workspace, fmt.Sprintf("input-%d%s", i, mediaExt(rec.URL)))
		participant := rec.ParticipantID
		if participant == "" {
			participant = rec.ID
		}
		run.inputs[i] = compositor.Input{ParticipantID: participant, Path: dest}

		g.Go(func() error {
			n, err := r.fetcher.Fetch(gctx, rec.URL, dest)
			if err != nil {
				return err
			}
			r.metrics.AddBytesFetched(n)

			mu.Lock()
			defer mu.Unlock()
			done++
			return r.report(gctx, run, queue.Downloading(done, len(recs)))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	run.logger.Info("recordings downloaded", "count", len(recs))
	return nil
}

func (r *Runner) subtitles(ctx context.Context, run *jobRun) error {
	p := run.job.Payload
	if !p.Settings.Subtitles || len(p.Transcriptions) == 0 {
		return nil
	}

	if r.doctor != nil {
		caps, err := r.doctor.Get(ctx)
		if err == nil && !caps.HasSubtitles {
			run.logger.Warn("ffmpeg lacks the subtitles filter, exporting without burned-in subtitles")
			return nil
		}
	}

	if err := r.report(ctx, run, queue.GeneratingSubtitles()); err != nil {
		return err
	}

	entries := subtitle.Derive(p.WordTracks(), run.sections, r.order)
	if len(entries) == 0 {
		run.logger.Info("no words fall inside kept sections, skipping subtitles")
		return nil
	}

	srt := filepath.Join(run.workspace, run.job.ID+".srt")
	if err := subtitle.WriteFile(srt, entries); err != nil {
		return err
	}
	run.subtitle = srt
	run.logger.Info("subtitles generated", "entries", len(entries), "order", r.order.String())
	return nil
}

func (r *Runner) compose(ctx context.Context, run *jobRun) error {
	if err := r.report(ctx, run, queue.Composing(0)); err != nil {
		return err
	}

	run.output = filepath.Join(run.workspace, run.job.ID+"."+run.settings.Format)
	throttle := &progressThrottle{last: queue.Composing(0).Percentage}

	return r.composer.Compose(ctx, compositor.Request{
		JobID:        run.job.ID,
		Inputs:       run.inputs,
		Sections:     run.sections,
		SubtitlePath: run.subtitle,
		Settings:     run.settings,
		OutputPath:   run.output,
		OnProgress: func(fraction float64) {
			prog, changed := throttle.next(fraction)
			if !changed {
				return
			}
			// A lost claim cancels ctx, which stops ffmpeg.
			_ = r.report(ctx, run, prog)
		},
	})
}

func (r *Runner) upload(ctx context.Context, run *jobRun) (string, error) {
	if err := r.report(ctx, run, queue.Uploading()); err != nil {
		return "", err
	}

	f, err := os.Open(run.output)
	if err != nil {
		return "", fmt.Errorf("open rendered output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat rendered output: %w", err)
	}

	key := cloud.ExportKey(run.job.ID, export.ObjectName(run.job.Payload.RoomID), run.settings.Format)
	if err := r.objects.Put(ctx, key, f, info.Size(), compositor.ContentType(run.settings.Format)); err != nil {
		return "", err
	}
	r.metrics.AddBytesUploaded(info.Size())

	if err := r.store.RecordArtifact(ctx, run.claim, key); err != nil {
		return "", err
	}

	signed, err := r.objects.SignedURL(ctx, key, r.cfg.URLTTL)
	if err != nil {
		return "", &cloud.UploadError{Key: key, Err: err}
	}
	run.logger.Info("export uploaded", "key", key, "url", logging.SanitizeURL(signed))
	return signed, nil
}

func (r *Runner) finishCompleted(ctx context.Context, run *jobRun, downloadURL string) {
	if err := r.store.UpdateProgress(ctx, run.claim, queue.Completed(downloadURL), queue.StatusCompleted); err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			run.logger.Warn("export job claim lost before completion", "attempt", run.claim.Attempt)
			return
		}
		run.logger.Error("failed to mark job completed", "error", err)
		return
	}
	r.metrics.JobCompleted()
	run.logger.Info("export job completed")

	r.publish(ctx, run, notify.Event{
		JobID:       run.job.ID,
		RoomID:      run.job.Payload.RoomID,
		Status:      string(queue.StatusCompleted),
		DownloadURL: downloadURL,
	})
}

func (r *Runner) finishFailed(ctx context.Context, run *jobRun, err error) {
	// The job belongs to someone else now (or already finished); any
	// write from here would clobber their state.
	if errors.Is(err, queue.ErrClaimLost) || errors.Is(context.Cause(ctx), queue.ErrClaimLost) {
		run.logger.Warn("export job claim lost, abandoning", "stage", run.stage, "attempt", run.claim.Attempt)
		return
	}

	// Shutdown mid-job: leave the claim for ReclaimStale instead of
	// failing work that never got a fair chance to finish.
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		run.logger.Warn("export job interrupted by shutdown", "stage", run.stage, "error", err)
		return
	}

	cancelled := errors.Is(err, ErrCancelled)
	prog := queue.Failed(run.stage, err)
	if cancelled {
		prog.Message = "Export cancelled"
	}

	if uerr := r.store.UpdateProgress(ctx, run.claim, prog, queue.StatusFailed); uerr != nil {
		run.logger.Error("failed to mark job failed", "error", uerr, "cause", err)
		return
	}
	r.metrics.JobFailed(cancelled)
	run.logger.Error("export job failed", "stage", run.stage, "error", err)

	r.publish(ctx, run, notify.Event{
		JobID:  run.job.ID,
		RoomID: run.job.Payload.RoomID,
		Status: string(queue.StatusFailed),
		Error:  prog.Error,
	})
}

// report records progress under the job's claim. A lost claim abandons the
// run and is returned; other store errors are only logged.
func (r *Runner) report(ctx context.Context, run *jobRun, p queue.Progress) error {
	err := r.store.UpdateProgress(ctx, run.claim, p, "")
	if errors.Is(err, queue.ErrClaimLost) {
		run.abandon(queue.ErrClaimLost)
		return err
	}
	if err != nil {
		run.logger.Warn("failed to record progress", "stage", p.Stage, "error", err)
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, run *jobRun, e notify.Event) {
	e.At = time.Now().UTC()
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, e); err != nil {
		run.logger.Warn("failed to publish job event", "error", err)
	}
}

// mediaExt keeps a short extension from the URL so ffmpeg can sniff the
// container; anything else gets a neutral suffix.
func mediaExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".media"
	}
	ext := path.Ext(u.Path)
	if len(ext) < 2 || len(ext) > 6 {
		return ".media"
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ".media"
		}
	}
	return ext
}
