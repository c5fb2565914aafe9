// Package service is the boundary between callers and the export queue:
// it validates and resolves submissions, and serves status, download,
// cancel and EDL requests for existing jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/export"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/renderplan"
)

var (
	// ErrNotReady is returned when a download is requested before the job
	// completed.
	ErrNotReady = errors.New("export not ready")
	// ErrArtifactGone is returned when the rendered file expired or was
	// never stored.
	ErrArtifactGone = errors.New("export artifact no longer available")
)

// Suggestions are AI edit suggestions used to build the render plan when
// the request carries no explicit sections.
type Suggestions struct {
	ValidSegments        []renderplan.ValidSegment        `json:"valid_segments"`
	SpeedRecommendations []renderplan.SpeedRecommendation `json:"speed_recommendations,omitempty"`
}

type SubmitRequest struct {
	Payload     queue.Payload
	Suggestions *Suggestions
}

type ExportService struct {
	store   queue.Store
	objects cloud.ObjectStore
	urlTTL  time.Duration
	logger  *slog.Logger
}

func NewExportService(store queue.Store, objects cloud.ObjectStore, urlTTL time.Duration, logger *slog.Logger) *ExportService {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &ExportService{store: store, objects: objects, urlTTL: urlTTL, logger: logger}
}

// allowedSchemes are the recording sources a worker can fetch. file:// is
// further limited to the worker's media root.
var allowedSchemes = map[string]bool{"http": true, "https": true, "file": true}

// Submit resolves the render plan, fills default settings and enqueues the
// job. Invalid requests wrap renderplan.ErrInvalidInput and are never
// enqueued.
func (s *ExportService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	p := req.Payload
	if strings.TrimSpace(p.RoomID) == "" {
		return "", fmt.Errorf("%w: room_id is required", renderplan.ErrInvalidInput)
	}
	if len(p.Recordings) == 0 {
		return "", fmt.Errorf("%w: at least one recording is required", renderplan.ErrInvalidInput)
	}

	var total float64
	for i, rec := range p.Recordings {
		if strings.TrimSpace(rec.URL) == "" {
			return "", fmt.Errorf("%w: recording %d has no url", renderplan.ErrInvalidInput, i)
		}
		if u, err := url.Parse(rec.URL); err != nil || !allowedSchemes[u.Scheme] {
			return "", fmt.Errorf("%w: recording %d url must be http, https or file", renderplan.ErrInvalidInput, i)
		}
		if rec.Duration < 0 {
			return "", fmt.Errorf("%w: recording %d has negative duration", renderplan.ErrInvalidInput, i)
		}
		if rec.Duration > total {
			total = rec.Duration
		}
	}

	sections, err := s.resolvePlan(p.VideoSections, req.Suggestions, total)
	if err != nil {
		return "", err
	}
	p.VideoSections = sections

	settings := p.Settings.Render().Normalize()
	if err := settings.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", renderplan.ErrInvalidInput, err)
	}
	p.Settings.Format = settings.Format
	p.Settings.Quality = settings.Quality
	p.Settings.FrameRate = settings.FrameRate

	id, err := s.store.AddJob(ctx, p)
	if err != nil {
		return "", err
	}

	if s.logger != nil {
		s.logger.Info("export job queued",
			"job_id", id,
			"room_id", p.RoomID,
			"recordings", len(p.Recordings),
			"sections", len(sections),
			"output_seconds", renderplan.OutputDuration(sections),
		)
	}
	return id, nil
}

func (s *ExportService) resolvePlan(sections []renderplan.VideoSection, sugg *Suggestions, total float64) ([]renderplan.VideoSection, error) {
	if len(sections) > 0 {
		return renderplan.Passthrough(sections, total)
	}
	if sugg != nil {
		return renderplan.BuildFromSuggestions(sugg.ValidSegments, sugg.SpeedRecommendations, total)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: no video sections and no recording duration", renderplan.ErrInvalidInput)
	}
	// No edits: keep the whole recording.
	return []renderplan.VideoSection{{ID: "full", StartTime: 0, EndTime: total, PlaybackSpeed: 1}}, nil
}

func (s *ExportService) Status(ctx context.Context, id string) (queue.Progress, error) {
	return s.store.GetJobStatus(ctx, id)
}

func (s *ExportService) Get(ctx context.Context, id string) (*queue.ExportJob, error) {
	return s.store.GetJob(ctx, id)
}

func (s *ExportService) List(ctx context.Context, limit int) ([]*queue.ExportJob, error) {
	return s.store.ListJobs(ctx, limit)
}

// Cancel fails a queued job at once, or asks the worker of a processing
// job to stop at its next stage boundary.
func (s *ExportService) Cancel(ctx context.Context, id string) error {
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("export cancellation requested", "job_id", id)
	}
	return nil
}

// Download returns a freshly signed URL for a completed job's artifact.
func (s *ExportService) Download(ctx context.Context, id string) (string, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != queue.StatusCompleted {
		return "", fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	if job.ArtifactKey == "" || job.ArtifactDeletedAt != nil {
		return "", ErrArtifactGone
	}

	ok, err := s.objects.Exists(ctx, job.ArtifactKey)
	if err != nil {
		return "", fmt.Errorf("check artifact: %w", err)
	}
	if !ok {
		return "", ErrArtifactGone
	}
	return s.objects.SignedURL(ctx, job.ArtifactKey, s.urlTTL)
}

// EDL renders the job's kept sections as a CMX3600 edit list. Sections
// focused on a participant point at that participant's recording; the
// rest point at the composite.
func (s *ExportService) EDL(ctx context.Context, id string) (string, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	p := job.Payload

	media := make(map[string]string, len(p.Recordings))
	for _, rec := range p.Recordings {
		key := rec.ParticipantID
		if key == "" {
			key = rec.ID
		}
		media[key] = rec.URL
	}
	composite := job.ArtifactKey
	if composite == "" {
		composite = cloud.ExportKey(job.ID, export.ObjectName(p.RoomID), p.Settings.Render().Normalize().Format)
	}

	sections := renderplan.ApplyFocus(p.VideoSections, p.FocusSegments)
	clips := export.ClipsFromSections(sections, func(participant string) string {
		if u, ok := media[participant]; ok && participant != "" {
			return u
		}
		return composite
	})
	if len(clips) == 0 {
		return "", fmt.Errorf("%w: every section is deleted", renderplan.ErrInvalidInput)
	}

	title := export.SanitizeName(p.RoomID, 70)
	if title == "" {
		title = job.ID
	}
	fps := float64(p.Settings.Render().Normalize().FrameRate)
	return export.GenerateEDL(clips, title, fps), nil
}
