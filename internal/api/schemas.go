package api

import (
	"time"

	"github.com/heimdex/exportd/internal/compositor"
	"github.com/heimdex/exportd/internal/metrics"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/renderplan"
	"github.com/heimdex/exportd/internal/service"
	"github.com/heimdex/exportd/internal/worker"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	WorkerID string `json:"worker_id,omitempty"`
}

type StatusResponse struct {
	State      string                   `json:"state"`
	LastError  string                   `json:"last_error,omitempty"`
	Queued     int                      `json:"queued"`
	Processing int                      `json:"processing"`
	ActiveJob  *JobResponse             `json:"active_job,omitempty"`
	Worker     *worker.State            `json:"worker,omitempty"`
	FFmpeg     *compositor.Capabilities `json:"ffmpeg,omitempty"`
	Metrics    *metrics.Snapshot        `json:"metrics,omitempty"`
}

type SubmitExportRequest struct {
	RoomID         string                    `json:"room_id"`
	Recordings     []queue.Recording         `json:"recordings"`
	VideoSections  []renderplan.VideoSection `json:"video_sections"`
	FocusSegments  []renderplan.FocusSegment `json:"focus_segments,omitempty"`
	Transcriptions []queue.Transcription     `json:"transcriptions,omitempty"`
	ExportSettings queue.Settings            `json:"export_settings"`
	Suggestions    *service.Suggestions      `json:"suggestions,omitempty"`
}

func (r SubmitExportRequest) toService() service.SubmitRequest {
	return service.SubmitRequest{
		Payload: queue.Payload{
			RoomID:         r.RoomID,
			Recordings:     r.Recordings,
			VideoSections:  r.VideoSections,
			FocusSegments:  r.FocusSegments,
			Transcriptions: r.Transcriptions,
			Settings:       r.ExportSettings,
		},
		Suggestions: r.Suggestions,
	}
}

type SubmitExportResponse struct {
	JobID string `json:"job_id"`
}

type DownloadResponse struct {
	DownloadURL string `json:"download_url"`
}

type JobResponse struct {
	ID          string         `json:"id"`
	RoomID      string         `json:"room_id"`
	Status      string         `json:"status"`
	Progress    queue.Progress `json:"progress"`
	Attempts    int            `json:"attempts"`
	Format      string         `json:"format"`
	Expired     bool           `json:"expired,omitempty"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *queue.ExportJob) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		RoomID:    j.RoomID,
		Status:    string(j.Status),
		Progress:  j.Progress.Normalize(),
		Attempts:  j.Attempts,
		Format:    j.Payload.Settings.Format,
		Expired:   j.ArtifactDeletedAt != nil,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
