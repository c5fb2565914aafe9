package queue

import (
	"time"

	"github.com/heimdex/exportd/internal/compositor"
	"github.com/heimdex/exportd/internal/renderplan"
	"github.com/heimdex/exportd/internal/subtitle"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Recording struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	Duration      float64 `json:"duration"`
	ParticipantID string  `json:"participant_id"`
}

type Transcription struct {
	RecordingID   string          `json:"recording_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Text          string          `json:"text"`
	Words         []subtitle.Word `json:"words"`
}

type Settings struct {
	Format    string `json:"format"`
	Quality   string `json:"quality"`
	FrameRate int    `json:"frame_rate"`
	Subtitles bool   `json:"subtitles"`
}

// Render returns the compositor view of the settings.
func (s Settings) Render() compositor.Settings {
	return compositor.Settings{Format: s.Format, Quality: s.Quality, FrameRate: s.FrameRate}
}

// Payload is the immutable snapshot captured at submission.
type Payload struct {
	RoomID         string                    `json:"room_id"`
	Recordings     []Recording               `json:"recordings"`
	VideoSections  []renderplan.VideoSection `json:"video_sections"`
	FocusSegments  []renderplan.FocusSegment `json:"focus_segments,omitempty"`
	Transcriptions []Transcription           `json:"transcriptions,omitempty"`
	Settings       Settings                  `json:"export_settings"`
}

// WordTracks returns the word lists of every transcription.
func (p Payload) WordTracks() [][]subtitle.Word {
	tracks := make([][]subtitle.Word, 0, len(p.Transcriptions))
	for _, t := range p.Transcriptions {
		tracks = append(tracks, t.Words)
	}
	return tracks
}

type ExportJob struct {
	ID                string     `json:"id"`
	RoomID            string     `json:"room_id"`
	Status            Status     `json:"status"`
	Payload           Payload    `json:"payload"`
	Progress          Progress   `json:"progress"`
	Attempts          int        `json:"attempts"`
	ClaimedBy         string     `json:"claimed_by,omitempty"`
	CancelRequested   bool       `json:"cancel_requested"`
	ArtifactKey       string     `json:"artifact_key,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ArtifactDeletedAt *time.Time `json:"artifact_deleted_at,omitempty"`
}

// ClaimedJob is what a worker receives from ClaimNextJob.
type ClaimedJob struct {
	ID       string
	WorkerID string
	Payload  Payload
	Attempts int
}

// Claim returns the identity that scopes this worker's writes.
func (j *ClaimedJob) Claim() Claim {
	return Claim{JobID: j.ID, WorkerID: j.WorkerID, Attempt: j.Attempts}
}

// Claim is one worker's hold on a job. A reclaim followed by a new claim
// bumps the attempt, which invalidates the old holder.
type Claim struct {
	JobID    string
	WorkerID string
	Attempt  int
}

// ReclaimResult counts jobs touched by a stale-claim sweep.
type ReclaimResult struct {
	Requeued int64
	Failed   int64
}
