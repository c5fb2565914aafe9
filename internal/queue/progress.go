package queue

import "fmt"

type Stage string

const (
	StageQueued      Stage = "queued"
	StageDownloading Stage = "downloading"
	StageSubtitles   Stage = "processing:subtitles"
	StageCompose     Stage = "processing:compose"
	StageUploading   Stage = "uploading"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Progress is the client-visible snapshot of a job. Build values with the
// per-stage constructors below so each stage only carries its own fields.
type Progress struct {
	Percentage  int    `json:"percentage"`
	Message     string `json:"message"`
	Stage       Stage  `json:"stage"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	downloadBandStart = 5
	downloadBandWidth = 15
	subtitlesPercent  = 25
	composeBandStart  = 30
	composeBandWidth  = 55
	uploadingPercent  = 90
)

func Queued() Progress {
	return Progress{Percentage: 0, Message: "Job queued", Stage: StageQueued}
}

// Claimed is written atomically with the claim itself.
func Claimed() Progress {
	return Progress{Percentage: downloadBandStart, Message: "Preparing export", Stage: StageDownloading}
}

// Downloading reports done of total recordings fetched.
func Downloading(done, total int) Progress {
	pct := downloadBandStart
	if total > 0 {
		if done > total {
			done = total
		}
		pct += downloadBandWidth * done / total
	}
	return Progress{
		Percentage: pct,
		Message:    fmt.Sprintf("Downloading recordings (%d/%d)", done, total),
		Stage:      StageDownloading,
	}
}

func GeneratingSubtitles() Progress {
	return Progress{Percentage: subtitlesPercent, Message: "Generating subtitles", Stage: StageSubtitles}
}

// Composing maps a render fraction in [0,1] into the compose band.
func Composing(fraction float64) Progress {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return Progress{
		Percentage: composeBandStart + int(fraction*composeBandWidth),
		Message:    "Composing video",
		Stage:      StageCompose,
	}
}

func Uploading() Progress {
	return Progress{Percentage: uploadingPercent, Message: "Uploading export", Stage: StageUploading}
}

func Completed(downloadURL string) Progress {
	return Progress{Percentage: 100, Message: "Export complete", Stage: StageCompleted, DownloadURL: downloadURL}
}

// Failed records a failure during stage. Percentage resets to 0.
func Failed(stage Stage, err error) Progress {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Progress{
		Percentage: 0,
		Message:    fmt.Sprintf("Export failed during %s", stage),
		Stage:      StageFailed,
		Error:      fmt.Sprintf("%s: %s", stage, msg),
	}
}

// Normalize drops fields that do not belong to the current stage.
func (p Progress) Normalize() Progress {
	if p.Stage != StageCompleted {
		p.DownloadURL = ""
	}
	if p.Stage != StageFailed {
		p.Error = ""
	}
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	return p
}

// StatusFor returns the coarse status implied by a stage.
func StatusFor(stage Stage) Status {
	switch stage {
	case StageQueued:
		return StatusQueued
	case StageCompleted:
		return StatusCompleted
	case StageFailed:
		return StatusFailed
	default:
		return StatusProcessing
	}
}
