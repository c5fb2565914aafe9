package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/heimdex/exportd/internal/renderplan"
)

// GenerateEDL renders clips as a CMX3600 edit decision list. Clips play
// back to back on the record side; speed changes get an M2 motion line.
func GenerateEDL(clips []ResolvedClip, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	recordOffsetMs := 0
	for i, clip := range clips {
		srcIn := msToTimecode(clip.StartMs, fps)
		srcOut := msToTimecode(clip.EndMs, fps)
		recIn := msToTimecode(recordOffsetMs, fps)
		durationMs := clip.recordMs()
		recOut := msToTimecode(recordOffsetMs+durationMs, fps)

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "AA/V", srcIn, srcOut, recIn, recOut),
		)
		if s := clip.speed(); math.Abs(s-1.0) > 1e-9 {
			lines = append(lines, fmt.Sprintf("M2   %-8s %05.1f    %s", "AX", float64(fps)*s, srcIn))
		}
		lines = append(lines,
			fmt.Sprintf("* FROM CLIP NAME:  %s", clip.ClipName),
			fmt.Sprintf("* MEDIA PATH:  %s", clip.MediaPath),
		)

		recordOffsetMs += durationMs
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// ClipsFromSections turns the kept sections of a render plan into EDL
// clips. mediaFor maps a focused participant id ("" for the default
// layout) to the media path written in the event comment.
func ClipsFromSections(sections []renderplan.VideoSection, mediaFor func(participantID string) string) []ResolvedClip {
	kept := renderplan.Kept(sections)
	clips := make([]ResolvedClip, 0, len(kept))
	for _, s := range kept {
		name := s.ID
		if s.FocusedParticipantID != "" {
			name = fmt.Sprintf("%s (%s)", s.ID, s.FocusedParticipantID)
		}
		clips = append(clips, ResolvedClip{
			ClipName:  name,
			MediaPath: mediaFor(s.FocusedParticipantID),
			StartMs:   int(math.Round(s.StartTime * 1000)),
			EndMs:     int(math.Round(s.EndTime * 1000)),
			Speed:     s.PlaybackSpeed,
		})
	}
	return clips
}

func msToTimecode(ms int, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
