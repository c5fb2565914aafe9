// Package renderplan turns edit decisions into an ordered list of video
// sections that the compositor renders. A plan is a contiguous,
// non-overlapping partition of the source timeline [0, totalDuration].
package renderplan

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidInput marks requests that can never be rendered.
var ErrInvalidInput = errors.New("invalid input")

// Gap labels attached to deleted sections built from suggestions.
const (
	ReasonLongSilence = "long_silence"
	ReasonPauseFiller = "pause_filler"
	ReasonBriefGap    = "brief_gap"

	longSilenceSeconds = 10.0
	pauseFillerSeconds = 3.0

	// epsilon is the tolerance used when comparing section boundaries.
	epsilon = 0.001
)

type FocusType string

const (
	FocusConversation FocusType = "conversation"
	FocusMonologue    FocusType = "monologue"
	FocusSilence      FocusType = "silence"
)

// VideoSection is one interval of the source timeline.
type VideoSection struct {
	ID                   string  `json:"id"`
	StartTime            float64 `json:"start_time"`
	EndTime              float64 `json:"end_time"`
	IsDeleted            bool    `json:"is_deleted"`
	PlaybackSpeed        float64 `json:"playback_speed"`
	FocusedParticipantID string  `json:"focused_participant_id,omitempty"`
	Reason               string  `json:"reason,omitempty"`
}

// Duration is the section length on the source timeline.
func (s VideoSection) Duration() float64 {
	return s.EndTime - s.StartTime
}

// Speed returns the playback speed, treating an unset speed as 1.0.
func (s VideoSection) Speed() float64 {
	if s.PlaybackSpeed <= 0 {
		return 1.0
	}
	return s.PlaybackSpeed
}

// Contains reports whether [start, end] lies fully inside the section.
func (s VideoSection) Contains(start, end float64) bool {
	return start >= s.StartTime && end <= s.EndTime
}

type FocusSegment struct {
	ID                   string    `json:"id"`
	StartTime            float64   `json:"start_time"`
	EndTime              float64   `json:"end_time"`
	FocusedParticipantID string    `json:"focused_participant_id"`
	Type                 FocusType `json:"type"`
}

// ValidSegment is an AI-suggested span worth keeping.
type ValidSegment struct {
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
	Quality    string  `json:"quality,omitempty"`
}

// SpeedRecommendation suggests a playback rate for a range.
type SpeedRecommendation struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Speed     float64 `json:"speed"`
	Reason    string  `json:"reason,omitempty"`
}

// BuildFromSuggestions converts suggested keep-segments into a full plan.
// Gaps between kept segments become deleted sections labelled by length.
func BuildFromSuggestions(valid []ValidSegment, speeds []SpeedRecommendation, totalDuration float64) ([]VideoSection, error) {
	if totalDuration <= 0 || math.IsNaN(totalDuration) || math.IsInf(totalDuration, 0) {
		return nil, fmt.Errorf("%w: total duration must be positive", ErrInvalidInput)
	}
	for i, seg := range valid {
		if !(seg.StartTime < seg.EndTime) {
			return nil, fmt.Errorf("%w: valid segment %d has start >= end", ErrInvalidInput, i)
		}
	}
	for i, rec := range speeds {
		if rec.Speed <= 0 {
			return nil, fmt.Errorf("%w: speed recommendation %d must be positive", ErrInvalidInput, i)
		}
	}

	segments := make([]ValidSegment, 0, len(valid))
	for _, seg := range valid {
		seg.StartTime = clamp(seg.StartTime, 0, totalDuration)
		seg.EndTime = clamp(seg.EndTime, 0, totalDuration)
		if seg.EndTime-seg.StartTime > 0 {
			segments = append(segments, seg)
		}
	}
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].StartTime < segments[j].StartTime
	})

	var sections []VideoSection
	add := func(start, end float64, deleted bool) {
		s := VideoSection{
			ID:            fmt.Sprintf("section-%d", len(sections)+1),
			StartTime:     start,
			EndTime:       end,
			IsDeleted:     deleted,
			PlaybackSpeed: 1.0,
		}
		if deleted {
			s.Reason = gapReason(end - start)
		} else {
			s.PlaybackSpeed = speedFor(start, end, speeds)
		}
		sections = append(sections, s)
	}

	cursor := 0.0
	for _, seg := range segments {
		if seg.StartTime > cursor {
			add(cursor, seg.StartTime, true)
			cursor = seg.StartTime
		}
		if seg.EndTime > cursor {
			add(cursor, seg.EndTime, false)
			cursor = seg.EndTime
		}
	}
	if cursor < totalDuration {
		add(cursor, totalDuration, true)
	}

	return sections, nil
}

func gapReason(d float64) string {
	switch {
	case d > longSilenceSeconds:
		return ReasonLongSilence
	case d >= pauseFillerSeconds:
		return ReasonPauseFiller
	default:
		return ReasonBriefGap
	}
}

// speedFor returns the first recommendation that fully contains the range.
func speedFor(start, end float64, speeds []SpeedRecommendation) float64 {
	for _, rec := range speeds {
		if start >= rec.StartTime && end <= rec.EndTime {
			return rec.Speed
		}
	}
	return 1.0
}

// Validate checks the partition invariant. When totalDuration is positive
// the plan must end exactly there.
func Validate(sections []VideoSection, totalDuration float64) error {
	if len(sections) == 0 {
		return fmt.Errorf("%w: no video sections", ErrInvalidInput)
	}
	if math.Abs(sections[0].StartTime) > epsilon {
		return fmt.Errorf("%w: first section must start at 0, got %.3f", ErrInvalidInput, sections[0].StartTime)
	}
	for i, s := range sections {
		if !(s.StartTime < s.EndTime) {
			return fmt.Errorf("%w: section %q has start >= end", ErrInvalidInput, s.ID)
		}
		if s.PlaybackSpeed < 0 || math.IsNaN(s.PlaybackSpeed) {
			return fmt.Errorf("%w: section %q has invalid playback speed", ErrInvalidInput, s.ID)
		}
		if i == 0 {
			continue
		}
		prev := sections[i-1]
		if s.StartTime < prev.StartTime {
			return fmt.Errorf("%w: sections not sorted at %q", ErrInvalidInput, s.ID)
		}
		if math.Abs(s.StartTime-prev.EndTime) > epsilon {
			return fmt.Errorf("%w: gap or overlap between %q and %q", ErrInvalidInput, prev.ID, s.ID)
		}
	}
	if totalDuration > 0 {
		last := sections[len(sections)-1]
		if math.Abs(last.EndTime-totalDuration) > epsilon {
			return fmt.Errorf("%w: sections end at %.3f, want %.3f", ErrInvalidInput, last.EndTime, totalDuration)
		}
	}
	return nil
}

// Passthrough accepts a user-authored plan after validation and returns a
// copy. Unset speeds are normalised to 1.0.
func Passthrough(sections []VideoSection, totalDuration float64) ([]VideoSection, error) {
	if err := Validate(sections, totalDuration); err != nil {
		return nil, err
	}
	out := make([]VideoSection, len(sections))
	copy(out, sections)
	for i := range out {
		if out[i].PlaybackSpeed == 0 {
			out[i].PlaybackSpeed = 1.0
		}
	}
	return out, nil
}

// ApplyFocus assigns a focused participant to each kept section that lies
// entirely within a focus segment. Partial overlaps are ignored and an
// existing focus choice on a section is preserved.
func ApplyFocus(sections []VideoSection, focus []FocusSegment) []VideoSection {
	out := make([]VideoSection, len(sections))
	copy(out, sections)
	for i := range out {
		if out[i].IsDeleted || out[i].FocusedParticipantID != "" {
			continue
		}
		for _, f := range focus {
			if f.FocusedParticipantID == "" {
				continue
			}
			if out[i].StartTime >= f.StartTime && out[i].EndTime <= f.EndTime {
				out[i].FocusedParticipantID = f.FocusedParticipantID
				break
			}
		}
	}
	return out
}

// Kept returns the non-deleted sections in order.
func Kept(sections []VideoSection) []VideoSection {
	var kept []VideoSection
	for _, s := range sections {
		if !s.IsDeleted {
			kept = append(kept, s)
		}
	}
	return kept
}

// AllDeleted is true for an empty plan or one with nothing left to render.
func AllDeleted(sections []VideoSection) bool {
	return len(Kept(sections)) == 0
}

// OutputDuration is the rendered length in seconds after cuts and speed changes.
func OutputDuration(sections []VideoSection) float64 {
	var total float64
	for _, s := range sections {
		if s.IsDeleted {
			continue
		}
		total += s.Duration() / s.Speed()
	}
	return total
}

// ToOutputTime maps a source timestamp onto the rendered timeline. The
// second result is false when t falls in a deleted section or outside the plan.
func ToOutputTime(sections []VideoSection, t float64) (float64, bool) {
	var offset float64
	for _, s := range sections {
		if s.IsDeleted {
			if t >= s.StartTime && t < s.EndTime {
				return 0, false
			}
			continue
		}
		if t >= s.StartTime && t <= s.EndTime {
			return offset + (t-s.StartTime)/s.Speed(), true
		}
		offset += s.Duration() / s.Speed()
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
