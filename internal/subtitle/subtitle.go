// Package subtitle derives SubRip subtitle entries from word-level
// transcriptions, keeping only words that survive the render plan.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/heimdex/exportd/internal/renderplan"
)

// Order selects how entries are numbered.
type Order int

const (
	// Chronological sorts entries by start time before numbering.
	Chronological Order = iota
	// ScanOrder numbers entries in transcription-then-word order.
	ScanOrder
)

// ParseOrder maps a config value to an Order. Unknown values fall back to
// Chronological.
func ParseOrder(s string) Order {
	if strings.EqualFold(strings.TrimSpace(s), "scan") {
		return ScanOrder
	}
	return Chronological
}

func (o Order) String() string {
	if o == ScanOrder {
		return "scan"
	}
	return "chronological"
}

type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Entry is one subtitle cue. StartTime and EndTime are on the source
// timeline; OutputStart and OutputEnd are positions in the rendered video.
type Entry struct {
	Index       int     `json:"index"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	OutputStart float64 `json:"output_start"`
	OutputEnd   float64 `json:"output_end"`
	Text        string  `json:"text"`
}

// Derive emits one entry per word fully inside a kept section. Words that
// straddle a cut are dropped.
func Derive(tracks [][]Word, sections []renderplan.VideoSection, order Order) []Entry {
	kept := renderplan.Kept(sections)
	if len(kept) == 0 {
		return nil
	}

	var entries []Entry
	for _, words := range tracks {
		for _, w := range words {
			if w.End < w.Start || strings.TrimSpace(w.Word) == "" {
				continue
			}
			if !inKept(kept, w) {
				continue
			}
			start, _ := renderplan.ToOutputTime(sections, w.Start)
			end, _ := renderplan.ToOutputTime(sections, w.End)
			entries = append(entries, Entry{
				StartTime:   w.Start,
				EndTime:     w.End,
				OutputStart: start,
				OutputEnd:   end,
				Text:        strings.TrimSpace(w.Word),
			})
		}
	}

	if order == Chronological {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].StartTime < entries[j].StartTime
		})
	}
	for i := range entries {
		entries[i].Index = i + 1
	}
	return entries
}

func inKept(kept []renderplan.VideoSection, w Word) bool {
	for _, s := range kept {
		if s.Contains(w.Start, w.End) {
			return true
		}
	}
	return false
}

// FormatTimestamp renders seconds as HH:MM:SS,mmm. Milliseconds are
// truncated, not rounded.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	totalMs := int64(math.Floor(seconds*1000 + 1e-6))
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", totalSec/3600, (totalSec/60)%60, totalSec%60, ms)
}

// WriteSRT writes entries as SubRip blocks using output-timeline times.
func WriteSRT(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			e.Index, FormatTimestamp(e.OutputStart), FormatTimestamp(e.OutputEnd), e.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes entries to path, replacing any existing file.
func WriteFile(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create subtitle file: %w", err)
	}
	if err := WriteSRT(f, entries); err != nil {
		f.Close()
		return fmt.Errorf("write subtitle file: %w", err)
	}
	return f.Close()
}
