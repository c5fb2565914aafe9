package export

import (
	"strings"
	"testing"

	"github.com/heimdex/exportd/internal/renderplan"
)

func TestGenerateEDL_SingleClip(t *testing.T) {
	clips := []ResolvedClip{{
		ClipName:  "Intro",
		MediaPath: "/media/intro.mp4",
		StartMs:   0,
		EndMs:     2000,
	}}

	edl := GenerateEDL(clips, "Project One", 30.0)

	if !strings.Contains(edl, "TITLE: Project One") {
		t.Fatalf("missing title in EDL: %q", edl)
	}
	if !strings.Contains(edl, "FCM: NON-DROP FRAME") {
		t.Fatalf("missing non-drop-frame FCM: %q", edl)
	}
	if !strings.Contains(edl, "001  AX       AA/V  C        00:00:00:00 00:00:02:00 00:00:00:00 00:00:02:00") {
		t.Fatalf("missing event line: %q", edl)
	}
	if !strings.Contains(edl, "* FROM CLIP NAME:  Intro") {
		t.Fatalf("missing clip name comment: %q", edl)
	}
	if !strings.Contains(edl, "* MEDIA PATH:  /media/intro.mp4") {
		t.Fatalf("missing media path comment: %q", edl)
	}
	if strings.Contains(edl, "M2") {
		t.Fatalf("unexpected motion effect for 1x clip: %q", edl)
	}
}

func TestGenerateEDL_MultipleClips(t *testing.T) {
	clips := []ResolvedClip{
		{ClipName: "Clip A", MediaPath: "/a.mp4", StartMs: 0, EndMs: 1000},
		{ClipName: "Clip B", MediaPath: "/b.mp4", StartMs: 1000, EndMs: 2500},
	}

	edl := GenerateEDL(clips, "Multi", 30.0)

	if !strings.Contains(edl, "001  AX       AA/V  C        00:00:00:00 00:00:01:00 00:00:00:00 00:00:01:00") {
		t.Fatalf("first event line mismatch: %q", edl)
	}
	if !strings.Contains(edl, "002  AX       AA/V  C        00:00:01:00 00:00:02:15 00:00:01:00 00:00:02:15") {
		t.Fatalf("second event line mismatch or bad record offset: %q", edl)
	}
}

func TestGenerateEDL_SpeedChange(t *testing.T) {
	clips := []ResolvedClip{
		{ClipName: "Fast", MediaPath: "/a.mp4", StartMs: 0, EndMs: 4000, Speed: 2.0},
		{ClipName: "Next", MediaPath: "/a.mp4", StartMs: 4000, EndMs: 5000},
	}

	edl := GenerateEDL(clips, "Speed", 30.0)

	if !strings.Contains(edl, "001  AX       AA/V  C        00:00:00:00 00:00:04:00 00:00:00:00 00:00:02:00") {
		t.Fatalf("record side must be shortened by speed: %q", edl)
	}
	if !strings.Contains(edl, "M2   AX       060.0    00:00:00:00") {
		t.Fatalf("missing M2 motion line: %q", edl)
	}
	if !strings.Contains(edl, "002  AX       AA/V  C        00:00:04:00 00:00:05:00 00:00:02:00 00:00:03:00") {
		t.Fatalf("second event record offset wrong: %q", edl)
	}
}

func TestGenerateEDL_DropFrame(t *testing.T) {
	clips := []ResolvedClip{{ClipName: "Clip", MediaPath: "/x.mp4", StartMs: 0, EndMs: 1000}}
	edl := GenerateEDL(clips, "Drop", 29.97)

	if !strings.Contains(edl, "FCM: DROP FRAME") {
		t.Fatalf("expected drop frame FCM, got: %q", edl)
	}
}

func TestClipsFromSections(t *testing.T) {
	sections := []renderplan.VideoSection{
		{ID: "s1", StartTime: 0, EndTime: 1.5, PlaybackSpeed: 1},
		{ID: "s2", StartTime: 1.5, EndTime: 3, IsDeleted: true},
		{ID: "s3", StartTime: 3, EndTime: 7, PlaybackSpeed: 1.5, FocusedParticipantID: "p2"},
	}
	media := map[string]string{"": "composite", "p2": "https://media/p2.webm"}

	clips := ClipsFromSections(sections, func(p string) string { return media[p] })

	if len(clips) != 2 {
		t.Fatalf("expected 2 clips, got %d", len(clips))
	}
	if clips[0].ClipName != "s1" || clips[0].MediaPath != "composite" || clips[0].EndMs != 1500 {
		t.Errorf("clip 0 = %+v", clips[0])
	}
	if clips[1].ClipName != "s3 (p2)" || clips[1].MediaPath != "https://media/p2.webm" || clips[1].Speed != 1.5 {
		t.Errorf("clip 1 = %+v", clips[1])
	}
}

func TestMsToTimecode(t *testing.T) {
	tests := []struct {
		name string
		ms   int
		fps  int
		want string
	}{
		{name: "zero", ms: 0, fps: 30, want: "00:00:00:00"},
		{name: "one second", ms: 1000, fps: 30, want: "00:00:01:00"},
		{name: "fractional second", ms: 500, fps: 30, want: "00:00:00:15"},
		{name: "one minute", ms: 60000, fps: 30, want: "00:01:00:00"},
		{name: "one hour", ms: 3600000, fps: 30, want: "01:00:00:00"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := msToTimecode(tc.ms, tc.fps)
			if got != tc.want {
				t.Fatalf("msToTimecode(%d, %d) = %q, want %q", tc.ms, tc.fps, got, tc.want)
			}
		})
	}
}
