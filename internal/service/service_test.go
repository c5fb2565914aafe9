package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/db"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/renderplan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	svc     *ExportService
	store   *queue.SQLStore
	objects *cloud.LocalStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	database, err := db.New(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	objects, err := cloud.NewLocalStore(filepath.Join(dir, "artifacts"), "http://exports.test", "secret", testLogger())
	require.NoError(t, err)

	store := queue.NewSQLStore(database)
	return &fixture{
		svc:     NewExportService(store, objects, time.Hour, testLogger()),
		store:   store,
		objects: objects,
	}
}

func basePayload() queue.Payload {
	return queue.Payload{
		RoomID: "room-1",
		Recordings: []queue.Recording{
			{ID: "r1", URL: "https://media.test/a.webm", Duration: 20, ParticipantID: "alice"},
			{ID: "r2", URL: "https://media.test/b.webm", Duration: 30, ParticipantID: "bob"},
		},
	}
}

func TestSubmit_PassthroughSections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := basePayload()
	p.VideoSections = []renderplan.VideoSection{
		{ID: "a", StartTime: 0, EndTime: 15},
		{ID: "b", StartTime: 15, EndTime: 30, IsDeleted: true},
	}

	id, err := f.svc.Submit(ctx, SubmitRequest{Payload: p})
	require.NoError(t, err)

	job, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, job.Status)
	require.Len(t, job.Payload.VideoSections, 2)
	assert.Equal(t, 1.0, job.Payload.VideoSections[0].PlaybackSpeed)
	assert.Equal(t, "mp4", job.Payload.Settings.Format)
	assert.Equal(t, "720p", job.Payload.Settings.Quality)
	assert.Equal(t, 30, job.Payload.Settings.FrameRate)

	prog, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StageQueued, prog.Stage)
	assert.Equal(t, 0, prog.Percentage)
}

func TestSubmit_BuildsPlanFromSuggestions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, SubmitRequest{
		Payload: basePayload(),
		Suggestions: &Suggestions{
			ValidSegments: []renderplan.ValidSegment{{StartTime: 2, EndTime: 10, Confidence: 0.9}},
			SpeedRecommendations: []renderplan.SpeedRecommendation{
				{StartTime: 2, EndTime: 10, Speed: 1.25},
			},
		},
	})
	require.NoError(t, err)

	job, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	sections := job.Payload.VideoSections
	require.NoError(t, renderplan.Validate(sections, 30))
	assert.True(t, sections[0].IsDeleted)
	assert.Equal(t, 30.0, sections[len(sections)-1].EndTime, "plan covers the longest recording")
}

func TestSubmit_NoEditsKeepsEverything(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, SubmitRequest{Payload: basePayload()})
	require.NoError(t, err)

	job, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, job.Payload.VideoSections, 1)
	assert.Equal(t, 30.0, job.Payload.VideoSections[0].EndTime)
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*queue.Payload)
	}{
		{"no room", func(p *queue.Payload) { p.RoomID = "" }},
		{"no recordings", func(p *queue.Payload) { p.Recordings = nil }},
		{"empty url", func(p *queue.Payload) { p.Recordings[0].URL = " " }},
		{"unsupported scheme", func(p *queue.Payload) { p.Recordings[0].URL = "gopher://media.test/a.webm" }},
		{"relative url", func(p *queue.Payload) { p.Recordings[0].URL = "/etc/passwd" }},
		{"gap in sections", func(p *queue.Payload) {
			p.VideoSections = []renderplan.VideoSection{
				{ID: "a", StartTime: 0, EndTime: 10},
				{ID: "b", StartTime: 12, EndTime: 30},
			}
		}},
		{"short plan", func(p *queue.Payload) {
			p.VideoSections = []renderplan.VideoSection{{ID: "a", StartTime: 0, EndTime: 10}}
		}},
		{"bad format", func(p *queue.Payload) { p.Settings.Format = "avi" }},
		{"bad quality", func(p *queue.Payload) { p.Settings.Quality = "8k" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			p := basePayload()
			tc.mutate(&p)

			_, err := f.svc.Submit(context.Background(), SubmitRequest{Payload: p})
			require.ErrorIs(t, err, renderplan.ErrInvalidInput)

			jobs, err := f.svc.List(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, jobs, "invalid requests are never enqueued")
		})
	}
}

func TestDownload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, SubmitRequest{Payload: basePayload()})
	require.NoError(t, err)

	_, err = f.svc.Download(ctx, id)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.svc.Download(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	key := cloud.ExportKey(id, "room-1", "mp4")
	require.NoError(t, f.objects.Put(ctx, key, strings.NewReader("video"), 5, "video/mp4"))
	job, err := f.store.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.NoError(t, f.store.RecordArtifact(ctx, job.Claim(), key))
	require.NoError(t, f.store.UpdateProgress(ctx, job.Claim(), queue.Completed("http://old"), queue.StatusCompleted))

	signed, err := f.svc.Download(ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "http://exports.test/artifacts/"+key+"?"), signed)

	require.NoError(t, f.objects.Delete(ctx, key))
	_, err = f.svc.Download(ctx, id)
	assert.ErrorIs(t, err, ErrArtifactGone)

	require.NoError(t, f.store.MarkArtifactDeleted(ctx, id))
	_, err = f.svc.Download(ctx, id)
	assert.ErrorIs(t, err, ErrArtifactGone)
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.svc.Submit(ctx, SubmitRequest{Payload: basePayload()})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, id))
	prog, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StageFailed, prog.Stage)

	assert.ErrorIs(t, f.svc.Cancel(ctx, id), queue.ErrAlreadyFinished)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), queue.ErrNotFound)
}

func TestEDL(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := basePayload()
	p.RoomID = "Weekly Sync"
	p.VideoSections = []renderplan.VideoSection{
		{ID: "intro", StartTime: 0, EndTime: 10},
		{ID: "cut", StartTime: 10, EndTime: 20, IsDeleted: true},
		{ID: "answer", StartTime: 20, EndTime: 30, PlaybackSpeed: 2},
	}
	p.FocusSegments = []renderplan.FocusSegment{
		{ID: "f", StartTime: 20, EndTime: 30, FocusedParticipantID: "bob", Type: renderplan.FocusMonologue},
	}
	id, err := f.svc.Submit(ctx, SubmitRequest{Payload: p})
	require.NoError(t, err)

	edl, err := f.svc.EDL(ctx, id)
	require.NoError(t, err)

	assert.Contains(t, edl, "TITLE: Weekly Sync")
	assert.Contains(t, edl, "* FROM CLIP NAME:  intro")
	assert.Contains(t, edl, "* MEDIA PATH:  exports/"+id+"/Weekly_Sync.mp4")
	assert.Contains(t, edl, "* FROM CLIP NAME:  answer (bob)")
	assert.Contains(t, edl, "* MEDIA PATH:  https://media.test/b.webm")
	assert.NotContains(t, edl, "cut")
	assert.Contains(t, edl, "M2   AX")
}
