package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/exportd/internal/db"
	"github.com/heimdex/exportd/internal/renderplan"
)

func setupStore(t *testing.T) *SQLStore {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return NewSQLStore(database)
}

func claimNext(t *testing.T, store *SQLStore, worker string) Claim {
	t.Helper()
	job, err := store.ClaimNextJob(context.Background(), worker)
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob(%s) = %v, %v", worker, job, err)
	}
	return job.Claim()
}

func testPayload(room string) Payload {
	return Payload{
		RoomID: room,
		Recordings: []Recording{
			{ID: "rec-1", URL: "https://media.example.com/rec-1.webm", Duration: 60, ParticipantID: "p1"},
		},
		VideoSections: []renderplan.VideoSection{
			{ID: "s1", StartTime: 0, EndTime: 60, PlaybackSpeed: 1},
		},
		Settings: Settings{Format: "mp4", Quality: "720p", FrameRate: 30},
	}
}

func TestAddJob_StartsQueued(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, err := store.AddJob(ctx, testPayload("room-a"))
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	p, err := store.GetJobStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	if p.Stage != StageQueued || p.Percentage != 0 || p.Message != "Job queued" {
		t.Errorf("initial progress = %+v", p)
	}

	job, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != StatusQueued || job.RoomID != "room-a" {
		t.Errorf("job = %+v", job)
	}
	if job.StartedAt != nil || job.CompletedAt != nil {
		t.Errorf("new job must not have start/completion times")
	}
	if len(job.Payload.Recordings) != 1 || job.Payload.VideoSections[0].EndTime != 60 {
		t.Errorf("payload not round-tripped: %+v", job.Payload)
	}
}

func TestGetJobStatus_NotFound(t *testing.T) {
	store := setupStore(t)

	if _, err := store.GetJobStatus(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJobStatus() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestClaimNextJob_EmptyQueue(t *testing.T) {
	store := setupStore(t)

	job, err := store.ClaimNextJob(context.Background(), "w1")
	if err != nil {
		t.Fatalf("ClaimNextJob() error = %v", err)
	}
	if job != nil {
		t.Errorf("ClaimNextJob() = %+v, want nil", job)
	}
}

func TestClaimNextJob_FIFOAndExclusive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, _ := store.AddJob(ctx, testPayload("r1"))
	second, _ := store.AddJob(ctx, testPayload("r2"))

	a, err := store.ClaimNextJob(ctx, "w1")
	if err != nil || a == nil {
		t.Fatalf("first claim = %v, %v", a, err)
	}
	b, err := store.ClaimNextJob(ctx, "w2")
	if err != nil || b == nil {
		t.Fatalf("second claim = %v, %v", b, err)
	}
	if a.ID != first || b.ID != second {
		t.Errorf("claim order = %s, %s; want %s, %s", a.ID, b.ID, first, second)
	}
	if a.Attempts != 1 || a.Payload.RoomID != "r1" {
		t.Errorf("claimed job = %+v", a)
	}

	none, err := store.ClaimNextJob(ctx, "w3")
	if err != nil || none != nil {
		t.Errorf("third claim = %v, %v; want nil, nil", none, err)
	}

	job, _ := store.GetJob(ctx, first)
	if job.Status != StatusProcessing || job.ClaimedBy != "w1" || job.StartedAt == nil {
		t.Errorf("claimed job row = %+v", job)
	}
}

func TestClaimNextJob_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	const jobs = 5
	const workers = 12
	for i := 0; i < jobs; i++ {
		if _, err := store.AddJob(ctx, testPayload(fmt.Sprintf("room-%d", i))); err != nil {
			t.Fatalf("AddJob() error = %v", err)
		}
	}

	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			job, err := store.ClaimNextJob(ctx, worker)
			if err != nil {
				t.Errorf("ClaimNextJob(%s) error = %v", worker, err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[job.ID]; dup {
				t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
			}
			claimed[job.ID] = worker
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(claimed), jobs)
	}
}

func TestUpdateProgress_Idempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, _ := store.AddJob(ctx, testPayload("r"))
	c := claimNext(t, store, "w1")

	p := Composing(0.5)
	for i := 0; i < 3; i++ {
		if err := store.UpdateProgress(ctx, c, p, ""); err != nil {
			t.Fatalf("UpdateProgress() error = %v", err)
		}
	}

	got, _ := store.GetJobStatus(ctx, id)
	if got != p {
		t.Errorf("progress = %+v, want %+v", got, p)
	}
	job, _ := store.GetJob(ctx, id)
	if job.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
}

func TestUpdateProgress_CompletedCarriesURL(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, _ := store.AddJob(ctx, testPayload("r"))
	c := claimNext(t, store, "w1")

	if err := store.UpdateProgress(ctx, c, Completed("https://cdn.example.com/x.mp4"), StatusCompleted); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	got, _ := store.GetJobStatus(ctx, id)
	if got.Percentage != 100 || got.DownloadURL != "https://cdn.example.com/x.mp4" || got.Error != "" {
		t.Errorf("completed progress = %+v", got)
	}
	job, _ := store.GetJob(ctx, id)
	if job.Status != StatusCompleted || job.CompletedAt == nil {
		t.Errorf("completed job = %+v", job)
	}
}

func TestUpdateProgress_FailedMidDownload(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, _ := store.AddJob(ctx, testPayload("r"))
	c := claimNext(t, store, "w1")
	store.UpdateProgress(ctx, c, Downloading(0, 2), StatusProcessing)

	fail := Failed(StageDownloading, errors.New("GET rec-1: 404"))
	if err := store.UpdateProgress(ctx, c, fail, StatusFailed); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	got, _ := store.GetJobStatus(ctx, id)
	if got.Stage != StageFailed || got.Percentage != 0 || got.Error == "" || got.DownloadURL != "" {
		t.Errorf("failed progress = %+v", got)
	}
	job, _ := store.GetJob(ctx, id)
	if job.Status != StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
}

func TestUpdateProgress_UnknownJob(t *testing.T) {
	store := setupStore(t)
	err := store.UpdateProgress(context.Background(), Claim{JobID: "nope", WorkerID: "w1", Attempt: 1}, Uploading(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateProgress() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateProgress_TerminalIsImmutable(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, _ := store.AddJob(ctx, testPayload("r"))
	c := claimNext(t, store, "w1")
	if err := store.UpdateProgress(ctx, c, Failed(StageCompose, errors.New("exit 1")), StatusFailed); err != nil {
		t.Fatalf("UpdateProgress(failed) error = %v", err)
	}

	err := store.UpdateProgress(ctx, c, Completed("http://x"), StatusCompleted)
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("late UpdateProgress() error = %v, want ErrClaimLost", err)
	}
	if err := store.Heartbeat(ctx, c); !errors.Is(err, ErrClaimLost) {
		t.Errorf("late Heartbeat() error = %v, want ErrClaimLost", err)
	}
	if err := store.RecordArtifact(ctx, c, "exports/"+id+"/r.mp4"); !errors.Is(err, ErrClaimLost) {
		t.Errorf("late RecordArtifact() error = %v, want ErrClaimLost", err)
	}

	job, _ := store.GetJob(ctx, id)
	if job.Status != StatusFailed || job.Progress.Stage != StageFailed || job.Progress.DownloadURL != "" || job.ArtifactKey != "" {
		t.Errorf("terminal job changed: %+v", job)
	}
}

func TestUpdateProgress_CancelledQueuedJobRejectsWrites(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, _ := store.AddJob(ctx, testPayload("r"))
	if err := store.RequestCancel(ctx, id); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	err := store.UpdateProgress(ctx, Claim{JobID: id, WorkerID: "w1", Attempt: 0}, Completed("http://x"), StatusCompleted)
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("UpdateProgress() error = %v, want ErrClaimLost", err)
	}
}

func TestStaleClaimantWritesAreRejected(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	id, _ := store.AddJob(ctx, testPayload("r"))
	stale := claimNext(t, store, "worker-a")

	store.now = func() time.Time { return base.Add(10 * time.Minute) }
	res, err := store.ReclaimStale(ctx, 5*time.Minute, 3)
	if err != nil || res.Requeued != 1 {
		t.Fatalf("ReclaimStale() = %+v, %v", res, err)
	}
	live := claimNext(t, store, "worker-b")
	if live.Attempt != stale.Attempt+1 {
		t.Fatalf("attempts: stale %d, live %d", stale.Attempt, live.Attempt)
	}

	if err := store.UpdateProgress(ctx, stale, Failed(StageCompose, errors.New("killed")), StatusFailed); !errors.Is(err, ErrClaimLost) {
		t.Errorf("stale UpdateProgress() error = %v, want ErrClaimLost", err)
	}
	store.now = func() time.Time { return base.Add(20 * time.Minute) }
	if err := store.Heartbeat(ctx, stale); !errors.Is(err, ErrClaimLost) {
		t.Errorf("stale Heartbeat() error = %v, want ErrClaimLost", err)
	}

	job, _ := store.GetJob(ctx, id)
	if job.Status != StatusProcessing || job.ClaimedBy != "worker-b" {
		t.Errorf("live claim disturbed: %+v", job)
	}
	if !job.UpdatedAt.Before(base.Add(20 * time.Minute)) {
		t.Errorf("stale heartbeat refreshed the live claim")
	}

	// The same worker id on a newer attempt is a different claim too.
	if err := store.UpdateProgress(ctx, Claim{JobID: id, WorkerID: "worker-b", Attempt: stale.Attempt}, Uploading(), ""); !errors.Is(err, ErrClaimLost) {
		t.Errorf("old attempt UpdateProgress() error = %v, want ErrClaimLost", err)
	}
	if err := store.UpdateProgress(ctx, live, Uploading(), ""); err != nil {
		t.Errorf("live UpdateProgress() error = %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	store.AddJob(ctx, testPayload("fresh"))
	retry, _ := store.AddJob(ctx, testPayload("retry"))
	fresh := claimNext(t, store, "w1")
	claimNext(t, store, "w1")

	// Only the first job keeps heartbeating.
	store.now = func() time.Time { return base.Add(4 * time.Minute) }
	if err := store.Heartbeat(ctx, fresh); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	store.now = func() time.Time { return base.Add(6 * time.Minute) }
	res, err := store.ReclaimStale(ctx, 5*time.Minute, 2)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if res.Requeued != 1 || res.Failed != 0 {
		t.Errorf("first sweep = %+v, want 1 requeued", res)
	}

	job, _ := store.GetJob(ctx, retry)
	if job.Status != StatusQueued || job.ClaimedBy != "" {
		t.Errorf("requeued job = %+v", job)
	}

	again, _ := store.ClaimNextJob(ctx, "w2")
	if again == nil || again.ID != retry || again.Attempts != 2 {
		t.Fatalf("reclaimed job = %+v", again)
	}

	store.now = func() time.Time { return base.Add(20 * time.Minute) }
	res, err = store.ReclaimStale(ctx, 5*time.Minute, 2)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("second sweep = %+v, want retry job failed", res)
	}
	p, _ := store.GetJobStatus(ctx, retry)
	if p.Stage != StageFailed || p.Error == "" {
		t.Errorf("exhausted job progress = %+v", p)
	}
}

func TestRequestCancel(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	queued, _ := store.AddJob(ctx, testPayload("q"))
	if err := store.RequestCancel(ctx, queued); err != nil {
		t.Fatalf("RequestCancel(queued) error = %v", err)
	}
	job, _ := store.GetJob(ctx, queued)
	if job.Status != StatusFailed || job.Progress.Error == "" {
		t.Errorf("cancelled queued job = %+v", job)
	}
	if next, _ := store.ClaimNextJob(ctx, "w1"); next != nil {
		t.Errorf("cancelled job was claimed")
	}

	running, _ := store.AddJob(ctx, testPayload("p"))
	store.ClaimNextJob(ctx, "w1")
	if err := store.RequestCancel(ctx, running); err != nil {
		t.Fatalf("RequestCancel(processing) error = %v", err)
	}
	flag, err := store.IsCancelRequested(ctx, running)
	if err != nil || !flag {
		t.Errorf("IsCancelRequested() = %v, %v; want true", flag, err)
	}

	if err := store.RequestCancel(ctx, queued); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("RequestCancel(finished) error = %v, want ErrAlreadyFinished", err)
	}
	if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequestCancel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestArtifacts_ExpiryLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	id, _ := store.AddJob(ctx, testPayload("r"))
	c := claimNext(t, store, "w1")
	if err := store.RecordArtifact(ctx, c, "exports/"+id+"/r.mp4"); err != nil {
		t.Fatalf("RecordArtifact() error = %v", err)
	}
	store.UpdateProgress(ctx, c, Completed("https://signed"), StatusCompleted)

	expired, err := store.ListExpiredArtifacts(ctx, base.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpiredArtifacts() error = %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("fresh artifact listed as expired")
	}

	expired, _ = store.ListExpiredArtifacts(ctx, base.Add(time.Hour), 10)
	if len(expired) != 1 || expired[0].ArtifactKey != "exports/"+id+"/r.mp4" {
		t.Fatalf("expired = %+v", expired)
	}

	if err := store.MarkArtifactDeleted(ctx, id); err != nil {
		t.Fatalf("MarkArtifactDeleted() error = %v", err)
	}
	expired, _ = store.ListExpiredArtifacts(ctx, base.Add(time.Hour), 10)
	if len(expired) != 0 {
		t.Errorf("deleted artifact still listed")
	}
	job, _ := store.GetJob(ctx, id)
	if job.ArtifactDeletedAt == nil || job.Progress.DownloadURL != "" {
		t.Errorf("job after deletion = %+v", job)
	}
}

func TestListJobs_NewestFirst(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a, _ := store.AddJob(ctx, testPayload("a"))
	b, _ := store.AddJob(ctx, testPayload("b"))

	jobs, err := store.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != b || jobs[1].ID != a {
		t.Errorf("ListJobs() order wrong: %v", jobs)
	}
}

func TestStorageErrorUnwraps(t *testing.T) {
	store := setupStore(t)
	store.db.Close()

	_, err := store.AddJob(context.Background(), testPayload("r"))
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("AddJob() error = %v, want *StorageError", err)
	}
	if se.Op != "add job" || se.Unwrap() == nil {
		t.Errorf("StorageError = %+v", se)
	}
}
