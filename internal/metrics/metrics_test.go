package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_StageStats(t *testing.T) {
	c := New()
	c.ObserveStage("compose", 2*time.Second)
	c.ObserveStage("compose", 4*time.Second)
	c.ObserveStage("download", time.Second)

	snap := c.Snapshot()
	compose := snap.Stages["compose"]
	if compose.Count != 2 || compose.Max != 4*time.Second || compose.Average != 3*time.Second {
		t.Errorf("compose stats = %+v", compose)
	}
	names := snap.StageNames()
	if len(names) != 2 || names[0] != "compose" || names[1] != "download" {
		t.Errorf("StageNames() = %v", names)
	}
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := New()
	c.ObserveStage("upload", time.Second)
	snap := c.Snapshot()
	c.ObserveStage("upload", time.Second)

	if snap.Stages["upload"].Count != 1 {
		t.Errorf("snapshot mutated by later observation")
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done := c.Time("download")
			c.AddBytesFetched(10)
			if i%2 == 0 {
				c.JobCompleted()
			} else {
				c.JobFailed(i%5 == 0)
			}
			done()
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.BytesFetched != 500 {
		t.Errorf("BytesFetched = %d, want 500", snap.BytesFetched)
	}
	if snap.JobsCompleted+snap.JobsFailed+snap.JobsCancelled != 50 {
		t.Errorf("job counters = %+v", snap)
	}
	if snap.JobsCancelled != 5 {
		t.Errorf("JobsCancelled = %d, want 5", snap.JobsCancelled)
	}
	if snap.Stages["download"].Count != 50 {
		t.Errorf("download count = %d", snap.Stages["download"].Count)
	}
}
