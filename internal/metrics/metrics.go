// Package metrics keeps in-process counters for the worker: jobs by
// outcome and time spent per stage. Snapshots feed the /status endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

type StageStats struct {
	Count   int64         `json:"count"`
	Total   time.Duration `json:"total_ns"`
	Max     time.Duration `json:"max_ns"`
	Average time.Duration `json:"avg_ns"`
}

type Snapshot struct {
	JobsCompleted int64                 `json:"jobs_completed"`
	JobsFailed    int64                 `json:"jobs_failed"`
	JobsCancelled int64                 `json:"jobs_cancelled"`
	BytesFetched  int64                 `json:"bytes_fetched"`
	BytesUploaded int64                 `json:"bytes_uploaded"`
	Stages        map[string]StageStats `json:"stages"`
	Since         time.Time             `json:"since"`
}

// Collector is safe for concurrent use. The zero value is not usable; call
// New.
type Collector struct {
	mu       sync.Mutex
	snapshot Snapshot
}

func New() *Collector {
	return &Collector{snapshot: Snapshot{
		Stages: map[string]StageStats{},
		Since:  time.Now().UTC(),
	}}
}

func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snapshot.Stages[stage]
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	c.snapshot.Stages[stage] = s
}

// Time returns a func that records the elapsed time for stage when called.
func (c *Collector) Time(stage string) func() {
	start := time.Now()
	return func() { c.ObserveStage(stage, time.Since(start)) }
}

func (c *Collector) JobCompleted() {
	c.mu.Lock()
	c.snapshot.JobsCompleted++
	c.mu.Unlock()
}

func (c *Collector) JobFailed(cancelled bool) {
	c.mu.Lock()
	if cancelled {
		c.snapshot.JobsCancelled++
	} else {
		c.snapshot.JobsFailed++
	}
	c.mu.Unlock()
}

func (c *Collector) AddBytesFetched(n int64) {
	c.mu.Lock()
	c.snapshot.BytesFetched += n
	c.mu.Unlock()
}

func (c *Collector) AddBytesUploaded(n int64) {
	c.mu.Lock()
	c.snapshot.BytesUploaded += n
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.snapshot
	out.Stages = make(map[string]StageStats, len(c.snapshot.Stages))
	for k, s := range c.snapshot.Stages {
		if s.Count > 0 {
			s.Average = s.Total / time.Duration(s.Count)
		}
		out.Stages[k] = s
	}
	return out
}

// StageNames returns the observed stages in sorted order.
func (s Snapshot) StageNames() []string {
	names := make([]string, 0, len(s.Stages))
	for k := range s.Stages {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
