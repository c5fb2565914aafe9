package compositor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Capabilities describes what the installed ffmpeg build can do.
type Capabilities struct {
	Version      string    `json:"version"`
	HasLibx264   bool      `json:"has_libx264"`
	HasAAC       bool      `json:"has_aac"`
	HasSubtitles bool      `json:"has_subtitles"`
	HasXStack    bool      `json:"has_xstack"`
	ProbedAt     time.Time `json:"probed_at"`
}

// CanRender reports whether the required encoders are present.
func (c *Capabilities) CanRender() bool {
	return c != nil && c.HasLibx264 && c.HasAAC
}

type Prober interface {
	Probe(ctx context.Context) (*Capabilities, error)
}

// Probe runs ffmpeg's -version, -encoders and -filters listings.
func (c *Compositor) Probe(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	listing := func(flag string) (string, error) {
		var out bytes.Buffer
		res := c.runner.Run(ctx, c.ffmpeg, []string{"-hide_banner", flag}, &out)
		if !res.IsSuccess() {
			return "", fmt.Errorf("ffmpeg %s exited %d: %s", flag, res.ExitCode, lastLine(res.StderrTail))
		}
		return out.String(), nil
	}

	version, err := listing("-version")
	if err != nil {
		return nil, err
	}
	encoders, err := listing("-encoders")
	if err != nil {
		return nil, err
	}
	filters, err := listing("-filters")
	if err != nil {
		return nil, err
	}

	caps := &Capabilities{
		Version:      parseVersion(version),
		HasLibx264:   hasEntry(encoders, "libx264"),
		HasAAC:       hasEntry(encoders, "aac"),
		HasSubtitles: hasEntry(filters, "subtitles"),
		HasXStack:    hasEntry(filters, "xstack"),
		ProbedAt:     time.Now(),
	}

	c.logger.Info("ffmpeg probe complete",
		"version", caps.Version,
		"libx264", caps.HasLibx264,
		"aac", caps.HasAAC,
		"subtitles", caps.HasSubtitles,
		"xstack", caps.HasXStack,
	)
	return caps, nil
}

func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	if len(fields) >= 3 && fields[0] == "ffmpeg" && fields[1] == "version" {
		return fields[2]
	}
	return strings.TrimSpace(line)
}

// hasEntry looks for name as the second column of an ffmpeg listing.
func hasEntry(listing, name string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

// CachedDoctor caches probe results with a configurable TTL so renders do
// not re-probe ffmpeg every time.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(prober Prober, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe. A failed probe returns the stale cache when
// one exists.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.prober.Probe(ctx)
	if err != nil {
		d.logger.Warn("ffmpeg probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale capabilities cache")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}
