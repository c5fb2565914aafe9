package compositor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/exportd/internal/renderplan"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// CompositionError reports a failed ffmpeg run.
type CompositionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ffmpeg exited %d: %v: %s", e.ExitCode, e.Err, lastLine(e.Stderr))
	}
	return fmt.Sprintf("ffmpeg exited %d: %s", e.ExitCode, lastLine(e.Stderr))
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}

// RunResult is the structured outcome of executing a subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 && r.Err == nil }

// commandRunner executes one command, streaming stdout to the given writer.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, stdout io.Writer) RunResult
}

type execRunner struct {
	logger *slog.Logger
}

func (r *execRunner) Run(ctx context.Context, name string, args []string, stdout io.Writer) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = io.Discard
	}

	r.logger.Debug("executing command", "cmd", name, "args", args)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
		if exitCode == 0 {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		r.logger.Warn("command failed",
			"cmd", name,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.logger.Debug("command succeeded", "cmd", name, "duration_ms", elapsed.Milliseconds())
	}

	return RunResult{ExitCode: exitCode, StderrTail: stderrTail, Duration: elapsed, Err: err}
}

// Compositor runs ffmpeg renders.
type Compositor struct {
	ffmpeg  string
	timeout time.Duration
	runner  commandRunner
	logger  *slog.Logger
}

// New resolves the ffmpeg binary and returns a Compositor. An empty path
// looks up "ffmpeg" on PATH. A zero timeout disables the per-render limit.
func New(ffmpegPath string, timeout time.Duration, logger *slog.Logger) (*Compositor, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffmpeg: %w", err)
	}

	logger.Info("compositor initialised", "ffmpeg", resolved)
	return &Compositor{
		ffmpeg:  resolved,
		timeout: timeout,
		runner:  &execRunner{logger: logger},
		logger:  logger,
	}, nil
}

// Binary returns the resolved ffmpeg path.
func (c *Compositor) Binary() string {
	return c.ffmpeg
}

// Compose renders req.OutputPath. A partial output is removed on failure.
func (c *Compositor) Compose(ctx context.Context, req Request) error {
	args, err := BuildArgs(req)
	if err != nil {
		return &CompositionError{ExitCode: -1, Err: err}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	total := renderplan.OutputDuration(req.Sections)
	progress := newProgressWriter(total, req.OnProgress)

	c.logger.Info("composing export",
		"job_id", req.JobID,
		"inputs", len(req.Inputs),
		"sections", len(renderplan.Kept(req.Sections)),
		"output_seconds", total,
		"subtitles", req.SubtitlePath != "",
	)

	result := c.runner.Run(ctx, c.ffmpeg, args, progress)
	if !result.IsSuccess() {
		if rmErr := os.Remove(req.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			c.logger.Warn("failed to remove partial output", "job_id", req.JobID, "error", rmErr)
		}
		return &CompositionError{ExitCode: result.ExitCode, Stderr: result.StderrTail, Err: result.Err}
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return &CompositionError{ExitCode: 0, Err: fmt.Errorf("output missing: %w", err)}
	}
	if info.Size() == 0 {
		return &CompositionError{ExitCode: 0, Err: errors.New("output is empty")}
	}

	if req.OnProgress != nil {
		req.OnProgress(1.0)
	}
	c.logger.Info("composition finished", "job_id", req.JobID, "duration_ms", result.Duration.Milliseconds())
	return nil
}

// progressWriter parses ffmpeg -progress key=value lines.
type progressWriter struct {
	total    float64
	report   func(float64)
	mu       sync.Mutex
	buf      []byte
	lastSent float64
}

func newProgressWriter(totalSeconds float64, report func(float64)) *progressWriter {
	return &progressWriter{total: totalSeconds, report: report, lastSent: -1}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		p.handleLine(strings.TrimSpace(string(p.buf[:i])))
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

func (p *progressWriter) handleLine(line string) {
	if p.report == nil {
		return
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}

	var fraction float64
	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 || p.total <= 0 {
			return
		}
		fraction = float64(us) / 1e6 / p.total
	case "progress":
		if value != "end" {
			return
		}
		fraction = 1.0
	default:
		return
	}

	if fraction > 1 {
		fraction = 1
	}
	if fraction <= p.lastSent {
		return
	}
	p.lastSent = fraction
	p.report(fraction)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

func lastLine(s string) string {
	var last string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			last = l
		}
	}
	return last
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
