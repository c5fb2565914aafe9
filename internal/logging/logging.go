// Package logging provides structured JSON logging for exportd.
// Records always go to stdout; an optional log file receives a copy.
package logging

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured JSON logger with the specified log level.
// Supported levels: debug, info, warn, error
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOptions(level)))
}

// NewLoggerWithFile fans records out to stdout and to logFile. If the file
// cannot be opened the logger falls back to stdout only. The returned
// cleanup closes the file.
func NewLoggerWithFile(level, logFile string) (*slog.Logger, func() error) {
	if logFile == "" {
		return NewLogger(level), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := NewLogger(level)
		logger.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	return NewLoggerWithWriters(level, os.Stdout, file), file.Close
}

// NewLoggerWithWriters fans JSON records out to every writer.
func NewLoggerWithWriters(level string, writers ...io.Writer) *slog.Logger {
	opts := handlerOptions(level)
	handlers := make([]slog.Handler, 0, len(writers))
	for _, w := range writers {
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

func handlerOptions(level string) *slog.HandlerOptions {
	lvl := ParseLevel(level)
	return &slog.HandlerOptions{
		Level: lvl,
		// Add source location for debug level
		AddSource: lvl == slog.LevelDebug,
	}
}

// WithRequestID returns a logger with request_id attribute
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

// WithComponent returns a logger with component attribute
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithJobID returns a logger with job_id attribute
func WithJobID(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With("job_id", jobID)
}

// SanitizeToken masks a token for safe logging.
// Shows first 4 and last 4 characters only.
// Returns "****" for tokens shorter than 8 characters.
func SanitizeToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeURL drops the query string, which for signed URLs holds the
// credentials, and masks any user info (broker and database URLs).
func SanitizeURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		u.User = url.User("****")
		raw = u.String()
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?..."
	}
	return raw
}
