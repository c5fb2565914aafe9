// Package api exposes the export service over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/heimdex/exportd/internal/compositor"
	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/service"
	"github.com/heimdex/exportd/internal/worker"
)

// ExportService is the part of service.ExportService the handlers use.
type ExportService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (string, error)
	Status(ctx context.Context, id string) (queue.Progress, error)
	Get(ctx context.Context, id string) (*queue.ExportJob, error)
	List(ctx context.Context, limit int) ([]*queue.ExportJob, error)
	Cancel(ctx context.Context, id string) error
	Download(ctx context.Context, id string) (string, error)
	EDL(ctx context.Context, id string) (string, error)
}

// WorkerState reports the in-process worker, if any.
type WorkerState interface {
	State() worker.State
}

type CapabilityChecker interface {
	Get(ctx context.Context) (*compositor.Capabilities, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	BindAddr       string
	Port           int
	Service        ExportService
	Worker         WorkerState
	Doctor         CapabilityChecker
	Artifacts      http.Handler // nil unless the local storage backend is used
	APIToken       string
	AllowedOrigins []string
	EventInterval  time.Duration
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	host := cfg.BindAddr
	if host == "" {
		host = "127.0.0.1"
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // artifact downloads and event streams are long-lived
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
