package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/exportd/internal/cloud"
	"github.com/heimdex/exportd/internal/queue"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	r.Get("/health", healthHandler(cfg))

	// Signed URLs carry their own authorization.
	if cfg.Artifacts != nil {
		r.Handle(cloud.ArtifactsPrefix+"*", cfg.Artifacts)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIToken, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", submitExportHandler(cfg))
			r.Get("/", listExportsHandler(cfg))
			r.Get("/{id}", getExportHandler(cfg))
			r.Get("/{id}/job", getExportJobHandler(cfg))
			r.Get("/{id}/download", downloadExportHandler(cfg))
			r.Post("/{id}/cancel", cancelExportHandler(cfg))
			r.Get("/{id}/edl", edlExportHandler(cfg))
			r.Get("/{id}/events", exportEventsHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		}
		if cfg.Worker != nil {
			resp.WorkerID = cfg.Worker.State().WorkerID
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		jobs, err := cfg.Service.List(ctx, 100)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		state := "idle"
		resp := StatusResponse{}
		for _, j := range jobs {
			switch j.Status {
			case queue.StatusQueued:
				resp.Queued++
			case queue.StatusProcessing:
				resp.Processing++
				if resp.ActiveJob == nil {
					active := JobToResponse(j)
					resp.ActiveJob = &active
				}
			case queue.StatusFailed:
				if resp.LastError == "" {
					resp.LastError = j.Progress.Error
				}
			}
		}
		if resp.Processing > 0 {
			state = "exporting"
		}

		if cfg.Worker != nil {
			ws := cfg.Worker.State()
			resp.Worker = &ws
			resp.Metrics = &ws.Metrics
			if ws.Paused {
				state = "paused"
			}
		}

		if cfg.Doctor != nil {
			caps, err := cfg.Doctor.Get(ctx)
			if err == nil && caps != nil {
				resp.FFmpeg = caps
				if !caps.CanRender() {
					state = "degraded"
				}
			}
		}

		resp.State = state
		WriteJSON(w, http.StatusOK, resp)
	}
}
