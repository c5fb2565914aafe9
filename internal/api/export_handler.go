package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/exportd/internal/queue"
	"github.com/heimdex/exportd/internal/renderplan"
	"github.com/heimdex/exportd/internal/service"
)

const (
	maxSubmitBytes   = 32 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

func submitExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitExportRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		id, err := cfg.Service.Submit(r.Context(), req.toService())
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		w.Header().Set("Location", "/exports/"+id)
		WriteJSON(w, http.StatusAccepted, SubmitExportResponse{JobID: id})
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		jobs, err := cfg.Service.List(r.Context(), limit)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// getExportHandler returns the progress snapshot clients poll.
func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := cfg.Service.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func getExportJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func downloadExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, err := cfg.Service.Download(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		if r.URL.Query().Get("redirect") == "false" {
			WriteJSON(w, http.StatusOK, DownloadResponse{DownloadURL: url})
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Service.Cancel(r.Context(), id); err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		p, err := cfg.Service.Status(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, p)
	}
}

func edlExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		edl, err := cfg.Service.EDL(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".edl"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(edl))
	}
}

// writeServiceError maps the error taxonomy onto status codes.
func writeServiceError(w http.ResponseWriter, cfg ServerConfig, err error) {
	var storageErr *queue.StorageError
	switch {
	case errors.Is(err, renderplan.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, queue.ErrNotFound):
		WriteError(w, http.StatusNotFound, "export job not found", "NOT_FOUND")
	case errors.Is(err, service.ErrArtifactGone):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, service.ErrNotReady):
		WriteError(w, http.StatusConflict, err.Error(), "NOT_READY")
	case errors.Is(err, queue.ErrAlreadyFinished):
		WriteError(w, http.StatusConflict, err.Error(), "ALREADY_FINISHED")
	case errors.As(err, &storageErr):
		cfg.Logger.Error("job store unavailable", "op", storageErr.Op, "error", storageErr.Err)
		WriteError(w, http.StatusServiceUnavailable, "job store unavailable", "STORAGE_UNAVAILABLE")
	default:
		cfg.Logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}
