package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/heimdex/exportd/internal/queue"
)

const (
	defaultEventInterval = time.Second
	eventWriteTimeout    = 10 * time.Second
	eventPingInterval    = 30 * time.Second
)

// exportEventsHandler streams progress snapshots over a websocket. A
// snapshot is sent on connect and whenever it changes; the stream closes
// normally once the job is terminal.
func exportEventsHandler(cfg ServerConfig) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	interval := cfg.EventInterval
	if interval <= 0 {
		interval = defaultEventInterval
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx := r.Context()

		// Fail fast with a normal HTTP error for unknown jobs.
		last, err := cfg.Service.Status(ctx, id)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
			return
		}
		defer conn.Close()

		// Reader goroutine notices client disconnects.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		send := func(p queue.Progress) bool {
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			return conn.WriteJSON(p) == nil
		}
		finish := func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "export finished")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteTimeout))
		}

		if !send(last) {
			return
		}
		if queue.StatusFor(last.Stage).IsTerminal() {
			finish()
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ping := time.NewTicker(eventPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
					return
				}
			case <-ticker.C:
				p, err := cfg.Service.Status(ctx, id)
				if err != nil {
					cfg.Logger.Warn("event stream status failed", "job_id", id, "error", err)
					continue
				}
				if p == last {
					continue
				}
				last = p
				if !send(p) {
					return
				}
				if queue.StatusFor(p.Stage).IsTerminal() {
					finish()
					return
				}
			}
		}
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil // gorilla default: same-origin only
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}
