package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// handleEvents streams LogEvents as server-sent events until the client
// disconnects or the broker closes the stream.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r.Context()).Admin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	ctx := r.Context()
	events, err := h.logs.Subscribe(ctx, connID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// ResponseController unwraps middleware writers to find the Flusher.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse flush unsupported", slog.Any("error", err))
		return
	}
	h.logger.Debug("sse client connected", slog.String("connection_id", connID))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse client disconnected", slog.String("connection_id", connID))
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("sse marshal failed", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Severity, data); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
