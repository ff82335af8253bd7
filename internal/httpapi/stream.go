package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"clinicq/internal/hub"

	"github.com/google/uuid"
)

// handleStream serves the live event feed as server-sent events. A client
// subscribes to one clinic; missed events are recovered through the
// /api/events poll endpoint, so the stream itself is best-effort.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.hub == nil {
		writeError(w, "", http.StatusServiceUnavailable, "stream_unavailable", "event stream is not enabled")
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "", http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	client := &hub.Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, 32),
		Subscription: hub.Subscription{ClinicID: clinicID},
	}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, open := <-client.Send:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
