package server

import (
	"encoding/json"
	"net/http"

	"github.com/onnwee/eventsub-bridge/eventsub"
)

// Handlers carries the request handlers' dependencies.
type Handlers struct {
	client *eventsub.Client
}

// HandleHealthz responds to liveness probe requests. The process being
// able to answer is the whole check; connection health is readiness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the EventSub connection is connected
// or ready. A terminal error state is not ready.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	snap := h.client.Status().Connection
	w.Header().Set("Content-Type", "application/json")
	if !snap.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":           "not_ready",
			"connection_state": snap.StateName,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":           "ready",
		"connection_state": snap.StateName,
	})
}

// HandleStatus serves the composite client snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.client.Status())
}
