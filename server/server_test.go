package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/eventsub-bridge/eventsub"
)

// newTestClient starts a client against an unreachable endpoint, so it
// runs (snapshots answer) but never connects.
func newTestClient(t *testing.T) *eventsub.Client {
	t.Helper()
	c := eventsub.New(eventsub.Config{
		Conn: eventsub.ConnConfig{
			URL:                "ws://127.0.0.1:1/ws",
			BaseReconnectDelay: time.Minute,
		},
	}, nil, nil)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func TestHandleHealthz(t *testing.T) {
	h := &Handlers{client: newTestClient(t)}
	rec := httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleReadyzNotConnected(t *testing.T) {
	h := &Handlers{client: newTestClient(t)}
	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "not_ready" || body["connection_state"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	client := newTestClient(t)
	h := &Handlers{client: client}
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status eventsub.ClientStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if status.InstanceID != client.InstanceID() {
		t.Errorf("instance id = %s, want %s", status.InstanceID, client.InstanceID())
	}
	if status.Connection.StateName == "" {
		t.Error("connection state missing from status")
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	h := &Handlers{client: newTestClient(t)}
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestMuxCorrelationHeader(t *testing.T) {
	mux := NewMux(newTestClient(t))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("correlation id not generated")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-given")
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-given" {
		t.Errorf("correlation id = %q, want corr-given", got)
	}
}

func TestMuxMetricsEndpoint(t *testing.T) {
	mux := NewMux(newTestClient(t))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}
