// Package testutil provides mock upstream servers for tests: a fake
// Helix API and a fake EventSub WebSocket endpoint.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for /users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockAppTokenResponse adds a handler for the client-credentials token endpoint
func (m *MockTwitchServer) MockAppTokenResponse(token string, expiresIn int) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": token,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockCreateSubscriptionResponse adds a handler for POST /eventsub/subscriptions
// that acknowledges every create with an incrementing id and the given cost.
func (m *MockTwitchServer) MockCreateSubscriptionResponse(cost int) *SubscriptionLog {
	log := &SubscriptionLog{}
	m.Handlers["/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Type      string            `json:"type"`
				Version   string            `json:"version"`
				Condition map[string]string `json:"condition"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			id := log.add(req.Type)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{
					"id":        id,
					"type":      req.Type,
					"version":   req.Version,
					"status":    "enabled",
					"cost":      cost,
					"condition": req.Condition,
				}},
				"total":          1,
				"total_cost":     cost,
				"max_total_cost": 10000,
			})
		case http.MethodDelete:
			log.addDelete(r.URL.Query().Get("id"))
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
	return log
}
