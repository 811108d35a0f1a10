package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// SubscriptionLog records subscription traffic seen by the mock Helix
// server, safe for concurrent handlers.
type SubscriptionLog struct {
	mu      sync.Mutex
	created []string
	deleted []string
	seq     int
}

func (l *SubscriptionLog) add(eventType string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("sub-%d", l.seq)
	l.created = append(l.created, eventType)
	return id
}

func (l *SubscriptionLog) addDelete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, id)
}

// Created returns the event types of all create calls seen.
func (l *SubscriptionLog) Created() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.created...)
}

// Deleted returns the ids of all delete calls seen.
func (l *SubscriptionLog) Deleted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.deleted...)
}

// MockEventSubServer is a fake EventSub WebSocket endpoint. Tests drive
// it by pushing frames at connected clients; it can also simulate the
// CloudFront upgrade-400 failure mode for the first N upgrades.
type MockEventSubServer struct {
	*httptest.Server

	mu          sync.Mutex
	conns       []*websocket.Conn
	upgrades    int
	failFirstN  int
	failStatus  int
	failHeaders map[string]string
}

// NewMockEventSubServer starts a mock endpoint.
func NewMockEventSubServer(t *testing.T) *MockEventSubServer {
	t.Helper()
	m := &MockEventSubServer{}
	upgrader := websocket.Upgrader{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.upgrades++
		fail := m.upgrades <= m.failFirstN
		status := m.failStatus
		headers := m.failHeaders
		m.mu.Unlock()
		if fail {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(status)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		// Discard client frames so control frames keep flowing.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(m.Close)
	return m
}

// URL returns the ws:// address of the endpoint.
func (m *MockEventSubServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http")
}

// FailUpgrades makes the next n upgrade attempts fail with status and
// headers (e.g. a CloudFront 400).
func (m *MockEventSubServer) FailUpgrades(n, status int, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirstN = n
	m.failStatus = status
	m.failHeaders = headers
	m.upgrades = 0
}

// Upgrades returns how many upgrade attempts the server has seen.
func (m *MockEventSubServer) Upgrades() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upgrades
}

// Send pushes a text frame to the most recent connection.
func (m *MockEventSubServer) Send(t *testing.T, frame string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		t.Fatal("no websocket connection established")
	}
	conn := m.conns[len(m.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("mock send: %v", err)
	}
}

// CloseConn abruptly closes the most recent connection, simulating
// transport loss.
func (m *MockEventSubServer) CloseConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) > 0 {
		_ = m.conns[len(m.conns)-1].Close()
	}
}

// WelcomeFrame builds a session_welcome frame for tests.
func WelcomeFrame(sessionID string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"m-%d","message_type":"session_welcome","message_timestamp":"%s"},"payload":{"session":{"id":"%s","status":"connected","keepalive_timeout_seconds":10}}}`,
		time.Now().UnixNano(), time.Now().UTC().Format(time.RFC3339), sessionID)
}

// KeepaliveFrame builds a session_keepalive frame.
func KeepaliveFrame() string {
	return fmt.Sprintf(`{"metadata":{"message_id":"m-%d","message_type":"session_keepalive","message_timestamp":"%s"},"payload":{}}`,
		time.Now().UnixNano(), time.Now().UTC().Format(time.RFC3339))
}
