package eventsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSession captures session lifecycle dispatches.
type recordingSession struct {
	mu         sync.Mutex
	welcomes   []string
	reconnects []string
}

func (r *recordingSession) HandleSessionWelcome(sessionID string, payload *WelcomePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.welcomes = append(r.welcomes, sessionID)
}

func (r *recordingSession) HandleSessionReconnect(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, url)
}

func TestRouter_RouteMessage(t *testing.T) {
	sess := &recordingSession{}
	var handled []string
	var revoked []string
	handler := EventHandlerFunc(func(ctx context.Context, meta Metadata, p *NotificationPayload) error {
		handled = append(handled, p.Subscription.Type)
		return nil
	})
	r := NewRouter(sess, handler, newNotifier(8), func(p *RevocationPayload) {
		revoked = append(revoked, p.Subscription.ID)
	})

	msgs := []*Message{
		{Metadata: Metadata{MessageType: MessageTypeWelcome}, Welcome: &WelcomePayload{Session: SessionInfo{ID: "sess-1"}}},
		{Metadata: Metadata{MessageType: MessageTypeKeepalive}, Keepalive: &KeepalivePayload{}},
		{Metadata: Metadata{MessageType: MessageTypeNotification}, Notification: &NotificationPayload{Subscription: SubscriptionInfo{Type: "stream.online"}}},
		{Metadata: Metadata{MessageType: MessageTypeReconnect}, Reconnect: &ReconnectPayload{Session: SessionInfo{ReconnectURL: "wss://example.test/new"}}},
		{Metadata: Metadata{MessageType: MessageTypeRevocation}, Revocation: &RevocationPayload{Subscription: SubscriptionInfo{ID: "sub-1"}}},
		{Metadata: Metadata{MessageType: "session_future_thing"}},
	}
	for _, m := range msgs {
		if err := r.RouteMessage(context.Background(), m); err != nil {
			t.Fatalf("RouteMessage(%s): %v", m.Metadata.MessageType, err)
		}
	}

	metrics := r.Metrics()
	if metrics.MessagesRouted != uint64(len(msgs)) {
		t.Errorf("MessagesRouted = %d, want %d", metrics.MessagesRouted, len(msgs))
	}
	for _, mt := range []string{MessageTypeWelcome, MessageTypeKeepalive, MessageTypeNotification, MessageTypeReconnect, MessageTypeRevocation, "session_future_thing"} {
		if metrics.MessagesByType[mt] != 1 {
			t.Errorf("MessagesByType[%s] = %d, want 1", mt, metrics.MessagesByType[mt])
		}
	}
	if metrics.Errors != 0 {
		t.Errorf("Errors = %d, want 0", metrics.Errors)
	}
	if len(sess.welcomes) != 1 || sess.welcomes[0] != "sess-1" {
		t.Errorf("welcomes = %v", sess.welcomes)
	}
	if len(sess.reconnects) != 1 || sess.reconnects[0] != "wss://example.test/new" {
		t.Errorf("reconnects = %v", sess.reconnects)
	}
	if len(handled) != 1 || handled[0] != "stream.online" {
		t.Errorf("handled = %v", handled)
	}
	if len(revoked) != 1 || revoked[0] != "sub-1" {
		t.Errorf("revoked = %v", revoked)
	}
}

func TestRouter_HandlerErrorCountedOnce(t *testing.T) {
	owner := newNotifier(8)
	handlerErr := errors.New("db write failed")
	handler := EventHandlerFunc(func(ctx context.Context, meta Metadata, p *NotificationPayload) error {
		return handlerErr
	})
	r := NewRouter(&recordingSession{}, handler, owner, nil)

	msg := &Message{
		Metadata:     Metadata{MessageType: MessageTypeNotification},
		Notification: &NotificationPayload{Subscription: SubscriptionInfo{Type: "stream.online"}},
	}
	err := r.RouteMessage(context.Background(), msg)
	if !errors.Is(err, handlerErr) {
		t.Fatalf("RouteMessage() error = %v, want wrap of handler error", err)
	}

	// Routed counter incremented despite the handler failure; the
	// classification succeeded, the processing didn't.
	metrics := r.Metrics()
	if metrics.MessagesRouted != 1 || metrics.MessagesByType[MessageTypeNotification] != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
	select {
	case on := <-owner.ch:
		if on.Kind != NotifyEventProcessingFailed || !errors.Is(on.Err, handlerErr) {
			t.Errorf("owner notification = %+v", on)
		}
	default:
		t.Error("no owner notification delivered")
	}
}

func TestRouter_RouteFrameDecodeError(t *testing.T) {
	r := NewRouter(&recordingSession{}, nil, newNotifier(8), nil)
	err := r.RouteFrame(context.Background(), []byte(`not json`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("RouteFrame() error = %v, want *DecodeError", err)
	}
	metrics := r.Metrics()
	if metrics.Errors != 1 || metrics.MessagesRouted != 0 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestRouter_RunConsumesFrames(t *testing.T) {
	sess := &recordingSession{}
	r := NewRouter(sess, nil, newNotifier(8), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Frames() <- []byte(`{"metadata":{"message_id":"m1","message_type":"session_welcome"},"payload":{"session":{"id":"sess-run"}}}`)
	r.Frames() <- []byte(`garbage`)

	deadline := time.After(2 * time.Second)
	for {
		sess.mu.Lock()
		n := len(sess.welcomes)
		sess.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("welcome never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestRouter_ResetMetrics(t *testing.T) {
	r := NewRouter(&recordingSession{}, nil, newNotifier(8), nil)
	_ = r.RouteMessage(context.Background(), &Message{Metadata: Metadata{MessageType: MessageTypeKeepalive}, Keepalive: &KeepalivePayload{}})
	r.ResetMetrics()
	m := r.Metrics()
	if m.MessagesRouted != 0 || len(m.MessagesByType) != 0 || m.Errors != 0 {
		t.Errorf("metrics after reset = %+v", m)
	}
}
