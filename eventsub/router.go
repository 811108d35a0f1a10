package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/eventsub-bridge/telemetry"
)

// RouterMetrics counts routed traffic. Monotonically non-decreasing
// until Reset.
type RouterMetrics struct {
	MessagesRouted uint64            `json:"messages_routed"`
	MessagesByType map[string]uint64 `json:"messages_by_type"`
	Errors         uint64            `json:"errors"`
}

// sessionSink is the slice of SessionManager the router needs.
type sessionSink interface {
	HandleSessionWelcome(sessionID string, payload *WelcomePayload)
	HandleSessionReconnect(url string)
}

// Router decodes inbound text frames into typed messages and dispatches
// them: session lifecycle to the session manager, notifications to the
// event handler, revocations to the revocation callback. Routing
// metrics count transport classification, not downstream success.
type Router struct {
	frames  chan []byte
	session sessionSink
	handler EventHandler
	owner   *notifier

	// onRevocation is informational; coordinator state is reconciled
	// against an upstream listing, not mutated here.
	onRevocation func(*RevocationPayload)

	mu      sync.Mutex
	metrics RouterMetrics
}

// NewRouter builds a router. handler and onRevocation may be nil.
func NewRouter(session sessionSink, handler EventHandler, owner *notifier, onRevocation func(*RevocationPayload)) *Router {
	return &Router{
		frames:       make(chan []byte, 64),
		session:      session,
		handler:      handler,
		owner:        owner,
		onRevocation: onRevocation,
		metrics:      RouterMetrics{MessagesByType: make(map[string]uint64)},
	}
}

// Frames is the inbound channel the connection manager writes to.
func (r *Router) Frames() chan<- []byte { return r.frames }

// Run consumes frames in arrival order until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.frames:
			if err := r.RouteFrame(ctx, raw); err != nil {
				slog.Warn("frame routing failed", slog.Any("err", err), slog.String("component", "router"))
			}
		}
	}
}

// RouteFrame decodes one raw frame and routes it. Decode failures are
// counted and returned; they never stop the router.
func (r *Router) RouteFrame(ctx context.Context, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		r.mu.Lock()
		r.metrics.Errors++
		r.mu.Unlock()
		telemetry.RecordRouterError()
		return err
	}
	return r.RouteMessage(ctx, msg)
}

// RouteMessage classifies a decoded message and dispatches it. Every
// successful classification increments the routed counters exactly
// once, regardless of what downstream handlers do with it.
func (r *Router) RouteMessage(ctx context.Context, msg *Message) error {
	mtype := msg.Metadata.MessageType
	if mtype == "" {
		r.mu.Lock()
		r.metrics.Errors++
		r.mu.Unlock()
		telemetry.RecordRouterError()
		return &DecodeError{Cause: fmt.Errorf("message missing type")}
	}

	r.mu.Lock()
	r.metrics.MessagesRouted++
	r.metrics.MessagesByType[mtype]++
	r.mu.Unlock()
	telemetry.RecordRouted(mtype)

	switch {
	case msg.Welcome != nil:
		r.session.HandleSessionWelcome(msg.Welcome.Session.ID, msg.Welcome)
	case msg.Keepalive != nil:
		// Metrics only; the transport proving itself alive needs no
		// downstream effect.
	case msg.Reconnect != nil:
		r.session.HandleSessionReconnect(msg.Reconnect.Session.ReconnectURL)
	case msg.Notification != nil:
		if r.handler == nil {
			break
		}
		if err := r.handler.HandleEvent(ctx, msg.Metadata, msg.Notification); err != nil {
			if telemetry.EventHandlerFailures != nil {
				telemetry.EventHandlerFailures.Inc()
			}
			r.owner.notify(OwnerNotification{Kind: NotifyEventProcessingFailed, Err: err})
			return fmt.Errorf("event processing failed: %w", err)
		}
	case msg.Revocation != nil:
		slog.Info("subscription revoked upstream",
			slog.String("id", msg.Revocation.Subscription.ID),
			slog.String("type", msg.Revocation.Subscription.Type),
			slog.String("status", msg.Revocation.Subscription.Status),
			slog.String("component", "router"))
		if r.onRevocation != nil {
			r.onRevocation(msg.Revocation)
		}
	default:
		// Unrecognized type: recorded under its literal string above,
		// no dispatch, not an error.
		slog.Debug("unhandled message type", slog.String("message_type", mtype), slog.String("component", "router"))
	}
	return nil
}

// Metrics returns a copy of current counters.
func (r *Router) Metrics() RouterMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType := make(map[string]uint64, len(r.metrics.MessagesByType))
	for k, v := range r.metrics.MessagesByType {
		byType[k] = v
	}
	return RouterMetrics{
		MessagesRouted: r.metrics.MessagesRouted,
		MessagesByType: byType,
		Errors:         r.metrics.Errors,
	}
}

// ResetMetrics zeroes the counters.
func (r *Router) ResetMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = RouterMetrics{MessagesByType: make(map[string]uint64)}
}
