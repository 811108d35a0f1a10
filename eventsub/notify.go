package eventsub

import (
	"context"
	"log/slog"

	"github.com/onnwee/eventsub-bridge/twitchapi"
)

// TokenProvider is the external capability that returns a currently
// valid user bearer token. OAuth flows live behind it, not here.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
}

// EventHandler receives delivered notifications. A handler error is
// surfaced to the owner as an event_processing_failed notification but
// never interrupts routing.
type EventHandler interface {
	HandleEvent(ctx context.Context, meta Metadata, payload *NotificationPayload) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, meta Metadata, payload *NotificationPayload) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, meta Metadata, payload *NotificationPayload) error {
	return f(ctx, meta, payload)
}

// SubscriptionAPI is the upstream Helix surface the coordinator talks
// to. *twitchapi.HelixClient implements it; tests substitute fakes.
type SubscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, token string, sub twitchapi.CreateSubscriptionRequest) (*twitchapi.EventSubSubscription, error)
	DeleteEventSubSubscription(ctx context.Context, token, id string) error
	ListEventSubSubscriptions(ctx context.Context, token string) ([]twitchapi.EventSubSubscription, error)
}

// NotificationKind enumerates the owner-facing notifications.
type NotificationKind string

const (
	NotifyConnectionStateChanged    NotificationKind = "connection_state_changed"
	NotifyConnectionLost            NotificationKind = "connection_lost"
	NotifySessionEstablished        NotificationKind = "session_established"
	NotifySessionEnded              NotificationKind = "session_ended"
	NotifySessionReconnectRequested NotificationKind = "session_reconnect_requested"
	NotifyEventProcessingFailed     NotificationKind = "event_processing_failed"
)

// OwnerNotification is one discrete event the embedder observes.
// Fields beyond Kind are populated per kind.
type OwnerNotification struct {
	Kind         NotificationKind
	State        ConnState // connection_state_changed
	SessionID    string    // session_established / session_ended
	ReconnectURL string    // session_reconnect_requested
	Err          error     // connection_lost / event_processing_failed
	Terminal     bool      // connection_lost after reconnect exhaustion
}

// notifier delivers owner notifications without ever blocking an actor.
// A full channel drops the notification with a warning; owner channels
// are buffered generously so this only happens when the embedder has
// stopped consuming.
type notifier struct {
	ch chan OwnerNotification
}

func newNotifier(buf int) *notifier {
	return &notifier{ch: make(chan OwnerNotification, buf)}
}

func (n *notifier) notify(on OwnerNotification) {
	select {
	case n.ch <- on:
	default:
		slog.Warn("owner notification dropped", slog.String("kind", string(on.Kind)), slog.String("component", "eventsub"))
	}
}
