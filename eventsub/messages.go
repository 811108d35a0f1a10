// Package eventsub implements the client side of Twitch's
// EventSub-over-WebSocket protocol: the connection manager, the inbound
// message router, the session lifecycle tracker, and the subscription
// coordinator that keeps the default subscription set established
// against the Helix API.
package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the envelope metadata of every inbound frame.
const (
	MessageTypeWelcome      = "session_welcome"
	MessageTypeKeepalive    = "session_keepalive"
	MessageTypeReconnect    = "session_reconnect"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

// Metadata is the envelope header present on every EventSub frame.
type Metadata struct {
	MessageID        string    `json:"message_id"`
	MessageType      string    `json:"message_type"`
	MessageTimestamp time.Time `json:"message_timestamp"`
	SubscriptionType string    `json:"subscription_type,omitempty"`
}

// envelope is the raw two-part frame; the payload is decoded a second
// time once the message type is known.
type envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionInfo describes the server-side session in welcome and
// reconnect payloads.
type SessionInfo struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ConnectedAt             time.Time `json:"connected_at"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
}

// SubscriptionInfo is the subscription descriptor embedded in
// notification and revocation payloads.
type SubscriptionInfo struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Cost      int               `json:"cost"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
}

// Message is the closed set of typed inbound messages produced by
// Decode. Exactly one of the pointer fields is non-nil for a recognized
// type; unrecognized types keep only the metadata.
type Message struct {
	Metadata Metadata

	Welcome      *WelcomePayload
	Keepalive    *KeepalivePayload
	Reconnect    *ReconnectPayload
	Notification *NotificationPayload
	Revocation   *RevocationPayload
}

// WelcomePayload carries the newly established session.
type WelcomePayload struct {
	Session SessionInfo `json:"session"`
}

// KeepalivePayload is intentionally empty; keepalives only prove the
// transport is alive.
type KeepalivePayload struct{}

// ReconnectPayload carries the URL the client should migrate to.
type ReconnectPayload struct {
	Session SessionInfo `json:"session"`
}

// NotificationPayload is a delivered domain event. Event is kept raw so
// the embedder decides how deeply to decode each event type.
type NotificationPayload struct {
	Subscription SubscriptionInfo `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

// RevocationPayload announces that the server dropped a subscription
// (status authorization_revoked, user_removed, or version_removed).
type RevocationPayload struct {
	Subscription SubscriptionInfo `json:"subscription"`
}

// DecodeMessage parses a raw text frame into a typed Message. Frames
// with an unrecognized message_type decode successfully with only
// Metadata populated; malformed JSON or a missing type yields a
// *DecodeError.
func DecodeMessage(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Cause: err}
	}
	if env.Metadata.MessageType == "" {
		return nil, &DecodeError{Cause: fmt.Errorf("frame missing metadata.message_type")}
	}
	msg := &Message{Metadata: env.Metadata}
	switch env.Metadata.MessageType {
	case MessageTypeWelcome:
		var p WelcomePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &DecodeError{MessageType: env.Metadata.MessageType, Cause: err}
		}
		msg.Welcome = &p
	case MessageTypeKeepalive:
		msg.Keepalive = &KeepalivePayload{}
	case MessageTypeReconnect:
		var p ReconnectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &DecodeError{MessageType: env.Metadata.MessageType, Cause: err}
		}
		msg.Reconnect = &p
	case MessageTypeNotification:
		var p NotificationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &DecodeError{MessageType: env.Metadata.MessageType, Cause: err}
		}
		msg.Notification = &p
	case MessageTypeRevocation:
		var p RevocationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &DecodeError{MessageType: env.Metadata.MessageType, Cause: err}
		}
		msg.Revocation = &p
	}
	return msg, nil
}
