package eventsub

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// requiredScopes maps each supported event type to the OAuth scopes the
// authorizing user must have granted. Stream-level events need none;
// per-viewer and moderation events are gated. Event types absent from
// the table require no scopes.
var requiredScopes = map[string][]string{
	"channel.follow":               {"moderator:read:followers"},
	"channel.chat.message":         {"user:read:chat"},
	"channel.subscribe":            {"channel:read:subscriptions"},
	"channel.subscription.gift":    {"channel:read:subscriptions"},
	"channel.subscription.message": {"channel:read:subscriptions"},
	"channel.cheer":                {"bits:read"},
	"channel.channel_points_custom_reward_redemption.add": {"channel:read:redemptions"},
	"channel.poll.begin":          {"channel:read:polls"},
	"channel.poll.end":            {"channel:read:polls"},
	"channel.prediction.begin":    {"channel:read:predictions"},
	"channel.prediction.lock":     {"channel:read:predictions"},
	"channel.prediction.end":      {"channel:read:predictions"},
	"channel.hype_train.begin":    {"channel:read:hype_train"},
	"channel.hype_train.progress": {"channel:read:hype_train"},
	"channel.hype_train.end":      {"channel:read:hype_train"},
	"channel.goal.begin":          {"channel:read:goals"},
	"channel.goal.progress":       {"channel:read:goals"},
	"channel.goal.end":            {"channel:read:goals"},
	"channel.ban":                 {"channel:moderate"},
	"channel.unban":               {"channel:moderate"},
}

// subscriptionVersions maps event types to their EventSub version where
// it differs from "1".
var subscriptionVersions = map[string]string{
	"channel.update": "2",
	"channel.follow": "2",
}

// RequiredScopes returns the OAuth scopes needed to subscribe to
// eventType. The returned slice must not be mutated.
func RequiredScopes(eventType string) []string {
	return requiredScopes[eventType]
}

// SubscriptionVersion returns the EventSub API version for eventType.
func SubscriptionVersion(eventType string) string {
	if v, ok := subscriptionVersions[eventType]; ok {
		return v
	}
	return "1"
}

// ValidateScopes reports whether userScopes satisfies required. An
// empty requirement always passes; a nil/unknown user scope set with a
// non-empty requirement always fails (fail closed).
func ValidateScopes(userScopes map[string]struct{}, required []string) bool {
	if len(required) == 0 {
		return true
	}
	if userScopes == nil {
		return false
	}
	for _, s := range required {
		if _, ok := userScopes[s]; !ok {
			return false
		}
	}
	return true
}

// SubscriptionKey derives the dedup key for an (event type, condition)
// pair. The condition entries are sorted before hashing so two maps
// that differ only in insertion order produce identical keys.
func SubscriptionKey(eventType string, condition map[string]string) string {
	pairs := make([]string, 0, len(condition))
	for k, v := range condition {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return eventType + ":" + hex.EncodeToString(sum[:])
}

// DefaultSubscription is one entry of the default catalog established
// after a session handshake.
type DefaultSubscription struct {
	EventType string
	Condition map[string]string
	// Critical subscriptions get more creation attempts and their own
	// concurrency budget; losing one degrades the overlay visibly.
	Critical bool
}

// DefaultSubscriptions returns the catalog for a broadcaster. The
// follow and chat conditions assume the broadcaster authorized the app
// themselves, so they double as moderator/user in those conditions.
func DefaultSubscriptions(broadcasterID string) []DefaultSubscription {
	b := broadcasterID
	return []DefaultSubscription{
		// Critical: stream state, channel metadata, follows, chat.
		{EventType: "stream.online", Condition: map[string]string{"broadcaster_user_id": b}, Critical: true},
		{EventType: "stream.offline", Condition: map[string]string{"broadcaster_user_id": b}, Critical: true},
		{EventType: "channel.update", Condition: map[string]string{"broadcaster_user_id": b}, Critical: true},
		{EventType: "channel.follow", Condition: map[string]string{"broadcaster_user_id": b, "moderator_user_id": b}, Critical: true},
		{EventType: "channel.chat.message", Condition: map[string]string{"broadcaster_user_id": b, "user_id": b}, Critical: true},

		// Standard: nice to have, single attempt each.
		{EventType: "channel.subscribe", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.subscription.gift", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.subscription.message", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.cheer", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.raid", Condition: map[string]string{"to_broadcaster_user_id": b}},
		{EventType: "channel.channel_points_custom_reward_redemption.add", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.poll.begin", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.poll.end", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.prediction.begin", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.prediction.lock", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.prediction.end", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.hype_train.begin", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.hype_train.progress", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.hype_train.end", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.goal.begin", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.goal.progress", Condition: map[string]string{"broadcaster_user_id": b}},
		{EventType: "channel.goal.end", Condition: map[string]string{"broadcaster_user_id": b}},
	}
}
