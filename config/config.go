// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials, use ValidateEventSubReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Twitch app credentials
	TwitchClientID     string
	TwitchClientSecret string

	// Broadcaster whose events we subscribe to
	TwitchBroadcasterLogin string
	TwitchUserToken        string // optional fixed user token for local dev

	// EventSub transport
	EventSubURL          string
	DialTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	MaxCloudFrontRetries int

	// Subscription quotas (configuration defaults, not protocol constants)
	MaxSubscriptions int
	MaxTotalCost     int

	// Session
	SubscriptionRetryDelay time.Duration

	// HTTP
	HTTPAddr string
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Load reads environment variables and applies defaults. It doesn't fail if
// Twitch creds are missing; use ValidateEventSubReady() before starting the
// client. Missing optional variables disable features.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchBroadcasterLogin = strings.ToLower(os.Getenv("TWITCH_BROADCASTER_LOGIN"))
	cfg.TwitchUserToken = os.Getenv("TWITCH_USER_TOKEN")

	cfg.EventSubURL = os.Getenv("EVENTSUB_URL")
	if cfg.EventSubURL == "" {
		cfg.EventSubURL = "wss://eventsub.wss.twitch.tv/ws"
	}
	cfg.DialTimeout = envDuration("EVENTSUB_DIAL_TIMEOUT", 10*time.Second)
	cfg.ReconnectBaseDelay = envDuration("EVENTSUB_RECONNECT_BASE_DELAY", time.Second)
	cfg.MaxReconnectAttempts = envInt("EVENTSUB_MAX_RECONNECT_ATTEMPTS", 5)
	cfg.MaxCloudFrontRetries = envInt("EVENTSUB_MAX_CLOUDFRONT_RETRIES", 3)

	cfg.MaxSubscriptions = envInt("EVENTSUB_MAX_SUBSCRIPTIONS", 300)
	cfg.MaxTotalCost = envInt("EVENTSUB_MAX_TOTAL_COST", 10000)

	cfg.SubscriptionRetryDelay = envDuration("EVENTSUB_SUBSCRIPTION_RETRY_DELAY", 5*time.Second)

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateEventSubReady checks required fields for running the EventSub client.
func (c *Config) ValidateEventSubReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	if c.TwitchBroadcasterLogin == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BROADCASTER_LOGIN")
	}
	return nil
}
