// Command eventsub-bridge keeps a broadcaster's control server subscribed to
// Twitch EventSub over WebSocket and forwards delivered events as internal
// domain notifications. It:
//   - Loads configuration and initializes structured logging.
//   - Resolves the broadcaster identity and token scopes via Helix/OAuth.
//   - Runs the EventSub client: connection manager, message router, session
//     manager, subscription coordinator.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/eventsub-bridge/config"
	"github.com/onnwee/eventsub-bridge/eventsub"
	"github.com/onnwee/eventsub-bridge/server"
	"github.com/onnwee/eventsub-bridge/telemetry"
	"github.com/onnwee/eventsub-bridge/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateEventSubReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	shutdown, err := telemetry.InitTracing("eventsub-bridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{AppTokenSource: appTokens, ClientID: cfg.TwitchClientID}

	client := eventsub.New(eventsub.Config{
		Conn: eventsub.ConnConfig{
			URL:                  cfg.EventSubURL,
			DialTimeout:          cfg.DialTimeout,
			BaseReconnectDelay:   cfg.ReconnectBaseDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			MaxCloudFrontRetries: cfg.MaxCloudFrontRetries,
		},
		Session: eventsub.SessionConfig{SubscriptionRetryDelay: cfg.SubscriptionRetryDelay},
		Coordinator: eventsub.CoordinatorConfig{
			MaxSubscriptions: cfg.MaxSubscriptions,
			MaxTotalCost:     cfg.MaxTotalCost,
		},
	}, helix, eventsub.EventHandlerFunc(logEvent))

	client.Start(ctx)
	defer client.Stop()

	// Feed identity and credentials. With a fixed user token (local dev)
	// everything is known up front; otherwise the embedder is expected to
	// supply a token provider through its own integration.
	if cfg.TwitchUserToken != "" {
		idCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		identity, err := twitchapi.ValidateToken(idCtx, "", cfg.TwitchUserToken)
		cancel()
		if err != nil {
			slog.Warn("user token validation failed; subscriptions will stay deferred", slog.Any("err", err))
		} else {
			scopes := make(map[string]struct{}, len(identity.Scopes))
			for _, s := range identity.Scopes {
				scopes[s] = struct{}{}
			}
			client.SetTokenProvider(twitchapi.NewStaticUserTokenSource(cfg.TwitchUserToken))
			client.SetScopes(scopes)
			client.SetUserID(identity.UserID)
			slog.Info("broadcaster identity resolved", slog.String("login", identity.Login), slog.String("user_id", identity.UserID), slog.Int("scopes", len(identity.Scopes)))
		}
	} else {
		// Resolve the broadcaster id with the app token so the session can
		// at least establish; subscription creation waits for a token
		// provider.
		idCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		userID, err := helix.GetUserID(idCtx, cfg.TwitchBroadcasterLogin)
		cancel()
		if err != nil {
			slog.Warn("broadcaster id lookup failed", slog.Any("err", err))
		} else {
			client.SetUserID(userID)
		}
	}

	// Drain owner notifications into the log; an embedding application
	// would react to these instead.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-client.Notifications():
				slog.Debug("owner notification", slog.String("kind", string(n.Kind)), slog.Any("err", n.Err))
			}
		}
	}()

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, client, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// logEvent is the default event handler: structured log only. The
// consuming application replaces this with real dispatch.
func logEvent(ctx context.Context, meta eventsub.Metadata, p *eventsub.NotificationPayload) error {
	telemetry.LoggerWithCorr(ctx).Info("event received",
		slog.String("type", p.Subscription.Type),
		slog.String("subscription_id", p.Subscription.ID),
		slog.String("message_id", meta.MessageID))
	return nil
}
