package eventsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Config aggregates the component configs.
type Config struct {
	Conn        ConnConfig
	Session     SessionConfig
	Coordinator CoordinatorConfig
	// NotificationBuffer sizes the embedder-facing notification channel.
	NotificationBuffer int
}

// ClientStatus is the composite snapshot served at /status.
type ClientStatus struct {
	InstanceID    string              `json:"instance_id"`
	Connection    ConnSnapshot        `json:"connection"`
	Session       SessionSnapshot     `json:"session"`
	Subscriptions CoordinatorSnapshot `json:"subscriptions"`
	Router        RouterMetrics       `json:"router"`
}

// Client wires the connection manager, router, session manager and
// subscription coordinator into one EventSub client instance. Multiple
// independent instances (one per broadcaster) can coexist; nothing here
// is process-global.
type Client struct {
	instanceID string
	conn       *ConnManager
	router     *Router
	session    *SessionManager
	coord      *Coordinator
	owner      *notifier
	out        chan OwnerNotification

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New builds a client. handler may be nil; events are then routed (and
// counted) but dropped.
func New(cfg Config, api SubscriptionAPI, handler EventHandler) *Client {
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 64
	}
	c := &Client{
		instanceID: uuid.New().String(),
		owner:      newNotifier(cfg.NotificationBuffer),
		out:        make(chan OwnerNotification, cfg.NotificationBuffer),
	}
	c.coord = NewCoordinator(api, cfg.Coordinator)
	frames := make(chan []byte, 64)
	c.conn = NewConnManager(cfg.Conn, c.owner, frames)
	c.session = NewSessionManager(cfg.Session, c.coord, c.conn, c.owner)
	c.router = NewRouter(c.session, handler, c.owner, func(rev *RevocationPayload) {
		// Revocation is informational; state is reconciled against an
		// upstream listing off the routing path.
		go func() {
			if err := c.coord.Reconcile(context.Background()); err != nil {
				slog.Debug("revocation reconcile failed", slog.Any("err", err), slog.String("component", "client"))
			}
		}()
	})
	c.router.frames = frames
	return c
}

// Start launches the actors under ctx and initiates the first connect.
// The client terminates when ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.conn.Run(ctx) }()
	go func() { defer c.wg.Done(); c.router.Run(ctx) }()
	go func() { defer c.wg.Done(); c.session.Run(ctx) }()

	c.wg.Add(1)
	go func() { defer c.wg.Done(); c.pump(ctx) }()

	slog.Info("eventsub client starting", slog.String("instance_id", c.instanceID), slog.String("url", c.conn.cfg.URL), slog.String("component", "client"))
	c.conn.Connect()
}

// pump observes internal notifications, drives cross-component
// reactions the embedder should not have to, and forwards everything
// to the embedder channel.
func (c *Client) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case on := <-c.owner.ch:
			switch on.Kind {
			case NotifySessionReconnectRequested:
				// The session manager only reports; migrating the
				// transport is connection work, driven here.
				c.conn.Migrate(on.ReconnectURL)
			case NotifyConnectionLost:
				// The server forgets the session with the socket.
				c.session.HandleSessionEnd()
			}
			select {
			case c.out <- on:
			default:
				slog.Warn("embedder notification dropped", slog.String("kind", string(on.Kind)), slog.String("component", "client"))
			}
		}
	}
}

// Stop terminates all actors, closing the transport and cancelling
// pending timers. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// InstanceID identifies this client instance in logs and metrics.
func (c *Client) InstanceID() string { return c.instanceID }

// Connect requests a (re)connection; idempotent.
func (c *Client) Connect() { c.conn.Connect() }

// Disconnect closes the transport and cancels pending reconnects.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// Send writes a raw text frame upstream.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.conn.Send(ctx, payload)
}

// SetUserID records the broadcaster's user id.
func (c *Client) SetUserID(userID string) { c.session.SetUserID(userID) }

// SetScopes records the granted OAuth scopes.
func (c *Client) SetScopes(scopes map[string]struct{}) { c.session.SetScopes(scopes) }

// SetTokenProvider installs the bearer-token capability.
func (c *Client) SetTokenProvider(p TokenProvider) { c.session.SetTokenProvider(p) }

// CreateSubscription creates one ad-hoc subscription.
func (c *Client) CreateSubscription(ctx context.Context, eventType string, condition map[string]string) (*Subscription, error) {
	return c.coord.Create(ctx, eventType, condition)
}

// DeleteSubscription removes one subscription by upstream id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.coord.Delete(ctx, id)
}

// Notifications is the embedder-facing stream of owner notifications.
func (c *Client) Notifications() <-chan OwnerNotification { return c.out }

// Status returns a composite snapshot; no network I/O.
func (c *Client) Status() ClientStatus {
	return ClientStatus{
		InstanceID:    c.instanceID,
		Connection:    c.conn.State(),
		Session:       c.session.Snapshot(),
		Subscriptions: c.coord.Snapshot(),
		Router:        c.router.Metrics(),
	}
}
