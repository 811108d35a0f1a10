package eventsub

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/eventsub-bridge/telemetry"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReady
	StateReconnecting
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	URL                  string
	DialTimeout          time.Duration
	BaseReconnectDelay   time.Duration
	MaxReconnectAttempts int
	BackoffCap           int
	MaxCloudFrontRetries int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.URL == "" {
		c.URL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5
	}
	if c.MaxCloudFrontRetries <= 0 {
		c.MaxCloudFrontRetries = 3
	}
	return c
}

// ConnSnapshot is a synchronous, I/O-free view of the connection.
type ConnSnapshot struct {
	URL               string    `json:"url"`
	Connected         bool      `json:"connected"`
	State             ConnState `json:"-"`
	StateName         string    `json:"connection_state"`
	SessionID         string    `json:"session_id,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	CloudFrontRetries int       `json:"cloudfront_retry_count"`
}

// connCmd is the mailbox message set of the connection actor.
type connCmd struct {
	kind    cmdKind
	payload []byte              // send
	url     string              // migrate
	session string              // markReady
	reply   chan ConnSnapshot   // snapshot
	errc    chan error          // send
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdSend
	cmdSnapshot
	cmdMarkReady
	cmdMigrate
)

type dialResult struct {
	gen  int
	conn *websocket.Conn
	resp *http.Response
	err  error
}

type readerEvent struct {
	gen int
	err error
}

// ConnManager owns one upstream WebSocket connection: connect,
// disconnect, reconnect with capped backoff, and the immediate-retry
// branch for CloudFront upgrade 400s. It runs as a single-goroutine
// actor; all state lives inside the run loop.
type ConnManager struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	owner  *notifier
	frames chan<- []byte

	cmds    chan connCmd
	dials   chan dialResult
	readers chan readerEvent
	timers  chan int // reconnect timer fired, carrying timer generation
	done    chan struct{}
}

// NewConnManager builds a manager delivering inbound frames to frames
// and owner notifications to owner.
func NewConnManager(cfg ConnConfig, owner *notifier, frames chan<- []byte) *ConnManager {
	cfg = cfg.withDefaults()
	return &ConnManager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		owner:   owner,
		frames:  frames,
		cmds:    make(chan connCmd, 16),
		dials:   make(chan dialResult, 4),
		readers: make(chan readerEvent, 4),
		timers:  make(chan int, 4),
		done:    make(chan struct{}),
	}
}

// Run is the actor loop. It returns when ctx is cancelled, after
// closing the transport and stopping any pending timers.
func (m *ConnManager) Run(ctx context.Context) {
	defer close(m.done)

	var (
		state          = StateDisconnected
		conn           *websocket.Conn
		sessionID      string
		attempts       int
		cfRetries      int
		url            = m.cfg.URL
		dialGen        int
		timerGen       int
		reconnectTimer *time.Timer
	)

	setState := func(s ConnState) {
		if s == state {
			return
		}
		state = s
		telemetry.SetConnectionState(int(s))
		slog.Debug("connection state changed", slog.String("state", s.String()), slog.String("component", "connection"))
		m.owner.notify(OwnerNotification{Kind: NotifyConnectionStateChanged, State: s})
	}

	stopTimer := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
			reconnectTimer = nil
		}
		timerGen++
	}

	startDial := func() {
		dialGen++
		gen := dialGen
		target := url
		if telemetry.ConnectAttempts != nil {
			telemetry.ConnectAttempts.Inc()
		}
		go func() {
			c, resp, err := m.dialer.DialContext(ctx, target, nil)
			select {
			case m.dials <- dialResult{gen: gen, conn: c, resp: resp, err: err}:
			case <-ctx.Done():
				if c != nil {
					_ = c.Close()
				}
			}
		}()
	}

	startReader := func() {
		gen := dialGen
		c := conn
		go func() {
			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					select {
					case m.readers <- readerEvent{gen: gen, err: err}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case m.frames <- data:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	scheduleReconnect := func() {
		attempts++
		if attempts > m.cfg.MaxReconnectAttempts {
			setState(StateError)
			slog.Error("reconnect attempts exhausted; giving up",
				slog.Int("attempts", attempts-1),
				slog.String("component", "connection"))
			m.owner.notify(OwnerNotification{Kind: NotifyConnectionLost, Terminal: true})
			return
		}
		n := attempts
		if n > m.cfg.BackoffCap {
			n = m.cfg.BackoffCap
		}
		delay := m.cfg.BaseReconnectDelay * time.Duration(n)
		setState(StateReconnecting)
		if telemetry.Reconnects != nil {
			telemetry.Reconnects.Inc()
		}
		slog.Info("reconnect scheduled",
			slog.Duration("delay", delay),
			slog.Int("attempt", attempts),
			slog.String("component", "connection"))
		stopTimer()
		gen := timerGen
		reconnectTimer = time.AfterFunc(delay, func() {
			select {
			case m.timers <- gen:
			case <-ctx.Done():
			}
		})
	}

	teardown := func() {
		stopTimer()
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
		dialGen++ // invalidate in-flight dials and readers
	}

	// handleLoss processes a transport-level failure from any
	// connected-ish state.
	handleLoss := func(err error) {
		teardown()
		sessionID = ""
		m.owner.notify(OwnerNotification{Kind: NotifyConnectionLost, Err: err})
		scheduleReconnect()
		if state != StateReconnecting && state != StateError {
			setState(StateDisconnected)
		}
	}

	for {
		select {
		case <-ctx.Done():
			teardown()
			setState(StateDisconnected)
			return

		case cmd := <-m.cmds:
			switch cmd.kind {
			case cmdConnect:
				if state == StateConnecting || state == StateConnected || state == StateReady {
					break // idempotent
				}
				stopTimer()
				attempts = 0
				cfRetries = 0
				setState(StateConnecting)
				startDial()
			case cmdDisconnect:
				teardown()
				sessionID = ""
				attempts = 0
				cfRetries = 0
				setState(StateDisconnected)
			case cmdSend:
				if state != StateConnected && state != StateReady || conn == nil {
					cmd.errc <- ErrNotConnected
					break
				}
				cmd.errc <- conn.WriteMessage(websocket.TextMessage, cmd.payload)
			case cmdSnapshot:
				cmd.reply <- ConnSnapshot{
					URL:               url,
					Connected:         state == StateConnected || state == StateReady,
					State:             state,
					StateName:         state.String(),
					SessionID:         sessionID,
					ReconnectAttempts: attempts,
					CloudFrontRetries: cfRetries,
				}
			case cmdMarkReady:
				sessionID = cmd.session
				attempts = 0
				cfRetries = 0
				if state == StateConnected {
					setState(StateReady)
				}
			case cmdMigrate:
				// Session reconnect: dial the replacement URL, dropping
				// the old socket once a new one is requested.
				url = cmd.url
				teardown()
				sessionID = ""
				setState(StateConnecting)
				startDial()
			}

		case res := <-m.dials:
			if res.gen != dialGen {
				// A stale dial finished after a disconnect or migrate.
				if res.conn != nil {
					_ = res.conn.Close()
				}
				break
			}
			if res.err != nil {
				if IsCloudFrontUpgradeReject(res.resp) && cfRetries < m.cfg.MaxCloudFrontRetries {
					cfRetries++
					if telemetry.CloudFrontRetries != nil {
						telemetry.CloudFrontRetries.Inc()
					}
					slog.Warn("cloudfront rejected upgrade; retrying immediately",
						slog.Int("retry", cfRetries),
						slog.String("component", "connection"))
					startDial()
					break
				}
				slog.Warn("connect failed", slog.Any("err", res.err), slog.String("component", "connection"))
				handleLoss(res.err)
				break
			}
			conn = res.conn
			cfRetries = 0
			setState(StateConnected)
			startReader()

		case ev := <-m.readers:
			if ev.gen != dialGen {
				break // reader of an already-replaced connection
			}
			slog.Warn("transport closed", slog.Any("err", ev.err), slog.String("component", "connection"))
			handleLoss(ev.err)

		case gen := <-m.timers:
			if gen != timerGen || state != StateReconnecting {
				break // cancelled timer
			}
			reconnectTimer = nil
			setState(StateConnecting)
			startDial()
		}
	}
}

// Connect requests a connection attempt. Fire-and-forget and idempotent:
// the outcome arrives as owner notifications.
func (m *ConnManager) Connect() {
	m.post(connCmd{kind: cmdConnect})
}

// Disconnect closes the transport and cancels any pending reconnect.
func (m *ConnManager) Disconnect() {
	m.post(connCmd{kind: cmdDisconnect})
}

// Migrate reconnects to a replacement URL from a session_reconnect.
func (m *ConnManager) Migrate(url string) {
	m.post(connCmd{kind: cmdMigrate, url: url})
}

// MarkReady records the session id observed upstream and promotes
// connected to ready.
func (m *ConnManager) MarkReady(sessionID string) {
	m.post(connCmd{kind: cmdMarkReady, session: sessionID})
}

// Send writes a text frame, failing with ErrNotConnected unless the
// connection is connected or ready.
func (m *ConnManager) Send(ctx context.Context, payload []byte) error {
	errc := make(chan error, 1)
	if !m.postCtx(ctx, connCmd{kind: cmdSend, payload: payload, errc: errc}) {
		return ErrNotConnected
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrNotConnected
	}
}

// State returns a snapshot without performing any I/O. The zero
// snapshot is returned if the actor has terminated.
func (m *ConnManager) State() ConnSnapshot {
	reply := make(chan ConnSnapshot, 1)
	if !m.postCtx(context.Background(), connCmd{kind: cmdSnapshot, reply: reply}) {
		return ConnSnapshot{StateName: StateDisconnected.String()}
	}
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return ConnSnapshot{StateName: StateDisconnected.String()}
	}
}

func (m *ConnManager) post(cmd connCmd) {
	select {
	case m.cmds <- cmd:
	case <-m.done:
	}
}

func (m *ConnManager) postCtx(ctx context.Context, cmd connCmd) bool {
	select {
	case m.cmds <- cmd:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}
