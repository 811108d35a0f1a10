package eventsub

import (
	"context"
	"log/slog"
	"time"
)

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// SubscriptionRetryDelay is the fixed wait before re-checking for
	// identity/credentials after a welcome arrived without them.
	SubscriptionRetryDelay time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SubscriptionRetryDelay <= 0 {
		c.SubscriptionRetryDelay = 5 * time.Second
	}
	return c
}

// readyMarker is the slice of ConnManager the session manager needs.
type readyMarker interface {
	MarkReady(sessionID string)
}

// SessionSnapshot is a point-in-time view for /status.
type SessionSnapshot struct {
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ScopeCount   int    `json:"scope_count"`
	RetryPending bool   `json:"retry_pending"`
}

type sessionCmdKind int

const (
	sessWelcome sessionCmdKind = iota
	sessReconnect
	sessEnd
	sessSetUserID
	sessSetScopes
	sessSetTokens
	sessRetryFired
	sessSnapshot
)

type sessionCmd struct {
	kind    sessionCmdKind
	id      string
	url     string
	payload *WelcomePayload
	scopes  map[string]struct{}
	tokens  TokenProvider
	reply   chan SessionSnapshot
}

// SessionManager tracks the handshake-scoped session and the caller
// identity, and triggers default-subscription creation on the
// coordinator once both a live session and an identity are known. It
// runs as a single-goroutine actor.
type SessionManager struct {
	cfg   SessionConfig
	coord *Coordinator
	conn  readyMarker
	owner *notifier

	cmds chan sessionCmd
	done chan struct{}
}

// NewSessionManager builds a session manager driving coord and marking
// conn ready on welcome.
func NewSessionManager(cfg SessionConfig, coord *Coordinator, conn readyMarker, owner *notifier) *SessionManager {
	return &SessionManager{
		cfg:   cfg.withDefaults(),
		coord: coord,
		conn:  conn,
		owner: owner,
		cmds:  make(chan sessionCmd, 16),
		done:  make(chan struct{}),
	}
}

// Run is the actor loop; returns when ctx is cancelled after stopping
// any pending retry timer.
func (s *SessionManager) Run(ctx context.Context) {
	defer close(s.done)

	var (
		sessionID    string
		userID       string
		scopes       map[string]struct{}
		tokens       TokenProvider
		retryPending bool
		retryUsed    bool
		retryTimer   *time.Timer
	)

	cancelRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
		}
		retryPending = false
	}

	// attemptDefaults kicks off default-subscription creation if the
	// preconditions hold, otherwise schedules at most one retry per
	// session. The retry closure captures the session id it was issued
	// for; a superseded session makes it a silent no-op.
	attemptDefaults := func() {
		if sessionID == "" {
			return
		}
		if userID == "" || tokens == nil {
			if retryUsed {
				slog.Warn("identity still unavailable; giving up until it changes",
					slog.String("session_id", sessionID),
					slog.String("component", "session"))
				return
			}
			retryPending = true
			retryUsed = true
			forSession := sessionID
			retryTimer = time.AfterFunc(s.cfg.SubscriptionRetryDelay, func() {
				select {
				case s.cmds <- sessionCmd{kind: sessRetryFired, id: forSession}:
				case <-ctx.Done():
				}
			})
			slog.Info("subscription creation deferred",
				slog.Duration("retry_in", s.cfg.SubscriptionRetryDelay),
				slog.String("session_id", sessionID),
				slog.String("component", "session"))
			return
		}
		retryPending = false
		// The batch does network I/O with its own bounded concurrency;
		// run it off the actor loop. CreateDefaults no-ops if the
		// session changed underneath it.
		forSession := sessionID
		go func() {
			res := s.coord.CreateDefaults(ctx, forSession)
			if !res.Skipped {
				slog.Info("default subscription batch finished",
					slog.Int("created", res.Created),
					slog.Int("failed", res.Failed),
					slog.String("session_id", forSession),
					slog.String("component", "session"))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			cancelRetry()
			return

		case cmd := <-s.cmds:
			switch cmd.kind {
			case sessWelcome:
				// New session replaces the old one wholesale; a retry
				// issued under the old session must never fire.
				cancelRetry()
				retryUsed = false
				sessionID = cmd.id
				s.coord.BindSession(sessionID)
				s.coord.SetIdentity(userID, scopes)
				if tokens != nil {
					s.coord.SetTokenProvider(tokens)
				}
				s.conn.MarkReady(sessionID)
				slog.Info("session established", slog.String("session_id", sessionID), slog.String("component", "session"))
				s.owner.notify(OwnerNotification{Kind: NotifySessionEstablished, SessionID: sessionID})
				attemptDefaults()

			case sessReconnect:
				// Reconnecting is the connection manager's job, driven
				// by the owner; this only reports it.
				slog.Info("session reconnect requested", slog.String("url", cmd.url), slog.String("component", "session"))
				s.owner.notify(OwnerNotification{Kind: NotifySessionReconnectRequested, ReconnectURL: cmd.url})

			case sessEnd:
				cancelRetry()
				ended := sessionID
				sessionID = ""
				retryUsed = false
				go func() {
					res := s.coord.Cleanup(ctx, ended)
					s.coord.ClearSession(ended)
					slog.Info("session cleanup finished",
						slog.Int("deleted", res.Successful),
						slog.Int("failed", res.Failed),
						slog.String("session_id", ended),
						slog.String("component", "session"))
				}()
				s.owner.notify(OwnerNotification{Kind: NotifySessionEnded, SessionID: ended})

			case sessSetUserID:
				userID = cmd.id
				s.coord.SetIdentity(userID, scopes)
				// Attempt only once the preconditions are complete; a
				// still-pending retry timer keeps running otherwise.
				if sessionID != "" && userID != "" && tokens != nil {
					cancelRetry()
					attemptDefaults()
				}

			case sessSetScopes:
				scopes = cmd.scopes
				s.coord.SetIdentity(userID, scopes)
				if sessionID != "" && userID != "" && tokens != nil {
					cancelRetry()
					attemptDefaults()
				}

			case sessSetTokens:
				tokens = cmd.tokens
				s.coord.SetTokenProvider(tokens)
				if sessionID != "" && userID != "" && tokens != nil {
					cancelRetry()
					attemptDefaults()
				}

			case sessRetryFired:
				if cmd.id != sessionID {
					// Stale retry for a superseded session.
					slog.Debug("stale subscription retry ignored", slog.String("session_id", cmd.id), slog.String("component", "session"))
					break
				}
				retryPending = false
				retryTimer = nil
				attemptDefaults()

			case sessSnapshot:
				cmd.reply <- SessionSnapshot{
					SessionID:    sessionID,
					UserID:       userID,
					ScopeCount:   len(scopes),
					RetryPending: retryPending,
				}
			}
		}
	}
}

// HandleSessionWelcome replaces the current session and triggers
// subscription setup.
func (s *SessionManager) HandleSessionWelcome(sessionID string, payload *WelcomePayload) {
	s.post(sessionCmd{kind: sessWelcome, id: sessionID, payload: payload})
}

// HandleSessionReconnect reports a server-requested migration.
func (s *SessionManager) HandleSessionReconnect(url string) {
	s.post(sessionCmd{kind: sessReconnect, url: url})
}

// HandleSessionEnd clears the session and cleans up subscriptions.
func (s *SessionManager) HandleSessionEnd() {
	s.post(sessionCmd{kind: sessEnd})
}

// SetUserID records the authorizing user's id.
func (s *SessionManager) SetUserID(userID string) {
	s.post(sessionCmd{kind: sessSetUserID, id: userID})
}

// SetScopes records the granted OAuth scopes.
func (s *SessionManager) SetScopes(scopes map[string]struct{}) {
	s.post(sessionCmd{kind: sessSetScopes, scopes: scopes})
}

// SetTokenProvider installs the bearer-token capability.
func (s *SessionManager) SetTokenProvider(p TokenProvider) {
	s.post(sessionCmd{kind: sessSetTokens, tokens: p})
}

// Snapshot returns current session state without I/O.
func (s *SessionManager) Snapshot() SessionSnapshot {
	reply := make(chan SessionSnapshot, 1)
	select {
	case s.cmds <- sessionCmd{kind: sessSnapshot, reply: reply}:
	case <-s.done:
		return SessionSnapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return SessionSnapshot{}
	}
}

func (s *SessionManager) post(cmd sessionCmd) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}
