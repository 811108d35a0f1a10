package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/eventsub-bridge/telemetry"
	"github.com/onnwee/eventsub-bridge/twitchapi"
)

// Subscription is one live upstream subscription tracked locally.
type Subscription struct {
	ID        string
	EventType string
	Condition map[string]string
	Status    string
	Cost      int
	Key       string
}

// CoordinatorConfig bounds the coordinator. Quota values are
// configuration defaults, not protocol constants.
type CoordinatorConfig struct {
	MaxSubscriptions    int
	MaxTotalCost        int
	CriticalConcurrency int64
	StandardConcurrency int64
	CriticalAttempts    int
	RetryDelay          time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 300
	}
	if c.MaxTotalCost <= 0 {
		c.MaxTotalCost = 10000
	}
	if c.CriticalConcurrency <= 0 {
		c.CriticalConcurrency = 5
	}
	if c.StandardConcurrency <= 0 {
		c.StandardConcurrency = 10
	}
	if c.CriticalAttempts <= 0 {
		c.CriticalAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Coordinator creates, deduplicates, validates and deletes upstream
// EventSub subscriptions for one session. All bookkeeping mutations are
// serialized behind its lock; a create reserves its dedup key and quota
// before the network call so no two creates can race past the
// duplicate check.
type Coordinator struct {
	api SubscriptionAPI
	cfg CoordinatorConfig

	mu              sync.Mutex
	sessionID       string
	userID          string
	scopes          map[string]struct{}
	tokens          TokenProvider
	subs            map[string]*Subscription // by upstream id
	byKey           map[string]string        // dedup key -> upstream id ("" while reserved)
	totalCost       int
	defaultsCreated bool
}

// NewCoordinator builds a coordinator talking to api.
func NewCoordinator(api SubscriptionAPI, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		api:   api,
		cfg:   cfg.withDefaults(),
		subs:  make(map[string]*Subscription),
		byKey: make(map[string]string),
	}
}

// BindSession points the coordinator at a new live session. Bookkeeping
// from a previous session is discarded: the server drops websocket
// subscriptions when their session dies, so carrying them over would
// only block dedup keys.
func (c *Coordinator) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != c.sessionID {
		c.subs = make(map[string]*Subscription)
		c.byKey = make(map[string]string)
		c.totalCost = 0
		c.defaultsCreated = false
	}
	c.sessionID = sessionID
	c.publishTotalsLocked()
}

// ClearSession forgets sessionID and its bookkeeping. A no-op when a
// newer session has already been bound, so a late cleanup from a dead
// session cannot wipe its successor.
func (c *Coordinator) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return
	}
	c.sessionID = ""
	c.subs = make(map[string]*Subscription)
	c.byKey = make(map[string]string)
	c.totalCost = 0
	c.defaultsCreated = false
	c.publishTotalsLocked()
}

// SetIdentity records the authorizing user and granted scopes.
func (c *Coordinator) SetIdentity(userID string, scopes map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.scopes = scopes
}

// SetTokenProvider installs the bearer-token capability.
func (c *Coordinator) SetTokenProvider(p TokenProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = p
}

// publishTotalsLocked mirrors count/cost to the gauges. Callers hold c.mu.
func (c *Coordinator) publishTotalsLocked() {
	telemetry.SetSubscriptionTotals(len(c.subs), c.totalCost)
}

// reserve runs the full validation chain under the lock and, on
// success, parks the dedup key so concurrent creates collide here
// instead of upstream. Quota is pre-checked at the minimum cost of 1;
// the actual cost is accounted on commit.
func (c *Coordinator) reserve(eventType string, condition map[string]string) (key string, tokens TokenProvider, sessionID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.sessionID == "":
		return "", nil, "", ErrNoActiveSession
	case c.userID == "":
		return "", nil, "", ErrUserIDUnavailable
	case c.tokens == nil:
		return "", nil, "", ErrTokenUnavailable
	}
	if !ValidateScopes(c.scopes, RequiredScopes(eventType)) {
		return "", nil, "", fmt.Errorf("%w: %s requires %v", ErrMissingScopes, eventType, RequiredScopes(eventType))
	}
	key = SubscriptionKey(eventType, condition)
	if _, exists := c.byKey[key]; exists {
		return "", nil, "", fmt.Errorf("%w: %s", ErrDuplicateSubscription, key)
	}
	if len(c.subs)+c.pendingLocked()+1 > c.cfg.MaxSubscriptions || c.totalCost+1 > c.cfg.MaxTotalCost {
		return "", nil, "", fmt.Errorf("%w: count=%d cost=%d", ErrQuotaExceeded, len(c.subs), c.totalCost)
	}
	c.byKey[key] = "" // reserved
	return key, c.tokens, c.sessionID, nil
}

// pendingLocked counts reservations that have no committed subscription yet.
func (c *Coordinator) pendingLocked() int {
	n := 0
	for _, id := range c.byKey {
		if id == "" {
			n++
		}
	}
	return n
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byKey[key]; ok && id == "" {
		delete(c.byKey, key)
	}
}

func (c *Coordinator) commit(key string, sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = sub.ID
	c.subs[sub.ID] = sub
	c.totalCost += sub.Cost
	c.publishTotalsLocked()
}

// Create validates and creates one subscription. Validation order:
// session, user id, token provider, scopes, dedup, quota; only after
// all pass is the upstream call made.
func (c *Coordinator) Create(ctx context.Context, eventType string, condition map[string]string) (*Subscription, error) {
	key, tokens, sessionID, err := c.reserve(eventType, condition)
	if err != nil {
		return nil, err
	}

	token, err := tokens.GetValidToken(ctx)
	if err != nil {
		c.release(key)
		return nil, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}

	ctx, span := telemetry.StartSpan(ctx, "eventsub", "subscription.create",
		telemetry.EventTypeAttr(eventType),
		telemetry.SessionIDAttr(sessionID),
	)
	defer span.End()

	var created *twitchapi.EventSubSubscription
	var callErr error
	telemetry.TimeFunc(telemetry.SubscribeDuration, func() {
		created, callErr = c.api.CreateEventSubSubscription(ctx, token, twitchapi.CreateSubscriptionRequest{
			Type:      eventType,
			Version:   SubscriptionVersion(eventType),
			Condition: condition,
			Transport: twitchapi.Transport{Method: "websocket", SessionID: sessionID},
		})
	})
	if callErr != nil {
		c.release(key)
		telemetry.RecordError(span, callErr)
		var apiErr *twitchapi.APIError
		if errors.As(callErr, &apiErr) {
			return nil, &UpstreamError{Op: "create " + eventType, StatusCode: apiErr.StatusCode, Body: apiErr.Body}
		}
		return nil, callErr
	}

	cost := created.Cost
	if cost < 1 {
		cost = 1
	}
	sub := &Subscription{
		ID:        created.ID,
		EventType: eventType,
		Condition: condition,
		Status:    created.Status,
		Cost:      cost,
		Key:       key,
	}
	c.commit(key, sub)
	if telemetry.SubscriptionsCreated != nil {
		telemetry.SubscriptionsCreated.Inc()
	}
	telemetry.SetSpanSuccess(span)
	slog.Debug("subscription created", slog.String("type", eventType), slog.String("id", sub.ID), slog.Int("cost", sub.Cost), slog.String("component", "coordinator"))
	return sub, nil
}

// Delete removes a subscription upstream and locally.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	tokens := c.tokens
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	if tokens == nil {
		return ErrTokenUnavailable
	}
	token, err := tokens.GetValidToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	if err := c.api.DeleteEventSubSubscription(ctx, token, id); err != nil {
		var apiErr *twitchapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != 404 {
			return &UpstreamError{Op: "delete " + id, StatusCode: apiErr.StatusCode, Body: apiErr.Body}
		} else if !errors.As(err, &apiErr) {
			return err
		}
		// 404 upstream: already gone, drop it locally too.
	}
	c.mu.Lock()
	delete(c.subs, id)
	delete(c.byKey, sub.Key)
	c.totalCost -= sub.Cost
	c.publishTotalsLocked()
	c.mu.Unlock()
	if telemetry.SubscriptionsDeleted != nil {
		telemetry.SubscriptionsDeleted.Inc()
	}
	return nil
}

// DefaultsResult summarizes one CreateDefaults run.
type DefaultsResult struct {
	Created int
	Failed  int
	Skipped bool
}

// CreateDefaults establishes the default subscription set for the
// broadcaster. Idempotent per session: subsequent calls are no-ops
// until the session changes. Critical subscriptions run at lower
// concurrency with up to CriticalAttempts tries; standard ones get a
// single try. A scope-validation failure never consumes a retry.
func (c *Coordinator) CreateDefaults(ctx context.Context, sessionID string) DefaultsResult {
	c.mu.Lock()
	if c.defaultsCreated || c.sessionID == "" || c.sessionID != sessionID {
		skipped := c.defaultsCreated
		c.mu.Unlock()
		return DefaultsResult{Skipped: skipped}
	}
	c.defaultsCreated = true
	userID := c.userID
	c.mu.Unlock()

	catalog := DefaultSubscriptions(userID)
	var critical, standard []DefaultSubscription
	for _, d := range catalog {
		if d.Critical {
			critical = append(critical, d)
		} else {
			standard = append(standard, d)
		}
	}

	var created, failed int64
	var mu sync.Mutex
	run := func(batch []DefaultSubscription, limit int64, attempts int) {
		sem := semaphore.NewWeighted(limit)
		var wg sync.WaitGroup
		for _, d := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(d DefaultSubscription) {
				defer wg.Done()
				defer sem.Release(1)
				if c.createWithAttempts(ctx, d, attempts) {
					mu.Lock()
					created++
					mu.Unlock()
				} else {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}(d)
		}
		wg.Wait()
	}

	run(critical, c.cfg.CriticalConcurrency, c.cfg.CriticalAttempts)
	run(standard, c.cfg.StandardConcurrency, 1)

	slog.Info("default subscriptions established",
		slog.Int64("created", created),
		slog.Int64("failed", failed),
		slog.String("session_id", sessionID),
		slog.String("component", "coordinator"))
	return DefaultsResult{Created: int(created), Failed: int(failed)}
}

// createWithAttempts tries one catalog entry up to attempts times.
// Permanent errors (missing scopes, duplicates, quota) stop
// immediately; retrying cannot fix them.
func (c *Coordinator) createWithAttempts(ctx context.Context, d DefaultSubscription, attempts int) bool {
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := c.Create(ctx, d.EventType, d.Condition)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrDuplicateSubscription) {
			// Someone already created it; good enough.
			return true
		}
		class := ClassifySubscriptionError(err)
		if class != ErrorClassRetryable || attempt == attempts {
			slog.Warn("default subscription failed",
				slog.String("type", d.EventType),
				slog.String("class", class.String()),
				slog.Any("err", err),
				slog.String("component", "coordinator"))
			if telemetry.SubscriptionsFailed != nil {
				telemetry.SubscriptionsFailed.Inc()
			}
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return false
}

// CleanupResult summarizes a bulk delete.
type CleanupResult struct {
	Successful int
	Failed     int
}

// Cleanup best-effort deletes the subscriptions tracked for sessionID
// with bounded concurrency, then clears local bookkeeping. A no-op when
// a newer session has been bound since. Used on session end.
func (c *Coordinator) Cleanup(ctx context.Context, sessionID string) CleanupResult {
	c.mu.Lock()
	if c.sessionID != sessionID {
		c.mu.Unlock()
		return CleanupResult{}
	}
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var ok, failed int64
	var mu sync.Mutex
	sem := semaphore.NewWeighted(c.cfg.StandardConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			if err := c.Delete(ctx, id); err != nil {
				slog.Debug("cleanup delete failed", slog.String("id", id), slog.Any("err", err), slog.String("component", "coordinator"))
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	c.mu.Lock()
	if c.sessionID == sessionID {
		c.subs = make(map[string]*Subscription)
		c.byKey = make(map[string]string)
		c.totalCost = 0
		c.defaultsCreated = false
		c.publishTotalsLocked()
	}
	c.mu.Unlock()
	return CleanupResult{Successful: int(ok), Failed: int(failed)}
}

// Reconcile lists upstream subscriptions and drops local entries the
// server no longer considers enabled. Called after a revocation notice;
// the notice itself never mutates state directly.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()
	if tokens == nil {
		return ErrTokenUnavailable
	}
	token, err := tokens.GetValidToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	upstream, err := c.api.ListEventSubSubscriptions(ctx, token)
	if err != nil {
		return err
	}
	enabled := make(map[string]bool, len(upstream))
	for _, s := range upstream {
		if s.Status == "enabled" {
			enabled[s.ID] = true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, sub := range c.subs {
		if !enabled[id] {
			delete(c.subs, id)
			delete(c.byKey, sub.Key)
			c.totalCost -= sub.Cost
			removed++
		}
	}
	c.publishTotalsLocked()
	if removed > 0 {
		slog.Info("reconciled revoked subscriptions", slog.Int("removed", removed), slog.String("component", "coordinator"))
	}
	return nil
}

// CoordinatorSnapshot is a point-in-time copy for /status.
type CoordinatorSnapshot struct {
	SessionID       string `json:"session_id,omitempty"`
	Count           int    `json:"subscription_count"`
	TotalCost       int    `json:"total_cost"`
	MaxCount        int    `json:"max_count"`
	MaxCost         int    `json:"max_cost"`
	DefaultsCreated bool   `json:"default_subscriptions_created"`
}

// Snapshot returns current totals without touching the network.
func (c *Coordinator) Snapshot() CoordinatorSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoordinatorSnapshot{
		SessionID:       c.sessionID,
		Count:           len(c.subs),
		TotalCost:       c.totalCost,
		MaxCount:        c.cfg.MaxSubscriptions,
		MaxCost:         c.cfg.MaxTotalCost,
		DefaultsCreated: c.defaultsCreated,
	}
}

// Subscriptions returns a copy of the tracked subscription set.
func (c *Coordinator) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, *s)
	}
	return out
}
