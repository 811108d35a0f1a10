package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/eventsub-bridge/twitchapi"
)

// fakeAPI is an in-memory SubscriptionAPI with injectable failures.
type fakeAPI struct {
	mu        sync.Mutex
	created   []twitchapi.CreateSubscriptionRequest
	deleted   []string
	listed    []twitchapi.EventSubSubscription
	nextID    int
	createErr func(req twitchapi.CreateSubscriptionRequest) error
	deleteErr error
	cost      int
}

func (f *fakeAPI) CreateEventSubSubscription(ctx context.Context, token string, req twitchapi.CreateSubscriptionRequest) (*twitchapi.EventSubSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		if err := f.createErr(req); err != nil {
			return nil, err
		}
	}
	f.nextID++
	f.created = append(f.created, req)
	cost := f.cost
	if cost == 0 {
		cost = 1
	}
	return &twitchapi.EventSubSubscription{
		ID:     fmt.Sprintf("sub-%d", f.nextID),
		Type:   req.Type,
		Status: "enabled",
		Cost:   cost,
	}, nil
}

func (f *fakeAPI) DeleteEventSubSubscription(ctx context.Context, token, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) ListEventSubSubscriptions(ctx context.Context, token string) ([]twitchapi.EventSubSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type staticTokens string

func (s staticTokens) GetValidToken(ctx context.Context) (string, error) { return string(s), nil }

type failingTokens struct{}

func (failingTokens) GetValidToken(ctx context.Context) (string, error) {
	return "", errors.New("refresh failed")
}

// allScopes grants everything the default catalog needs.
func allScopes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, scopes := range requiredScopes {
		for _, s := range scopes {
			out[s] = struct{}{}
		}
	}
	return out
}

func readyCoordinator(api SubscriptionAPI, cfg CoordinatorConfig) *Coordinator {
	c := NewCoordinator(api, cfg)
	c.BindSession("sess-1")
	c.SetIdentity("42", allScopes())
	c.SetTokenProvider(staticTokens("tok"))
	return c
}

func TestCoordinator_CreateValidationOrder(t *testing.T) {
	api := &fakeAPI{}
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(c *Coordinator)
		wantErr error
	}{
		{
			name:    "no session",
			setup:   func(c *Coordinator) {},
			wantErr: ErrNoActiveSession,
		},
		{
			name:    "no user id",
			setup:   func(c *Coordinator) { c.BindSession("sess-1") },
			wantErr: ErrUserIDUnavailable,
		},
		{
			name: "no token provider",
			setup: func(c *Coordinator) {
				c.BindSession("sess-1")
				c.SetIdentity("42", allScopes())
			},
			wantErr: ErrTokenUnavailable,
		},
		{
			name: "missing scopes",
			setup: func(c *Coordinator) {
				c.BindSession("sess-1")
				c.SetIdentity("42", map[string]struct{}{})
				c.SetTokenProvider(staticTokens("tok"))
			},
			wantErr: ErrMissingScopes,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(api, CoordinatorConfig{})
			tt.setup(c)
			_, err := c.Create(ctx, "channel.follow", map[string]string{"broadcaster_user_id": "42", "moderator_user_id": "42"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if api.createCount() != 0 {
		t.Errorf("validation failures must not reach upstream, got %d calls", api.createCount())
	}
}

func TestCoordinator_CreateTokenFailure(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	c.SetTokenProvider(failingTokens{})
	_, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "42"})
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("Create() error = %v, want ErrTokenUnavailable", err)
	}
	// A token failure must release the reservation for a later retry.
	c.SetTokenProvider(staticTokens("tok"))
	if _, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "42"}); err != nil {
		t.Fatalf("retry after token failure: %v", err)
	}
}

func TestCoordinator_DuplicateRejectedLocally(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	cond := map[string]string{"broadcaster_user_id": "42"}
	if _, err := c.Create(context.Background(), "stream.online", cond); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := c.Create(context.Background(), "stream.online", cond)
	if !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("second create error = %v, want ErrDuplicateSubscription", err)
	}
	if api.createCount() != 1 {
		t.Errorf("duplicate must be rejected before upstream: %d calls", api.createCount())
	}
}

func TestCoordinator_ConcurrentDuplicates(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	cond := map[string]string{"broadcaster_user_id": "42"}

	var ok, dup atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Create(context.Background(), "stream.online", cond)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrDuplicateSubscription):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || dup.Load() != 7 {
		t.Errorf("created=%d duplicates=%d, want 1/7", ok.Load(), dup.Load())
	}
	if api.createCount() != 1 {
		t.Errorf("exactly one upstream call expected, got %d", api.createCount())
	}
}

func TestCoordinator_QuotaCount(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{MaxSubscriptions: 2})
	for i := 0; i < 2; i++ {
		cond := map[string]string{"broadcaster_user_id": fmt.Sprintf("%d", i)}
		if _, err := c.Create(context.Background(), "stream.online", cond); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "99"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("error = %v, want ErrQuotaExceeded", err)
	}
}

func TestCoordinator_QuotaCost(t *testing.T) {
	api := &fakeAPI{cost: 5}
	c := readyCoordinator(api, CoordinatorConfig{MaxTotalCost: 9})
	if _, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// Total cost now 5; pre-check at +1 still passes, the second
	// commit pushes it over the configured ceiling which is tolerated
	// (cost is only known after the upstream response). A third must
	// be rejected up front.
	if _, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "2"}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	_, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "3"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("error = %v, want ErrQuotaExceeded", err)
	}
}

func TestCoordinator_UpstreamErrorReleasesReservation(t *testing.T) {
	api := &fakeAPI{}
	fail := true
	api.createErr = func(req twitchapi.CreateSubscriptionRequest) error {
		if fail {
			return &twitchapi.APIError{StatusCode: 500, Body: "oops"}
		}
		return nil
	}
	c := readyCoordinator(api, CoordinatorConfig{})
	cond := map[string]string{"broadcaster_user_id": "42"}
	_, err := c.Create(context.Background(), "stream.online", cond)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 500 {
		t.Fatalf("error = %v, want UpstreamError 500", err)
	}
	fail = false
	if _, err := c.Create(context.Background(), "stream.online", cond); err != nil {
		t.Fatalf("retry after upstream failure: %v", err)
	}
}

func TestCoordinator_CreateDefaultsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	res := c.CreateDefaults(context.Background(), "sess-1")
	if res.Created == 0 || res.Failed != 0 {
		t.Fatalf("defaults run: %+v", res)
	}
	first := api.createCount()
	again := c.CreateDefaults(context.Background(), "sess-1")
	if !again.Skipped {
		t.Error("second run should be skipped")
	}
	if api.createCount() != first {
		t.Errorf("second run made upstream calls: %d -> %d", first, api.createCount())
	}
}

func TestCoordinator_CreateDefaultsWrongSession(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	res := c.CreateDefaults(context.Background(), "sess-stale")
	if res.Created != 0 || api.createCount() != 0 {
		t.Errorf("stale session must not create anything: %+v, %d calls", res, api.createCount())
	}
}

func TestCoordinator_CreateDefaultsScopeGaps(t *testing.T) {
	api := &fakeAPI{}
	c := NewCoordinator(api, CoordinatorConfig{})
	c.BindSession("sess-1")
	// Only the scope for chat; follow and the standard gated types fail
	// scope validation without touching upstream or consuming retries.
	c.SetIdentity("42", map[string]struct{}{"user:read:chat": {}})
	c.SetTokenProvider(staticTokens("tok"))
	res := c.CreateDefaults(context.Background(), "sess-1")
	if res.Failed == 0 {
		t.Error("expected scope failures in result")
	}
	if res.Created == 0 {
		t.Error("unscoped types should still be created")
	}
	for _, req := range api.created {
		if len(RequiredScopes(req.Type)) > 0 && req.Type != "channel.chat.message" {
			t.Errorf("scope-gated type %s reached upstream", req.Type)
		}
	}
}

func TestCoordinator_CreateDefaultsRetriesCritical(t *testing.T) {
	api := &fakeAPI{}
	var onlineAttempts atomic.Int64
	api.createErr = func(req twitchapi.CreateSubscriptionRequest) error {
		if req.Type == "stream.online" && onlineAttempts.Add(1) < 3 {
			return &twitchapi.APIError{StatusCode: 500, Body: "transient"}
		}
		return nil
	}
	c := readyCoordinator(api, CoordinatorConfig{CriticalAttempts: 3, RetryDelay: time.Millisecond})
	res := c.CreateDefaults(context.Background(), "sess-1")
	if res.Failed != 0 {
		t.Fatalf("defaults run: %+v", res)
	}
	if got := onlineAttempts.Load(); got != 3 {
		t.Errorf("stream.online attempts = %d, want 3", got)
	}
}

func TestCoordinator_BindNewSessionResets(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	if _, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "42"}); err != nil {
		t.Fatal(err)
	}
	c.BindSession("sess-2")
	snap := c.Snapshot()
	if snap.Count != 0 || snap.TotalCost != 0 || snap.DefaultsCreated {
		t.Errorf("bookkeeping not reset: %+v", snap)
	}
	// The same (type, condition) is creatable again on the new session.
	if _, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "42"}); err != nil {
		t.Errorf("recreate on new session: %v", err)
	}
}

func TestCoordinator_DeleteAndNotFound(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	sub, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "42"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(context.Background(), sub.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if snap := c.Snapshot(); snap.Count != 0 || snap.TotalCost != 0 {
		t.Errorf("totals not updated after delete: %+v", snap)
	}
	if err := c.Delete(context.Background(), sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second delete error = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestCoordinator_DeleteUpstream404DropsLocal(t *testing.T) {
	api := &fakeAPI{deleteErr: &twitchapi.APIError{StatusCode: 404, Body: "gone"}}
	c := readyCoordinator(api, CoordinatorConfig{})
	sub, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "42"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(context.Background(), sub.ID); err != nil {
		t.Fatalf("delete with upstream 404 should succeed locally: %v", err)
	}
	if snap := c.Snapshot(); snap.Count != 0 {
		t.Errorf("subscription not dropped: %+v", snap)
	}
}

func TestCoordinator_Cleanup(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	for i := 0; i < 3; i++ {
		cond := map[string]string{"broadcaster_user_id": fmt.Sprintf("%d", i)}
		if _, err := c.Create(context.Background(), "stream.online", cond); err != nil {
			t.Fatal(err)
		}
	}
	res := c.Cleanup(context.Background(), "sess-1")
	if res.Successful != 3 || res.Failed != 0 {
		t.Errorf("Cleanup() = %+v", res)
	}
	if len(api.deleted) != 3 {
		t.Errorf("upstream deletes = %d, want 3", len(api.deleted))
	}
	if snap := c.Snapshot(); snap.Count != 0 || snap.DefaultsCreated {
		t.Errorf("local state not cleared: %+v", snap)
	}
}

func TestCoordinator_Reconcile(t *testing.T) {
	api := &fakeAPI{}
	c := readyCoordinator(api, CoordinatorConfig{})
	keep, err := c.Create(context.Background(), "stream.online", map[string]string{"broadcaster_user_id": "1"})
	if err != nil {
		t.Fatal(err)
	}
	drop, err := c.Create(context.Background(), "stream.offline", map[string]string{"broadcaster_user_id": "1"})
	if err != nil {
		t.Fatal(err)
	}
	api.listed = []twitchapi.EventSubSubscription{
		{ID: keep.ID, Status: "enabled"},
		{ID: drop.ID, Status: "authorization_revoked"},
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	subs := c.Subscriptions()
	if len(subs) != 1 || subs[0].ID != keep.ID {
		t.Errorf("subscriptions after reconcile: %+v", subs)
	}
	// The revoked entry's key is free again.
	if _, err := c.Create(context.Background(), "stream.offline", map[string]string{"broadcaster_user_id": "1"}); err != nil {
		t.Errorf("recreate after reconcile: %v", err)
	}
}
