// Package twitchapi contains minimal helpers to interact with Twitch Helix
// and OAuth endpoints: user id resolution, token validation, and the
// EventSub subscription management calls used by the eventsub client.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultHelixBaseURL is the production Helix API root.
const DefaultHelixBaseURL = "https://api.twitch.tv/helix"

// HelixClient provides the Helix methods needed for EventSub subscription
// management and broadcaster id resolution. BaseURL and HTTPClient are
// injectable for tests.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultHelixBaseURL
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID using the app token.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return "", err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Transport describes the delivery transport of an EventSub subscription.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// CreateSubscriptionRequest is the body of a subscription create call.
type CreateSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// EventSubSubscription is one subscription as reported by Helix.
type EventSubSubscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Cost      int               `json:"cost"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
	Transport Transport         `json:"transport"`
}

type subscriptionListBody struct {
	Data         []EventSubSubscription `json:"data"`
	Total        int                    `json:"total"`
	TotalCost    int                    `json:"total_cost"`
	MaxTotalCost int                    `json:"max_total_cost"`
	Pagination   struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix request failed: %d: %s", e.StatusCode, e.Body)
}

// CreateEventSubSubscription creates a subscription over the websocket
// transport. The token must be a user access token carrying the scopes
// the event type requires.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, token string, sub CreateSubscriptionRequest) (*EventSubSubscription, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.base()+"/eventsub/subscriptions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var body subscriptionListBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("create subscription: empty data in response")
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription removes a subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, token, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, hc.base()+"/eventsub/subscriptions", nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("id", id)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// ListEventSubSubscriptions pages through all subscriptions visible to
// the token. Used to reconcile after revocations.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context, token string) ([]EventSubSubscription, error) {
	var out []EventSubSubscription
	cursor := ""
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/eventsub/subscriptions", nil)
		if err != nil {
			return nil, err
		}
		if cursor != "" {
			q := req.URL.Query()
			q.Set("after", cursor)
			req.URL.RawQuery = q.Encode()
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		var body subscriptionListBody
		err = json.NewDecoder(resp.Body).Decode(&body)
		closeBody(resp)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: ""}
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		cursor = body.Pagination.Cursor
	}
}
