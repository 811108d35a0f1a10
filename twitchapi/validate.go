package twitchapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"encoding/json"
)

// TokenIdentity is the result of validating a user access token: who the
// token belongs to and what it is allowed to do.
type TokenIdentity struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken calls the OAuth validate endpoint for a user access
// token. The user id and scopes returned here are what gate EventSub
// subscription creation.
func ValidateToken(ctx context.Context, baseURL, token string) (*TokenIdentity, error) {
	if token == "" {
		return nil, fmt.Errorf("token empty")
	}
	if baseURL == "" {
		baseURL = DefaultOAuthBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch token validate failed: %s: %s", resp.Status, string(b))
	}
	var id TokenIdentity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, err
	}
	return &id, nil
}
