package twitchapi

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// UserTokenSource adapts an oauth2 token source into the bearer-token
// provider the eventsub client consumes. Refresh is oauth2's problem;
// this type only hands out the current access token.
type UserTokenSource struct {
	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewUserTokenSource builds a self-refreshing source from a client
// config and a previously obtained token (access + refresh). How that
// initial token was obtained is outside this package.
func NewUserTokenSource(ctx context.Context, clientID, clientSecret string, tok *oauth2.Token) *UserTokenSource {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     twitch.Endpoint,
	}
	return &UserTokenSource{src: cfg.TokenSource(ctx, tok)}
}

// NewStaticUserTokenSource wraps a fixed access token, mainly for tests
// and short-lived tooling.
func NewStaticUserTokenSource(accessToken string) *UserTokenSource {
	return &UserTokenSource{src: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})}
}

// GetValidToken returns a currently valid bearer token, refreshing if
// the cached one expired.
func (u *UserTokenSource) GetValidToken(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.src == nil {
		return "", errors.New("no token source configured")
	}
	tok, err := u.src.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token")
	}
	return tok.AccessToken, nil
}
