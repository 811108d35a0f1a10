package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "OAuth user-token" {
			t.Errorf("auth header = %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenIdentity{
			ClientID: "cid",
			Login:    "streamer",
			UserID:   "9001",
			Scopes:   []string{"user:read:chat", "moderator:read:followers"},
		})
	}))
	defer server.Close()

	id, err := ValidateToken(context.Background(), server.URL, "user-token")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if id.UserID != "9001" || id.Login != "streamer" || len(id.Scopes) != 2 {
		t.Errorf("identity = %+v", id)
	}
}

func TestValidateToken_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid access token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	if _, err := ValidateToken(context.Background(), server.URL, "expired"); err == nil {
		t.Error("expected error for rejected token")
	}
	if _, err := ValidateToken(context.Background(), server.URL, ""); err == nil {
		t.Error("expected error for empty token")
	}
}
