package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type staticToken string

func (s staticToken) Get(context.Context) (string, error) { return string(s), nil }

func newTestHelix(t *testing.T, h http.HandlerFunc) *HelixClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &HelixClient{
		BaseURL:    srv.URL,
		ClientID:   "test-client-id",
		AppTokens:  staticToken("app-token"),
		UserTokens: staticToken("user-token"),
	}
}

func TestHelixClient_UserByLogin(t *testing.T) {
	tests := []struct {
		name        string
		login       string
		response    any
		statusCode  int
		wantID      string
		wantErr     bool
		errContains string
	}{
		{
			name:       "found",
			login:      "TestUser",
			response:   map[string]any{"data": []map[string]string{{"id": "12345", "login": "testuser", "display_name": "TestUser"}}},
			statusCode: http.StatusOK,
			wantID:     "12345",
		},
		{
			name:        "not found",
			login:       "ghost",
			response:    map[string]any{"data": []map[string]string{}},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "not found",
		},
		{
			name:        "api error",
			login:       "someone",
			response:    map[string]any{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"},
			statusCode:  http.StatusUnauthorized,
			wantErr:     true,
			errContains: "Invalid OAuth token",
		},
		{
			name:        "empty login",
			wantErr:     true,
			errContains: "login empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("Client-Id = %q", r.Header.Get("Client-Id"))
				}
				if r.Header.Get("Authorization") != "Bearer app-token" {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				if got := r.URL.Query().Get("login"); got != strings.ToLower(tt.login) {
					t.Errorf("login = %q", got)
				}
				w.WriteHeader(tt.statusCode)
				_ = json.NewEncoder(w).Encode(tt.response)
			})
			u, err := hc.UserByLogin(context.Background(), tt.login)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("err = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("UserByLogin: %v", err)
			}
			if u.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", u.ID, tt.wantID)
			}
		})
	}
}

func TestHelixClient_BanUser(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		message    string
		wantErr    bool
	}{
		{"banned", http.StatusOK, "", false},
		{"already banned", http.StatusBadRequest, "The user specified in the user_id field is already banned.", false},
		{"not a moderator", http.StatusForbidden, "The user in moderator_id is not one of the broadcaster's moderators.", true},
		{"rate limited", http.StatusTooManyRequests, "Too Many Requests", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/moderation/bans" {
					t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer user-token" {
					t.Errorf("ban must use the user token")
				}
				if r.URL.Query().Get("broadcaster_id") != "100" || r.URL.Query().Get("moderator_id") != "200" {
					t.Errorf("query = %s", r.URL.RawQuery)
				}
				var body struct {
					Data struct {
						UserID string `json:"user_id"`
						Reason string `json:"reason"`
					} `json:"data"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("decode: %v", err)
				}
				if body.Data.UserID != "42" || body.Data.Reason != "spam" {
					t.Errorf("body = %+v", body)
				}
				w.WriteHeader(tt.statusCode)
				if tt.message != "" {
					_ = json.NewEncoder(w).Encode(map[string]any{"status": tt.statusCode, "message": tt.message})
				} else {
					_, _ = w.Write([]byte(`{"data":[{"user_id":"42"}]}`))
				}
			})
			err := hc.BanUser(context.Background(), "100", "200", "42", "spam")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.statusCode {
					t.Errorf("err = %#v, want APIError %d", err, tt.statusCode)
				}
			}
		})
	}
}

type mapResolver map[string]string

func (m mapResolver) BroadcasterID(_ context.Context, ch string) (string, error) {
	if id, ok := m[ch]; ok {
		return id, nil
	}
	return "", ErrUserNotFound
}

func TestBannerResolvesIDsOnce(t *testing.T) {
	var tokenUserCalls, bans atomic.Int32
	hc := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			tokenUserCalls.Add(1)
			_, _ = w.Write([]byte(`{"data":[{"id":"200","login":"modbot"}]}`))
		case "/moderation/bans":
			bans.Add(1)
			if r.URL.Query().Get("broadcaster_id") != "100" || r.URL.Query().Get("moderator_id") != "200" {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"data":[]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	b := &Banner{Helix: hc, Channels: mapResolver{"foo": "100"}}

	for i := 0; i < 3; i++ {
		if err := b.BanUser(context.Background(), "foo", "42", "spam"); err != nil {
			t.Fatalf("BanUser: %v", err)
		}
	}
	if tokenUserCalls.Load() != 1 {
		t.Errorf("token user looked up %d times, want 1", tokenUserCalls.Load())
	}
	if bans.Load() != 3 {
		t.Errorf("bans = %d, want 3", bans.Load())
	}

	if err := b.BanUser(context.Background(), "unknown", "42", "spam"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown channel err = %v", err)
	}
}
