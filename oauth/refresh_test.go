package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/tmsqd/modbot/db"
)

type memStore struct {
	mu     sync.Mutex
	tokens map[string]db.Token
	writes int
}

func newMemStore() *memStore { return &memStore{tokens: map[string]db.Token{}} }

func (m *memStore) GetOAuthToken(_ context.Context, provider string) (db.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[provider], nil
}

func (m *memStore) UpsertOAuthToken(_ context.Context, provider string, tok db.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[provider] = tok
	m.writes++
	return nil
}

func tokenServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("form = %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    14400,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: url, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestTokenOutsideWindowIsNotRefreshed(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, http.StatusOK)
	store := newMemStore()
	store.tokens["twitch"] = db.Token{AccessToken: "access", RefreshToken: "old-refresh", Expiry: time.Now().Add(time.Hour)}

	src := &StoreTokenSource{Provider: "twitch", Store: store, Config: testConfig(srv.URL), Window: 15 * time.Minute}
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "access" || calls.Load() != 0 {
		t.Fatalf("got %q with %d refresh calls", tok.AccessToken, calls.Load())
	}
}

func TestTokenInsideWindowIsRefreshedAndPersisted(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, http.StatusOK)
	store := newMemStore()
	store.tokens["twitch"] = db.Token{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(5 * time.Minute), Scope: "chat:read"}

	src := &StoreTokenSource{Provider: "twitch", Store: store, Config: testConfig(srv.URL)}
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Fatalf("access = %q", tok.AccessToken)
	}
	stored := store.tokens["twitch"]
	if stored.RefreshToken != "new-refresh" || stored.Scope != "chat:read chat:edit" {
		t.Fatalf("stored = %+v", stored)
	}
	if time.Until(stored.Expiry) < 3*time.Hour {
		t.Fatalf("expiry not updated: %v", stored.Expiry)
	}

	// The fresh token is cached.
	if _, err := src.Token(); err != nil || calls.Load() != 1 {
		t.Fatalf("second Token: err=%v calls=%d", err, calls.Load())
	}
}

func TestRefreshFailureKeepsUnexpiredToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, http.StatusBadRequest)
	store := newMemStore()
	store.tokens["twitch"] = db.Token{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(5 * time.Minute)}

	src := &StoreTokenSource{Provider: "twitch", Store: store, Config: testConfig(srv.URL)}
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "old-access" {
		t.Fatalf("access = %q", tok.AccessToken)
	}
	if store.writes != 0 {
		t.Fatal("failed refresh must not write")
	}

	store.tokens["twitch"] = db.Token{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(-time.Minute)}
	if _, err := src.RefreshIfNeeded(context.Background()); err == nil {
		t.Fatal("expired token with failing refresh should error")
	}
}

func TestNoTokenStored(t *testing.T) {
	src := &StoreTokenSource{Provider: "twitch", Store: newMemStore()}
	if _, err := src.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestSeed(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := Seed(ctx, store, "twitch", db.Token{AccessToken: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := Seed(ctx, store, "twitch", db.Token{AccessToken: "second"}); err != nil {
		t.Fatal(err)
	}
	if store.tokens["twitch"].AccessToken != "first" {
		t.Fatalf("seed overwrote stored token: %+v", store.tokens["twitch"])
	}
	if err := Seed(ctx, store, "other", db.Token{}); err != nil || store.writes != 1 {
		t.Fatalf("empty seed: err=%v writes=%d", err, store.writes)
	}
}

func TestStartRefresherRefreshesAndStops(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, http.StatusOK)
	store := newMemStore()
	store.tokens["twitch"] = db.Token{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(time.Minute)}
	src := &StoreTokenSource{Provider: "twitch", Store: store, Config: testConfig(srv.URL)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartRefresher(ctx, src, 20*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refresher never refreshed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if got, _ := store.GetOAuthToken(context.Background(), "twitch"); got.AccessToken != "new-access" {
		t.Fatalf("stored access = %q", got.AccessToken)
	}
}

func TestExchangeStoresLinkedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "the-code" {
			t.Errorf("form = %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "linked-access",
			"refresh_token": "linked-refresh",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	store := newMemStore()
	cfg := testConfig(srv.URL)
	cfg.Scopes = []string{"chat:read", "moderator:manage:banned_users"}

	tok, err := Exchange(context.Background(), cfg, store, "twitch", "the-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "linked-access" || tok.Scope != "chat:read moderator:manage:banned_users" {
		t.Errorf("token = %+v", tok)
	}
	if store.tokens["twitch"].RefreshToken != "linked-refresh" {
		t.Errorf("stored = %+v", store.tokens["twitch"])
	}
}
