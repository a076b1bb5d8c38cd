// Package oauth keeps the bot's Twitch user token fresh. The token lives in
// the oauth_tokens table; StoreTokenSource serves it to IRC and Helix callers
// and refreshes it through golang.org/x/oauth2 when it nears expiry.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tmsqd/modbot/db"
)

// ErrNoToken is returned when no token is stored for the provider.
var ErrNoToken = errors.New("oauth: no token stored")

// TokenStore persists tokens per provider.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (db.Token, error)
	UpsertOAuthToken(ctx context.Context, provider string, tok db.Token) error
}

// StoreTokenSource is an oauth2.TokenSource backed by TokenStore.
type StoreTokenSource struct {
	Provider string
	Store    TokenStore
	Config   *oauth2.Config
	// Window is how long before expiry a refresh is attempted (default 15m).
	Window time.Duration

	mu     sync.Mutex
	cached db.Token
}

func (s *StoreTokenSource) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return 15 * time.Minute
}

// Token implements oauth2.TokenSource.
func (s *StoreTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tok, err := s.current(ctx, false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry, TokenType: "Bearer"}, nil
}

// RefreshIfNeeded refreshes the stored token when it is inside the window.
// It reports whether the token in use changed.
func (s *StoreTokenSource) RefreshIfNeeded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	before := s.cached.AccessToken
	s.mu.Unlock()
	tok, err := s.current(ctx, true)
	if err != nil {
		return false, err
	}
	return tok.AccessToken != before && before != "", nil
}

// current returns the cached token, loading it on first use and refreshing
// it when due. With reload, the store is re-read first so tokens written by
// other instances are picked up.
func (s *StoreTokenSource) current(ctx context.Context, reload bool) (db.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reload || s.cached.AccessToken == "" {
		tok, err := s.Store.GetOAuthToken(ctx, s.Provider)
		if err != nil {
			return db.Token{}, fmt.Errorf("load %s token: %w", s.Provider, err)
		}
		if tok.AccessToken != "" {
			s.cached = tok
		}
	}
	if s.cached.AccessToken == "" {
		return db.Token{}, ErrNoToken
	}
	if !s.due(s.cached) {
		return s.cached, nil
	}

	refreshed, err := s.refresh(ctx, s.cached)
	if err != nil {
		if s.cached.Expiry.After(time.Now()) {
			slog.Warn("token refresh failed; using current token", slog.String("provider", s.Provider), slog.Any("err", err))
			return s.cached, nil
		}
		return db.Token{}, err
	}
	s.cached = refreshed
	return refreshed, nil
}

func (s *StoreTokenSource) due(tok db.Token) bool {
	if tok.Expiry.IsZero() || tok.RefreshToken == "" || s.Config == nil {
		return false
	}
	return time.Until(tok.Expiry) <= s.window()
}

func (s *StoreTokenSource) refresh(ctx context.Context, old db.Token) (db.Token, error) {
	// An already-expired token forces the oauth2 refresher to hit the token endpoint.
	src := s.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: old.RefreshToken, Expiry: time.Now().Add(-time.Minute)})
	nt, err := src.Token()
	if err != nil {
		return db.Token{}, fmt.Errorf("refresh %s token: %w", s.Provider, err)
	}
	tok := db.Token{
		AccessToken:  nt.AccessToken,
		RefreshToken: nt.RefreshToken,
		Expiry:       nt.Expiry,
		Scope:        scopeOf(nt, old.Scope),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	if err := s.Store.UpsertOAuthToken(ctx, s.Provider, tok); err != nil {
		return db.Token{}, fmt.Errorf("persist %s token: %w", s.Provider, err)
	}
	slog.Info("token refreshed", slog.String("provider", s.Provider), slog.Time("expires_at", tok.Expiry))
	return tok, nil
}

// scopeOf reads the scope Twitch returns (a JSON array) or falls back.
func scopeOf(t *oauth2.Token, fallback string) string {
	switch v := t.Extra("scope").(type) {
	case string:
		if v != "" {
			return v
		}
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return fallback
}

// Seed stores tok for provider unless a token is already stored.
func Seed(ctx context.Context, store TokenStore, provider string, tok db.Token) error {
	if tok.AccessToken == "" {
		return nil
	}
	cur, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return err
	}
	if cur.AccessToken != "" {
		return nil
	}
	return store.UpsertOAuthToken(ctx, provider, tok)
}

// StartRefresher checks the token every interval (with jitter) and refreshes
// it when it nears expiry. It returns when ctx is done.
func StartRefresher(ctx context.Context, src *StoreTokenSource, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", src.Provider))
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
	initial := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initial):
	}
	for {
		if _, err := src.RefreshIfNeeded(ctx); err != nil && !errors.Is(err, ErrNoToken) {
			logger.Warn("token check failed", slog.Any("err", err))
		}
		jitterRange := int64(interval/5) + 1
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
		next := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// Exchange trades an authorization code for a token and stores it for provider.
func Exchange(ctx context.Context, cfg *oauth2.Config, store TokenStore, provider, code string) (db.Token, error) {
	nt, err := cfg.Exchange(ctx, code)
	if err != nil {
		return db.Token{}, fmt.Errorf("exchange %s code: %w", provider, err)
	}
	tok := db.Token{
		AccessToken:  nt.AccessToken,
		RefreshToken: nt.RefreshToken,
		Expiry:       nt.Expiry,
		Scope:        scopeOf(nt, strings.Join(cfg.Scopes, " ")),
	}
	if err := store.UpsertOAuthToken(ctx, provider, tok); err != nil {
		return db.Token{}, fmt.Errorf("persist %s token: %w", provider, err)
	}
	slog.Info("token linked", slog.String("provider", provider), slog.Time("expires_at", tok.Expiry))
	return tok, nil
}
