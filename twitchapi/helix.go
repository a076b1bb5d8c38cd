// Package twitchapi contains minimal Twitch Helix helpers: user lookup with an
// app token and channel bans with the bot's user token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when Helix has no user for a login or id.
var ErrUserNotFound = errors.New("twitch user not found")

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: %d: %s", e.StatusCode, e.Message)
}

// HelixClient talks to Helix. AppTokens serve read calls; UserTokens (the
// bot's user token) serve moderation calls.
type HelixClient struct {
	BaseURL    string
	ClientID   string
	AppTokens  TokenGetter
	UserTokens TokenGetter
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (hc *HelixClient) do(ctx context.Context, tokens TokenGetter, method, path string, q url.Values, body, out any) error {
	if tokens == nil {
		return errors.New("helix: no token source configured")
	}
	tok, err := tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("helix token: %w", err)
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// User is a Helix user object.
type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	ProfileImageURL string    `json:"profile_image_url"`
	OfflineImageURL string    `json:"offline_image_url"`
	ViewCount       int64     `json:"view_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// GetUsers looks users up by login and/or id (up to 100 of each).
func (hc *HelixClient) GetUsers(ctx context.Context, logins, ids []string) ([]User, error) {
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", strings.ToLower(l))
	}
	for _, id := range ids {
		q.Add("id", id)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/users", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// UserByLogin resolves a single login.
func (hc *HelixClient) UserByLogin(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	users, err := hc.GetUsers(ctx, []string{login}, nil)
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, ErrUserNotFound
	}
	return users[0], nil
}

// UserByID resolves a single user id.
func (hc *HelixClient) UserByID(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, fmt.Errorf("id empty")
	}
	users, err := hc.GetUsers(ctx, nil, []string{id})
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, ErrUserNotFound
	}
	return users[0], nil
}

// TokenUser returns the user owning the UserTokens token.
func (hc *HelixClient) TokenUser(ctx context.Context) (User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, hc.UserTokens, http.MethodGet, "/users", nil, nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, ErrUserNotFound
	}
	return body.Data[0], nil
}

// BanUser permanently bans userID in broadcasterID's chat, acting as
// moderatorID. A user who is already banned counts as success.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID, reason string) error {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	body := map[string]any{"data": map[string]string{"user_id": userID, "reason": reason}}
	err := hc.do(ctx, hc.UserTokens, http.MethodPost, "/moderation/bans", q, body, nil)
	if IsAlreadyBanned(err) {
		return nil
	}
	return err
}

// IsAlreadyBanned reports whether err is Helix rejecting a ban because the
// user is already banned.
func IsAlreadyBanned(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "already banned")
}
