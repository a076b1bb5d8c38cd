package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// HelixUser is a user served by MockHelix.
type HelixUser struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixBan is a ban request received by MockHelix.
type HelixBan struct {
	BroadcasterID string
	ModeratorID   string
	UserID        string
	Reason        string
}

// MockHelix serves the Helix endpoints the bot uses: /users, /moderation/bans
// and the OAuth token endpoint at /oauth2/token. Point HelixClient.BaseURL and
// token URLs at its URL.
type MockHelix struct {
	*httptest.Server

	mu sync.Mutex
	// Bot answers /users calls without a query (the token owner).
	Bot           HelixUser
	users         []HelixUser
	bans          []HelixBan
	alreadyBanned map[string]bool
	failBans      map[string]bool
}

// NewMockHelix starts a mock Helix server closed at test cleanup.
func NewMockHelix(t *testing.T, users ...HelixUser) *MockHelix {
	t.Helper()
	m := &MockHelix{
		Bot:           HelixUser{ID: "1", Login: "modbot", DisplayName: "ModBot"},
		users:         users,
		alreadyBanned: map[string]bool{},
		failBans:      map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/users", m.handleUsers)
	mux.HandleFunc("/moderation/bans", m.handleBans)
	mux.HandleFunc("/oauth2/token", m.handleToken)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// MarkBanned makes bans of userID in broadcasterID answer "already banned".
func (m *MockHelix) MarkBanned(broadcasterID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alreadyBanned[broadcasterID+"/"+userID] = true
}

// FailBans makes every ban in broadcasterID fail with 403.
func (m *MockHelix) FailBans(broadcasterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failBans[broadcasterID] = true
}

// Bans returns the accepted ban requests.
func (m *MockHelix) Bans() []HelixBan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HelixBan(nil), m.bans...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func (m *MockHelix) handleUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := r.URL.Query()
	if len(q) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"data": []HelixUser{m.Bot}})
		return
	}
	out := []HelixUser{}
	for _, u := range m.users {
		for _, l := range q["login"] {
			if strings.EqualFold(u.Login, l) {
				out = append(out, u)
			}
		}
		for _, id := range q["id"] {
			if u.ID == id {
				out = append(out, u)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (m *MockHelix) handleBans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Data struct {
			UserID string `json:"user_id"`
			Reason string `json:"reason"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "bad body"})
		return
	}
	b := HelixBan{
		BroadcasterID: r.URL.Query().Get("broadcaster_id"),
		ModeratorID:   r.URL.Query().Get("moderator_id"),
		UserID:        body.Data.UserID,
		Reason:        body.Data.Reason,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.failBans[b.BroadcasterID]:
		writeJSON(w, http.StatusForbidden, map[string]any{"status": 403, "message": "The user in moderator_id is not one of the broadcaster's moderators."})
	case m.alreadyBanned[b.BroadcasterID+"/"+b.UserID]:
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "The user specified in the user_id field is already banned."})
	default:
		m.bans = append(m.bans, b)
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"broadcaster_id": b.BroadcasterID, "user_id": b.UserID}}})
	}
}

func (m *MockHelix) handleToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "mock-app-token",
		"expires_in":   3600,
		"token_type":   "bearer",
	})
}
