package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmsqd/modbot/oauth"
	"github.com/tmsqd/modbot/telemetry"
)

const oauthStateTTL = 10 * time.Minute

// HandleTwitchOAuthStart redirects to Twitch to link the bot account.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.OAuth.RedirectURL == "" || h.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth not configured (need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET and TWITCH_REDIRECT_URI)")
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, http.StatusInternalServerError, "state generation failed")
		return
	}
	state := hex.EncodeToString(b)
	if !h.addOAuthState(state, h.now().Add(oauthStateTTL)) {
		writeError(w, http.StatusServiceUnavailable, "too many pending authorizations")
		return
	}
	http.Redirect(w, r, h.deps.OAuth.AuthCodeURL(state), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorization code and stores the
// bot token.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth not configured")
		return
	}
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !h.takeOAuthState(state) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	tok, err := oauth.Exchange(r.Context(), h.deps.OAuth, h.deps.Tokens, "twitch", code)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("twitch oauth callback", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scope": tok.Scope, "expires_at": tok.Expiry})
}
