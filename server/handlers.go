package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// maxOAuthStates caps outstanding OAuth states.
const maxOAuthStates = 10000

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps    Deps
	started time.Time
	now     func() time.Time

	stateMu    sync.Mutex
	stateStore map[string]time.Time
}

// NewHandlers creates the handlers for deps.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		started:    time.Now(),
		now:        time.Now,
		stateStore: make(map[string]time.Time),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// addOAuthState records state until expiry. It reports false when the store
// is full even after dropping expired states.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore) >= maxOAuthStates/2 {
		now := h.now()
		for s, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, s)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// takeOAuthState consumes state, reporting whether it was known and unexpired.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.now().After(exp)
}
