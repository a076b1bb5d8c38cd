package server

import (
	"net/http"
	"time"

	"github.com/tmsqd/modbot/chat"
)

type statusResponse struct {
	UptimeSeconds   int64              `json:"uptime_seconds"`
	Sessions        []chat.SessionInfo `json:"sessions"`
	Channels        int                `json:"channels"`
	TrackedBans     int                `json:"tracked_bans"`
	TrackedTimeouts int                `json:"tracked_timeouts"`
	PendingRejoins  []string           `json:"pending_rejoins"`
}

// HandleStatus reports chat pool sessions, moderation state sizes and
// channels waiting to be rejoined.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds:  int64(h.now().Sub(h.started) / time.Second),
		Sessions:       []chat.SessionInfo{},
		PendingRejoins: []string{},
	}
	if h.deps.Pool != nil {
		resp.Sessions = h.deps.Pool.Sessions()
		for _, s := range resp.Sessions {
			resp.Channels += len(s.Channels)
		}
	}
	if h.deps.Tracker != nil {
		resp.TrackedBans, resp.TrackedTimeouts = h.deps.Tracker.Counts()
	}
	if h.deps.Rejoins != nil {
		if pending := h.deps.Rejoins.PendingRejoins(); pending != nil {
			resp.PendingRejoins = pending
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
