package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmsqd/modbot/store"
	"github.com/tmsqd/modbot/telemetry"
)

type permalinkBan struct {
	Channel  string    `json:"channel"`
	Reason   string    `json:"reason,omitempty"`
	BannedAt time.Time `json:"banned_at"`
	Active   bool      `json:"active"`
}

type permalinkComment struct {
	ModeratorID int64     `json:"moderator_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

type permalinkResponse struct {
	UserID      string             `json:"user_id"`
	Login       string             `json:"login,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	Bans        []permalinkBan     `json:"bans"`
	Comments    []permalinkComment `json:"comments"`
}

// HandlePermalink resolves a crossban permalink to the user's ban history and
// moderator comments.
func (h *Handlers) HandlePermalink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))

	userID, err := h.deps.Store.ResolvePermalink(ctx, r.PathValue("link"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown link")
		return
	}
	if err != nil {
		logger.Error("resolve permalink", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := permalinkResponse{UserID: userID, Bans: []permalinkBan{}, Comments: []permalinkComment{}}
	bans, err := h.deps.Store.BansForUser(ctx, userID)
	if err != nil {
		logger.Error("bans for permalink", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	for _, b := range bans {
		resp.Bans = append(resp.Bans, permalinkBan{Channel: b.Channel, Reason: b.Reason, BannedAt: b.BannedAt, Active: b.Active})
		if resp.Login == "" {
			resp.Login = b.Username
		}
	}
	comments, err := h.deps.Store.CommentsForUser(ctx, userID)
	if err != nil {
		logger.Error("comments for permalink", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	for _, c := range comments {
		resp.Comments = append(resp.Comments, permalinkComment{ModeratorID: c.ModeratorID, Body: c.Body, CreatedAt: c.CreatedAt})
	}
	if h.deps.Profiles != nil {
		if p, err := h.deps.Profiles.ByID(ctx, userID); err == nil {
			resp.Login, resp.DisplayName = p.Login, p.DisplayName
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
