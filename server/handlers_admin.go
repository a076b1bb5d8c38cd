package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/telemetry"
)

type crossbanView struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	UserID         string    `json:"user_id"`
	Channel        string    `json:"channel"`
	OriginChannel  string    `json:"origin_channel"`
	ModeratorID    int64     `json:"moderator_id"`
	AlertMessageID string    `json:"alert_message_id,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
}

// HandleAdminCrossbans lists crossban proposals that are not yet fulfilled.
func (h *Handlers) HandleAdminCrossbans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.PendingCrossbans(r.Context(), h.now())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list pending crossbans", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "failed to list crossbans")
		return
	}
	out := make([]crossbanView, 0, len(rows))
	for _, p := range rows {
		out = append(out, crossbanView{
			ID:             p.ID,
			Username:       p.Username,
			UserID:         p.UserID,
			Channel:        p.Channel,
			OriginChannel:  p.OriginChannel,
			ModeratorID:    p.ModeratorID,
			AlertMessageID: p.AlertMessageID,
			State:          string(p.State()),
			CreatedAt:      p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"crossbans": out, "count": len(out)})
}

// HandleAdminChannels lists the chat sessions and their channels.
func (h *Handlers) HandleAdminChannels(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "chat pool not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.deps.Pool.Sessions()})
}

type channelAction struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// HandleAdminChannelAction listens on or parts a channel:
// {"action":"listen"|"part","channel":"name"}.
func (h *Handlers) HandleAdminChannelAction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "chat pool not running")
		return
	}
	var req channelAction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	channel := models.NormalizeChannel(req.Channel)
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	var changed bool
	switch req.Action {
	case "listen":
		changed = h.deps.Pool.Listen(channel)
	case "part":
		changed = h.deps.Pool.Part(channel)
	default:
		writeError(w, http.StatusBadRequest, "action must be listen or part")
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("admin channel action",
		slog.String("action", req.Action), slog.String("channel", channel), slog.Bool("changed", changed), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]any{"action": req.Action, "channel": channel, "changed": changed})
}

type moderatorRequest struct {
	DiscordID   string   `json:"discord_id"`
	TwitchID    string   `json:"twitch_id"`
	DisplayName string   `json:"display_name"`
	Channels    []string `json:"channels"`
}

// HandleAdminModerator links a Discord account to a Twitch account. When
// channels is present it replaces the channels the moderator covers.
func (h *Handlers) HandleAdminModerator(w http.ResponseWriter, r *http.Request) {
	var req moderatorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DiscordID == "" || req.TwitchID == "" {
		writeError(w, http.StatusBadRequest, "discord_id and twitch_id are required")
		return
	}
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))
	id, err := h.deps.Store.UpsertModerator(ctx, models.Moderator{DiscordID: req.DiscordID, TwitchID: req.TwitchID, DisplayName: req.DisplayName})
	if err != nil {
		logger.Error("upsert moderator", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "failed to save moderator")
		return
	}
	if req.Channels != nil {
		if err := h.deps.Store.SetModeratorChannels(ctx, id, req.Channels); err != nil {
			logger.Error("set moderator channels", slog.Int64("moderator_id", id), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "failed to save channels")
			return
		}
	}
	logger.Info("moderator linked", slog.Int64("moderator_id", id), slog.String("discord_id", req.DiscordID), slog.Int("channels", len(req.Channels)))
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}
