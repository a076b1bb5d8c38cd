package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/store"
)

// HandleReply stores a linked moderator's reply to a ban notification as a
// comment on the ban. Other messages are ignored.
func (r *Router) HandleReply(ctx context.Context, m notify.Message) {
	body := strings.TrimSpace(m.Content)
	if m.ReferenceID == "" || m.AuthorBot || body == "" || strings.HasPrefix(body, "!") {
		return
	}
	ban, err := r.cfg.Store.BanByNotification(ctx, m.ReferenceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("lookup ban for reply failed", slog.String("message_id", m.ReferenceID), slog.Any("err", err))
		}
		return
	}
	mod, err := r.cfg.Store.ModeratorByDiscordID(ctx, m.AuthorID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("lookup moderator for reply failed", slog.String("discord_id", m.AuthorID), slog.Any("err", err))
		}
		return
	}
	id, err := r.cfg.Store.InsertComment(ctx, models.Comment{
		ModeratorID:    mod.ID,
		TargetUserID:   ban.UserID,
		TargetUsername: ban.Username,
		BanID:          ban.ID,
		MessageID:      m.ID,
		Body:           body,
	})
	if err != nil {
		r.logger.Warn("store comment failed", slog.Int64("ban_id", ban.ID), slog.Any("err", err))
		return
	}
	r.logger.Debug("moderator comment stored", slog.Int64("comment_id", id), slog.Int64("ban_id", ban.ID))
}
