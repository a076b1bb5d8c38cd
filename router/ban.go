package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmsqd/modbot/chat"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/rategate"
	"github.com/tmsqd/modbot/telemetry"
)

const (
	chatLogLines   = 10
	activityLimit  = 25
	columnPadding  = 3
	maxFieldLength = 1024
	activityLayout = "Mon 01.02.2006 15:04:05"
)

func (r *Router) handleBan(ctx context.Context, ev chat.Event) error {
	// Receipt time, the same clock the gate sweep prunes with.
	d := r.cfg.Gate.RecordAndClassify(ev.Channel, r.clock.Now())
	telemetry.IncBan(d.Tier.String())

	if d.Tier == rategate.TierAbuse {
		if d.Alert {
			r.logger.Warn("ban flood, parting channel",
				slog.String("channel", ev.Channel),
				slog.Int("bans_per_minute", d.Count),
				slog.Duration("rejoin_in", r.cfg.RejoinDelay))
			telemetry.IncAbuseAlert()
			r.sendAbuseAlert(ctx, ev.Channel, d.Count)
			r.depart(ev.Channel)
		}
		return nil
	}

	streamer, err := r.cfg.Profiles.ByLogin(ctx, ev.Channel)
	if err != nil {
		r.logger.Warn("dropping ban for unknown streamer", slog.String("channel", ev.Channel), slog.Any("err", err))
		return nil
	}

	var banID int64
	if d.Persist() {
		banID, err = r.cfg.Store.InsertBan(ctx, models.BanRecord{
			Channel:    ev.Channel,
			StreamerID: streamer.ID,
			UserID:     ev.UserID,
			Username:   ev.Username,
			Reason:     ev.Reason,
			BannedAt:   ev.At,
			Active:     true,
		})
		if err != nil {
			return err
		}
		if r.cfg.Tracker != nil {
			r.cfg.Tracker.OnBan(ev.Channel, ev.UserID, ev.Username)
		}
	} else {
		r.logger.Debug("ban not logged, channel over threshold", slog.String("channel", ev.Channel), slog.Int("bans_per_minute", d.Count))
	}

	if d.Notify && r.notifying() {
		r.notifyBan(ctx, ev, streamer, banID, d.Count)
	}
	return nil
}

func (r *Router) notifying() bool {
	return r.cfg.Notifier != nil && r.cfg.BanChannelID != ""
}

// depart suspends the channel and schedules the rejoin.
func (r *Router) depart(channel string) {
	if r.cfg.Channels != nil {
		r.cfg.Channels.Suspend(channel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.rejoins[channel]; ok {
		t.Stop()
	}
	r.rejoins[channel] = r.clock.AfterFunc(r.cfg.RejoinDelay, func() {
		r.mu.Lock()
		delete(r.rejoins, channel)
		closed := r.closed
		r.mu.Unlock()
		if closed || r.cfg.Channels == nil {
			return
		}
		r.cfg.Channels.Resume(channel)
		r.logger.Info("rejoined channel after ban flood", slog.String("channel", channel))
	})
}

func (r *Router) sendAbuseAlert(ctx context.Context, channel string, count int) {
	if !r.notifying() {
		return
	}
	limit := r.cfg.Gate.Policy().AbuseAbove
	embed := notify.Embed{
		Title: "Bot Action Detected",
		Description: fmt.Sprintf("Channel `#%s` appears to be handling a bot attack. Channel has had `%d` bans in the last minute, this exceeds the limit of `%d`.\nThe bot will part from the channel for `%s`.",
			channel, count, limit, humanDuration(r.cfg.RejoinDelay)),
		Color: notify.ColorAbuse,
	}
	if _, err := r.cfg.Notifier.SendToChannel(ctx, r.cfg.BanChannelID, notify.Payload{Embeds: []notify.Embed{embed}}); err != nil {
		r.logger.Warn("abuse alert failed", slog.String("channel", channel), slog.Any("err", err))
	}
}

func (r *Router) notifyBan(ctx context.Context, ev chat.Event, streamer models.Profile, banID int64, count int) {
	embed := r.banEmbed(ctx, ev, streamer, count)
	msgID, err := r.cfg.Notifier.SendToChannel(ctx, r.cfg.BanChannelID, notify.Payload{
		Embeds:    []notify.Embed{embed},
		Reactions: []string{notify.EmojiCrossban},
	})
	if err != nil {
		r.logger.Warn("ban notification failed", slog.String("channel", ev.Channel), slog.String("user", ev.Username), slog.Any("err", err))
		return
	}
	if banID != 0 {
		if err := r.cfg.Store.AttachBanNotification(ctx, banID, msgID); err != nil {
			r.logger.Warn("attach notification failed", slog.Int64("ban_id", banID), slog.Any("err", err))
		}
	}
}

func (r *Router) banEmbed(ctx context.Context, ev chat.Event, streamer models.Profile, count int) notify.Embed {
	author := notify.EmbedAuthor{Name: ev.Channel, URL: "https://twitch.tv/" + ev.Channel}
	if streamer.DisplayName != "" {
		author.Name = streamer.DisplayName
		author.IconURL = streamer.ProfileImageURL
	}
	embed := notify.Embed{
		Title:       "User was Banned!",
		Description: fmt.Sprintf("User `%s` was banned from channel `#%s`", ev.Username, ev.Channel),
		Color:       notify.ColorBan,
		Author:      &author,
		Footer:      &notify.EmbedFooter{Text: fmt.Sprintf("Bans per Minute: %d", count)},
	}
	if r.cfg.PublicBaseURL != "" {
		embed.URL = strings.TrimRight(r.cfg.PublicBaseURL, "/") + "/user/" + ev.Username
	}

	lines, err := r.cfg.Store.RecentChat(ctx, ev.Channel, ev.UserID, chatLogLines)
	if err != nil {
		r.logger.Warn("load chat log failed", slog.Any("err", err))
	} else {
		embed.AddField(fmt.Sprintf("Chat Log in `#%s`", ev.Channel), codeBlock(r.chatLog(lines)), false)
	}

	activity, err := r.cfg.Store.ChannelActivity(ctx, ev.UserID, activityLimit)
	if err != nil {
		r.logger.Warn("load channel activity failed", slog.Any("err", err))
	} else {
		banned, err := r.cfg.Store.ActiveBanChannels(ctx, ev.UserID)
		if err != nil {
			r.logger.Warn("load banned channels failed", slog.Any("err", err))
		}
		if table := r.activityTable(ev.Channel, activity, banned); table != "" {
			embed.AddField("Active in Channels:", codeBlock(table), false)
		}
	}

	embed.AddField("Crossban", "Click the `❌` reaction on this message to ban this user in the channels you're mod on.", true)
	return embed
}

// chatLog renders lines (oldest first) as "HH:MM:SS [name]: text".
func (r *Router) chatLog(lines []models.ChatMessage) string {
	if len(lines) == 0 {
		return "There are no logs in this channel from this user!"
	}
	var b strings.Builder
	for _, m := range lines {
		name := m.DisplayName
		if name == "" {
			name = m.Login
		}
		fmt.Fprintf(&b, "\n%s [%s]: %s", m.SentAt.In(r.cfg.Location).Format("15:04:05"), name, m.Text)
		if m.Deleted {
			b.WriteString(" [❌ deleted]")
		}
	}
	return b.String()
}

// activityTable lists where the user chatted, marking channels they are
// banned in, then the banned channels they never chatted in.
func (r *Router) activityTable(current string, activity []models.ChannelActivity, banned []string) string {
	if len(activity) == 0 && len(banned) == 0 {
		return ""
	}
	bannedSet := make(map[string]bool, len(banned))
	width := len("Channel")
	for _, ch := range banned {
		bannedSet[ch] = true
		width = max(width, len(ch))
	}
	for _, a := range activity {
		width = max(width, len(a.Channel))
	}
	pad := func(s string) string {
		return s + strings.Repeat(" ", max(1, width+columnPadding-len(s)))
	}

	var b strings.Builder
	b.WriteString("\n" + pad("Channel") + "Last Active")
	seen := make(map[string]bool, len(activity))
	for _, a := range activity {
		seen[a.Channel] = true
		b.WriteString("\n" + pad(a.Channel) + a.LastActive.In(r.cfg.Location).Format(activityLayout))
		if bannedSet[a.Channel] || a.Channel == current {
			b.WriteString(" [❌ banned]")
		}
	}
	var also []string
	for _, ch := range banned {
		if !seen[ch] {
			also = append(also, ch)
		}
	}
	if len(also) > 0 {
		b.WriteString("\nAlso banned in:")
		for _, ch := range also {
			b.WriteString("\n" + pad(ch) + "Never Active" + strings.Repeat(" ", 12) + "[❌ banned]")
		}
	}
	return b.String()
}

// codeBlock fences s, dropping its oldest lines to fit an embed field.
func codeBlock(s string) string {
	const fence = "```"
	for len(s)+2*len(fence) > maxFieldLength {
		i := strings.Index(s[1:], "\n")
		if i < 0 {
			cut := maxFieldLength - 2*len(fence)
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			s = s[:cut]
			break
		}
		s = s[i+1:]
	}
	return fence + s + fence
}

func humanDuration(d time.Duration) string {
	m := int(d.Minutes())
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
