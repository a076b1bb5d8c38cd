// Package crossban turns a moderator's request to ban a user everywhere they
// moderate into per-channel proposals, gives the moderator a grace period to
// undo it, and then carries out the bans.
package crossban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmsqd/modbot/clock"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/store"
	"github.com/tmsqd/modbot/telemetry"
)

// DefaultInterval is the fulfillment pass period.
const DefaultInterval = 10 * time.Second

var errNoBanner = errors.New("crossban: no banner configured")

// Store is the persistence the workflow needs.
type Store interface {
	BanByNotification(ctx context.Context, notificationID string) (models.BanRecord, error)
	ModeratorByDiscordID(ctx context.Context, discordID string) (models.Moderator, error)
	ModeratedChannels(ctx context.Context, moderatorID int64) ([]string, error)
	InsertCrossbans(ctx context.Context, rows []models.CrossbanProposal) ([]models.CrossbanProposal, error)
	SetCrossbanAlert(ctx context.Context, batchID, alertID string) error
	CancelCrossbans(ctx context.Context, alertID string) (int64, error)
	PendingCrossbans(ctx context.Context, cutoff time.Time) ([]models.CrossbanProposal, error)
	MarkCrossbanFulfilled(ctx context.Context, id int64, at time.Time) error
	PermalinkFor(ctx context.Context, userID string) (string, error)
}

// Banner issues a channel ban.
type Banner interface {
	BanUser(ctx context.Context, channel, userID, reason string) error
}

// Config wires a Workflow.
type Config struct {
	Store    Store
	Banner   Banner
	Notifier notify.Notifier
	// PublicBaseURL prefixes the permalink in ban reasons.
	PublicBaseURL string
	// Grace is how long a proposal waits for an undo before it is carried out.
	Grace    time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Request asks for UserID to be banned in every channel Moderator covers.
type Request struct {
	UserID        string
	Username      string
	OriginChannel string
	Moderator     models.Moderator
	// FallbackChannelID receives the confirmation when the DM cannot be delivered.
	FallbackChannelID string
}

// Workflow owns the crossban lifecycle.
type Workflow struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Workflow.
func New(cfg Config) *Workflow {
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	w := &Workflow{cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.logger == nil {
		w.logger = slog.Default().With(slog.String("component", "crossban"))
	}
	return w
}

// Propose records one pending ban per channel the moderator covers, other
// than the origin channel, and asks the moderator to confirm. The returned
// rows exist even when the confirmation could not be delivered.
func (w *Workflow) Propose(ctx context.Context, req Request) ([]models.CrossbanProposal, error) {
	ctx, span := telemetry.StartSpan(ctx, "crossban.propose")
	defer span.End()

	channels, err := w.cfg.Store.ModeratedChannels(ctx, req.Moderator.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("moderated channels: %w", err)
	}
	origin := models.NormalizeChannel(req.OriginChannel)
	seen := map[string]bool{origin: true}
	rows := make([]models.CrossbanProposal, 0, len(channels))
	for _, ch := range channels {
		ch = models.NormalizeChannel(ch)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		rows = append(rows, models.CrossbanProposal{
			Username:      req.Username,
			UserID:        req.UserID,
			Channel:       ch,
			OriginChannel: origin,
			ModeratorID:   req.Moderator.ID,
		})
	}

	if len(rows) > 0 {
		rows, err = w.cfg.Store.InsertCrossbans(ctx, rows)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		telemetry.AddCrossban("proposed", len(rows))
		w.logger.Info("crossban proposed",
			slog.String("user", req.Username),
			slog.Int64("moderator_id", req.Moderator.ID),
			slog.Int("channels", len(rows)))
	}

	if w.cfg.Notifier == nil {
		return rows, nil
	}
	payload := confirmation(req.Username, rows)
	alertID, err := w.deliver(ctx, req, payload)
	if err != nil {
		telemetry.RecordError(span, err)
		return rows, fmt.Errorf("send crossban confirmation: %w", err)
	}
	if len(rows) == 0 {
		return rows, nil
	}
	if err := w.cfg.Store.SetCrossbanAlert(ctx, rows[0].BatchID, alertID); err != nil {
		telemetry.RecordError(span, err)
		return rows, err
	}
	for i := range rows {
		rows[i].AlertMessageID = alertID
	}
	telemetry.SetSpanSuccess(span)
	return rows, nil
}

// deliver DMs the moderator, falling back to the public channel.
func (w *Workflow) deliver(ctx context.Context, req Request, p notify.Payload) (string, error) {
	id, dmErr := w.cfg.Notifier.SendDirect(ctx, req.Moderator.DiscordID, p)
	if dmErr == nil {
		return id, nil
	}
	if req.FallbackChannelID == "" {
		return "", dmErr
	}
	w.logger.Debug("crossban DM failed, posting publicly", slog.String("discord_id", req.Moderator.DiscordID), slog.Any("err", dmErr))
	id, err := w.cfg.Notifier.SendToChannel(ctx, req.FallbackChannelID, p)
	if err != nil {
		return "", errors.Join(dmErr, err)
	}
	return id, nil
}

func confirmation(username string, rows []models.CrossbanProposal) notify.Payload {
	n := len(rows)
	plural := "s"
	if n == 1 {
		plural = ""
	}
	list := "\nWe couldn't find the channels you're mod on."
	if n > 0 {
		var b strings.Builder
		for _, r := range rows {
			b.WriteString("\n" + r.Channel)
		}
		list = b.String()
	}
	embed := notify.Embed{
		Title: fmt.Sprintf("Attempting Crossban to %d Channel%s", n, plural),
		Description: fmt.Sprintf("We will attempt to ban `%s` on %d channel%s in approximately 1 minute. The bot must be modded in the channel for this to succeed.",
			username, n, plural),
		Color: notify.ColorCrossban,
	}
	embed.AddField("Affected Channels", "```"+list+"```", false)
	var p notify.Payload
	if n > 0 {
		embed.AddField("Undo", "React with `↩️` within one minute to undo.\n*After this period, you must unban the user manually.*", false)
		p.Reactions = []string{notify.EmojiUndo}
	}
	p.Embeds = []notify.Embed{embed}
	return p
}

// RegisterReactions installs the crossban and undo handlers for reactions on
// any message. Both resolve the message through the store, so they keep
// working for messages sent before a restart.
func (w *Workflow) RegisterReactions(on func(messageID, emoji string, h notify.ReactionHandler)) {
	on("", notify.EmojiCrossban, w.ProposeFromBanNotification)
	on("", notify.EmojiUndo, w.CancelFromReaction)
}

// ProposeFromBanNotification handles the crossban reaction on a ban
// notification. Reactions on unrelated messages are ignored; an unlinked
// moderator is told to link their account.
func (w *Workflow) ProposeFromBanNotification(ctx context.Context, r notify.Reaction) {
	ban, err := w.cfg.Store.BanByNotification(ctx, r.MessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("lookup ban for crossban failed", slog.String("message_id", r.MessageID), slog.Any("err", err))
		}
		return
	}
	mod, err := w.cfg.Store.ModeratorByDiscordID(ctx, r.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("lookup moderator failed", slog.String("discord_id", r.UserID), slog.Any("err", err))
			return
		}
		if w.cfg.Notifier != nil && r.ChannelID != "" {
			hint := notify.Payload{Content: fmt.Sprintf("<@%s> we couldn't get your Twitch ID from the database. Make sure you've linked your account to TMSQD", r.UserID)}
			if _, err := w.cfg.Notifier.SendToChannel(ctx, r.ChannelID, hint); err != nil {
				w.logger.Warn("send link hint failed", slog.Any("err", err))
			}
		}
		return
	}
	_, err = w.Propose(ctx, Request{
		UserID:            ban.UserID,
		Username:          ban.Username,
		OriginChannel:     ban.Channel,
		Moderator:         mod,
		FallbackChannelID: r.ChannelID,
	})
	if err != nil {
		w.logger.Warn("crossban proposal failed", slog.String("user", ban.Username), slog.Any("err", err))
	}
}

// Cancel deletes the unfulfilled proposals confirmed by alertID. Fulfilled
// rows are kept. Cancelling an unknown or fully fulfilled alert is a no-op.
func (w *Workflow) Cancel(ctx context.Context, alertID string) (int64, error) {
	if alertID == "" {
		return 0, nil
	}
	n, err := w.cfg.Store.CancelCrossbans(ctx, alertID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.AddCrossban("cancelled", int(n))
		w.logger.Info("crossban cancelled", slog.String("alert_id", alertID), slog.Int64("rows", n))
	}
	return n, nil
}

// CancelFromReaction handles the undo reaction on a confirmation message.
func (w *Workflow) CancelFromReaction(ctx context.Context, r notify.Reaction) {
	n, err := w.Cancel(ctx, r.MessageID)
	if err != nil {
		w.logger.Warn("crossban cancel failed", slog.String("alert_id", r.MessageID), slog.Any("err", err))
		return
	}
	if n == 0 || w.cfg.Notifier == nil || r.ChannelID == "" {
		return
	}
	feedback := notify.Payload{Embeds: []notify.Embed{{Title: "Cancelled Crossban", Color: notify.ColorCrossban}}}
	if _, err := w.cfg.Notifier.SendToChannel(ctx, r.ChannelID, feedback); err != nil {
		w.logger.Warn("send cancel feedback failed", slog.Any("err", err))
	}
}

// FulfillPending bans every proposal older than the grace period. A failed
// ban stays pending for the next pass. It returns how many rows were fulfilled.
func (w *Workflow) FulfillPending(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "crossban.fulfill")
	defer span.End()

	var (
		fulfilled int
		passErr   error
	)
	telemetry.TimeFunc(telemetry.FulfillDuration, func() {
		fulfilled, passErr = w.fulfill(ctx)
	})
	if passErr != nil {
		telemetry.RecordError(span, passErr)
		return fulfilled, passErr
	}
	telemetry.SetSpanSuccess(span)
	return fulfilled, nil
}

func (w *Workflow) fulfill(ctx context.Context) (int, error) {
	if w.cfg.Banner == nil {
		return 0, errNoBanner
	}
	now := w.clock.Now()
	rows, err := w.cfg.Store.PendingCrossbans(ctx, now.Add(-w.cfg.Grace))
	if err != nil {
		return 0, err
	}
	links := make(map[string]string)
	fulfilled := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		link, ok := links[row.UserID]
		if !ok {
			link, err = w.cfg.Store.PermalinkFor(ctx, row.UserID)
			if err != nil {
				w.logger.Warn("permalink failed", slog.String("user_id", row.UserID), slog.Any("err", err))
				link = ""
			}
			links[row.UserID] = link
		}
		if err := w.cfg.Banner.BanUser(ctx, row.Channel, row.UserID, w.reason(link)); err != nil {
			telemetry.AddCrossban("failed", 1)
			w.logger.Warn("crossban attempt failed",
				slog.Int64("id", row.ID),
				slog.String("channel", row.Channel),
				slog.String("user", row.Username),
				slog.Any("err", err))
			continue
		}
		if err := w.cfg.Store.MarkCrossbanFulfilled(ctx, row.ID, w.clock.Now()); err != nil {
			w.logger.Warn("mark crossban fulfilled failed", slog.Int64("id", row.ID), slog.Any("err", err))
			continue
		}
		fulfilled++
		telemetry.AddCrossban("fulfilled", 1)
		w.logger.Info("crossban fulfilled", slog.String("channel", row.Channel), slog.String("user", row.Username))
	}
	telemetry.SetPendingCrossbans(len(rows) - fulfilled)
	return fulfilled, nil
}

// reason is the ban reason shown to the channel's moderators.
func (w *Workflow) reason(link string) string {
	if link == "" || w.cfg.PublicBaseURL == "" {
		return "TMSQD: Crossban"
	}
	return fmt.Sprintf("TMSQD: Crossban %s/x/%s", strings.TrimRight(w.cfg.PublicBaseURL, "/"), link)
}

// Start runs FulfillPending every interval until ctx is done.
func (w *Workflow) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Debug("crossban worker started", slog.Duration("interval", w.cfg.Interval), slog.Duration("grace", w.cfg.Grace))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.FulfillPending(ctx); err != nil {
				w.logger.Warn("crossban pass failed", slog.Any("err", err))
			}
		}
	}
}
