// Package router dispatches chat events to the moderation components: the
// chat log, the ban tracker, the rate gate and the Discord notifier.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmsqd/modbot/chat"
	"github.com/tmsqd/modbot/clock"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/moderation"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/rategate"
	"github.com/tmsqd/modbot/telemetry"
)

// DefaultRejoinDelay is how long the bot stays away from a flooded channel.
const DefaultRejoinDelay = 15 * time.Minute

// Store is the persistence the router writes to and reads notification
// context from.
type Store interface {
	InsertChatMessage(ctx context.Context, m models.ChatMessage) error
	MarkMessageDeleted(ctx context.Context, messageID string) error
	InsertBan(ctx context.Context, b models.BanRecord) (int64, error)
	InsertTimeout(ctx context.Context, t models.TimeoutRecord) (int64, error)
	AttachBanNotification(ctx context.Context, banID int64, notificationID string) error
	RecentChat(ctx context.Context, channel, userID string, limit int) ([]models.ChatMessage, error)
	ChannelActivity(ctx context.Context, userID string, limit int) ([]models.ChannelActivity, error)
	ActiveBanChannels(ctx context.Context, userID string) ([]string, error)
	BanByNotification(ctx context.Context, notificationID string) (models.BanRecord, error)
	ModeratorByDiscordID(ctx context.Context, discordID string) (models.Moderator, error)
	InsertComment(ctx context.Context, c models.Comment) (int64, error)
}

// Channels is the part of the pool used to leave and rejoin channels. A
// suspended channel stays parted even when other callers Listen on it.
type Channels interface {
	Suspend(channel string) bool
	Resume(channel string) bool
}

// Profiles resolves the streamer owning a channel.
type Profiles interface {
	ByLogin(ctx context.Context, login string) (models.Profile, error)
}

// Config wires a Router. Notifier may be nil, which disables notifications.
type Config struct {
	Store    Store
	Tracker  *moderation.Tracker
	Gate     *rategate.Gate
	Channels Channels
	Profiles Profiles
	Notifier notify.Notifier
	// BanChannelID is the Discord channel receiving ban and abuse alerts.
	BanChannelID string
	// PublicBaseURL prefixes user links in notifications.
	PublicBaseURL string
	RejoinDelay   time.Duration
	// Location formats chat timestamps; defaults to UTC.
	Location *time.Location
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Router routes chat events. Handle is safe for concurrent use.
type Router struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	rejoins map[string]clock.Timer
	modded  map[string]bool
	closed  bool
}

// New returns a Router.
func New(cfg Config) *Router {
	if cfg.RejoinDelay <= 0 {
		cfg.RejoinDelay = DefaultRejoinDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Gate == nil {
		cfg.Gate = rategate.New(rategate.DefaultPolicy())
	}
	r := &Router{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		rejoins: make(map[string]clock.Timer),
		modded:  make(map[string]bool),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.Default().With(slog.String("component", "router"))
	}
	return r
}

// Handle routes one event. Failures are logged; the event is not retried.
func (r *Router) Handle(ctx context.Context, ev chat.Event) {
	ev.Channel = models.NormalizeChannel(ev.Channel)
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	ctx, span := telemetry.StartEventSpan(ctx, string(ev.Kind), ev.Channel)
	defer span.End()
	telemetry.IncChatEvent(string(ev.Kind))

	var err error
	telemetry.TimeFunc(telemetry.EventDuration, func() {
		err = r.route(ctx, ev)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		r.logger.Warn("chat event failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("channel", ev.Channel),
			slog.String("user_id", ev.UserID),
			slog.Any("err", err))
		return
	}
	if r.cfg.Tracker != nil {
		telemetry.SetTrackerGauges(r.cfg.Tracker.Counts())
	}
	telemetry.SetSpanSuccess(span)
}

func (r *Router) route(ctx context.Context, ev chat.Event) error {
	switch ev.Kind {
	case chat.EventMessage:
		return r.handleMessage(ctx, ev)
	case chat.EventMessageDeleted:
		return r.cfg.Store.MarkMessageDeleted(ctx, ev.MessageID)
	case chat.EventBan:
		return r.handleBan(ctx, ev)
	case chat.EventTimeout:
		return r.handleTimeout(ctx, ev)
	case chat.EventMod, chat.EventUnmod:
		r.handleModStatus(ev)
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (r *Router) handleMessage(ctx context.Context, ev chat.Event) error {
	if ev.MessageID != "" {
		err := r.cfg.Store.InsertChatMessage(ctx, models.ChatMessage{
			ID:          ev.MessageID,
			Channel:     ev.Channel,
			UserID:      ev.UserID,
			Login:       ev.Username,
			DisplayName: ev.DisplayName,
			Color:       ev.Color,
			Text:        ev.Text,
			SentAt:      ev.At,
		})
		if err != nil {
			return err
		}
	}
	if r.cfg.Tracker == nil {
		return nil
	}
	if !r.cfg.Tracker.IsBanned(ev.Channel, ev.UserID) && !r.cfg.Tracker.IsTimedOut(ev.Channel, ev.UserID) {
		return nil
	}
	lifted, err := r.cfg.Tracker.OnReversalSignal(ctx, ev.Channel, ev.UserID)
	if err != nil {
		return fmt.Errorf("lift restriction: %w", err)
	}
	if lifted.Any() {
		r.logger.Info("restriction lifted by chat activity",
			slog.String("channel", ev.Channel),
			slog.String("user", ev.Username),
			slog.Bool("ban", lifted.Ban),
			slog.Bool("timeout", lifted.Timeout))
	}
	return nil
}

func (r *Router) handleTimeout(ctx context.Context, ev chat.Event) error {
	streamer, err := r.cfg.Profiles.ByLogin(ctx, ev.Channel)
	if err != nil {
		r.logger.Warn("dropping timeout for unknown streamer", slog.String("channel", ev.Channel), slog.Any("err", err))
		return nil
	}
	if _, err := r.cfg.Store.InsertTimeout(ctx, models.TimeoutRecord{
		Channel:    ev.Channel,
		StreamerID: streamer.ID,
		UserID:     ev.UserID,
		Username:   ev.Username,
		Reason:     ev.Reason,
		Duration:   ev.Duration,
		TimedOutAt: ev.At,
	}); err != nil {
		return err
	}
	if r.cfg.Tracker != nil {
		r.cfg.Tracker.OnTimeout(ev.Channel, ev.UserID, ev.Username, models.Restriction{Duration: ev.Duration})
	}
	return nil
}

func (r *Router) handleModStatus(ev chat.Event) {
	gained := ev.Kind == chat.EventMod
	r.mu.Lock()
	if gained {
		r.modded[ev.Channel] = true
	} else {
		delete(r.modded, ev.Channel)
	}
	n := len(r.modded)
	r.mu.Unlock()
	telemetry.SetModeratedChannels(n)
	if gained {
		r.logger.Info("bot is moderator", slog.String("channel", ev.Channel))
	} else {
		r.logger.Warn("bot lost moderator status", slog.String("channel", ev.Channel))
	}
}

// PendingRejoins returns the channels waiting to be rejoined.
func (r *Router) PendingRejoins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rejoins))
	for ch := range r.rejoins {
		out = append(out, ch)
	}
	return out
}

// Close stops pending rejoin timers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for ch, t := range r.rejoins {
		t.Stop()
		delete(r.rejoins, ch)
	}
}
