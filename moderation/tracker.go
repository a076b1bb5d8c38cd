// Package moderation keeps the in-memory view of which users are currently
// banned or timed out in which channel. The store is the system of record;
// every mutation here writes through to it before returning so the two never
// drift for longer than one event.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmsqd/modbot/models"
)

// Store is the persistence the tracker needs.
type Store interface {
	ActiveBans(ctx context.Context) ([]models.Restriction, error)
	ActiveTimeouts(ctx context.Context) ([]models.Restriction, error)
	DeactivateBans(ctx context.Context, channel, userID string) error
	DeactivateTimeouts(ctx context.Context, channel, userID string) error
}

// Signal names why a restriction is considered lifted.
type Signal string

const (
	// SignalChatActivity is the heuristic: the user chatted again in the
	// channel, so the restriction must have lapsed or been lifted. It can
	// misfire when the transport delivers messages from restricted users.
	SignalChatActivity Signal = "chat_activity"
	// SignalUnban is an authoritative unban/untimeout from the platform.
	SignalUnban Signal = "unban"
)

// Lifted reports which sets an entry was removed from.
type Lifted struct {
	Ban     bool
	Timeout bool
}

// Any reports whether anything was cleared.
func (l Lifted) Any() bool { return l.Ban || l.Timeout }

type key struct {
	channel string
	userID  string
}

// Tracker holds the active ban and timeout sets keyed by (channel, user id).
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu       sync.RWMutex
	bans     map[key]models.Restriction
	timeouts map[key]models.Restriction
}

// NewTracker returns an empty tracker; call Load to seed it from the store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		logger:   logger.With(slog.String("component", "moderation_tracker")),
		bans:     make(map[key]models.Restriction),
		timeouts: make(map[key]models.Restriction),
	}
}

// Load replaces both sets with the rows currently flagged active.
func (t *Tracker) Load(ctx context.Context) error {
	bans, err := t.store.ActiveBans(ctx)
	if err != nil {
		return fmt.Errorf("load active bans: %w", err)
	}
	timeouts, err := t.store.ActiveTimeouts(ctx)
	if err != nil {
		return fmt.Errorf("load active timeouts: %w", err)
	}
	b := make(map[key]models.Restriction, len(bans))
	for _, r := range bans {
		r.Channel = models.NormalizeChannel(r.Channel)
		b[key{r.Channel, r.UserID}] = r
	}
	to := make(map[key]models.Restriction, len(timeouts))
	for _, r := range timeouts {
		r.Channel = models.NormalizeChannel(r.Channel)
		to[key{r.Channel, r.UserID}] = r
	}
	t.mu.Lock()
	t.bans, t.timeouts = b, to
	t.mu.Unlock()
	t.logger.Info("moderation state loaded", slog.Int("bans", len(b)), slog.Int("timeouts", len(to)))
	return nil
}

// OnBan records an active ban. Re-adding an existing pair is a no-op.
func (t *Tracker) OnBan(channel, userID, username string) {
	channel = models.NormalizeChannel(channel)
	t.mu.Lock()
	t.bans[key{channel, userID}] = models.Restriction{Channel: channel, UserID: userID, Username: username}
	t.mu.Unlock()
}

// OnTimeout records an active timeout.
func (t *Tracker) OnTimeout(channel, userID, username string, r models.Restriction) {
	channel = models.NormalizeChannel(channel)
	r.Channel, r.UserID, r.Username = channel, userID, username
	t.mu.Lock()
	t.timeouts[key{channel, userID}] = r
	t.mu.Unlock()
}

// IsBanned reports whether the user has an active ban in channel.
func (t *Tracker) IsBanned(channel, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.bans[key{models.NormalizeChannel(channel), userID}]
	return ok
}

// IsTimedOut reports whether the user has an active timeout in channel.
func (t *Tracker) IsTimedOut(channel, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.timeouts[key{models.NormalizeChannel(channel), userID}]
	return ok
}

// Counts returns the sizes of the ban and timeout sets.
func (t *Tracker) Counts() (bans, timeouts int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bans), len(t.timeouts)
}

// OnReversalSignal handles renewed chat activity from a tracked user.
func (t *Tracker) OnReversalSignal(ctx context.Context, channel, userID string) (Lifted, error) {
	return t.Lift(ctx, channel, userID, SignalChatActivity)
}

// Lift clears the user's ban and timeout in channel and marks the store
// rows inactive. The in-memory entry is removed before the store write; if
// the write fails the entry is restored so the next signal retries it.
func (t *Tracker) Lift(ctx context.Context, channel, userID string, signal Signal) (Lifted, error) {
	k := key{models.NormalizeChannel(channel), userID}

	t.mu.Lock()
	ban, hadBan := t.bans[k]
	to, hadTimeout := t.timeouts[k]
	delete(t.bans, k)
	delete(t.timeouts, k)
	t.mu.Unlock()

	var lifted Lifted
	if hadBan {
		if err := t.store.DeactivateBans(ctx, k.channel, userID); err != nil {
			t.restore(k, &ban, nil)
			if hadTimeout {
				t.restore(k, nil, &to)
			}
			return lifted, fmt.Errorf("deactivate ban %s/%s: %w", k.channel, userID, err)
		}
		lifted.Ban = true
		t.logger.Info("ban no longer active", slog.String("channel", k.channel), slog.String("user", ban.Username), slog.String("signal", string(signal)))
	}
	if hadTimeout {
		if err := t.store.DeactivateTimeouts(ctx, k.channel, userID); err != nil {
			t.restore(k, nil, &to)
			return lifted, fmt.Errorf("deactivate timeout %s/%s: %w", k.channel, userID, err)
		}
		lifted.Timeout = true
		t.logger.Info("timeout no longer active", slog.String("channel", k.channel), slog.String("user", to.Username), slog.String("signal", string(signal)))
	}
	return lifted, nil
}

func (t *Tracker) restore(k key, ban, to *models.Restriction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ban != nil {
		if _, ok := t.bans[k]; !ok {
			t.bans[k] = *ban
		}
	}
	if to != nil {
		if _, ok := t.timeouts[k]; !ok {
			t.timeouts[k] = *to
		}
	}
}
