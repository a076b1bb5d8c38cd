// Package rategate tracks ban volume per channel over a sliding window and
// classifies each new ban into a throttle tier. It answers three independent
// questions from the same window: may the ban be persisted, may humans be
// notified, and is the channel under a bot attack.
package rategate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tmsqd/modbot/models"
)

// Tier is the abuse level of a channel at the time of a ban.
type Tier int

const (
	// TierNormal bans are persisted.
	TierNormal Tier = iota
	// TierThrottled bans are dropped from the log.
	TierThrottled
	// TierAbuse means the channel is being flooded; the bot departs it.
	TierAbuse
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierThrottled:
		return "throttled_log_off"
	case TierAbuse:
		return "abuse"
	default:
		return "unknown"
	}
}

// Policy holds the window length and the thresholds. Counts are inclusive
// upper bounds: a count equal to PersistMax is still persisted.
type Policy struct {
	Window     time.Duration
	PersistMax int
	AbuseAbove int
	NotifyMax  int
}

// DefaultPolicy is 60 bans/min before departure, 30 before the log goes
// quiet and 5 before notifications stop.
func DefaultPolicy() Policy {
	return Policy{
		Window:     time.Minute,
		PersistMax: 30,
		AbuseAbove: 60,
		NotifyMax:  5,
	}
}

// Decision is the outcome of one recorded ban.
type Decision struct {
	Tier  Tier
	Count int
	// Notify is true while the window holds no more than NotifyMax bans.
	Notify bool
	// Alert is set on exactly the first ban that crosses AbuseAbove; the
	// caller sends one abuse alert, departs and schedules the rejoin.
	Alert bool
}

// Persist reports whether the ban should be written to the log.
func (d Decision) Persist() bool { return d.Tier == TierNormal }

// Gate owns the per-channel windows.
type Gate struct {
	policy Policy

	mu      sync.Mutex
	windows map[string][]time.Time
}

// New returns a Gate using policy; zero fields fall back to DefaultPolicy.
func New(policy Policy) *Gate {
	def := DefaultPolicy()
	if policy.Window <= 0 {
		policy.Window = def.Window
	}
	if policy.PersistMax <= 0 {
		policy.PersistMax = def.PersistMax
	}
	if policy.AbuseAbove <= 0 {
		policy.AbuseAbove = def.AbuseAbove
	}
	if policy.NotifyMax <= 0 {
		policy.NotifyMax = def.NotifyMax
	}
	return &Gate{policy: policy, windows: make(map[string][]time.Time)}
}

// Policy returns the thresholds in effect.
func (g *Gate) Policy() Policy { return g.policy }

// RecordAndClassify appends now to the channel's window, prunes expired
// entries and classifies the resulting count.
func (g *Gate) RecordAndClassify(channel string, now time.Time) Decision {
	channel = models.NormalizeChannel(channel)
	g.mu.Lock()
	w := append(prune(g.windows[channel], now, g.policy.Window), now)
	g.windows[channel] = w
	count := len(w)
	g.mu.Unlock()
	return g.classify(count)
}

func (g *Gate) classify(count int) Decision {
	d := Decision{Count: count, Notify: count <= g.policy.NotifyMax}
	switch {
	case count > g.policy.AbuseAbove:
		d.Tier = TierAbuse
		d.Alert = count == g.policy.AbuseAbove+1
	case count > g.policy.PersistMax:
		d.Tier = TierThrottled
	default:
		d.Tier = TierNormal
	}
	return d
}

// Count returns the number of bans inside the window ending at now.
func (g *Gate) Count(channel string, now time.Time) int {
	channel = models.NormalizeChannel(channel)
	g.mu.Lock()
	defer g.mu.Unlock()
	w := prune(g.windows[channel], now, g.policy.Window)
	g.windows[channel] = w
	return len(w)
}

// Sweep prunes every window, dropping channels whose window emptied.
func (g *Gate) Sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch, w := range g.windows {
		w = prune(w, now, g.policy.Window)
		if len(w) == 0 {
			delete(g.windows, ch)
			continue
		}
		g.windows[ch] = w
	}
}

// Channels returns the number of channels with a non-empty window.
func (g *Gate) Channels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}

// Start sweeps once per second until ctx is cancelled.
func (g *Gate) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	slog.Debug("rate gate sweeper started", slog.String("component", "rategate"))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}

// prune keeps entries with now-ts < window. Entries are appended in arrival
// order, so the first fresh entry marks the cut.
func prune(w []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(w) && now.Sub(w[i]) >= window {
		i++
	}
	if i == 0 {
		return w
	}
	return append(w[:0], w[i:]...)
}
