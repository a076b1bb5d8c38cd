// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ChatEvents      *prometheus.CounterVec
	BansObserved    *prometheus.CounterVec
	AbuseAlerts     prometheus.Counter
	Notifications   *prometheus.CounterVec
	CrossbanActions *prometheus.CounterVec

	// Histograms (seconds)
	EventDuration   prometheus.Observer
	FulfillDuration prometheus.Observer

	// Gauges
	PoolSessions       prometheus.Gauge
	PoolChannels       prometheus.Gauge
	TrackedBans        prometheus.Gauge
	TrackedTimeouts    prometheus.Gauge
	ModeratedChannels  prometheus.Gauge
	PendingCrossbans   prometheus.Gauge
	DBOpenConnections  prometheus.Gauge
	DBInUseConnections prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modbot_chat_events_total", Help: "Chat events routed, by kind"}, []string{"kind"})
		BansObserved = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modbot_bans_observed_total", Help: "Ban events observed, by rate tier"}, []string{"tier"})
		AbuseAlerts = promauto.NewCounter(prometheus.CounterOpts{Name: "modbot_abuse_alerts_total", Help: "Mass-ban alerts raised"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modbot_notifications_total", Help: "Notifications sent, by result"}, []string{"result"})
		CrossbanActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modbot_crossban_actions_total", Help: "Crossban rows by lifecycle action"}, []string{"action"})
		EventDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modbot_event_duration_seconds", Help: "Time spent routing one chat event", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5}})
		FulfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modbot_crossban_pass_duration_seconds", Help: "Crossban fulfillment pass duration seconds", Buckets: prometheus.DefBuckets})
		PoolSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_pool_sessions", Help: "Chat sessions owned by the pool"})
		PoolChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_pool_channels", Help: "Channels subscribed across all sessions"})
		TrackedBans = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_tracked_bans", Help: "Active bans held in memory"})
		TrackedTimeouts = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_tracked_timeouts", Help: "Active timeouts held in memory"})
		ModeratedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_moderated_channels", Help: "Channels where the bot holds moderator status"})
		PendingCrossbans = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_crossbans_pending", Help: "Crossban rows awaiting fulfillment at the last pass"})
		DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_db_connections_open", Help: "Open database connections"})
		DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "modbot_db_connections_in_use", Help: "Database connections in use"})
	})
}

// IncChatEvent counts one routed event.
func IncChatEvent(kind string) {
	if ChatEvents != nil {
		ChatEvents.WithLabelValues(kind).Inc()
	}
}

// IncBan counts one ban by the tier it was classified into.
func IncBan(tier string) {
	if BansObserved != nil {
		BansObserved.WithLabelValues(tier).Inc()
	}
}

// IncAbuseAlert counts one mass-ban alert.
func IncAbuseAlert() {
	if AbuseAlerts != nil {
		AbuseAlerts.Inc()
	}
}

// IncNotification records a notification outcome ("sent", "failed", "fallback").
func IncNotification(result string) {
	if Notifications != nil {
		Notifications.WithLabelValues(result).Inc()
	}
}

// AddCrossban records n crossban rows moving through action.
func AddCrossban(action string, n int) {
	if CrossbanActions != nil && n > 0 {
		CrossbanActions.WithLabelValues(action).Add(float64(n))
	}
}

// SetPoolGauges records the pool's current shape.
func SetPoolGauges(sessions, channels int) {
	if PoolSessions != nil {
		PoolSessions.Set(float64(sessions))
	}
	if PoolChannels != nil {
		PoolChannels.Set(float64(channels))
	}
}

// SetTrackerGauges records the tracker's set sizes.
func SetTrackerGauges(bans, timeouts int) {
	if TrackedBans != nil {
		TrackedBans.Set(float64(bans))
	}
	if TrackedTimeouts != nil {
		TrackedTimeouts.Set(float64(timeouts))
	}
}

// SetModeratedChannels records how many channels the bot moderates.
func SetModeratedChannels(n int) {
	if ModeratedChannels != nil {
		ModeratedChannels.Set(float64(n))
	}
}

// SetPendingCrossbans records the backlog seen by the last fulfillment pass.
func SetPendingCrossbans(n int) {
	if PendingCrossbans != nil {
		PendingCrossbans.Set(float64(n))
	}
}

// UpdateDatabasePoolMetrics records sql.DBStats connection counts.
func UpdateDatabasePoolMetrics(open, inUse int) {
	if DBOpenConnections != nil {
		DBOpenConnections.Set(float64(open))
	}
	if DBInUseConnections != nil {
		DBInUseConnections.Set(float64(inUse))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
