// Package server exposes the HTTP API: probes, metrics, chat pool status, admin
// controls for channels and crossbans, the crossban permalink lookup and the
// bot account linking flow. Every request gets a correlation id and a span.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/tmsqd/modbot/chat"
	"github.com/tmsqd/modbot/models"
	"github.com/tmsqd/modbot/oauth"
	"github.com/tmsqd/modbot/telemetry"
)

// Store is the persistence the handlers need.
type Store interface {
	PendingCrossbans(ctx context.Context, cutoff time.Time) ([]models.CrossbanProposal, error)
	ResolvePermalink(ctx context.Context, link string) (string, error)
	BansForUser(ctx context.Context, userID string) ([]models.BanRecord, error)
	CommentsForUser(ctx context.Context, userID string) ([]models.Comment, error)
	UpsertModerator(ctx context.Context, m models.Moderator) (int64, error)
	SetModeratorChannels(ctx context.Context, moderatorID int64, channels []string) error
}

// Pool is the chat pool surface exposed over HTTP.
type Pool interface {
	Listen(channel string) bool
	Part(channel string) bool
	Sessions() []chat.SessionInfo
}

// Tracker reports the moderation state sizes.
type Tracker interface {
	Counts() (bans, timeouts int)
}

// Rejoins lists channels departed after abuse and waiting to be rejoined.
type Rejoins interface {
	PendingRejoins() []string
}

// Profiles resolves user ids for the permalink page.
type Profiles interface {
	ByID(ctx context.Context, id string) (models.Profile, error)
}

// Deps are the handler dependencies. DB and Store are required. Channel
// routes answer 503 without Pool, the OAuth routes without Tokens and OAuth.
type Deps struct {
	DB       *sql.DB
	Store    Store
	Pool     Pool
	Tracker  Tracker
	Rejoins  Rejoins
	Profiles Profiles
	Tokens   oauth.TokenStore
	OAuth    *oauth2.Config

	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, deps.RateLimit)
	if !deps.Auth.Enabled() {
		slog.Warn("admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production",
			slog.String("component", "http"))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /x/{link}", h.HandlePermalink)

	mux.HandleFunc("GET /auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)

	mux.HandleFunc("GET /admin/crossbans", h.HandleAdminCrossbans)
	mux.HandleFunc("GET /admin/channels", h.HandleAdminChannels)
	mux.HandleFunc("POST /admin/channels", h.HandleAdminChannelAction)
	mux.HandleFunc("POST /admin/moderators", h.HandleAdminModerator)

	admin := adminAuth(rateLimitMiddleware(mux, limiter), deps.Auth)
	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
	return withCORS(withCorrelation(routed), deps.CORS)
}

// withCorrelation reuses or assigns X-Correlation-ID and wraps the request in
// a span that records the response status.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartHTTPSpan(ctx, r.Method, r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start serves handler on addr and shuts down gracefully on context cancellation.
// ready, when non-nil, receives the bound address once the listener is open.
func Start(ctx context.Context, handler http.Handler, addr string, ready func(net.Addr)) error {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.String("component", "http"))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
