// Command modbot is the moderation bot for a community of Twitch channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations.
//   - Listens on every covered channel through a pool of chat connections and
//     routes bans, timeouts, deletions and messages into the store.
//   - Posts ban notifications to Discord and runs the crossban workflow from
//     reactions on them.
//   - Exposes an HTTP server with probes, status, metrics and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tmsqd/modbot/chat"
	"github.com/tmsqd/modbot/config"
	"github.com/tmsqd/modbot/crossban"
	"github.com/tmsqd/modbot/crypto"
	"github.com/tmsqd/modbot/db"
	"github.com/tmsqd/modbot/moderation"
	"github.com/tmsqd/modbot/notify"
	"github.com/tmsqd/modbot/oauth"
	"github.com/tmsqd/modbot/profile"
	"github.com/tmsqd/modbot/rategate"
	"github.com/tmsqd/modbot/router"
	"github.com/tmsqd/modbot/server"
	"github.com/tmsqd/modbot/store"
	"github.com/tmsqd/modbot/telemetry"
	"github.com/tmsqd/modbot/twitchapi"
)

const version = "1.0.0"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("modbot", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("modbot exited with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(format)))
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded idempotent schema covers
	// databases created before schema_migrations existed.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate db: %w", err)
		}
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("could not read schema version", slog.Any("err", err), slog.String("component", "db_migrate"))
	} else {
		slog.Info("database schema version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
	}
	st := store.New(database)

	// Bot token: sealed at rest when ENCRYPTION_KEY is set, seeded from the
	// environment on first start, refreshed when a refresh token is known.
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey, "v1"); err != nil {
			return err
		}
	}
	tokens := &db.TokenStore{DB: database, Sealer: sealer}
	oauthCfg := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchTokenURL)
	oauthCfg.RedirectURL = cfg.TwitchRedirectURI
	seed := db.Token{
		AccessToken:  cfg.TwitchOAuthToken,
		RefreshToken: cfg.TwitchRefreshToken,
		Scope:        strings.Join(twitchapi.BotScopes, " "),
	}
	if err := oauth.Seed(ctx, tokens, "twitch", seed); err != nil {
		return err
	}
	botTokens := &oauth.StoreTokenSource{Provider: "twitch", Store: tokens}
	if cfg.TokenRefreshEnabled() {
		botTokens.Config = oauthCfg
	}

	var helix *twitchapi.HelixClient
	if cfg.HelixEnabled() {
		helix = &twitchapi.HelixClient{
			BaseURL:  cfg.HelixBaseURL,
			ClientID: cfg.TwitchClientID,
			AppTokens: &twitchapi.TokenSource{
				ClientID:     cfg.TwitchClientID,
				ClientSecret: cfg.TwitchClientSecret,
				TokenURL:     cfg.TwitchTokenURL,
			},
			UserTokens: twitchapi.OAuth2Getter{Source: botTokens},
			HTTPClient: &http.Client{Timeout: 10 * time.Second},
		}
	} else {
		slog.Warn("TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set: profiles come from the store only and crossbans are not carried out")
	}

	profiles := &profile.Resolver{Store: st, TTL: cfg.ProfileCacheTTL, StaleAfter: 7 * 24 * time.Hour}
	if helix != nil {
		profiles.Helix = helix
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, profile cache disabled", slog.Any("err", err))
		} else {
			profiles.Redis = rdb
		}
	}

	var (
		notifier notify.Notifier
		discord  *notify.Discord
	)
	if cfg.NotificationsEnabled() {
		discord = notify.NewDiscord(cfg.DiscordToken, cfg.DiscordGuildID)
		notifier = discord
	} else {
		slog.Warn("DISCORD_TOKEN/LIVEBAN_CHANNEL_ID not set: ban notifications disabled")
	}

	tracker := moderation.NewTracker(st, nil)
	if err := tracker.Load(ctx); err != nil {
		return err
	}
	gate := rategate.New(rategate.DefaultPolicy())

	wfCfg := crossban.Config{
		Store:         st,
		Notifier:      notifier,
		PublicBaseURL: cfg.PublicBaseURL,
		Grace:         cfg.CrossbanGrace,
		Interval:      cfg.CrossbanInterval,
	}
	if helix != nil {
		wfCfg.Banner = &twitchapi.Banner{Helix: helix, Channels: profiles}
	}
	workflow := crossban.New(wfCfg)

	// The pool hands events to the router, which parts and rejoins channels
	// through the pool; events only flow after Listen, once rtr is set.
	var rtr *router.Router
	pool := chat.NewPool(ctx, chat.PoolConfig{
		Dialer:         &chat.IRCDialer{Username: cfg.TwitchBotUsername, TokenSource: botTokens},
		Handler:        func(ctx context.Context, ev chat.Event) { rtr.Handle(ctx, ev) },
		ConnectTimeout: cfg.ConnectTimeout,
		Disallowed:     cfg.DisallowedChannels,
	})
	defer pool.Close()
	rtr = router.New(router.Config{
		Store:         st,
		Tracker:       tracker,
		Gate:          gate,
		Channels:      pool,
		Profiles:      profiles,
		Notifier:      notifier,
		BanChannelID:  cfg.LivebanChannelID,
		PublicBaseURL: cfg.PublicBaseURL,
		RejoinDelay:   cfg.RejoinDelay,
	})
	defer rtr.Close()

	deps := server.Deps{
		DB:       database,
		Store:    st,
		Pool:     pool,
		Tracker:  tracker,
		Rejoins:  rtr,
		Profiles: profiles,
		Tokens:   tokens,
		Auth:     server.AuthConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
		RateLimit: server.RateLimitConfig{
			Enabled:  cfg.RateLimitEnabled,
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		},
		CORS: server.CORSConfig{Permissive: cfg.CORSPermissive, AllowedOrigins: cfg.CORSAllowedOrigins},
	}
	if cfg.OAuthLinkEnabled() {
		deps.OAuth = oauthCfg
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.NewMux(gctx, deps), cfg.HTTPAddr, nil)
	})
	g.Go(func() error { gate.Start(gctx); return nil })
	g.Go(func() error { workflowLoop(gctx, workflow, wfCfg.Banner != nil); return nil })
	g.Go(func() error { reportPoolStats(gctx, st); return nil })
	if botTokens.Config != nil {
		g.Go(func() error { oauth.StartRefresher(gctx, botTokens, cfg.TokenCheckInterval); return nil })
	}

	sources := []chat.ChannelSource{chat.ChannelSourceFunc(st.CoveredChannels)}
	if discord != nil {
		if cfg.DiscordGuildID != "" {
			sources = append(sources, discord)
		}
		workflow.RegisterReactions(discord.OnReaction)
		gw := &notify.Gateway{Token: cfg.DiscordToken, Registry: discord.Registry, OnMessage: rtr.HandleReply}
		g.Go(func() error { return gw.Run(gctx) })
	}
	g.Go(func() error { chat.StartCoverageJob(gctx, pool, cfg.CoverageInterval, sources...); return nil })

	slog.Info("modbot started",
		slog.String("bot", cfg.TwitchBotUsername),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.Bool("notifications", notifier != nil),
		slog.Bool("helix", helix != nil))
	err = g.Wait()
	slog.Info("shutting down")
	return err
}

func workflowLoop(ctx context.Context, w *crossban.Workflow, enabled bool) {
	if !enabled {
		<-ctx.Done()
		return
	}
	w.Start(ctx)
}

func reportPoolStats(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.ReportPoolStats()
		}
	}
}
