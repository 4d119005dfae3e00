// Command multichat is the main entrypoint for the chat ingestion service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres (optional) and runs idempotent migrations.
//   - Wires the platform adapters (Twitch IRC, Kick Pusher, YouTube polling)
//     to the event hub and session registry.
//   - Starts OAuth token refreshers for Twitch/YouTube.
//   - Exposes the HTTP API: session control, OAuth flows, SSE events,
//     /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/multichat/config"
	"github.com/onnwee/multichat/db"
	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/kick"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/oauth"
	"github.com/onnwee/multichat/server"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
	"github.com/onnwee/multichat/twitch"
	"github.com/onnwee/multichat/twitchapi"
	"github.com/onnwee/multichat/youtube"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("multichat", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB is optional: without it sessions still work, but granted tokens and
	// resolved channel ids are not persisted across restarts.
	database, err := db.Connect()
	if err != nil {
		slog.Warn("db unavailable, running without persistence", slog.Any("err", err))
		database = nil
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		// Versioned migrations first, embedded SQL as fallback for deployments
		// predating the schema_migrations table.
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
				slog.Any("err", err), slog.String("component", "db_migrate"))
			if err := db.Migrate(context.Background(), database); err != nil {
				slog.Error("failed to migrate db", slog.Any("err", err))
				os.Exit(1)
			}
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event hub and session registry shared by all adapters.
	hub := events.NewHub(256)
	var store session.Store
	if database != nil {
		store = &db.ChannelStore{DB: database}
	}
	registry := session.New(store)

	twitchAdapter := twitch.New(hub, registry)
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		twitchAdapter.Helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
	}
	adapters := map[message.Platform]session.Adapter{
		message.PlatformTwitch:  twitchAdapter,
		message.PlatformKick:    kick.New(hub, registry, cfg.KickPusherKey, cfg.KickPusherCluster),
		message.PlatformYouTube: youtube.New(hub, registry, cfg.YTPollInterval, cfg.YTPollBackoff),
	}
	kickAuth := &kick.OAuth{
		ClientID:    cfg.KickClientID,
		RedirectURI: cfg.KickRedirectURI,
		Scopes:      strings.Fields(cfg.KickScopes),
		RelayURL:    cfg.KickTokenRelayURL,
	}

	// Centralized OAuth token refreshers. Twitch implicit-grant tokens have no
	// refresh token, so the refresher only acts on code-flow grants; Kick
	// tokens come through the relay which exposes no refresh path.
	if database != nil {
		oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			access, refresh, expiry, err := twitchapi.RefreshToken(rctx, nil, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return access, refresh, expiry, "", nil
		})
		oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			if cfg.YTClientID == "" {
				return "", "", time.Time{}, "", context.Canceled
			}
			oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg.YTRedirectURI}
			newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
		})
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	deps := server.Deps{
		DB:       database,
		Config:   cfg,
		Hub:      hub,
		Registry: registry,
		Adapters: adapters,
		KickAuth: kickAuth,
	}
	go func() {
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()
	slog.Info("service started", slog.String("addr", addr), slog.Int("platforms", len(adapters)))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
