// Command backend is the entrypoint for the liveroll giveaway service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Resumes runners for giveaways left open by a previous run.
//   - Starts the control-stream consumer and OAuth token refreshers.
//   - Exposes the HTTP API: giveaway control, account linking, websocket
//     event streams, /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: every runner is drained before
// the process exits.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/liveroll/backend/bus"
	"github.com/onnwee/liveroll/backend/config"
	"github.com/onnwee/liveroll/backend/db"
	"github.com/onnwee/liveroll/backend/giveaway"
	"github.com/onnwee/liveroll/backend/oauth"
	"github.com/onnwee/liveroll/backend/server"
	"github.com/onnwee/liveroll/backend/telemetry"
)

func main() {
	// Load .env if present (local dev convenience; production uses real env).
	_ = godotenv.Load("backend/.env")

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("liveroll", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()
	eventBus.OnDrop(func() { telemetry.Inc(telemetry.BusEventsDropped) })

	svc := &giveaway.Service{DB: database, Bus: eventBus, Cfg: cfg}
	mgr := giveaway.NewManager(ctx, svc, nil)
	go mgr.ConsumeControl(ctx)

	// Pick up giveaways that were open when the last process died.
	if err := mgr.Resume(ctx); err != nil {
		slog.Error("resume open giveaways", slog.Any("err", err))
	}

	twitchClient := &oauth.TwitchClient{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.TwitchScopes,
	}
	var googleClient *oauth.GoogleClient
	if cfg.GoogleClientID != "" {
		googleClient = oauth.NewGoogleClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI, cfg.GoogleScopes)
	}

	refresher := &oauth.Refresher{DB: database, Google: googleClient}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		refresher.Twitch = twitchClient
	}
	go refresher.Run(ctx)

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(svc, mgr, twitchClient, googleClient)
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down, draining runners")
	mgr.Shutdown()
}
