// Command stream-tender records live streams: it waits for configured
// channels to go live, downloads HLS segments in order with bounded
// concurrency, and captures chat into resumable transcripts.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Resumes recording jobs interrupted by a previous crash, then starts
//     one recording lifecycle per configured channel.
//   - Exposes a minimal HTTP server with /healthz, /status, /recordings and
//     /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-tender/chat"
	"github.com/onnwee/stream-tender/config"
	"github.com/onnwee/stream-tender/db"
	"github.com/onnwee/stream-tender/recorder"
	"github.com/onnwee/stream-tender/server"
	"github.com/onnwee/stream-tender/streamapi"
	"github.com/onnwee/stream-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateRecordReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("stream-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for installs without a
	//    schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed successfully",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.SetKV(ctx, database, "last_startup", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("recording startup marker", slog.Any("err", err))
	}

	store := &db.RecordingStore{DB: database}
	api := streamapi.NewClient(cfg.APIClientID, cfg.APIClientSecret, cfg.APITokenURL, nil)

	fetch := recorder.NewHTTPFetch(&http.Client{Timeout: 30 * time.Second})
	var proxyFetch recorder.FetchFunc
	if cfg.ProxyEnabled() {
		proxyFetch = recorder.NewHTTPFetch(recorder.NewProxyClient(cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyUser, cfg.ProxyPassword))
	}

	var chatSource chat.Source
	if cfg.DownloadChat {
		switch cfg.ChatTransport {
		case "irc":
			chatSource = &chat.IRCSource{Username: cfg.IRCUsername, Token: cfg.IRCToken}
		default:
			if cfg.ChatSocketURL != "" {
				chatSource = &chat.SocketSource{URL: cfg.ChatSocketURL, Token: cfg.ChatAuthToken, ClientID: cfg.ChatClientID}
			} else {
				slog.Info("chat capture disabled (CHAT_SOCKET_URL not set)")
			}
		}
	}

	newLifecycle := func() *recorder.Lifecycle {
		return &recorder.Lifecycle{
			Store:           store,
			API:             api,
			Fetch:           fetch,
			ProxyFetch:      proxyFetch,
			ChatSource:      chatSource,
			OfflineCheck:    cfg.OfflineCheck,
			LiveCheck:       cfg.LiveCheck,
			ConcurrentLimit: cfg.ConcurrentLimit,
			StartWait:       cfg.StartWait,
			EndWait:         cfg.EndWait,
		}
	}

	// Resume jobs a previous run left in a non-terminal state.
	resumed := map[string]bool{}
	if active, err := store.Active(ctx); err != nil {
		slog.Warn("querying active recordings", slog.Any("err", err))
	} else {
		for _, j := range active {
			resumed[j.ChannelLogin] = true
			slog.Info("resuming recording", slog.Int64("job_id", j.ID), slog.String("channel", j.ChannelLogin), slog.String("status", j.Status))
			go runLifecycle(ctx, newLifecycle(), j.ID)
		}
	}

	slog.Info("starting recorders", slog.Int("channel_count", len(cfg.Channels)), slog.Any("channels", cfg.Channels))
	for _, ch := range cfg.Channels {
		if resumed[ch] {
			continue
		}
		path := filepath.Join(cfg.DataDir, ch)
		if err := os.MkdirAll(path, 0o755); err != nil {
			slog.Error("creating download dir", slog.String("path", path), slog.Any("err", err))
			continue
		}
		job := &recorder.Job{
			ChannelLogin: ch,
			DownloadPath: path,
			Quality:      cfg.Quality,
			DownloadChat: cfg.DownloadChat && chatSource != nil,
			Status:       recorder.StatusWaitingForStream,
		}
		id, err := store.Save(ctx, job)
		if err != nil {
			slog.Error("creating recording job", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		go runLifecycle(ctx, newLifecycle(), id)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
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

	// HTTP server (health/status/recordings/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

func runLifecycle(ctx context.Context, lc *recorder.Lifecycle, jobID int64) {
	if telemetry.RecordingsStarted != nil {
		telemetry.RecordingsStarted.Inc()
	}
	if err := lc.Run(ctx, jobID); err != nil {
		if telemetry.RecordingsFailed != nil {
			telemetry.RecordingsFailed.Inc()
		}
		slog.Error("recording lifecycle failed", slog.Int64("job_id", jobID), slog.Any("err", err))
	}
}
