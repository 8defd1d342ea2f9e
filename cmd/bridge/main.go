package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/pgql/bridge/internal/admission"
	"github.com/pgql/bridge/internal/apps"
	"github.com/pgql/bridge/internal/bridge"
	"github.com/pgql/bridge/internal/config"
	"github.com/pgql/bridge/internal/controlplane"
	"github.com/pgql/bridge/internal/mcptools"
	"github.com/pgql/bridge/internal/metrics"
	"github.com/pgql/bridge/internal/router"
	"github.com/pgql/bridge/internal/server"
	"github.com/pgql/bridge/internal/storage"
	"github.com/pgql/bridge/internal/storage/sqlite"
	"github.com/pgql/bridge/internal/telemetry"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	stdio := flag.Bool("stdio", false, "serve the tool surface over stdio in addition to the HTTP control plane")
	appKey := flag.String("app-key", "", "app API key identifying the stdio caller (optional)")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	// Stdio transport owns stdout, so logs move to stderr in that mode.
	logOut := os.Stdout
	if *stdio {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.InitTracer("pgql-bridge", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open storage at %s: %v", cfg.Storage.Path, err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bridge.NewService(ctx, cfg, store, logger)
	if err != nil {
		log.Fatalf("Failed to initialize bridge service: %v", err)
	}

	registry, err := apps.NewRegistry(ctx, store)
	if err != nil {
		log.Fatalf("Failed to load app registry: %v", err)
	}

	rate, per := admissionLimits(ctx, cfg, store)
	cache, err := admission.NewCache(cfg.Cache.MaxEntries)
	if err != nil {
		log.Fatalf("Failed to build response cache: %v", err)
	}
	ctl := admission.NewController(admission.NewRateLimiter(rate, per), cache)

	rt := router.New(registry, ctl, metrics.NewRecorder(), store, logger)

	// The dashboard key is read per request so a key generated through the
	// control plane takes effect without a restart.
	keyFn := func() string {
		if key, err := store.GetSetting(context.Background(), storage.SettingDashboardAPIKey); err == nil && key != "" {
			return key
		}
		return cfg.Dashboard.APIKey
	}

	httpSrv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, keyFn, logger)
	controlplane.NewServer(svc, rt, store, logger).Mount(httpSrv.Router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpSrv.Start(ctx)
	})

	if *stdio {
		mcpSrv := mcptools.NewServer(svc, rt, *appKey, version, logger)
		g.Go(func() error {
			return mcpserver.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		})
	}

	logger.Info("bridge started",
		slog.Int("port", cfg.Server.Port),
		slog.Bool("stdio", *stdio),
		slog.String("storage", cfg.Storage.Path),
		slog.String("rate_limit", fmt.Sprintf("%d per %s", rate, per)),
	)

	if err := g.Wait(); err != nil {
		logger.Error("bridge exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("bridge shutdown complete")
}

// admissionLimits resolves the token bucket shape, preferring values saved
// through the control plane over the bootstrap config.
func admissionLimits(ctx context.Context, cfg *config.Config, store storage.SettingsStore) (int, time.Duration) {
	rate := cfg.RateLimit.Rate
	per := time.Duration(cfg.RateLimit.PerSeconds) * time.Second

	if v, err := store.GetSetting(ctx, storage.SettingRateLimitRate); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rate = n
		}
	}
	if v, err := store.GetSetting(ctx, storage.SettingRateLimitPer); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			per = time.Duration(n) * time.Second
		}
	}
	return rate, per
}
