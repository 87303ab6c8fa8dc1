package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/shulchan/shulchan/internal/auth"
	"github.com/shulchan/shulchan/internal/config"
	"github.com/shulchan/shulchan/internal/enrichment"
	"github.com/shulchan/shulchan/internal/filters"
	"github.com/shulchan/shulchan/internal/gate"
	"github.com/shulchan/shulchan/internal/intent"
	"github.com/shulchan/shulchan/internal/jobstore"
	"github.com/shulchan/shulchan/internal/llmclient"
	"github.com/shulchan/shulchan/internal/orchestrator"
	"github.com/shulchan/shulchan/internal/provider"
	"github.com/shulchan/shulchan/internal/push"
	"github.com/shulchan/shulchan/internal/rank"
	"github.com/shulchan/shulchan/internal/ratelimit"
	"github.com/shulchan/shulchan/internal/routemap"
	"github.com/shulchan/shulchan/internal/server"
	"github.com/shulchan/shulchan/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("SHULCHAN_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("shulchan starting", "version", version, "port", cfg.Port, "env", cfg.Env)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
		logger.Info("backend: redis", "addr", redisClient.Options().Addr)
	} else {
		logger.Info("backend: in-memory (no REDIS_URL)")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	svcKeys := auth.NewServiceKeyVerifier(cfg.ServiceAPIKeys)

	var limiter ratelimit.Allower
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, logger, false)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}

	var store jobstore.Store
	if redisClient != nil {
		store = jobstore.NewRedisStore(redisClient, logger, cfg.JobTTL)
	} else {
		store = jobstore.NewMemoryStore(cfg.JobTTL)
	}
	defer func() { _ = store.Close() }()

	var tickets push.TicketService
	if redisClient != nil {
		tickets = push.NewRedisTicketService(redisClient)
	} else {
		tickets = push.NewMemoryTicketService()
	}

	broker := push.NewBroker(redisClient, logger)
	go broker.Start(ctx)

	httpClient := &http.Client{}
	placesAdapter := provider.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, httpClient)
	llm := llmclient.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, httpClient)

	gateClassifier := gate.New(llm, logger)
	intentClassifier := intent.New(llm)
	routeMapper := routemap.New(llm)
	extractor := filters.NewExtractor(llm, logger)
	ranker := rank.NewScoreRanker()

	var lock enrichment.LockService
	var cache enrichment.CacheService
	if redisClient != nil {
		lock = enrichment.NewRedisLock(redisClient)
		cache = enrichment.NewRedisCache(redisClient)
	} else {
		lock = enrichment.NewMemoryLock()
		cache = enrichment.NewMemoryCache()
	}
	webSearch := enrichment.NewHTTPSearchClient(cfg.WebSearchEndpoint, cfg.WebSearchAPIKey, httpClient)

	dispatcher := enrichment.New(enrichment.Config{
		Lock:     lock,
		Cache:    cache,
		Web:      webSearch,
		Broker:   broker,
		Workers:  cfg.EnrichmentWorkersPerProvider,
		CacheTTL: cfg.EnrichmentCacheTTL,
		LockTTL:  cfg.EnrichmentLockTTL,
		Logger:   logger,
	})
	// The dispatcher's worker pool outlives any single request; it is
	// torn down only when the process itself is shutting down.
	dispatcher.Start(ctx)

	orch := orchestrator.New(orchestrator.Config{
		Gate:          gateClassifier,
		Intent:        intentClassifier,
		RouteMapper:   routeMapper,
		Extractor:     extractor,
		Provider:      placesAdapter,
		Ranker:        ranker,
		Broker:        broker,
		Enrichment:    dispatcher,
		DefaultRegion: cfg.DefaultRegion,
		Logger:        logger,
	})

	var debugRedisPing func(context.Context) error
	if redisClient != nil {
		debugRedisPing = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	srv := server.New(server.ServerConfig{
		JWTMgr:                jwtMgr,
		Tickets:               tickets,
		Store:                 store,
		Broker:                broker,
		Orch:                  orch,
		Provider:              placesAdapter,
		RateLimiter:           limiter,
		ServiceKeys:           svcKeys,
		Logger:                logger,
		Port:                  cfg.Port,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		MaxRequestBodyBytes:   cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		TrustProxy:            false,
		IsProduction:          cfg.IsProduction(),
		EnableDebugRedis:      cfg.EnableDebugRedis,
		JWTExpiration:         cfg.JWTExpiration,
		PushTicketTTL:         cfg.PushTicketTTL,
		PushIdleTimeout:       cfg.PushIdleTimeout,
		SearchRateLimitPerMin: cfg.SearchRateLimitPerMin,
		PhotoRateLimitPerMin:  cfg.PhotoRateLimitPerMin,
		DebugRedisPing:        debugRedisPing,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests first, then let
	// the push broker close every open SSE/WS subscriber so each
	// connection handler can send its own close frame, then give the
	// enrichment pool a bounded window to finish in-flight jobs.
	logger.Info("shulchan shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTime)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	broker.Shutdown()

	logger.Info("shulchan stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
