package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-inbox/cmd/mainconfig"
	"github.com/wolfman30/clinic-inbox/internal/assistant"
	"github.com/wolfman30/clinic-inbox/internal/clinic"
	appconfig "github.com/wolfman30/clinic-inbox/internal/config"
	"github.com/wolfman30/clinic-inbox/internal/dedupe"
	"github.com/wolfman30/clinic-inbox/internal/delivery"
	"github.com/wolfman30/clinic-inbox/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-inbox/internal/http/middleware"
	"github.com/wolfman30/clinic-inbox/internal/http/router"
	"github.com/wolfman30/clinic-inbox/internal/inbox"
	inboxpg "github.com/wolfman30/clinic-inbox/internal/inbox/postgres"
	"github.com/wolfman30/clinic-inbox/internal/observability/metrics"
	"github.com/wolfman30/clinic-inbox/internal/pipeline"
	"github.com/wolfman30/clinic-inbox/internal/realtime"
	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/internal/webhook"
	"github.com/wolfman30/clinic-inbox/internal/whatsapp"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting clinic-inbox API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Server exited gracefully")
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			return errors.New("JWT_SECRET is required in production")
		}
		logger.Warn("JWT_SECRET is empty; agent API and realtime socket will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := connectRedis(cfg)
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed; settings and dedupe will degrade", "addr", cfg.RedisAddr, "error", err)
	}

	pool, err := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	metricsHandler, inboxMetrics := setupMetrics()
	hub := realtime.NewHub(logger, inboxMetrics)
	defer hub.Close()

	inboxService := inbox.NewService(setupInboxStore(pool, logger), hub, logger)
	clinicStore := clinic.NewStore(redisClient)

	llm, err := setupLLM(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	responder := assistant.NewResponder(llm, assistant.Config{
		MaxTokens:     cfg.LLMMaxTokens,
		Timeout:       cfg.LLMTimeout,
		HistoryWindow: cfg.AIHistoryWindow,
	}, logger)

	senders := whatsapp.NewRegistry(retry.Policy{
		MaxAttempts: cfg.SendMaxAttempts,
		BaseDelay:   cfg.SendBaseDelay,
		MaxDelay:    cfg.SendMaxDelay,
		Jitter:      0.2,
		Logger:      logger,
	}, &http.Client{Timeout: 15 * time.Second}, logger)

	var transcriber webhook.Transcriber
	if cfg.OpenAIAPIKey != "" {
		transcriber = webhook.NewWhisperTranscriber(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.TranscriptionModel)
	} else {
		logger.Warn("OPENAI_API_KEY not set; voice notes will not be transcribed")
	}

	pipe := pipeline.New(pipeline.Deps{
		Settings:    clinicStore,
		Inbox:       inboxService,
		Responder:   responder,
		Splitter:    delivery.NewSplitter(delivery.SplitterConfig{MinDelay: cfg.SplitMinDelay, MaxDelay: cfg.SplitMaxDelay}),
		Dispatcher:  delivery.NewDispatcher(logger),
		Senders:     senders,
		Publisher:   hub,
		Transcriber: transcriber,
		Metrics:     inboxMetrics,
		Logger:      logger,
	}, pipeline.Config{
		FailureMode:    pipeline.FailureMode(cfg.AIFailureMode),
		ApologyMessage: cfg.AIApologyMessage,
		MaxPending:     cfg.PipelineBuffer,
		HistoryWindow:  cfg.AIHistoryWindow,
	})

	webhookLimiter, apiLimiter := setupRateLimiters(ctx, cfg)

	handler := router.New(&router.Config{
		Logger: logger,
		Webhooks: handlers.NewWebhookHandler(handlers.WebhookConfig{
			Normalizer: webhook.NewNormalizer(clinicStore, logger),
			Deduper:    dedupe.NewStore(redisClient, cfg.DedupeTTL),
			Pipeline:   pipe,
			Token:      cfg.WebhookToken,
			Metrics:    inboxMetrics,
			Logger:     logger,
		}),
		Inbox:         handlers.NewInboxHandler(inboxService, pipe, logger),
		ClinicHandler: clinic.NewHandler(clinicStore, logger),
		Realtime: realtime.NewHandler(hub, realtime.TokenAuthenticator{Secret: cfg.JWTSecret}, inboxService, realtime.HandlerConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}, logger),
		Metrics:            metricsHandler,
		HealthChecks:       healthChecks(redisClient, pool),
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookLimiter:     webhookLimiter,
		APILimiter:         apiLimiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Webhooks are closed now; let queued customer jobs finish.
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline drain incomplete", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func connectRedis(cfg *appconfig.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// connectPostgresPool returns a nil pool only when no database is
// configured. A configured but unusable database is an error so the process
// never serves from the in-memory store by accident.
func connectPostgresPool(ctx context.Context, url string, logger *logging.Logger) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info("connected to postgres")
	return pool, nil
}

var postgresPingTimeout = 5 * time.Second

func setupInboxStore(pool *pgxpool.Pool, logger *logging.Logger) inbox.Store {
	if pool == nil {
		logger.Warn("DATABASE_URL not set; using in-memory inbox store")
		return inbox.NewMemoryStore()
	}
	return inboxpg.NewStore(pool)
}

func setupMetrics() (http.Handler, *metrics.InboxMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewInboxMetrics(reg)
}

func setupLLM(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (assistant.LLMClient, error) {
	providerCfg := assistant.ProviderConfig{
		GeminiAPIKey:  cfg.GeminiAPIKey,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
	if cfg.LLMProvider == assistant.ProviderBedrock || cfg.LLMFallbackProvider == assistant.ProviderBedrock {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		providerCfg.AWS = awsCfg
	}

	primary, err := assistant.NewLLMClient(ctx, cfg.LLMProvider, cfg.LLMModelID, providerCfg)
	if err != nil {
		return nil, err
	}
	if cfg.LLMFallbackProvider == "" || cfg.LLMFallbackProvider == cfg.LLMProvider {
		return primary, nil
	}
	// The fallback uses its provider's default model.
	fallback, err := assistant.NewLLMClient(ctx, cfg.LLMFallbackProvider, "", providerCfg)
	if err != nil {
		logger.Warn("fallback llm unavailable", "provider", cfg.LLMFallbackProvider, "error", err)
		return primary, nil
	}
	return assistant.NewFallbackClient(primary, fallback, logger), nil
}

func setupRateLimiters(ctx context.Context, cfg *appconfig.Config) (webhooks, api *httpmiddleware.RateLimiter) {
	if cfg.WebhookRateLimit > 0 {
		webhooks = httpmiddleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst)
		go webhooks.RunEviction(ctx, time.Minute, 10*time.Minute)
	}
	if cfg.APIRateLimit > 0 {
		api = httpmiddleware.NewRateLimiter(cfg.APIRateLimit, cfg.APIRateBurst)
		go api.RunEviction(ctx, time.Minute, 10*time.Minute)
	}
	return webhooks, api
}

func healthChecks(redisClient *redis.Client, pool *pgxpool.Pool) map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	return checks
}
