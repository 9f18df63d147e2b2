package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/tutor-gateway/config"
	"github.com/vnmchuo/tutor-gateway/internal/auth"
	"github.com/vnmchuo/tutor-gateway/internal/billing"
	"github.com/vnmchuo/tutor-gateway/internal/db"
	"github.com/vnmchuo/tutor-gateway/internal/provider"
	"github.com/vnmchuo/tutor-gateway/internal/provider/gemini"
	"github.com/vnmchuo/tutor-gateway/internal/provider/openrouter"
	"github.com/vnmchuo/tutor-gateway/internal/provider/zai"
	"github.com/vnmchuo/tutor-gateway/internal/proxy"
	"github.com/vnmchuo/tutor-gateway/internal/retry"
	"github.com/vnmchuo/tutor-gateway/internal/seeder"
	"github.com/vnmchuo/tutor-gateway/internal/telemetry"
	"github.com/vnmchuo/tutor-gateway/internal/usage"
	"github.com/vnmchuo/tutor-gateway/internal/validate"
	"github.com/vnmchuo/tutor-gateway/pkg/ratelimit"
)

const (
	serviceName = "tutor-gateway"
	version     = "0.1.0"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config (optional)")
	doMigrate := flag.Bool("migrate", false, "run migrations and exit")
	flag.Parse()

	log := telemetry.InitLogger(config.LogConfig{Level: "info", JSON: true})

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log = telemetry.InitLogger(cfg.Log)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg.OTEL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres unavailable")
	}
	defer pool.Close()
	log.Info().Msg("postgres connected")

	if *doMigrate {
		if err := db.Migrate(pool); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		log.Info().Msg("migrations done")
		return
	}

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("redis connected")

	// 5. Stores and limits
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)
	billingStore := billing.NewPostgresStore(pool)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit.RPM)

	tracker := usage.NewTracker(
		usage.NewRedisLedger(rdb, cfg.Order()),
		usage.Limits{Requests: cfg.Quota.Requests, Tokens: cfg.Quota.Tokens, Cost: cfg.Quota.Cost},
		usage.WithBilling(billingStore),
		usage.WithLogger(log.With().Str("module", "usage").Logger()),
	)

	// 6. Providers in priority order
	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		log.Fatal().Msg("no provider has an api key configured")
	}

	// 7. Dispatcher and handlers
	dispatcher := proxy.NewDispatcher(adapters, proxy.Deps{
		Quota:     tracker,
		Validator: validate.New(cfg.Validator.Relevance),
		Retry:     retry.New(cfg.Retry.Max, cfg.Retry.Base, cfg.Retry.Cap),
		Tracer:    otel.GetTracerProvider().Tracer(serviceName),
		Metrics:   metrics,
	})
	handler := proxy.NewHandler(dispatcher, billingStore, tracker, limiter, cfg.Server.RequestTimeout)

	if cfg.Seed {
		if err := seeder.SeedDemoKey(ctx, authStore); err != nil {
			log.Error().Err(err).Msg("seeding demo key failed")
		}
	}

	// 8. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(telemetry.RequestLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"tutor-gateway"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/api/ask", handler.HandleAsk)
		r.Get("/api/user/usage", handler.HandleUsage)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Int("port", cfg.Server.Port).Int("providers", len(adapters)).Msg("tutor gateway starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	tracker.Wait()
	log.Info().Msg("server stopped")
}

// buildAdapters returns the configured adapters in priority order, skipping
// any provider without an api key.
func buildAdapters(cfg *config.Config) []provider.Adapter {
	log := telemetry.L()
	var out []provider.Adapter
	for _, id := range cfg.Order() {
		opts := cfg.ProviderOptions(id)
		if opts.APIKey == "" {
			log.Warn().Str("provider", string(id)).Msg("provider_disabled_no_api_key")
			continue
		}
		switch id {
		case provider.OpenRouter:
			out = append(out, openrouter.New(opts))
		case provider.Gemini:
			out = append(out, gemini.New(opts))
		case provider.ZAI:
			out = append(out, zai.New(opts))
		}
	}
	return out
}
