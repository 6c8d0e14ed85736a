package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/advert-service/internal/audit"
	"github.com/baechuer/advert-service/internal/config"
	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/infrastructure/media"
	"github.com/baechuer/advert-service/internal/infrastructure/memory"
	"github.com/baechuer/advert-service/internal/infrastructure/postgres"
	"github.com/baechuer/advert-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/advert-service/internal/infrastructure/redis"
	"github.com/baechuer/advert-service/internal/infrastructure/resilience"
	"github.com/baechuer/advert-service/internal/pkg/logger"
	"github.com/baechuer/advert-service/internal/security"
	"github.com/baechuer/advert-service/internal/service"
	"github.com/baechuer/advert-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

// backend is everything the services need from a store.
type backend interface {
	domain.DeviceRepository
	domain.InterestRepository
	domain.CatalogRepository
	domain.LedgerRepository
	domain.PlaybackRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "advert-service").
		Str("env", cfg.AppEnv).
		Logger()
	auditLog := audit.New(logger.Logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	var (
		store     backend
		committer domain.PlaybackCommitter
		pgRepo    *postgres.Repository
		health    func(ctx context.Context) error
	)
	switch cfg.StorageBackend {
	case config.BackendMemory:
		mem := memory.New()
		if cfg.MemoryFixture != "" {
			mem, err = memory.LoadFixture(cfg.MemoryFixture)
			if err != nil {
				log.Fatal().Err(err).Str("path", cfg.MemoryFixture).Msg("memory fixture load failed")
			}
		}
		store = mem
		log.Warn().Msg("using in-memory storage; state is lost on restart")

	default:
		dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool create failed")
		}
		defer dbPool.Close()

		{
			pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
			if err := dbPool.Ping(pingCtx); err != nil {
				cancel()
				log.Fatal().Err(err).Msg("postgres ping failed")
			}
			cancel()
			log.Info().Msg("postgres connected")
		}

		pgRepo = postgres.New(dbPool, auditLog)
		store = pgRepo
		committer = pgRepo
		health = pgRepo.Ping
	}

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.CacheDisplayTTL)
	defer cache.Client.Close()
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		// Best-effort: the display cache and limiter both degrade without redis.
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()
	}

	// ---- Read path breaker ----
	breaker := resilience.NewBreaker(resilience.Settings{
		Name:             "storage",
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
	})
	devices := resilience.Devices(store, breaker)
	interestRepo := resilience.Interests(store, breaker)
	catalogRepo := resilience.Catalog(store, breaker)

	// ---- Services ----
	directory := service.NewDirectory(devices, auditLog)
	interests := service.NewInterestAggregator(interestRepo, auditLog)
	plays := service.NewPlaybackRecorder(store)

	opts := []service.AllocatorOption{
		service.WithCache(cache),
		service.WithAudit(auditLog),
		service.WithDefaultCost(cfg.DefaultCostPerPlay),
	}
	if committer != nil {
		opts = append(opts, service.WithCommitter(committer))
	}
	if cfg.MediaS3Endpoint != "" || cfg.MediaS3AccessKey != "" {
		resolver, err := media.NewS3Resolver(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("media resolver init failed")
		}
		opts = append(opts, service.WithMediaResolver(resolver))
		log.Info().Str("endpoint", cfg.MediaS3Endpoint).Msg("media presigning enabled")
	}
	allocator := service.NewAllocator(
		devices,
		interests,
		service.NewEligibilityResolver(catalogRepo),
		service.NewCreditLedger(store),
		plays,
		opts...,
	)

	h := rest.NewHandler(directory, interests, allocator, plays, service.NewCatalog(catalogRepo))

	// ---- JWT verifier ----
	var verifier security.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier = security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		log.Warn().Msg("JWT_SECRET empty; device auth disabled")
	}

	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:           cache,
		Handler:         h,
		Verifier:        verifier,
		RateLimit:       cfg.RLEnabled,
		RateLimitLimit:  cfg.RLLimit,
		RateLimitWindow: cfg.RLWindow,
		Health:          health,
	})

	// ---- MQ consumer (tracker interest reports) ----
	if cfg.ConsumerEnabled {
		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, store, interests)
		if err := consumer.Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("rabbitmq consumer start failed")
		}
	}

	// ---- Outbox worker (pairing and playback events) ----
	if cfg.OutboxEnabled && pgRepo != nil {
		pgRepo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
		log.Info().Msg("outbox worker started")
	}
	if pgRepo != nil {
		pgRepo.StartRetentionCleanup(rootCtx)
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("storage", cfg.StorageBackend).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
