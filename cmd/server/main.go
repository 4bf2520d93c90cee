package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexfleet/linkd/internal/config"
	"github.com/nexfleet/linkd/internal/database"
	"github.com/nexfleet/linkd/internal/handler"
	"github.com/nexfleet/linkd/internal/jobs"
	"github.com/nexfleet/linkd/internal/middleware"
	"github.com/nexfleet/linkd/internal/notify"
	"github.com/nexfleet/linkd/internal/redis"
	"github.com/nexfleet/linkd/internal/repository"
	"github.com/nexfleet/linkd/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	codeRepo := repository.NewDeviceCodeRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	accountRepo := repository.NewAccountRepository(db.DB)

	registry := notify.NewRegistry(redisClient)
	defer registry.Close()
	dispatcher := notify.NewDispatcher(registry, redisClient)

	linkService := service.NewDeviceLinkService(db, codeRepo, sessionRepo, dispatcher, service.DeviceLinkConfig{
		TokenHashSecret:  cfg.TokenHashSecret,
		CodeTTL:          cfg.DeviceCodeTTL(),
		PollBaseInterval: cfg.PollBaseInterval(),
		PollMaxInterval:  cfg.PollMaxInterval(),
		MaxGenRetries:    cfg.MaxCodeGenerationRetries,
		SessionTTL:       cfg.SessionTTL(),
	})

	authMiddleware := middleware.NewAuthMiddleware(sessionRepo, accountRepo, cfg.TokenHashSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient.Client)
	createLimit := middleware.NewIPRateLimitMiddleware(rateLimiter, config.CreateCodeLimitPerMin, time.Minute, "create")
	pollLimit := middleware.NewIPRateLimitMiddleware(rateLimiter, config.PollLimitPerMin, time.Minute, "poll")
	authorizeLimit := middleware.NewAccountRateLimitMiddleware(rateLimiter, config.AuthorizeLimitPerMin, time.Minute, "authorize")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(isProduction)

	deviceCodeHandler := handler.NewDeviceCodeHandler(linkService)
	eventsHandler := handler.NewEventsHandler(registry, sessionRepo, codeRepo, cfg.TokenHashSecret)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		// The events stream stays open past any request timeout; it
		// authenticates inside the handler (session or poll token).
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			r.With(createLimit.Handler).Post("/device-code", deviceCodeHandler.Create)
			r.With(pollLimit.Handler).Post("/device-code/poll", deviceCodeHandler.Poll)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Handler)
				r.Use(authorizeLimit.Handler)
				r.Get("/device-code/{code}", deviceCodeHandler.GetInfo)
				r.Post("/device-code/{code}/authorize", deviceCodeHandler.Authorize)
				r.Post("/device-code/{code}/deny", deviceCodeHandler.Deny)
			})
		})
	})

	sweepJob := jobs.NewSweepJob(codeRepo, sessionRepo, config.SweepJobInterval, cfg.CodeRetention())
	sweepJob.Start()
	defer sweepJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
