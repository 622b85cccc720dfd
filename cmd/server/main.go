package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codesync/internal/api"
	"codesync/internal/auth"
	"codesync/internal/config"
	"codesync/internal/db"
	"codesync/internal/logger"
	"codesync/internal/middleware"
	"codesync/internal/repository"
	"codesync/internal/services/collaboration"
	"codesync/internal/services/roles"
	"codesync/internal/telemetry"
)

const version = "0.1.0"

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

Startup order: config, logging, tracing, database, services, HTTP.
Shutdown runs in reverse:
1. stop accepting HTTP requests
2. close every WebSocket and flush pending code saves
3. close the database, then flush spans
*/

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ Failed to load config")
	}
	logger.Init(cfg.LogLevel)
	logger.Info().Str("version", version).Msg("🚀 Starting codesync")

	shutdownTracing := telemetry.ShutdownFunc(telemetry.Noop)
	if cfg.TracingEnabled {
		shutdownTracing, err = telemetry.InitJaeger("codesync", version, cfg.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("⚠️  Failed to initialize Jaeger, continuing without tracing")
			shutdownTracing = telemetry.Noop
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown tracing")
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ Failed to connect to database")
	}
	defer database.Close()

	projectRepo := repository.NewProjectRepository(database.DB)
	sessionRepo := repository.NewSessionRepository(database.DB)

	authority := roles.NewAuthority(projectRepo)
	registry := collaboration.NewRegistry()
	codeSync := collaboration.NewCodeSync(projectRepo, registry, cfg.DebounceWindow)
	presence := collaboration.NewPresence(registry, sessionRepo)
	chat := collaboration.NewChat(registry, sessionRepo, cfg.ChatMaxLength, cfg.ChatHistoryLimit)
	orchestrator := collaboration.NewOrchestrator(registry, authority, codeSync, presence, chat, sessionRepo, cfg.EventRate, cfg.EventBurst)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	wsHandler := collaboration.NewWebSocketHandler(orchestrator, verifier, cfg.AllowedOrigins)

	limiter := middleware.NewRateLimiter(cfg.HTTPRate, cfg.HTTPBurst)
	defer limiter.Stop()

	router := api.SetupRoutes(api.NewHandler(orchestrator), api.RouterConfig{
		Verifier:       verifier,
		WebSocket:      wsHandler,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// WriteTimeout stays unset: hijacked WebSocket connections manage their
	// own deadlines in the pumps.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("🌐 Server listening")
		logger.Info().Msg("   GET  /ws                       - real-time collaboration")
		logger.Info().Msg("   GET  /api/projects/{id}/role   - resolve role")
		logger.Info().Msg("   PUT  /api/projects/{id}/code   - save code")
		logger.Info().Msg("   GET  /api/projects/{id}/chat   - session transcript")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("❌ Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("⚠️  Server forced to shutdown")
	}

	if err := orchestrator.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("some pending saves were not persisted")
	}

	logger.Info().Msg("✓ Server shutdown complete")
}
