// boardsync - live synchronization server for the collaborative task board
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/ashureev/boardsync/internal/api"
	"github.com/ashureev/boardsync/internal/config"
	"github.com/ashureev/boardsync/internal/gateway"
	"github.com/ashureev/boardsync/internal/health"
	"github.com/ashureev/boardsync/internal/identity"
	"github.com/ashureev/boardsync/internal/middleware"
	"github.com/ashureev/boardsync/internal/presence"
	"github.com/ashureev/boardsync/internal/store"
	"github.com/ashureev/boardsync/internal/telemetry"
	"github.com/ashureev/boardsync/internal/transport"
)

const healthCheckInterval = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "node_id", cfg.NodeID, "presence", cfg.Presence.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, cfg.NodeID)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.ServiceName))
	if err != nil {
		slog.Error("Failed to create metric instruments", "error", err)
		os.Exit(1)
	}

	register, closeRegister, err := openRegister(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize presence register", "error", err)
		os.Exit(1)
	}
	defer closeRegister()

	verifier := identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)

	gw := gateway.New(gateway.Options{
		Verifier:       verifier,
		Register:       register,
		Logger:         logger,
		Metrics:        metrics,
		OutboxSize:     cfg.Realtime.OutboxSize,
		CleanupTimeout: cfg.Realtime.CleanupTimeout,
	})

	wsHandler := transport.NewWebSocketHandler(gw, transport.WebSocketOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		ReadLimit:      cfg.Realtime.ReadLimit,
		PingInterval:   cfg.Realtime.PingInterval,
		Logger:         logger,
	})
	pollHandler := transport.NewPollHandler(gw, verifier, transport.PollOptions{
		MaxWait:     cfg.Realtime.PollWait,
		IdleTimeout: cfg.Realtime.PollIdleTimeout,
		ReadLimit:   cfg.Realtime.ReadLimit,
		Logger:      logger,
	})
	pollHandler.StartReaper(ctx)

	apiHandler := api.NewHandler(gw, register, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Mount("/rt/poll", pollHandler.Routes())
	r.Mount("/api", apiHandler.Routes(verifier))

	// Long-poll requests hold the response for up to POLL_WAIT, so there is
	// no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var grpcHealth *health.Server
	if cfg.GRPCHealth != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealth)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealth, "error", err)
			os.Exit(1)
		}
		grpcHealth = health.NewGRPCServer(register, logger)
		grpcHealth.Watch(ctx, healthCheckInterval)
		go func() {
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...", "connections", gw.Len())

	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	// Every connection leaves its rooms through the normal cleanup path
	// before the listener goes away.
	if err := gw.CloseAll(gateway.CauseShutdown); err != nil {
		slog.Warn("Some connections did not clean up", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// openRegister builds the configured presence backend. A SQLite register
// discards records left by a previous run of this node, since none of them
// can belong to a live connection.
func openRegister(ctx context.Context, cfg *config.Config) (presence.Register, func(), error) {
	if cfg.Presence.Backend != config.PresenceSQLite {
		return presence.NewMemory(), func() {}, nil
	}

	db, err := store.NewSQLitePresence(cfg.Presence.DBPath, cfg.NodeID)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close presence database", "error", closeErr)
		}
	}

	purged, err := db.PurgeNode(ctx, cfg.NodeID)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	slog.Info("Presence database connected", "path", cfg.Presence.DBPath, "stale_records_purged", purged)

	return db, closeFn, nil
}
