package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mfriedel/channelgate/internal/gateway"
	"github.com/mfriedel/channelgate/internal/identity"
	"github.com/mfriedel/channelgate/internal/platform/config"
	"github.com/mfriedel/channelgate/internal/platform/logging"
	"github.com/mfriedel/channelgate/internal/platform/retry"
	"github.com/mfriedel/channelgate/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, url string) *goredis.Client {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		slog.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	// The token store may come up after us; retry before giving up.
	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	err = retry.DoVoid(ctx, policy, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupVerifier(cfg *config.Config) (identity.Verifier, server.PingChecker, func()) {
	switch cfg.AuthMode {
	case config.AuthModeRedis:
		client := setupRedis(context.Background(), cfg.RedisURL)
		verifier := identity.NewRedisVerifier(client)
		cleanup := func() { _ = client.Close() }
		return verifier, verifier, cleanup
	default:
		return identity.NewJWTVerifier(cfg.JWTSecret), nil, func() {}
	}
}

func runGracefulShutdown(srv *server.Server, hub *gateway.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "auth_mode", cfg.AuthMode)

	verifier, depChecker, cleanup := setupVerifier(cfg)
	defer cleanup()

	hub := gateway.NewHub(clock, gateway.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	})
	session := gateway.NewSession(hub, verifier, clock, cfg.AuthTimeout)

	srv := server.NewServer(cfg, hub, session, depChecker)

	done := runGracefulShutdown(srv, hub)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
