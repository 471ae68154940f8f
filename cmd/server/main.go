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

	"github.com/Ciach0/nerimity-server/internal/adapter/fcm"
	"github.com/Ciach0/nerimity-server/internal/adapter/httpserver"
	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/adapter/postgres"
	"github.com/Ciach0/nerimity-server/internal/adapter/redis"
	"github.com/Ciach0/nerimity-server/internal/app"
	"github.com/Ciach0/nerimity-server/internal/broadcast"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/config"
	"github.com/Ciach0/nerimity-server/internal/platform/logging"
	"github.com/Ciach0/nerimity-server/internal/platform/version"
	"github.com/Ciach0/nerimity-server/internal/push"
	"github.com/Ciach0/nerimity-server/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type shutdownDeps struct {
	srv         *httpserver.Server
	broadcaster *broadcast.Broadcaster
	notifier    *push.Notifier
	relay       *redis.EventRelay
}

func runGracefulShutdown(deps shutdownDeps) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Live connections are hijacked, so Shutdown does not wait for them.
		deps.broadcaster.DisconnectAll()
		if err := deps.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		deps.notifier.Wait()
		if deps.relay != nil {
			deps.relay.Stop()
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet.
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.DatabaseMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.WithTracer(postgres.NewMetricsTracer(m)))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

// setupRedis returns nil when no Redis is configured.
func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	if !cfg.Clustered() {
		slog.Info("REDIS_URL not set, running as a single instance")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewCircuitBreakerHook(m), redis.NewMetricsHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupPushGateway returns nil when no credentials are configured. The result is
// typed as the interface so a missing gateway is a real nil.
func setupPushGateway(cfg *config.Config) domain.PushGateway {
	if cfg.FirebaseCredentialsFile == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gateway, err := fcm.NewGateway(ctx, cfg.FirebaseCredentialsFile)
	if err != nil {
		slog.Error("Failed to create push gateway", "error", err)
		os.Exit(1)
	}
	return gateway
}

// setupCounterStore keeps admission counters in Redis when instances share it.
func setupCounterStore(rdb *goredis.Client, clock clockwork.Clock) domain.CounterStore {
	if rdb == nil {
		return ratelimit.NewMemoryStore(clock)
	}
	return redis.NewCounterStore(rdb)
}

func setupRelay(cfg *config.Config, rdb *goredis.Client, broadcaster *broadcast.Broadcaster, m *metrics.BroadcastMetrics) *redis.EventRelay {
	if rdb == nil {
		return nil
	}
	if !cfg.EventRelayEnabled {
		slog.Info("Event relay disabled, broadcasts stay on this instance")
		return nil
	}

	relay := redis.NewEventRelay(rdb, uuid.NewString(), broadcaster, m)
	if err := relay.Start(context.Background()); err != nil {
		slog.Error("Failed to start event relay", "error", err)
		os.Exit(1)
	}
	broadcaster.AttachRelay(relay)
	return relay
}

func healthChecks(dbPing func(context.Context) error, rdb *goredis.Client) []httpserver.HealthCheck {
	var checks []httpserver.HealthCheck
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}
	return append(checks, httpserver.HealthCheck{Name: "postgres", Check: dbPing})
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	reg := metrics.NewRegistry()
	m := metrics.NewSet(reg)

	pool := setupDB(cfg, m.Database)
	defer pool.Close()

	redisClient := setupRedis(cfg, m.Redis)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	admission := ratelimit.NewController(setupCounterStore(redisClient, clock), cfg.RateLimitFailClosed, clock, m.Admission)

	userRepo := postgres.NewUserRepo(pool)
	membershipRepo := postgres.NewMembershipRepo(pool)
	pushRepo := postgres.NewPushRepo(pool)

	dispatcher := push.NewDispatcher(setupPushGateway(cfg), pushRepo, clock, m.Push, cfg.PushTimeout)
	notifier := push.NewNotifier(push.NewResolver(pushRepo), dispatcher)

	registry := broadcast.NewRegistry(m.Broadcast)
	broadcaster := broadcast.NewBroadcaster(registry, m.Broadcast)
	relay := setupRelay(cfg, redisClient, broadcaster, m.Broadcast)

	appSvc := app.NewService(userRepo, membershipRepo, registry, broadcaster, notifier, clock)

	limits := httpserver.NewConnectionLimits(
		int64(cfg.MaxWebSocketConnections),
		cfg.MaxConnectionsPerIP,
		cfg.ConnectionRatePerSecond,
		cfg.ConnectionRateBurst,
		clock,
	)

	srv := httpserver.NewServer(cfg, appSvc, admission, limits, m, metrics.Handler(reg), clock, healthChecks(pool.Ping, redisClient))

	done := runGracefulShutdown(shutdownDeps{
		srv:         srv,
		broadcaster: broadcaster,
		notifier:    notifier,
		relay:       relay,
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
