package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/cookie-gateway/internal/api"
	"github.com/felipepmaragno/cookie-gateway/internal/auth"
	"github.com/felipepmaragno/cookie-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/cookie-gateway/internal/config"
	"github.com/felipepmaragno/cookie-gateway/internal/dispatch"
	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/httputil"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
	"github.com/felipepmaragno/cookie-gateway/internal/notifications"
	"github.com/felipepmaragno/cookie-gateway/internal/provider/sourcegraph"
	"github.com/felipepmaragno/cookie-gateway/internal/queue"
	"github.com/felipepmaragno/cookie-gateway/internal/ratelimit"
	"github.com/felipepmaragno/cookie-gateway/internal/repository"
	"github.com/felipepmaragno/cookie-gateway/internal/secrets"
	"github.com/felipepmaragno/cookie-gateway/internal/telemetry"
	"github.com/felipepmaragno/cookie-gateway/internal/usage"
)

const serviceName = "cookie-gateway"

var version = "dev"

// credentialPool is what the dispatcher, health checks and admin API need
// from the cookie store.
type credentialPool interface {
	dispatch.CredentialStore
	api.CredentialAdmin
	EnsureCredential(ctx context.Context, alias, secret string) (bool, error)
}

type apiKeyStore interface {
	auth.KeyStore
	api.APIKeyAdmin
}

type stores struct {
	credentials credentialPool
	apiKeys     apiKeyStore
	usage       usage.Sink
	db          *sql.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting cookie gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, version)

	shutdownTracing, err := telemetry.Init(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}

	if err := seedCredentials(ctx, st.credentials, cfg.Cookies); err != nil {
		slog.Error("failed to seed cookies", "error", err)
		os.Exit(1)
	}
	if err := seedAPIKeys(ctx, st.apiKeys, cfg.APIKeys); err != nil {
		slog.Error("failed to seed api keys", "error", err)
		os.Exit(1)
	}

	if n, err := st.credentials.CountActive(ctx); err == nil {
		metrics.SetActiveCredentials(n)
		if n == 0 {
			slog.Warn("no active cookies configured, chat requests will fail until one is added")
		}
	}

	checkers := []api.HealthChecker{api.NewCredentialPoolChecker(st.credentials)}
	if st.db != nil {
		checkers = append(checkers, api.NewDatabaseHealthChecker(st.db, cfg.DatabaseDriver))
	}

	var redisClient *redis.Client
	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		redisClient, err = ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		rateLimiter = ratelimit.NewRedisRateLimiter(redisClient)
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	sinks, err := usageSinks(ctx, cfg, st.usage)
	if err != nil {
		slog.Error("failed to configure usage sinks", "error", err)
		os.Exit(1)
	}
	recorder := usage.NewAsyncRecorder(cfg.UsageBuffer, sinks...)

	clientCfg := httputil.DefaultConfig()
	clientCfg.Timeout = cfg.UpstreamTimeout
	clientCfg.ProxyURL = cfg.ProxyURL
	httpClient, err := httputil.NewClient(clientCfg)
	if err != nil {
		slog.Error("failed to build upstream client", "error", err)
		os.Exit(1)
	}

	upstreamOpts := []sourcegraph.Option{
		sourcegraph.WithBaseURL(cfg.SourcegraphURL),
		sourcegraph.WithEndpoint(cfg.ChatEndpoint),
		sourcegraph.WithHTTPClient(httpClient),
	}
	if cfg.UserAgent != "" {
		upstreamOpts = append(upstreamOpts, sourcegraph.WithUserAgent(cfg.UserAgent))
	}

	var upstream dispatch.Upstream = sourcegraph.NewClient(upstreamOpts...)
	if cfg.CircuitFailureThreshold > 0 {
		breakerCfg := circuitbreaker.DefaultConfig()
		breakerCfg.FailureThreshold = cfg.CircuitFailureThreshold
		breakerCfg.Timeout = cfg.CircuitOpenTimeout

		var breaker circuitbreaker.Breaker = circuitbreaker.NewInMemory(breakerCfg)
		if redisClient != nil {
			breaker = circuitbreaker.NewRedis(redisClient, "sourcegraph", breakerCfg)
		}
		upstream = circuitbreaker.NewGuardedUpstream(upstream, breaker)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Credentials: st.credentials,
		Usage:       recorder,
		Upstream:    upstream,
		Policy:      dispatch.RetryPolicy(cfg.RetryPolicy),
		MaxAttempts: cfg.RetryMaxAttempts,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Dispatcher:        dispatcher,
		Credentials:       st.credentials,
		RateLimiter:       rateLimiter,
		RateLimit:         cfg.RequestRateLimit,
		Identify:          auth.CallerFromRequest,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Checkers:          checkers,
		Version:           version,
	})

	authenticator := auth.NewAuthenticator(st.apiKeys)

	mux := http.NewServeMux()
	mux.Handle("/v1/", authenticator.Middleware(handler))
	mux.Handle("/", handler)
	if cfg.AdminTokenHash != "" {
		guard := auth.NewAdminGuard(cfg.AdminTokenHash)
		mux.Handle("/admin/", guard.RequireAdmin(api.NewAdminHandler(st.credentials, st.apiKeys)))
		slog.Info("admin api enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Completion streams may legitimately run as long as the upstream timeout.
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		slog.Error("usage recorder did not drain", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if st.db != nil {
		st.db.Close()
	}

	slog.Info("server stopped")
}

// openStores returns SQL-backed stores when a database is configured and
// process-local ones otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.DatabaseDriver == "" {
		slog.Info("no database configured, using in-memory stores")
		return &stores{
			credentials: repository.NewInMemoryCredentialStore(),
			apiKeys:     repository.NewInMemoryAPIKeyStore(),
			usage:       repository.NewInMemoryUsageRepository(),
		}, nil
	}

	dsn := cfg.DatabaseURL
	if cfg.DatabaseSecretName != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("secrets manager: %w", err)
		}
		dsn, err = secrets.ResolveDSN(ctx, sm, cfg.DatabaseSecretName, cfg.DatabaseDriver)
		if err != nil {
			return nil, err
		}
		slog.Info("database dsn loaded from secrets manager", "secret", cfg.DatabaseSecretName)
	}

	db, dialect, err := repository.Open(ctx, cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}
	if err := repository.EnsureSchema(ctx, db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	slog.Info("connected to database", "driver", dialect.Name())
	return &stores{
		credentials: repository.NewSQLCredentialStore(db, dialect),
		apiKeys:     repository.NewSQLAPIKeyStore(db, dialect),
		usage:       repository.NewSQLUsageRepository(db, dialect),
		db:          db,
	}, nil
}

// seedCredentials adds boot-time cookies, skipping values already pooled.
func seedCredentials(ctx context.Context, pool credentialPool, cookies []string) error {
	added := 0
	for i, cookie := range cookies {
		ok, err := pool.EnsureCredential(ctx, fmt.Sprintf("env-%d", i+1), cookie)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	if len(cookies) > 0 {
		slog.Info("seeded cookies", "configured", len(cookies), "added", added)
	}
	return nil
}

func seedAPIKeys(ctx context.Context, keys apiKeyStore, plain []string) error {
	for i, key := range plain {
		hash := auth.HashAPIKey(key)
		_, err := keys.GetActiveByHash(ctx, hash)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := keys.Create(ctx, fmt.Sprintf("env-%d", i+1), hash); err != nil {
			return err
		}
	}
	if len(plain) > 0 {
		slog.Info("api key authentication enabled", "configured", len(plain))
	}
	return nil
}

// usageSinks fans usage records out to the store plus the optional SQS
// export and credential pool alerts.
func usageSinks(ctx context.Context, cfg *config.Config, store usage.Sink) ([]usage.Sink, error) {
	sinks := []usage.Sink{store}

	if cfg.UsageQueueURL != "" {
		exporter, err := queue.NewSQSUsageExporter(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			return nil, fmt.Errorf("sqs exporter: %w", err)
		}
		sinks = append(sinks, exporter)
		slog.Info("exporting usage records to sqs")
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.AlertTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			return nil, fmt.Errorf("sns notifier: %w", err)
		}
		notifier = sns
		slog.Info("publishing credential alerts to sns")
	}
	sinks = append(sinks, notifications.NewAlertSink(notifier, cfg.AlertCooldown))

	return sinks, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
