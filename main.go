package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/advisor/internal/advisor"
	"github.com/Kocoro-lab/advisor/internal/auth"
	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/config"
	"github.com/Kocoro-lab/advisor/internal/health"
	"github.com/Kocoro-lab/advisor/internal/httpapi"
	_ "github.com/Kocoro-lab/advisor/internal/metrics" // Import for side effects
	"github.com/Kocoro-lab/advisor/internal/registry"
	"github.com/Kocoro-lab/advisor/internal/tracing"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		os.Exit(hashKey(os.Args[2:]))
	}

	cfg, cfgErr := config.FromEnvOrDefaults()

	logger, err := newLogger(cfg.Observability.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfgErr != nil {
		logger.Warn("Config file unreadable, using defaults and environment", zap.Error(cfgErr))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection(ctx)

	// The policy directory must exist before Build so overrides are compiled in.
	var cm *config.ConfigManager
	if cfg.Safety.PolicyDir != "" {
		cm, err = config.NewConfigManager(cfg.Safety.PolicyDir, logger)
		if err != nil {
			logger.Warn("Hot reload disabled", zap.String("dir", cfg.Safety.PolicyDir), zap.Error(err))
		}
	}

	reg, err := registry.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build services", zap.Error(err))
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("Error closing services", zap.Error(err))
		}
	}()

	if cm != nil {
		reg.Watch(cm)
		if err := cm.Start(ctx); err != nil {
			logger.Warn("Failed to start config watcher", zap.Error(err))
		} else {
			defer cm.Stop()
		}
	}

	svc, err := advisor.New(reg)
	if err != nil {
		logger.Fatal("Failed to compile workflow", zap.Error(err))
	}

	reg.Health.SetCheckInterval(time.Duration(cfg.Observability.Health.IntervalSeconds) * time.Second)
	if err := reg.Health.Start(ctx); err != nil {
		logger.Warn("Health checks not started", zap.Error(err))
	}
	defer reg.Health.Stop()

	opts := []httpapi.Option{httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins...)}
	if cfg.Auth.Enabled || cfg.Auth.SkipAuth {
		mw, err := newAuthMiddleware(cfg.Auth, logger)
		if err != nil {
			logger.Fatal("Invalid auth configuration", zap.Error(err))
		}
		opts = append(opts, httpapi.WithAuth(mw))
	}
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		opts = append(opts, httpapi.WithRateLimiter(httpapi.NewRateLimiter(rdb, cfg.RateLimit.RequestsPerMinute, logger)))
	}

	apiMux := http.NewServeMux()
	httpapi.NewHandler(svc, logger, opts...).RegisterRoutes(apiMux)
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminMux := http.NewServeMux()
	health.NewHTTPHandler(reg.Health, logger).RegisterRoutes(adminMux)
	if cfg.Observability.Metrics.Enabled {
		adminMux.Handle("/metrics", promhttp.Handler())
	}
	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:           adminMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"api": apiServer, "admin": adminServer} {
		go func(name string, srv *http.Server) {
			logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}(name, srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown", zap.Error(err))
		}
	}
	logger.Info("Advisor stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func newAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) (*auth.Middleware, error) {
	if cfg.SkipAuth {
		logger.Warn("Authentication skipped; do not run this way in production")
		return auth.NewMiddleware(nil, nil, true, logger), nil
	}
	keys, err := auth.NewKeyStore(cfg.APIKeys)
	if err != nil {
		return nil, err
	}
	var jm *auth.JWTManager
	if cfg.JWTSecret != "" {
		jm = auth.NewJWTManager(cfg.JWTSecret, time.Duration(cfg.TokenTTLMinutes)*time.Minute)
	}
	return auth.NewMiddleware(keys, jm, false, logger), nil
}

// hashKey prints the bcrypt hash for an API key so it can be placed in auth.api_key_hashes
func hashKey(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: advisor hash-key adv_<secret>")
		return 2
	}
	hash, err := auth.HashAPIKey(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
