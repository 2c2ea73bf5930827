package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cutover-io/cutover/internal/app/migrate"
	"github.com/cutover-io/cutover/internal/audit"
	"github.com/cutover-io/cutover/internal/health"
	"github.com/cutover-io/cutover/internal/httpx"
	"github.com/cutover-io/cutover/internal/legacy"
	"github.com/cutover-io/cutover/internal/operators"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/progress"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository/postgres"
	"github.com/cutover-io/cutover/internal/runtime"
	"github.com/cutover-io/cutover/pkg/config"
	"github.com/cutover-io/cutover/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	if err := operators.Bootstrap(ctx, repo, log, cfg.BootstrapOperator, cfg.BootstrapPassword); err != nil {
		log.Error("operator bootstrap failed", "error", err)
		os.Exit(1)
	}
	reg := registry.New(repo, log, config.GetDuration("REGISTRY_CACHE_TTL", 5*time.Second))

	auditSvc := audit.New(repo, log, cfg.AuditRetentionDays, cfg.AuditPurgeEvery)
	go auditSvc.Run(ctx)

	docker, err := runtime.NewDocker(cfg.DockerHost)
	if err != nil {
		log.Error("docker runtime unavailable", "error", err)
		os.Exit(1)
	}
	providers := []runtime.Runtime{docker}
	if addr := strings.TrimSpace(cfg.AgentURL); addr != "" {
		agent, err := runtime.NewAgent(addr, cfg.AgentAuthToken)
		if err != nil {
			log.Warn("runtime agent unavailable", "error", err)
		} else {
			providers = append(providers, agent)
		}
	}
	rt, err := runtime.NewChain(log, providers...)
	if err != nil {
		log.Error("failed to build runtime chain", "error", err)
		os.Exit(1)
	}

	gate := health.New(cfg.HealthInterval, cfg.HealthAttempts, log)
	broker := progress.NewBroker(cfg.ProgressBuffer)
	go broker.Run(ctx)
	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)

	orch := orchestrator.New(reg, rt, gate, auditSvc, broker, nil, metrics, log, orchestrator.Config{
		GracePeriod:     cfg.GracePeriod,
		DeployTimeout:   cfg.DeployTimeout,
		SweepInterval:   cfg.SweepInterval,
		ConflictRetries: cfg.ConflictRetries,
		Network:         cfg.ContainerNetwork,
		HealthPath:      cfg.HealthPath,
		EnvSealKey:      cfg.EnvSealKey,
	})
	go orch.Run(ctx)

	paths := legacy.Paths{
		RegistryFile: config.GetString("LEGACY_REGISTRY_FILE", "/srv/cutover/registry.json"),
		WorkflowDir:  config.GetString("LEGACY_WORKFLOW_DIR", ".github/workflows"),
		ComposeFile:  config.GetString("LEGACY_COMPOSE_FILE", "docker-compose.yml"),
		ProxyDir:     config.GetString("LEGACY_PROXY_DIR", "/etc/nginx/conf.d"),
	}
	detector := legacy.NewDetector(reg, rt, paths, log)
	planner := legacy.NewPlanner(paths, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Deps{
		Registry:   reg,
		Orch:       orch,
		Audit:      auditSvc,
		Detector:   detector,
		Planner:    planner,
		Gate:       gate,
		Broker:     broker,
		Operators:  repo,
		Limiter:    limiter,
		DBHealth:   pool.Ping,
		JWTSecret:  cfg.JWTSecret,
		TokenTTL:   cfg.AccessTokenTTL,
		HealthPath: cfg.HealthPath,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
