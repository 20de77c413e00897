// Package main is the entry point for the custodian server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/northstar-lms/custodian/internal/api"
	"github.com/northstar-lms/custodian/internal/archive"
	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/auth"
	"github.com/northstar-lms/custodian/internal/config"
	"github.com/northstar-lms/custodian/internal/db"
	"github.com/northstar-lms/custodian/internal/enforcement"
	"github.com/northstar-lms/custodian/internal/entities"
	"github.com/northstar-lms/custodian/internal/governance"
	"github.com/northstar-lms/custodian/internal/health"
	"github.com/northstar-lms/custodian/internal/jobs"
	"github.com/northstar-lms/custodian/internal/legalhold"
	"github.com/northstar-lms/custodian/internal/middleware"
	"github.com/northstar-lms/custodian/internal/retention"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

type registrar interface {
	Register(prometheus.Registerer) error
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Custodian Records Governance Server")
		fmt.Println()
		fmt.Println("Usage: custodian [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting custodian", append([]any{"version", version}, summaryArgs(cfg)...)...)

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    "custodian",
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporterType,
		OTLPEndpoint:   cfg.TracingOTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	if err := db.MigrateToLatest(cfg.DatabaseURL, logger); err != nil {
		return err
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	auditMetrics := audit.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	enforcementMetrics := enforcement.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, m := range []registrar{auditMetrics, jobMetrics, enforcementMetrics, httpMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	ledger := audit.NewLedger(audit.NewPostgresStore(conn, logger), audit.LedgerConfig{
		Logger:  logger,
		Metrics: auditMetrics,
	})
	holds := legalhold.NewRegistry(legalhold.NewPostgresStore(conn, logger), legalhold.RegistryConfig{Logger: logger})
	policyStore := retention.NewPostgresStore(conn, logger)
	resolver := retention.NewResolver(policyStore, retention.ResolverConfig{})
	policies := governance.PolicySet{
		Manager: retention.NewManager(policyStore, retention.ManagerConfig{
			Logger:   logger,
			Minimums: cfg.RegulatoryMinimums,
		}),
		Resolver: resolver,
	}

	govConfig := governance.Config{Logger: logger}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.New(archive.Config{
			BucketName:      cfg.ArchiveBucketName,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			Prefix:          cfg.ArchivePrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize segment archive: %w", err)
		}
		govConfig.Archiver = archiver
	}
	service := governance.NewService(ledger, holds, policies, govConfig)

	verification := audit.NewVerificationJob(audit.VerificationJobConfig{
		Interval:   cfg.VerificationInterval,
		Logger:     logger,
		Metrics:    auditMetrics,
		JobMetrics: jobMetrics,
	}, ledger)
	if err := verification.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ledger verification: %w", err)
	}
	defer verification.Stop()

	scheduler := newScheduler(cfg, logger, conn, redisClient, resolver, holds, ledger, enforcementMetrics, jobMetrics)
	if scheduler != nil {
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start retention enforcement: %w", err)
		}
		defer scheduler.Stop()
	}

	var authn *auth.JWTService
	if cfg.JWTPreviousSecret != "" {
		authn = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	} else {
		authn = auth.NewJWTService(cfg.JWTSecret)
	}

	healthConfig := api.HealthHandlersConfig{
		DBChecker:     health.NewDBChecker(conn),
		LedgerChecker: health.NewLedgerChecker(verification, 2*cfg.VerificationInterval),
	}
	var limitStore middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	if redisClient != nil {
		healthConfig.RedisChecker = health.NewRedisChecker(redisClient)
		limitStore = middleware.NewRedisRateLimitStore(redisClient).WithMetrics(httpMetrics).WithLogger(logger)
	}

	handler := api.NewRouter(api.RouterConfig{
		Governance:     api.NewGovernanceHandlers(service),
		Health:         api.NewHealthHandlers(healthConfig),
		Authenticator:  authn,
		Logger:         logger,
		RateLimitStore: limitStore,
		Metrics:        httpMetrics,
		Gatherer:       reg,
		ServiceName:    "custodian",
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, server, logger)
}

// serve runs server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newScheduler returns nil when enforcement is disabled or has nothing to purge.
func newScheduler(
	cfg *config.Config,
	logger *slog.Logger,
	conn *sql.DB,
	redisClient *redis.Client,
	policies enforcement.PolicySource,
	holds enforcement.HoldRegistry,
	ledger enforcement.Ledger,
	metrics *enforcement.Metrics,
	jobMetrics jobs.Reporter,
) *enforcement.Scheduler {
	if !cfg.EnforcementEnabled {
		logger.Info("retention enforcement disabled")
		return nil
	}
	if len(cfg.EntitySources) == 0 {
		logger.Warn("retention enforcement enabled but no entity sources configured; skipping")
		return nil
	}

	sources := make([]entities.Source, 0, len(cfg.EntitySources))
	for _, s := range cfg.EntitySources {
		sources = append(sources, entities.Source{
			EntityType:     s.EntityType,
			Table:          s.Table,
			IDColumn:       s.IDColumn,
			TenantColumn:   s.TenantColumn,
			TerminalColumn: s.TerminalColumn,
			ClassesColumn:  s.ClassesColumn,
		})
	}

	schedConfig := enforcement.Config{
		Interval:       cfg.EnforcementInterval,
		Timeout:        cfg.EnforcementTimeout,
		ReviewLeadTime: cfg.HoldReviewLeadTime,
		Logger:         logger,
		Metrics:        metrics,
		JobMetrics:     jobMetrics,
	}
	if redisClient != nil {
		schedConfig.Lease = enforcement.NewRedisLease(redisClient, "")
	} else {
		logger.Warn("REDIS_URL not set; enforcement runs without a lease, run a single replica")
	}

	store := entities.NewSQLStore(conn, sources, 0, logger)
	return enforcement.NewScheduler(schedConfig, policies, holds, ledger, store)
}

func summaryArgs(cfg *config.Config) []any {
	summary := cfg.LogSummary()
	args := make([]any, 0, 2*len(summary))
	for k, v := range summary {
		args = append(args, k, v)
	}
	return args
}
