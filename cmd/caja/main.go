package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/caja-rds/caja-rds/cmd/caja/cli"
	"github.com/caja-rds/caja-rds/internal/app"
	"github.com/caja-rds/caja-rds/internal/audit"
	audithttp "github.com/caja-rds/caja-rds/internal/audit/http"
	"github.com/caja-rds/caja-rds/internal/auth"
	"github.com/caja-rds/caja-rds/internal/dashboard"
	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/members"
	"github.com/caja-rds/caja-rds/internal/mutualaid"
	"github.com/caja-rds/caja-rds/internal/notifications"
	"github.com/caja-rds/caja-rds/internal/observability"
	"github.com/caja-rds/caja-rds/internal/platform/cache"
	"github.com/caja-rds/caja-rds/internal/platform/db"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
	"github.com/caja-rds/caja-rds/internal/users"
	"github.com/caja-rds/caja-rds/jobs"
	"github.com/caja-rds/caja-rds/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr, cfg.IdempotencyRetention)
		code := jobsCLI.Run(ctx, os.Args[2:], os.Stdout, os.Stderr)
		_ = jobsCLI.Close()
		os.Exit(code)
	}

	logger := app.NewLogger(cfg)
	location, _ := cfg.Location()

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := db.Migrate(ctx, dbpool, migrations.FS, logger); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	rbacMiddleware := rbac.Middleware{Logger: logger}
	locks := shared.NewKeyedLocker()

	usersService := users.NewService(users.NewRepository(dbpool), logger)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	authService := auth.NewService(usersService, tokens, auth.NewRedisRevocations(redisClient), logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	notificationsService := notifications.NewService(notifications.NewRepository(dbpool), jobsClient, logger)

	membersService := members.NewService(members.NewRepository(dbpool), logger)
	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), locks, notificationsService, logger)
	mutualAidService := mutualaid.NewService(mutualaid.NewRepository(dbpool), ledgerService, locks, notificationsService, logger)
	mutualAidService.WithMinMembership(cfg.MutualAidMinMembership)

	dashboardService := dashboard.NewService(
		dashboard.NewRepository(dbpool),
		dashboard.NewCache(redisClient, cfg.DashboardCacheTTL),
		location,
		logger,
	)
	ledgerService.OnPosted(dashboardService.Invalidate)
	ledgerService.OnPosted(metrics.ObservePosting)

	auditService := audit.NewService(audit.NewRepository(dbpool))

	if err := app.Seed(ctx, cfg, app.Seeds{
		Users:     usersService,
		Members:   membersService,
		MutualAid: mutualAidService,
	}, logger); err != nil {
		logger.Error("seed", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		Database:             dbpool,
		AuthHandler:          auth.NewHandler(logger, authService),
		UsersHandler:         users.NewHandler(logger, usersService, rbacMiddleware),
		MembersHandler:       members.NewHandler(logger, membersService, rbacMiddleware),
		LedgerHandler:        ledger.NewHandler(logger, ledgerService, rbacMiddleware, shared.NewIdempotencyStore(dbpool)),
		MutualAidHandler:     mutualaid.NewHandler(logger, mutualAidService, rbacMiddleware),
		NotificationsHandler: notifications.NewHandler(logger, notificationsService, rbacMiddleware),
		AuditHandler:         audithttp.NewHandler(logger, auditService),
		DashboardHandler:     dashboard.NewHandler(logger, dashboardService, rbacMiddleware),
		PermissionsHandler:   rbac.NewPermissionsHandler(rbacMiddleware),
		JobHandler:           jobs.NewHandler(inspector, logger),
		RBACMiddleware:       rbacMiddleware,
		Metrics:              metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
