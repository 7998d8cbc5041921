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

	"callcenter-platform/internal/audit"
	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/callops"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
	"callcenter-platform/internal/health"
	"callcenter-platform/internal/httpapi"
	"callcenter-platform/internal/numbers"
	"callcenter-platform/internal/reconcile"
	"callcenter-platform/internal/telephony"
	"callcenter-platform/internal/watchdog"
	"callcenter-platform/pkg/logger"
	"callcenter-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Persistence and tenant number lookup (redis-cached).
	store := calls.NewPostgresStore(db)
	inventory := numbers.NewCachedInventory(numbers.NewPostgresInventory(db), rdb, 5*time.Minute)

	// Reconciliation core.
	resolver := reconcile.NewResolver(store, inventory)
	reconciler := reconcile.NewReconciler(store)

	// Provider adapter. Without credentials the API still serves webhooks and
	// reads; placements fail loudly.
	var provider callops.Provider
	if tw, err := telephony.NewTwilioProvider(cfg.Twilio); err == nil {
		provider = tw
	} else {
		log.Warn("twilio provider disabled", "err", err)
		provider = telephony.UnconfiguredProvider{}
	}

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	callSvc := callops.NewService(store, provider, reconciler, callops.Config{
		AnswerURL:         cfg.Twilio.AnswerURL,
		StatusCallbackURL: cfg.Twilio.StatusCallbackURL,
	}, log)
	callSvc.SetCaps(callops.NewRedisCaps(rdb, cfg.Calls.MaxConcurrentPerWorkspace, cfg.Calls.ConcurrencyCapTTL))
	callSvc.SetAudit(auditSvc)

	// Watchdog: per-call sessions plus the orphan sweep behind them.
	registry := watchdog.NewActiveRegistry(rdb, 5*cfg.Watchdog.PollInterval)
	manager := watchdog.NewManager(store, registry, cfg.Watchdog, log)
	manager.OnTimeout = func(ctx context.Context, workspaceID, callID, stage string, at time.Time) {
		if _, _, err := callSvc.MarkTimeout(ctx, workspaceID, callID, stage, at); err != nil {
			log.Error("watchdog timeout write failed", "call_id", callID, "err", err)
		}
	}
	callSvc.SetTracker(manager)
	defer manager.Shutdown()

	sweeper := watchdog.NewSweeper(store, callSvc, registry, cfg.Watchdog, log)
	go sweeper.Run(rootCtx)

	healthSvc := health.NewService(store, cfg.Health, log)

	webhooks := telephony.WebhookHandler{
		Resolver:   resolver,
		Reconciler: reconciler,
		Validator: telephony.NewSignatureValidator(
			cfg.Twilio.AuthToken, cfg.Twilio.WebhookSecret, cfg.Twilio.PublicBaseURL),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, auth.RequireAccessToken(authManager), webhooks, httpapi.Handlers{
		Calls:  callSvc,
		Health: healthSvc,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
