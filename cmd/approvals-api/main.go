package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/lyrics-approvals-api/api/swagger"
	"github.com/noah-isme/lyrics-approvals-api/internal/changestream"
	"github.com/noah-isme/lyrics-approvals-api/internal/handler"
	"github.com/noah-isme/lyrics-approvals-api/internal/middleware"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	"github.com/noah-isme/lyrics-approvals-api/internal/realtime"
	"github.com/noah-isme/lyrics-approvals-api/internal/repository"
	"github.com/noah-isme/lyrics-approvals-api/internal/service"
	"github.com/noah-isme/lyrics-approvals-api/pkg/cache"
	"github.com/noah-isme/lyrics-approvals-api/pkg/config"
	"github.com/noah-isme/lyrics-approvals-api/pkg/database"
	"github.com/noah-isme/lyrics-approvals-api/pkg/jobs"
	"github.com/noah-isme/lyrics-approvals-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lyrics-approvals-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lyrics-approvals-api/pkg/middleware/requestid"
)

// @title Lyrics Approvals API
// @version 1.0.0
// @description Admin approval queue for generated lyrics with live refresh signals.
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Sync.StreamBackend == config.StreamBackendRedis {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	app := build(ctx, cfg, logr, db, redisClient)
	defer app.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// Shutdown does not track hijacked websocket connections.
		app.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logr.Warn("server shutdown failed", zap.Error(err))
		}
	}()

	logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "stream", cfg.Sync.StreamBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
	logr.Info("server stopped")
}

type application struct {
	router    *gin.Engine
	registry  *realtime.Registry
	hub       *realtime.Hub
	debouncer *realtime.Debouncer
	watcher   *service.AutoApprovalWatcher
	approvals *service.ApprovalService
	stream    changestream.Stream
}

func (a *application) close() {
	a.hub.Close()
	a.registry.Close()
	a.watcher.Stop()
	a.approvals.Close()
	a.debouncer.Stop()
	if m, ok := a.stream.(*changestream.Memory); ok {
		m.Close()
	}
}

func build(ctx context.Context, cfg *config.Config, logr *zap.Logger, db *sqlx.DB, redisClient *redis.Client) *application {
	metrics := service.NewMetricsService()
	validate := validator.New()
	topic := cfg.Sync.Topic

	repo := repository.NewApprovalRepository(db)

	var (
		stream    changestream.Stream
		publisher changestream.Publisher
	)
	switch cfg.Sync.StreamBackend {
	case config.StreamBackendRedis:
		rs := changestream.NewRedis(redisClient, cfg.Sync.LiveSendBufferSize, logger.Component(logr, "changestream"))
		stream, publisher = rs, rs
	case config.StreamBackendNone:
		mem := changestream.NewMemory()
		stream, publisher = mem, mem
	default:
		stream = changestream.NewPostgres(changestream.PostgresConfig{
			DSN:                  database.DSN(cfg.Database),
			MinReconnectInterval: cfg.Sync.PGMinReconnect,
			MaxReconnectInterval: cfg.Sync.PGMaxReconnect,
		}, logger.Component(logr, "changestream"))
	}

	queryCache := service.NewQueryCache(repo, service.QueryCacheConfig{
		DefaultLimit: cfg.Sync.DefaultPageSize,
		MaxLimit:     cfg.Sync.MaxPageSize,
		TTL:          cfg.Sync.WindowTTL,
		Concurrency:  cfg.Sync.RefetchConcurrency,
	}, logger.Component(logr, "query_cache"), service.WithCacheMetrics(metrics))

	debouncer := realtime.NewDebouncer(queryCache, logger.Component(logr, "debouncer"),
		realtime.WithWindow(cfg.Sync.DebounceWindow),
		realtime.WithInvalidationRecorder(metrics),
		realtime.WithBaseContext(ctx),
	)

	watcher := service.NewAutoApprovalWatcher(repo, debouncer, jobs.QueueConfig{
		Workers:    cfg.Sync.WatcherWorkers,
		MaxRetries: cfg.Sync.WatcherRetries,
		RetryDelay: cfg.Sync.WatcherRetryDelay,
	}, logger.Component(logr, "auto_approval"), service.WithWatcherMetrics(metrics))
	watcher.Start(ctx)

	sessions := service.NewSessionService(service.SessionConfig{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
	}, logger.Component(logr, "session"))

	// Handlers, the watcher included, only see changes while a live client holds a lease.
	registry := realtime.NewRegistry(stream, sessions, logger.Component(logr, "registry"),
		realtime.WithHandlers(debouncer, watcher),
		realtime.WithTopicResetter(debouncer),
		realtime.WithSubscriptionRecorder(metrics),
	)

	hub := realtime.NewHub(cfg.Sync.LiveSendBufferSize, logger.Component(logr, "hub"))
	queryCache.OnRefresh(hub.Refresh)

	var remote service.RemoteActions
	if cfg.Remote.FunctionsURL != "" {
		remote = service.NewFunctionsClient(service.FunctionsConfig{
			BaseURL: cfg.Remote.FunctionsURL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		}, logger.Component(logr, "functions"))
	} else {
		var opts []service.StoreActionsOption
		if publisher != nil {
			opts = append(opts, service.WithChangePublisher(publisher, topic))
		}
		remote = service.NewStoreActions(repo, logger.Component(logr, "store_actions"), opts...)
	}

	approvals := service.NewApprovalService(remote, queryCache, debouncer, topic, logger.Component(logr, "mutations"),
		service.WithApproveGrace(cfg.Sync.ApproveGrace),
		service.WithMutationMetrics(metrics),
		service.WithSessionSource(sessions),
	)

	approvalHandler := handler.NewApprovalHandler(queryCache, approvals, service.MutationKinds, validate)
	liveHandler := handler.NewLiveHandler(registry, hub, queryCache, approvalHandler, handler.LiveConfig{
		Topic:          topic,
		WriteTimeout:   cfg.Sync.LiveWriteTimeout,
		PingInterval:   cfg.Sync.LivePingInterval,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, logger.Component(logr, "live"))

	checks := map[string]handler.Pinger{"postgres": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	metricsHandler := handler.NewMetricsHandler(metrics, checks).WithStreamConnections(registry.Connections)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Features.Swagger && cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	audit := logger.Component(logr, "audit")
	admin := []models.UserRole{models.RoleSuperAdmin, models.RoleAdmin, models.RoleReviewer}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())

	if cfg.Features.LiveUpdates {
		api.GET("/approvals/live", middleware.OptionalJWT(sessions), liveHandler.Stream)
	}

	secured := api.Group("")
	secured.Use(middleware.JWT(sessions), middleware.RequireRoles(admin...))
	secured.GET("/stats", metricsHandler.Stats)
	secured.GET("/approvals/live/status", liveHandler.Status)

	approvalsGroup := secured.Group("/approvals")
	approvalsGroup.GET("", approvalHandler.List)
	approvalsGroup.GET("/count", approvalHandler.Count)
	approvalsGroup.GET("/:id/in-flight", approvalHandler.InFlight)
	approvalsGroup.POST("/:id/approve", middleware.Audit(audit, service.MutationApprove), approvalHandler.Approve)
	approvalsGroup.POST("/:id/reject", middleware.Audit(audit, service.MutationReject), approvalHandler.Reject)
	approvalsGroup.POST("/:id/regenerate", middleware.Audit(audit, service.MutationRegenerate), approvalHandler.Regenerate)
	approvalsGroup.POST("/:id/unapprove", middleware.Audit(audit, service.MutationUnapprove), approvalHandler.Unapprove)
	approvalsGroup.PUT("/:id/lyrics", middleware.Audit(audit, service.MutationEdit), approvalHandler.Edit)
	approvalsGroup.DELETE("/:id", middleware.Audit(audit, service.MutationDelete), approvalHandler.Delete)

	return &application{
		router:    r,
		registry:  registry,
		hub:       hub,
		debouncer: debouncer,
		watcher:   watcher,
		approvals: approvals,
		stream:    stream,
	}
}
