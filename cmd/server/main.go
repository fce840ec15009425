package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/payout-reconciler/config"
	"github.com/d60-Lab/payout-reconciler/internal/api"
	"github.com/d60-Lab/payout-reconciler/internal/api/handler"
	"github.com/d60-Lab/payout-reconciler/internal/cache"
	"github.com/d60-Lab/payout-reconciler/internal/ingest"
	"github.com/d60-Lab/payout-reconciler/internal/mpesa"
	"github.com/d60-Lab/payout-reconciler/internal/queue"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
	"github.com/d60-Lab/payout-reconciler/internal/service"
	"github.com/d60-Lab/payout-reconciler/pkg/database"
	"github.com/d60-Lab/payout-reconciler/pkg/logger"
	"github.com/d60-Lab/payout-reconciler/pkg/tracing"
)

// @title Payout Reconciler API
// @version 1.0
// @description B2C 付款发起、回调对账与结果下发
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.Trace.Enabled {
		shutdown, err := tracing.Init(ctx, "payout-reconciler", cfg.Trace.OTLPEndpoint)
		if err != nil {
			logger.Warn("tracing init failed", zap.Error(err))
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Error("init database", zap.Error(err))
		return
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.RequestQueue, cfg.RabbitMQ.OutcomeQueue)
	if err != nil {
		logger.Error("init rabbitmq", zap.Error(err))
		return
	}
	defer rmq.Close()

	repo := repository.NewTransactionRepository(db)
	tokens := mpesa.NewTokenCache(cfg.MPesa)
	client := mpesa.NewClient(cfg.MPesa, tokens, repo)
	reconciler := service.NewReconciler(repo, rmq)
	ingestor := ingest.NewIngestor()
	statusCache := cache.NewStatusCache(repo, rdb, 10*time.Minute)

	// 后台消费付款请求队列
	go func() {
		if err := rmq.ConsumeRequests(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("request consumer stopped", zap.Error(err))
			stop()
		}
	}()

	h := handler.New(ingestor, reconciler, client, statusCache)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(cfg, h),
	}

	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
