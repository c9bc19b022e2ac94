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

	"github.com/redis/go-redis/v9"

	"github.com/hydai/ff14.tw-marketboard-api/internal/analytics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/api"
	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/logger"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志与存储
// 3. 初始化并启动 API 服务器
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage, appLogger)
	if err != nil {
		appLogger.Error("open storage failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
	}

	cache := kvcache.New(rdb, appLogger)
	st := store.New(db, appLogger)
	analyticsSvc := analytics.New(st, cache, cfg.Analytics, cfg.Cache.AnalyticsTTL, appLogger)
	srv := api.NewServer(cfg, st, cache, analyticsSvc, appLogger)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
