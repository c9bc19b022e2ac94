package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hydai/ff14.tw-marketboard-api/internal/aggregate"
	"github.com/hydai/ff14.tw-marketboard-api/internal/analytics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/ingest"
	"github.com/hydai/ff14.tw-marketboard-api/internal/maintain"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/fetchqueue"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/lock"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/logger"
	"github.com/hydai/ff14.tw-marketboard-api/internal/poller"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
	"github.com/hydai/ff14.tw-marketboard-api/internal/xivapi"
)

// main 是轮询采集服务的入口函数。
//
// 它负责：
// 1. 加载配置、获取单机锁
// 2. 初始化存储与上游客户端
// 3. 冷启动时同步物品目录
// 4. 启动轮询循环（直连模式）或派发+消费（队列模式）
// 5. 启动 Metrics 服务与优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	lease, err := lock.Acquire(cfg.App.LockPath, appLogger)
	if errors.Is(err, lock.ErrHeld) {
		appLogger.Info("another poller instance is running, exiting")
		return
	}
	if err != nil {
		appLogger.Error("acquire lock failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer lease.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage, appLogger)
	if err != nil {
		appLogger.Error("open storage failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st := store.New(db, appLogger)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
	}
	cache := kvcache.New(rdb, appLogger)

	market := universalis.NewClient(universalis.Options{
		BaseURL:           cfg.Upstream.UniversalisBaseURL,
		UserAgent:         cfg.Upstream.UserAgent,
		Timeout:           cfg.Upstream.RequestTimeout,
		ItemsPerRequest:   cfg.Upstream.ItemsPerRequest,
		AggregatedCap:     cfg.Upstream.AggregatedCap,
		DefaultRetryAfter: cfg.Upstream.DefaultRetryAfter,
		Logger:            appLogger,
	})
	catalog := xivapi.NewClient(xivapi.Options{
		BaseURL:   cfg.Upstream.XIVAPIBaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.RequestTimeout,
		BatchRows: cfg.Upstream.CatalogBatchRows,
		Logger:    appLogger,
	})

	ingestor := ingest.New(db, appLogger).WithCache(cache)
	aggregator := aggregate.New(db, appLogger)
	maintainer := maintain.New(db, cfg.Retention, appLogger)
	analyticsSvc := analytics.New(st, cache, cfg.Analytics, cfg.Cache.AnalyticsTTL, appLogger)
	marketable := ingest.NewCachedMarketable(market, cache, cfg.Cache.MarketableTTL)
	syncer := ingest.NewItemSyncer(st, marketable, catalog, appLogger)

	if err := bootstrapCatalog(ctx, cfg, st, syncer, market, appLogger); err != nil {
		appLogger.Error("catalog bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metricsAddr := ":2112"
	if v := os.Getenv("POLLER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("poller metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	p := poller.New(cfg, st, market, ingestor, aggregator, maintainer, analyticsSvc, appLogger)

	if cfg.Queue.Enable {
		runQueued(ctx, cfg, rdb, p, market, ingestor, appLogger)
	} else {
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("poller stopped with error", slog.String("error", err.Error()))
		}
	}

	appLogger.Info("shutting down poller...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	appLogger.Info("poller stopped gracefully")
}

// bootstrapCatalog 冷启动或目录过期（24h）时同步一次物品目录与税率。
func bootstrapCatalog(ctx context.Context, cfg *config.Config, st *store.Store, syncer *ingest.ItemSyncer, taxes ingest.TaxSource, appLogger *slog.Logger) error {
	last, err := st.Watermarks(ctx, nil)
	if err != nil {
		return err
	}
	if ts, ok := last["last_item_sync"]; ok && time.Since(ts) < 24*time.Hour {
		return nil
	}

	res, err := syncer.Sync(ctx)
	if err != nil {
		return err
	}
	appLogger.Info("catalog bootstrap done",
		slog.Int("marketable", res.Marketable),
		slog.Int("new", res.NewItems))

	worldIDs := config.WorldIDs(cfg.Upstream.Datacenter)
	updated := syncer.SyncTaxRates(ctx, taxes, worldIDs)
	appLogger.Info("tax rates refreshed", slog.Int("worlds", updated))
	return nil
}

// runQueued 启动队列模式: 一个派发循环 + N 个消费 worker。
func runQueued(ctx context.Context, cfg *config.Config, rdb *redis.Client, p *poller.Poller, market poller.MarketSource, ingestor *ingest.Ingestor, appLogger *slog.Logger) {
	queue, err := fetchqueue.NewClient(rdb)
	if err != nil {
		appLogger.Error("init fetch queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	dispatcher := poller.NewDispatcher(queue, cfg, appLogger)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Queue.Workers; i++ {
		w := poller.NewWorker(queue, market, ingestor, cfg, appLogger)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					appLogger.Error("PANIC in queue worker", slog.Int("worker", id), slog.Any("panic", r))
					os.Exit(1)
				}
			}()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("queue worker stopped", slog.Int("worker", id), slog.String("error", err.Error()))
			}
		}(i)
	}

	ticker := time.NewTicker(cfg.App.ScheduleInterval)
	defer ticker.Stop()

	if err := p.DispatchCycle(ctx, dispatcher, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("dispatch cycle failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			if err := p.DispatchCycle(ctx, dispatcher, now); err != nil {
				if errors.Is(err, context.Canceled) {
					wg.Wait()
					return
				}
				appLogger.Error("dispatch cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
