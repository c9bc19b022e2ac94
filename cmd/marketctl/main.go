package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hydai/ff14.tw-marketboard-api/internal/aggregate"
	"github.com/hydai/ff14.tw-marketboard-api/internal/analytics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/export"
	"github.com/hydai/ff14.tw-marketboard-api/internal/ingest"
	"github.com/hydai/ff14.tw-marketboard-api/internal/maintain"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/logger"
	"github.com/hydai/ff14.tw-marketboard-api/internal/poller"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
	"github.com/hydai/ff14.tw-marketboard-api/internal/xivapi"
)

const usage = `marketctl <command> [flags]

commands:
  sync        同步物品目录与税率
  fetch       立即执行一个轮询周期（-tier 指定层级时无视到期判断）
  aggregate   立即执行小时/按日汇总
  maintain    立即执行保留清理与层级调整
  stats       输出采集统计
  dump        导出静态 JSON 数据集
`

// app 聚合子命令共用的依赖。
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	cache  *kvcache.Cache
	rdb    *redis.Client
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	configPath := ""
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "配置文件路径")

	cmd := os.Args[1]
	var (
		dumpDir   string
		fetchTier int
	)
	if cmd == "dump" {
		fs.StringVar(&dumpDir, "dir", "export", "导出目录")
	}
	if cmd == "fetch" {
		fs.IntVar(&fetchTier, "tier", 0, "只抓指定层级（0 表示按到期判断跑完整周期）")
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
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
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	a := &app{
		cfg:    cfg,
		logger: appLogger,
		store:  store.New(db, appLogger),
	}
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer a.rdb.Close()
	}
	a.cache = kvcache.New(a.rdb, appLogger)

	switch cmd {
	case "sync":
		err = a.runSync(ctx)
	case "fetch":
		err = a.runFetch(ctx, fetchTier)
	case "aggregate":
		err = a.runAggregate(ctx)
	case "maintain":
		err = a.runMaintain(ctx)
	case "stats":
		err = a.runStats(ctx)
	case "dump":
		err = a.runDump(ctx, dumpDir)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		appLogger.Error("command failed", slog.String("command", cmd), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func (a *app) marketClient() *universalis.Client {
	return universalis.NewClient(universalis.Options{
		BaseURL:           a.cfg.Upstream.UniversalisBaseURL,
		UserAgent:         a.cfg.Upstream.UserAgent,
		Timeout:           a.cfg.Upstream.RequestTimeout,
		ItemsPerRequest:   a.cfg.Upstream.ItemsPerRequest,
		AggregatedCap:     a.cfg.Upstream.AggregatedCap,
		DefaultRetryAfter: a.cfg.Upstream.DefaultRetryAfter,
		Logger:            a.logger,
	})
}

func (a *app) analyticsService() *analytics.Service {
	return analytics.New(a.store, a.cache, a.cfg.Analytics, a.cfg.Cache.AnalyticsTTL, a.logger)
}

func (a *app) runSync(ctx context.Context) error {
	catalog := xivapi.NewClient(xivapi.Options{
		BaseURL:   a.cfg.Upstream.XIVAPIBaseURL,
		UserAgent: a.cfg.Upstream.UserAgent,
		Timeout:   a.cfg.Upstream.RequestTimeout,
		BatchRows: a.cfg.Upstream.CatalogBatchRows,
		Logger:    a.logger,
	})
	market := a.marketClient()

	marketable := ingest.NewCachedMarketable(market, a.cache, a.cfg.Cache.MarketableTTL)
	syncer := ingest.NewItemSyncer(a.store, marketable, catalog, a.logger)
	res, err := syncer.Sync(ctx)
	if err != nil {
		return err
	}
	worldIDs := config.WorldIDs(a.cfg.Upstream.Datacenter)
	updated := syncer.SyncTaxRates(ctx, market, worldIDs)
	a.logger.Info("sync done",
		slog.Int("marketable", res.Marketable),
		slog.Int("new", res.NewItems),
		slog.Int64("delisted", res.Delisted),
		slog.Int("tax_worlds", updated))
	return nil
}

func (a *app) runFetch(ctx context.Context, tier int) error {
	db := a.store.DB()
	p := poller.New(a.cfg, a.store, a.marketClient(),
		ingest.New(db, a.logger).WithCache(a.cache),
		aggregate.New(db, a.logger),
		maintain.New(db, a.cfg.Retention, a.logger),
		a.analyticsService(),
		a.logger)
	if tier > 0 {
		res, err := p.RunTier(ctx, tier, time.Now())
		if err != nil {
			return err
		}
		a.logger.Info("tier fetch done",
			slog.Int("tier", tier),
			slog.Int("batches", res.Batches),
			slog.Int("items", res.Ingested.Items))
		return nil
	}
	return p.RunCycle(ctx, time.Now())
}

func (a *app) runAggregate(ctx context.Context) error {
	res, err := aggregate.New(a.store.DB(), a.logger).Run(ctx, time.Now())
	if err != nil {
		return err
	}
	a.logger.Info("aggregation done",
		slog.Int("hourly_written", res.HourlyWritten),
		slog.Int("daily_written", res.DailyWritten))
	return nil
}

func (a *app) runMaintain(ctx context.Context) error {
	res, err := maintain.New(a.store.DB(), a.cfg.Retention, a.logger).Run(ctx, time.Now())
	if err != nil {
		return err
	}
	if res.Skipped {
		a.logger.Info("maintenance skipped, within interval")
		return nil
	}
	a.logger.Info("maintenance done",
		slog.Int("promoted", res.Promoted),
		slog.Int("demoted", res.Demoted),
		slog.Bool("vacuumed", res.Vacuumed))
	return nil
}

func (a *app) runStats(ctx context.Context) error {
	stats, err := a.store.CollectStats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func (a *app) runDump(ctx context.Context, dir string) error {
	return export.New(a.store, a.analyticsService(), a.logger).Dump(ctx, dir)
}
