package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydai/ff14.tw-marketboard-api/internal/aggregate"
	"github.com/hydai/ff14.tw-marketboard-api/internal/analytics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/ingest"
	"github.com/hydai/ff14.tw-marketboard-api/internal/maintain"
	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/ratelimit"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/retry"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
)

// MarketSource 是轮询端依赖的上游行情接口。
type MarketSource interface {
	FetchMarketData(ctx context.Context, datacenter string, itemIDs []int) (map[int]universalis.MarketData, error)
	FetchAggregated(ctx context.Context, datacenter string, itemIDs []int) ([]universalis.AggregatedResult, error)
}

// Poller 驱动分层轮询周期。
//
// 每个周期: 找出到期的层级，把物品分批经并发限制器抓取入库，
// 然后收尾汇总、维护与分析预热。周期之间不重叠，单周期超时告警。
type Poller struct {
	cfg        *config.Config
	store      *store.Store
	source     MarketSource
	ingestor   *ingest.Ingestor
	aggregator *aggregate.Aggregator
	maintainer *maintain.Maintainer
	analytics  *analytics.Service
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// New 创建 Poller。
func New(
	cfg *config.Config,
	st *store.Store,
	source MarketSource,
	ingestor *ingest.Ingestor,
	aggregator *aggregate.Aggregator,
	maintainer *maintain.Maintainer,
	analyticsSvc *analytics.Service,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		cfg:        cfg,
		store:      st,
		source:     source,
		ingestor:   ingestor,
		aggregator: aggregator,
		maintainer: maintainer,
		analytics:  analyticsSvc,
		limiter:    ratelimit.NewLimiter(cfg.Upstream.MaxConcurrent, cfg.Upstream.HandoffDelay),
		logger:     logger,
	}
}

// Run 按配置间隔循环执行周期，直到 ctx 取消。
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.App.ScheduleInterval)
	defer ticker.Stop()

	// 启动先跑一轮，不等第一个 tick
	if err := p.RunCycle(ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("poll cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := p.RunCycle(ctx, now); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				p.logger.Error("poll cycle failed", "error", err)
			}
		}
	}
}

// CycleResult 是一个周期的汇总。
type CycleResult struct {
	TiersPolled []int
	Batches     int
	Ingested    ingest.Result
	Promoted    int
}

// RunCycle 执行一个轮询周期。
func (p *Poller) RunCycle(ctx context.Context, now time.Time) error {
	start := time.Now()
	res := &CycleResult{}

	for _, tierCfg := range p.cfg.Tiers {
		due, err := p.tierDue(tierCfg, now)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		if err := p.pollTier(ctx, tierCfg, res); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// 单个层级失败不拦截其余层级，水位线不推进，下周期重做
			p.logger.Error("tier poll failed", "tier", tierCfg.Tier, "error", err)
			continue
		}
		if err := model.SetMetaTime(p.store.DB(), model.MetaLastFetchTier(tierCfg.Tier), now.UTC()); err != nil {
			return err
		}
		res.TiersPolled = append(res.TiersPolled, tierCfg.Tier)
	}

	if _, err := p.aggregator.Run(ctx, now); err != nil {
		p.logger.Error("aggregation failed", "error", err)
	}
	if _, err := p.maintainer.Run(ctx, now); err != nil {
		p.logger.Error("maintenance failed", "error", err)
	}
	p.analytics.Precompute(ctx)

	if err := model.SetMetaTime(p.store.DB(), model.MetaLastPollTime, now.UTC()); err != nil {
		return err
	}

	elapsed := time.Since(start)
	metrics.CycleDuration.Observe(elapsed.Seconds())
	if elapsed > p.cfg.App.LongCycleWarn {
		p.logger.Warn("poll cycle ran long, overlap risk",
			"elapsed", elapsed, "threshold", p.cfg.App.LongCycleWarn)
	}
	p.logger.Info("poll cycle done",
		"tiers", res.TiersPolled,
		"batches", res.Batches,
		"items", res.Ingested.Items,
		"sales", res.Ingested.SalesInserted,
		"promoted", res.Promoted,
		"elapsed", elapsed)
	return nil
}

// RunTier 无视到期判断，立即抓取单个层级并推进其水位线。
// 只抓不收尾，汇总与维护留给常规周期。
func (p *Poller) RunTier(ctx context.Context, tier int, now time.Time) (*CycleResult, error) {
	for _, tierCfg := range p.cfg.Tiers {
		if tierCfg.Tier != tier {
			continue
		}
		res := &CycleResult{}
		if err := p.pollTier(ctx, tierCfg, res); err != nil {
			return nil, err
		}
		if err := model.SetMetaTime(p.store.DB(), model.MetaLastFetchTier(tier), now.UTC()); err != nil {
			return nil, err
		}
		res.TiersPolled = append(res.TiersPolled, tier)
		return res, nil
	}
	return nil, fmt.Errorf("unknown tier %d", tier)
}

// DispatchCycle 把到期层级的批次派发到 Redis 队列（队列模式）。
//
// 派发即推进层级水位线；抓取失败由消费端的重试与延迟重投兜底。
// 汇总、维护与分析预热仍在派发端执行。
func (p *Poller) DispatchCycle(ctx context.Context, d *Dispatcher, now time.Time) error {
	for _, tierCfg := range p.cfg.Tiers {
		due, err := p.tierDue(tierCfg, now)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		itemIDs, err := p.store.ItemIDsByTier(ctx, tierCfg.Tier)
		if err != nil {
			return err
		}
		pushed, err := d.EnqueueTier(ctx, tierCfg, itemIDs)
		if err != nil {
			p.logger.Error("tier dispatch failed", "tier", tierCfg.Tier, "error", err)
			continue
		}
		if err := model.SetMetaTime(p.store.DB(), model.MetaLastFetchTier(tierCfg.Tier), now.UTC()); err != nil {
			return err
		}
		p.logger.Info("tier dispatched", "tier", tierCfg.Tier, "items", len(itemIDs), "batches", pushed)
	}

	if _, err := p.aggregator.Run(ctx, now); err != nil {
		p.logger.Error("aggregation failed", "error", err)
	}
	if _, err := p.maintainer.Run(ctx, now); err != nil {
		p.logger.Error("maintenance failed", "error", err)
	}
	p.analytics.Precompute(ctx)

	return model.SetMetaTime(p.store.DB(), model.MetaLastPollTime, now.UTC())
}

// tierDue 判断层级是否到期。水位线缺失视为到期（冷启动）。
func (p *Poller) tierDue(tc config.TierConfig, now time.Time) (bool, error) {
	last, err := model.GetMetaTime(p.store.DB(), model.MetaLastFetchTier(tc.Tier))
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return now.Sub(last) >= tc.Frequency, nil
}

// pollTier 抓取一个层级的全部物品。
func (p *Poller) pollTier(ctx context.Context, tc config.TierConfig, res *CycleResult) error {
	itemIDs, err := p.store.ItemIDsByTier(ctx, tc.Tier)
	if err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}

	batchCap := p.cfg.Upstream.ItemsPerRequest
	if tc.UseAggregated {
		batchCap = p.cfg.Upstream.AggregatedCap
	}
	batches := mathutil.Chunk(itemIDs, batchCap)
	res.Batches += len(batches)

	tasks := make([]ratelimit.Task, len(batches))
	velocityCh := make(chan map[int]float64, len(batches))
	ingestCh := make(chan ingest.Result, len(batches))

	for i, batch := range batches {
		batch := batch
		tasks[i] = func(ctx context.Context) error {
			r, velocities, err := p.fetchAndIngest(ctx, tc, batch)
			if err != nil {
				metrics.FetchBatchesTotal.WithLabelValues(tierLabel(tc.Tier), "error").Inc()
				return err
			}
			metrics.FetchBatchesTotal.WithLabelValues(tierLabel(tc.Tier), "ok").Inc()
			ingestCh <- r
			if len(velocities) > 0 {
				velocityCh <- velocities
			}
			return nil
		}
	}

	err = p.limiter.RunAll(ctx, tasks)
	close(ingestCh)
	close(velocityCh)

	for r := range ingestCh {
		res.Ingested.Items += r.Items
		res.Ingested.ListingsWritten += r.ListingsWritten
		res.Ingested.SnapshotsWritten += r.SnapshotsWritten
		res.Ingested.SnapshotsSkipped += r.SnapshotsSkipped
		res.Ingested.SalesInserted += r.SalesInserted
		res.Ingested.Failed += r.Failed
	}

	merged := make(map[int]float64)
	for m := range velocityCh {
		for id, v := range m {
			merged[id] = v
		}
	}
	if len(merged) > 0 {
		promoted, perr := p.maintainer.PromoteByVelocity(ctx, merged, time.Now())
		if perr != nil {
			p.logger.Error("velocity promotion failed", "error", perr)
		}
		res.Promoted += promoted
	}
	return err
}

// fetchAndIngest 抓取并入库一个批次，带错误分类重试与 429 退避。
func (p *Poller) fetchAndIngest(ctx context.Context, tc config.TierConfig, batch []int) (ingest.Result, map[int]float64, error) {
	var (
		res        ingest.Result
		velocities map[int]float64
	)

	fetch := func() error {
		if tc.UseAggregated {
			results, err := p.source.FetchAggregated(ctx, p.cfg.Upstream.Datacenter, batch)
			if err != nil {
				return err
			}
			r, vels := p.ingestor.IngestAggregated(ctx, results)
			res = r
			velocities = make(map[int]float64, len(vels))
			for _, v := range vels {
				velocities[v.ItemID] = v.PerDay
			}
			return nil
		}
		data, err := p.source.FetchMarketData(ctx, p.cfg.Upstream.Datacenter, batch)
		if err != nil {
			return err
		}
		res = p.ingestor.IngestMarketData(ctx, data)
		return nil
	}

	withBackoff := func() error {
		err := fetch()
		var rle *universalis.RateLimitedError
		if errors.As(err, &rle) {
			metrics.RateLimitedTotal.Inc()
			p.logger.Warn("upstream rate limited, backing off",
				"tier", tc.Tier, "retry_after", rle.RetryAfter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rle.RetryAfter):
			}
			return fetch()
		}
		return err
	}

	err := retry.Do(ctx, withBackoff, retry.Options{Logger: p.logger})
	if err != nil {
		return ingest.Result{}, nil, fmt.Errorf("fetch tier %d batch: %w", tc.Tier, err)
	}
	return res, velocities, nil
}

func tierLabel(tier int) string {
	return fmt.Sprintf("tier%d", tier)
}
