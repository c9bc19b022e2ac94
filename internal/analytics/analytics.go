package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
)

// Service 计算分析视图并写入缓存。
//
// 轮询周期结束后按配置默认参数预热一轮，默认参数的请求命中缓存
// 直接返回；带自定义参数的请求组合太多，不进缓存，实时计算。
type Service struct {
	store  *store.Store
	cache  *kvcache.Cache
	cfg    config.AnalyticsConfig
	ttl    time.Duration
	logger *slog.Logger
}

// New 创建分析服务。
func New(s *store.Store, cache *kvcache.Cache, cfg config.AnalyticsConfig, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{store: s, cache: cache, cfg: cfg, ttl: ttl, logger: logger}
}

// Arbitrage 返回跨世界套利机会。
func (s *Service) Arbitrage(ctx context.Context, p store.ArbitrageParams) ([]store.ArbitrageOpportunity, error) {
	if p == (store.ArbitrageParams{}) {
		key := kvcache.AnalyticsKey("arbitrage")
		var cached []store.ArbitrageOpportunity
		if s.cache.GetJSON(ctx, key, &cached) {
			return cached, nil
		}
		metrics.CacheMissTotal.WithLabelValues("arbitrage").Inc()

		out, err := s.computeArbitrage(ctx, s.arbitrageDefaults(p))
		if err != nil {
			return nil, err
		}
		s.cache.PutJSON(ctx, key, out, s.ttl)
		return out, nil
	}
	return s.computeArbitrage(ctx, s.arbitrageDefaults(p))
}

// arbitrageDefaults 用配置补齐未指定的参数。
func (s *Service) arbitrageDefaults(p store.ArbitrageParams) store.ArbitrageParams {
	if p.MinProfit <= 0 {
		p.MinProfit = s.cfg.ArbitrageMinProfit
	}
	if p.MinProfitPct <= 0 {
		p.MinProfitPct = s.cfg.ArbitrageMinProfitPct
	}
	if p.TaxRate <= 0 {
		p.TaxRate = 0.05
	}
	if p.Limit <= 0 {
		p.Limit = s.cfg.ResultLimit
	}
	return p
}

func (s *Service) computeArbitrage(ctx context.Context, p store.ArbitrageParams) ([]store.ArbitrageOpportunity, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyticsComputeDuration.WithLabelValues("arbitrage").Observe(time.Since(start).Seconds())
	}()
	return s.store.ComputeArbitrage(ctx, p)
}

// Deals 返回跨世界比价明显偏低的在售机会。
func (s *Service) Deals(ctx context.Context, p store.DealsParams) ([]store.Deal, error) {
	if p == (store.DealsParams{}) {
		key := kvcache.AnalyticsKey("deals")
		var cached []store.Deal
		if s.cache.GetJSON(ctx, key, &cached) {
			return cached, nil
		}
		metrics.CacheMissTotal.WithLabelValues("deals").Inc()

		out, err := s.computeDeals(ctx, s.dealsDefaults(p))
		if err != nil {
			return nil, err
		}
		s.cache.PutJSON(ctx, key, out, s.ttl)
		return out, nil
	}
	return s.computeDeals(ctx, s.dealsDefaults(p))
}

func (s *Service) dealsDefaults(p store.DealsParams) store.DealsParams {
	if p.MaxPercentile <= 0 {
		p.MaxPercentile = s.cfg.DealsMaxPercentile
	}
	if p.Limit <= 0 {
		p.Limit = s.cfg.ResultLimit
	}
	return p
}

func (s *Service) computeDeals(ctx context.Context, p store.DealsParams) ([]store.Deal, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyticsComputeDuration.WithLabelValues("deals").Observe(time.Since(start).Seconds())
	}()
	return s.store.ComputeDeals(ctx, p)
}

// Trending 返回价格波动明显的物品。
func (s *Service) Trending(ctx context.Context, p store.TrendingParams) ([]store.TrendingItem, error) {
	if p == (store.TrendingParams{}) {
		key := kvcache.AnalyticsKey("trending")
		var cached []store.TrendingItem
		if s.cache.GetJSON(ctx, key, &cached) {
			return cached, nil
		}
		metrics.CacheMissTotal.WithLabelValues("trending").Inc()

		out, err := s.computeTrending(ctx, s.trendingDefaults(p))
		if err != nil {
			return nil, err
		}
		s.cache.PutJSON(ctx, key, out, s.ttl)
		return out, nil
	}
	return s.computeTrending(ctx, s.trendingDefaults(p))
}

func (s *Service) trendingDefaults(p store.TrendingParams) store.TrendingParams {
	if p.PeriodHours <= 0 {
		p.PeriodHours = 72
	}
	if p.MinChangePct <= 0 {
		p.MinChangePct = s.cfg.TrendingMinChangePct
	}
	if p.Limit <= 0 {
		p.Limit = s.cfg.ResultLimit
	}
	return p
}

func (s *Service) computeTrending(ctx context.Context, p store.TrendingParams) ([]store.TrendingItem, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyticsComputeDuration.WithLabelValues("trending").Observe(time.Since(start).Seconds())
	}()
	return s.store.ComputeTrending(ctx, p)
}

// Velocity 返回销量速率排行。
func (s *Service) Velocity(ctx context.Context, p store.VelocityParams) ([]store.VelocityItem, error) {
	if p == (store.VelocityParams{}) {
		key := kvcache.AnalyticsKey("velocity")
		var cached []store.VelocityItem
		if s.cache.GetJSON(ctx, key, &cached) {
			return cached, nil
		}
		metrics.CacheMissTotal.WithLabelValues("velocity").Inc()

		out, err := s.computeVelocity(ctx, s.velocityDefaults(p))
		if err != nil {
			return nil, err
		}
		s.cache.PutJSON(ctx, key, out, s.ttl)
		return out, nil
	}
	return s.computeVelocity(ctx, s.velocityDefaults(p))
}

func (s *Service) velocityDefaults(p store.VelocityParams) store.VelocityParams {
	if p.MinPerDay <= 0 {
		p.MinPerDay = s.cfg.VelocityMinPerDay
	}
	if p.Days <= 0 {
		p.Days = 7
	}
	if p.Limit <= 0 {
		p.Limit = s.cfg.ResultLimit
	}
	return p
}

func (s *Service) computeVelocity(ctx context.Context, p store.VelocityParams) ([]store.VelocityItem, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyticsComputeDuration.WithLabelValues("velocity").Observe(time.Since(start).Seconds())
	}()
	return s.store.ComputeVelocity(ctx, p)
}

// Precompute 按默认参数重算全部视图并覆盖缓存。
//
// 轮询周期收尾时调用，失败只记日志: 预热失败不影响下个周期，
// API 端仍可回源实时计算。
func (s *Service) Precompute(ctx context.Context) {
	kinds := []struct {
		name    string
		compute func(context.Context) error
	}{
		{"arbitrage", func(ctx context.Context) error {
			out, err := s.computeArbitrage(ctx, s.arbitrageDefaults(store.ArbitrageParams{}))
			if err != nil {
				return err
			}
			s.cache.PutJSON(ctx, kvcache.AnalyticsKey("arbitrage"), out, s.ttl)
			return nil
		}},
		{"deals", func(ctx context.Context) error {
			out, err := s.computeDeals(ctx, s.dealsDefaults(store.DealsParams{}))
			if err != nil {
				return err
			}
			s.cache.PutJSON(ctx, kvcache.AnalyticsKey("deals"), out, s.ttl)
			return nil
		}},
		{"trending", func(ctx context.Context) error {
			out, err := s.computeTrending(ctx, s.trendingDefaults(store.TrendingParams{}))
			if err != nil {
				return err
			}
			s.cache.PutJSON(ctx, kvcache.AnalyticsKey("trending"), out, s.ttl)
			return nil
		}},
		{"velocity", func(ctx context.Context) error {
			out, err := s.computeVelocity(ctx, s.velocityDefaults(store.VelocityParams{}))
			if err != nil {
				return err
			}
			s.cache.PutJSON(ctx, kvcache.AnalyticsKey("velocity"), out, s.ttl)
			return nil
		}},
	}

	for _, k := range kinds {
		if err := k.compute(ctx); err != nil {
			s.logger.Error("precompute analytics failed", "kind", k.name, "error", err)
		}
	}
}

// Invalidate 清掉全部分析缓存。
func (s *Service) Invalidate(ctx context.Context) {
	for _, kind := range []string{"arbitrage", "deals", "trending", "velocity"} {
		s.cache.Delete(ctx, kvcache.AnalyticsKey(kind))
	}
}
