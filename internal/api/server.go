package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/hydai/ff14.tw-marketboard-api/internal/api/middleware"
	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
)

// AnalyticsProvider 是分析视图的读取接口。
//
// 零值参数表示按服务端默认值计算（可命中预热缓存）。
type AnalyticsProvider interface {
	Arbitrage(ctx context.Context, p store.ArbitrageParams) ([]store.ArbitrageOpportunity, error)
	Deals(ctx context.Context, p store.DealsParams) ([]store.Deal, error)
	Trending(ctx context.Context, p store.TrendingParams) ([]store.TrendingItem, error)
	Velocity(ctx context.Context, p store.VelocityParams) ([]store.VelocityItem, error)
}

// Server 封装行情读 API 的依赖与路由。
//
// 这是只读服务: 写入全部发生在轮询端，这里只查库、查缓存。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	cache     *kvcache.Cache
	analytics AnalyticsProvider
	router    *gin.Engine
}

// NewServer 初始化 API 服务器。
//
// 参数:
//
//	cfg: 配置对象
//	st: 存储查询层
//	cache: Redis 缓存（可为 noop）
//	analyticsSvc: 分析视图提供方
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(cfg *config.Config, st *store.Store, cache *kvcache.Cache, analyticsSvc AnalyticsProvider, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		cache:     cache,
		analytics: analyticsSvc,
		router:    r,
	}
	s.registerRoutes()
	return s
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/worlds", s.handleWorlds)
		v1.GET("/tax-rates", s.handleTaxRates)
		v1.GET("/status", s.handleStatus)
		v1.GET("/stats", s.handleStats)

		v1.GET("/items", s.handleListItems)
		v1.GET("/items/search", s.handleSearchItems)
		v1.GET("/items/:id", s.handleItem)
		v1.GET("/items/:id/listings", s.handleListings)
		v1.GET("/items/:id/sales", s.handleSales)
		v1.GET("/items/:id/history", s.handleHistory)

		v1.GET("/analytics/arbitrage", s.handleArbitrage)
		v1.GET("/analytics/deals", s.handleDeals)
		v1.GET("/analytics/trending", s.handleTrending)
		v1.GET("/analytics/velocity", s.handleVelocity)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWorlds(c *gin.Context) {
	dc, ok := config.DatacenterByName(s.cfg.Upstream.Datacenter)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "datacenter not configured"})
		return
	}
	c.JSON(http.StatusOK, dc)
}

func (s *Server) handleTaxRates(c *gin.Context) {
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}
	rates, err := s.store.TaxRates(c.Request.Context(), worldID)
	if err != nil {
		s.logger.Error("load tax rates failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tax_rates": rates})
}

func (s *Server) handleStatus(c *gin.Context) {
	tiers := make([]int, 0, len(s.cfg.Tiers))
	for _, t := range s.cfg.Tiers {
		tiers = append(tiers, t.Tier)
	}
	marks, err := s.store.Watermarks(c.Request.Context(), tiers)
	if err != nil {
		s.logger.Error("load watermarks failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "watermarks": marks})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.CollectStats(c.Request.Context())
	if err != nil {
		s.logger.Error("collect stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListItems(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if limit < 1 || limit > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}
	page := intQuery(c, "page", 1)
	if page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be positive"})
		return
	}

	items, total, err := s.store.ListItems(c.Request.Context(), c.Query("category"), (page-1)*limit, limit)
	if err != nil {
		s.logger.Error("list items failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleSearchItems(c *gin.Context) {
	keyword := c.Query("q")
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	limit := intQuery(c, "limit", 20)
	if limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}

	items, err := s.store.SearchItems(c.Request.Context(), keyword, limit)
	if err != nil {
		s.logger.Error("search items failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// itemSummary 是单物品详情的响应体。
type itemSummary struct {
	Item      *model.Item           `json:"item"`
	Snapshots []model.PriceSnapshot `json:"snapshots"`
}

func (s *Server) handleItem(c *gin.Context) {
	itemID, ok := s.itemIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	key := kvcache.LatestPriceKey(itemID)
	var cached itemSummary
	if s.cache.GetJSON(ctx, key, &cached) {
		c.JSON(http.StatusOK, cached)
		return
	}
	metrics.CacheMissTotal.WithLabelValues("latest_price").Inc()

	item, err := s.store.ItemByID(ctx, itemID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return
	}
	if err != nil {
		s.logger.Error("load item failed", "item", itemID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	snaps, err := s.store.LatestSnapshots(ctx, itemID)
	if err != nil {
		s.logger.Error("load snapshots failed", "item", itemID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := itemSummary{Item: item, Snapshots: snaps}
	s.cache.PutJSON(ctx, key, out, s.cfg.Cache.LatestPriceTTL)
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListings(c *gin.Context) {
	itemID, ok := s.itemIDParam(c)
	if !ok {
		return
	}
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	// 只缓存不带世界过滤的整组挂单，过滤变体直接回源
	var cached []model.CurrentListing
	if worldID == 0 && s.cache.GetJSON(ctx, kvcache.ListingsKey(itemID), &cached) {
		c.JSON(http.StatusOK, gin.H{"item_id": itemID, "listings": cached})
		return
	}

	rows, err := s.store.Listings(ctx, itemID, worldID)
	if err != nil {
		s.logger.Error("load listings failed", "item", itemID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if worldID == 0 {
		s.cache.PutJSON(ctx, kvcache.ListingsKey(itemID), rows, s.cfg.Cache.LatestPriceTTL)
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "listings": rows})
}

func (s *Server) handleSales(c *gin.Context) {
	itemID, ok := s.itemIDParam(c)
	if !ok {
		return
	}
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}
	days := intQuery(c, "days", 7)
	if days < 1 || days > s.cfg.Retention.SalesDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days out of range"})
		return
	}
	limit := intQuery(c, "limit", 100)
	if limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.store.Sales(c.Request.Context(), itemID, worldID, since, limit)
	if err != nil {
		s.logger.Error("load sales failed", "item", itemID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "sales": rows})
}

func (s *Server) handleHistory(c *gin.Context) {
	itemID, ok := s.itemIDParam(c)
	if !ok {
		return
	}
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}

	granularity := c.DefaultQuery("granularity", "daily")
	ctx := c.Request.Context()

	switch granularity {
	case "raw":
		days := intQuery(c, "days", 3)
		if days < 1 || days > s.cfg.Retention.RawSnapshotDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days out of range"})
			return
		}
		since := time.Now().UTC().AddDate(0, 0, -days)
		rows, err := s.store.SnapshotHistory(ctx, itemID, worldID, since)
		if err != nil {
			s.logger.Error("load snapshot history failed", "item", itemID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": itemID, "granularity": "raw", "buckets": rows})
	case "hourly":
		days := intQuery(c, "days", 7)
		if days < 1 || days > s.cfg.Retention.HourlyDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days out of range"})
			return
		}
		since := time.Now().UTC().AddDate(0, 0, -days)
		rows, err := s.store.HourlyHistory(ctx, itemID, worldID, since)
		if err != nil {
			s.logger.Error("load hourly history failed", "item", itemID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": itemID, "granularity": "hourly", "buckets": rows})
	case "daily":
		days := intQuery(c, "days", 30)
		if days < 1 || days > s.cfg.Retention.DailyDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days out of range"})
			return
		}
		since := time.Now().UTC().AddDate(0, 0, -days)
		rows, err := s.store.DailyHistory(ctx, itemID, worldID, since)
		if err != nil {
			s.logger.Error("load daily history failed", "item", itemID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": itemID, "granularity": "daily", "buckets": rows})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "granularity must be raw, hourly or daily"})
	}
}

func (s *Server) handleArbitrage(c *gin.Context) {
	limit, ok := s.analyticsLimit(c)
	if !ok {
		return
	}
	minProfit := intQuery(c, "min_profit", 0)
	if minProfit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min_profit must be non-negative"})
		return
	}

	out, err := s.analytics.Arbitrage(c.Request.Context(), store.ArbitrageParams{
		MinProfit: int64(minProfit),
		Category:  c.Query("category"),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("arbitrage failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"opportunities": out})
}

func (s *Server) handleDeals(c *gin.Context) {
	limit, ok := s.analyticsLimit(c)
	if !ok {
		return
	}
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}
	maxPct := intQuery(c, "max_percentile", 0)
	if maxPct < 0 || maxPct > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_percentile must be between 0 and 100"})
		return
	}

	out, err := s.analytics.Deals(c.Request.Context(), store.DealsParams{
		MaxPercentile: float64(maxPct),
		WorldID:       worldID,
		Category:      c.Query("category"),
		Limit:         limit,
	})
	if err != nil {
		s.logger.Error("deals failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": out})
}

// trendingPeriods 把 period 参数映射到观察窗口小时数。
var trendingPeriods = map[string]int{
	"1d": 24,
	"3d": 72,
	"7d": 168,
}

func (s *Server) handleTrending(c *gin.Context) {
	limit, ok := s.analyticsLimit(c)
	if !ok {
		return
	}
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}

	direction := c.Query("direction")
	if direction != "" && direction != "up" && direction != "down" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be up or down"})
		return
	}
	periodHours := 0
	if period := c.Query("period"); period != "" {
		hours, known := trendingPeriods[period]
		if !known {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period must be 1d, 3d or 7d"})
			return
		}
		periodHours = hours
	}

	out, err := s.analytics.Trending(c.Request.Context(), store.TrendingParams{
		Direction:   direction,
		PeriodHours: periodHours,
		WorldID:     worldID,
		Category:    c.Query("category"),
		Limit:       limit,
	})
	if err != nil {
		s.logger.Error("trending failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trending": out})
}

func (s *Server) handleVelocity(c *gin.Context) {
	limit, ok := s.analyticsLimit(c)
	if !ok {
		return
	}
	worldID, ok := s.worldQuery(c)
	if !ok {
		return
	}
	days := intQuery(c, "days", 0)
	if days < 0 || days > s.cfg.Retention.SalesDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days out of range"})
		return
	}
	minSales := intQuery(c, "min_sales", 0)
	if minSales < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min_sales must be non-negative"})
		return
	}

	out, err := s.analytics.Velocity(c.Request.Context(), store.VelocityParams{
		MinPerDay: float64(minSales),
		Days:      days,
		WorldID:   worldID,
		Category:  c.Query("category"),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("velocity failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"velocity": out})
}

// analyticsLimit 解析分析端点共用的可选 limit 参数，0 表示服务端默认。
func (s *Server) analyticsLimit(c *gin.Context) (int, bool) {
	limit := intQuery(c, "limit", 0)
	if limit < 0 || limit > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return 0, false
	}
	return limit, true
}

// itemIDParam 解析并校验路径里的物品 ID。
func (s *Server) itemIDParam(c *gin.Context) (int, bool) {
	itemID, err := strconv.Atoi(c.Param("id"))
	if err != nil || itemID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return 0, false
	}
	return itemID, true
}

// worldQuery 解析可选的 world 参数，必须属于配置的大区。
func (s *Server) worldQuery(c *gin.Context) (int, bool) {
	raw := c.Query("world")
	if raw == "" {
		return 0, true
	}
	worldID, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid world id"})
		return 0, false
	}
	if _, ok := config.ResolveWorld(worldID); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown world id"})
		return 0, false
	}
	return worldID, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
