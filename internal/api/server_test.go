package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
)

type fakeAnalytics struct {
	arbitrage []store.ArbitrageOpportunity
	err       error

	arbitrageParams store.ArbitrageParams
	dealsParams     store.DealsParams
	trendingParams  store.TrendingParams
	velocityParams  store.VelocityParams
}

func (f *fakeAnalytics) Arbitrage(ctx context.Context, p store.ArbitrageParams) ([]store.ArbitrageOpportunity, error) {
	f.arbitrageParams = p
	return f.arbitrage, f.err
}

func (f *fakeAnalytics) Deals(ctx context.Context, p store.DealsParams) ([]store.Deal, error) {
	f.dealsParams = p
	return nil, f.err
}

func (f *fakeAnalytics) Trending(ctx context.Context, p store.TrendingParams) ([]store.TrendingItem, error) {
	f.trendingParams = p
	return nil, f.err
}

func (f *fakeAnalytics) Velocity(ctx context.Context, p store.VelocityParams) ([]store.VelocityItem, error) {
	f.velocityParams = p
	return nil, f.err
}

func newTestServer(t *testing.T, analytics AnalyticsProvider) (*Server, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	})

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	cfg := config.LoadOrDefault("testdata/nonexistent.json")
	st := store.New(db, logger)
	cache := kvcache.New(nil, logger)
	if analytics == nil {
		analytics = &fakeAnalytics{}
	}
	return NewServer(cfg, st, cache, analytics, logger), db
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
}

func seedItem(t *testing.T, db *gorm.DB, id int, name string) {
	t.Helper()
	item := model.Item{ItemID: id, Name: name, Category: "材料", IsMarketable: true}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed item %d: %v", id, err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWorldsReturnsDatacenter(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/worlds")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var dc config.Datacenter
	decodeBody(t, rec, &dc)
	if dc.Name != "陸行鳥" {
		t.Fatalf("expected datacenter 陸行鳥, got %q", dc.Name)
	}
	if len(dc.Worlds) != 8 {
		t.Fatalf("expected 8 worlds, got %d", len(dc.Worlds))
	}
}

func TestListItemsPagination(t *testing.T) {
	srv, db := newTestServer(t, nil)
	for i := 1; i <= 5; i++ {
		category := "材料"
		if i > 3 {
			category = "武器"
		}
		item := model.Item{ItemID: i, Name: fmt.Sprintf("物品%d", i), Category: category, IsMarketable: true}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items?limit=2&page=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Items []model.Item `json:"items"`
		Total int64        `json:"total"`
		Page  int          `json:"page"`
	}
	decodeBody(t, rec, &body)
	if body.Total != 5 || body.Page != 2 {
		t.Fatalf("unexpected pagination meta: %+v", body)
	}
	if len(body.Items) != 2 || body.Items[0].ItemID != 3 {
		t.Fatalf("expected second page starting at item 3, got %+v", body.Items)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/items?category=%E6%AD%A6%E5%99%A8")
	decodeBody(t, rec, &body)
	if body.Total != 2 {
		t.Fatalf("expected 2 weapons, got total %d", body.Total)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/items?limit=500")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized limit: expected 400, got %d", rec.Code)
	}
}

func TestHistoryRawGranularity(t *testing.T) {
	srv, db := newTestServer(t, nil)
	seedItem(t, db, 5333, "暗物质")
	now := time.Now().UTC().Truncate(time.Second)
	snaps := []model.PriceSnapshot{
		{ItemID: 5333, WorldID: 4028, CapturedAt: now.Add(-time.Hour), MinPriceNQ: 200},
		{ItemID: 5333, WorldID: 4028, CapturedAt: now, MinPriceNQ: 150},
	}
	if err := db.Create(&snaps).Error; err != nil {
		t.Fatalf("seed snapshots: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/history?granularity=raw&days=7")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Buckets []model.PriceSnapshot `json:"buckets"`
	}
	decodeBody(t, rec, &body)
	if len(body.Buckets) != 2 {
		t.Fatalf("expected 2 raw snapshots, got %d", len(body.Buckets))
	}
	if !body.Buckets[0].CapturedAt.Before(body.Buckets[1].CapturedAt) {
		t.Fatal("raw history should be ordered old to new")
	}

	// raw 超出保留窗口
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/history?granularity=raw&days=60")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 beyond raw retention, got %d", rec.Code)
	}
}

func TestSearchItems(t *testing.T) {
	srv, db := newTestServer(t, nil)
	seedItem(t, db, 5333, "暗物质")
	seedItem(t, db, 5334, "暗物质碎块")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/search?q=%E6%9A%97%E7%89%A9%E8%B4%A8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Items []model.Item `json:"items"`
	}
	decodeBody(t, rec, &body)
	if len(body.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(body.Items))
	}
}

func TestSearchItemsValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/search")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q: expected 400, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/items/search?q=x&limit=500")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized limit: expected 400, got %d", rec.Code)
	}
}

func TestItemDetail(t *testing.T) {
	srv, db := newTestServer(t, nil)
	seedItem(t, db, 5333, "暗物质")

	now := time.Now().UTC().Truncate(time.Second)
	snaps := []model.PriceSnapshot{
		{ItemID: 5333, WorldID: 4028, CapturedAt: now.Add(-time.Hour), MinPriceNQ: 200, AvgPrice: 220, ListingCount: 3},
		{ItemID: 5333, WorldID: 4028, CapturedAt: now, MinPriceNQ: 150, AvgPrice: 180, ListingCount: 4},
		{ItemID: 5333, WorldID: 4029, CapturedAt: now, MinPriceNQ: 300, AvgPrice: 310, ListingCount: 2},
	}
	if err := db.Create(&snaps).Error; err != nil {
		t.Fatalf("seed snapshots: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/5333")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body itemSummary
	decodeBody(t, rec, &body)
	if body.Item == nil || body.Item.Name != "暗物质" {
		t.Fatalf("unexpected item in response: %+v", body.Item)
	}
	if len(body.Snapshots) != 2 {
		t.Fatalf("expected latest snapshot per world, got %d rows", len(body.Snapshots))
	}
}

func TestItemDetailNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/99999")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestItemDetailBadID(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListingsWorldFilter(t *testing.T) {
	srv, db := newTestServer(t, nil)
	seedItem(t, db, 5333, "暗物质")
	rows := []model.CurrentListing{
		{ItemID: 5333, WorldID: 4028, PricePerUnit: 100, Quantity: 1, TotalPrice: 100},
		{ItemID: 5333, WorldID: 4028, PricePerUnit: 90, Quantity: 2, TotalPrice: 180},
		{ItemID: 5333, WorldID: 4029, PricePerUnit: 80, Quantity: 1, TotalPrice: 80},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed listings: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/listings?world=4028")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Listings []model.CurrentListing `json:"listings"`
	}
	decodeBody(t, rec, &body)
	if len(body.Listings) != 2 {
		t.Fatalf("expected 2 listings for world 4028, got %d", len(body.Listings))
	}
	if body.Listings[0].PricePerUnit != 90 {
		t.Fatalf("expected cheapest listing first, got %d", body.Listings[0].PricePerUnit)
	}
}

func TestListingsUnknownWorld(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/listings?world=1234")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-datacenter world, got %d", rec.Code)
	}
}

func TestSalesDaysValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/sales?days=9999")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for days beyond retention, got %d", rec.Code)
	}
}

func TestHistoryGranularity(t *testing.T) {
	srv, db := newTestServer(t, nil)
	seedItem(t, db, 5333, "暗物质")
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	daily := model.DailyAggregate{
		ItemID: 5333, WorldID: 4028, BucketDay: day,
		MinPriceNQ: 100, AvgPriceNQ: 150, MaxPriceNQ: 200,
		TotalListings: 7, TotalSales: 5, TotalSalesGil: 1050,
	}
	if err := db.Create(&daily).Error; err != nil {
		t.Fatalf("seed daily aggregate: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/history?granularity=daily&days=365")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Granularity string                 `json:"granularity"`
		Buckets     []model.DailyAggregate `json:"buckets"`
	}
	decodeBody(t, rec, &body)
	if body.Granularity != "daily" || len(body.Buckets) != 1 {
		t.Fatalf("unexpected history response: %+v", body)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/items/5333/history?granularity=weekly")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown granularity, got %d", rec.Code)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	fake := &fakeAnalytics{
		arbitrage: []store.ArbitrageOpportunity{
			{ItemID: 5333, ItemName: "暗物质", BuyWorldID: 4028, SellWorldID: 4029, BuyPrice: 1000, SellPrice: 5000, Profit: 3750, ProfitPct: 375},
		},
	}
	srv, _ := newTestServer(t, fake)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/analytics/arbitrage")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Opportunities []store.ArbitrageOpportunity `json:"opportunities"`
	}
	decodeBody(t, rec, &body)
	if len(body.Opportunities) != 1 || body.Opportunities[0].Profit != 3750 {
		t.Fatalf("unexpected arbitrage response: %+v", body.Opportunities)
	}

	for _, path := range []string{"/api/v1/analytics/deals", "/api/v1/analytics/trending", "/api/v1/analytics/velocity"} {
		rec := doRequest(t, srv, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestAnalyticsQueryParams(t *testing.T) {
	fake := &fakeAnalytics{}
	srv, _ := newTestServer(t, fake)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/analytics/arbitrage?min_profit=500&category=%E6%9D%90%E6%96%99&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := store.ArbitrageParams{MinProfit: 500, Category: "材料", Limit: 10}
	if fake.arbitrageParams != want {
		t.Fatalf("arbitrage params = %+v, want %+v", fake.arbitrageParams, want)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/analytics/deals?max_percentile=60&world=4028&limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.dealsParams.MaxPercentile != 60 || fake.dealsParams.WorldID != 4028 || fake.dealsParams.Limit != 5 {
		t.Fatalf("deals params = %+v", fake.dealsParams)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/analytics/trending?direction=up&period=1d&world=4029")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.trendingParams.Direction != "up" || fake.trendingParams.PeriodHours != 24 || fake.trendingParams.WorldID != 4029 {
		t.Fatalf("trending params = %+v", fake.trendingParams)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/analytics/velocity?days=3&min_sales=2&category=%E6%9D%90%E6%96%99")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.velocityParams.Days != 3 || fake.velocityParams.MinPerDay != 2 || fake.velocityParams.Category != "材料" {
		t.Fatalf("velocity params = %+v", fake.velocityParams)
	}
}

func TestAnalyticsQueryValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/analytics/trending?direction=sideways",
		"/api/v1/analytics/trending?period=2w",
		"/api/v1/analytics/trending?world=1234",
		"/api/v1/analytics/deals?max_percentile=150",
		"/api/v1/analytics/arbitrage?limit=1000",
		"/api/v1/analytics/velocity?days=9999",
		"/api/v1/analytics/velocity?min_sales=abc",
	} {
		rec := doRequest(t, srv, http.MethodGet, path)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestAnalyticsFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnalytics{err: sql.ErrConnDone})
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/analytics/deals")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestTaxRates(t *testing.T) {
	srv, db := newTestServer(t, nil)
	rates := []model.TaxRate{
		{WorldID: 4028, LimsaLominsa: 5, Gridania: 5, Uldah: 3, Ishgard: 5, Kugane: 5, Crystarium: 5, OldSharlayan: 5, Tuliyollal: 5},
		{WorldID: 4029, LimsaLominsa: 5, Gridania: 5, Uldah: 5, Ishgard: 5, Kugane: 5, Crystarium: 5, OldSharlayan: 5, Tuliyollal: 5},
	}
	if err := db.Create(&rates).Error; err != nil {
		t.Fatalf("seed tax rates: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/tax-rates?world=4028")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		TaxRates []model.TaxRate `json:"tax_rates"`
	}
	decodeBody(t, rec, &body)
	if len(body.TaxRates) != 1 || body.TaxRates[0].Uldah != 3 {
		t.Fatalf("unexpected tax rates: %+v", body.TaxRates)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/tax-rates")
	decodeBody(t, rec, &body)
	if len(body.TaxRates) != 2 {
		t.Fatalf("expected all worlds without filter, got %d", len(body.TaxRates))
	}
}

func TestStatusWatermarks(t *testing.T) {
	srv, db := newTestServer(t, nil)
	mark := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := model.SetMetaTime(db, model.MetaLastPollTime, mark); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status     string               `json:"status"`
		Watermarks map[string]time.Time `json:"watermarks"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" {
		t.Fatalf("unexpected status %q", body.Status)
	}
	if got := body.Watermarks["last_poll_time"]; !got.Equal(mark) {
		t.Fatalf("expected poll watermark %v, got %v", mark, got)
	}
	if _, present := body.Watermarks["last_maintenance"]; present {
		t.Fatal("zero watermark should be omitted")
	}
}

func TestStats(t *testing.T) {
	srv, db := newTestServer(t, nil)
	seedItem(t, db, 5333, "暗物质")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats store.Stats
	decodeBody(t, rec, &stats)
	if stats.Items != 1 {
		t.Fatalf("expected 1 item in stats, got %d", stats.Items)
	}
}
