package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
)

// Store 封装行情数据的读写查询。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New 创建 Store。
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB 暴露底层连接给需要自组事务的调用方。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// UpsertCatalog 批量写入物品目录条目（按 ItemID upsert）。
func (s *Store) UpsertCatalog(ctx context.Context, items []model.Item) error {
	if len(items) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "category", "is_marketable", "updated_at"}),
	}).CreateInBatches(items, 200).Error
	if err != nil {
		return fmt.Errorf("upsert catalog: %w", err)
	}
	return nil
}

// EnsureTiers 为目录中还没有层级记录的物品补默认层级（3）。
func (s *Store) EnsureTiers(ctx context.Context) (int64, error) {
	var missing []int
	err := s.db.WithContext(ctx).Model(&model.Item{}).
		Where("is_marketable = ?", true).
		Where("item_id NOT IN (?)", s.db.Model(&model.ItemTier{}).Select("item_id")).
		Pluck("item_id", &missing).Error
	if err != nil {
		return 0, fmt.Errorf("find items without tier: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	rows := make([]model.ItemTier, len(missing))
	for i, id := range missing {
		rows[i] = model.ItemTier{ItemID: id, Tier: 3}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return 0, fmt.Errorf("create tier rows: %w", err)
	}
	return int64(len(rows)), nil
}

// ItemIDsByTier 返回某层级下全部可交易物品的 ID。
func (s *Store) ItemIDsByTier(ctx context.Context, tier int) ([]int, error) {
	var ids []int
	err := s.db.WithContext(ctx).Model(&model.ItemTier{}).
		Joins("JOIN items ON items.item_id = item_tiers.item_id AND items.is_marketable = ?", true).
		Where("item_tiers.tier = ?", tier).
		Order("item_tiers.item_id").
		Pluck("item_tiers.item_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list tier %d items: %w", tier, err)
	}
	return ids, nil
}

// TierCounts 返回各层级的物品数量。
func (s *Store) TierCounts(ctx context.Context) (map[int]int64, error) {
	type row struct {
		Tier  int
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.ItemTier{}).
		Select("tier, COUNT(*) AS count").
		Group("tier").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tiers: %w", err)
	}
	out := make(map[int]int64, len(rows))
	for _, r := range rows {
		out[r.Tier] = r.Count
	}
	return out, nil
}

// Listings 返回某物品当前在售挂单，可按世界过滤。
func (s *Store) Listings(ctx context.Context, itemID int, worldID int) ([]model.CurrentListing, error) {
	q := s.db.WithContext(ctx).Where("item_id = ?", itemID)
	if worldID > 0 {
		q = q.Where("world_id = ?", worldID)
	}
	var rows []model.CurrentListing
	if err := q.Order("price_per_unit").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return rows, nil
}

// LatestSnapshots 返回某物品每个世界的最新快照。
func (s *Store) LatestSnapshots(ctx context.Context, itemID int) ([]model.PriceSnapshot, error) {
	// 先取每个世界的最新 captured_at，再回表取整行
	sub := s.db.Model(&model.PriceSnapshot{}).
		Select("world_id, MAX(captured_at) AS captured_at").
		Where("item_id = ?", itemID).
		Group("world_id")

	var rows []model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Joins("JOIN (?) latest ON latest.world_id = price_snapshots.world_id AND latest.captured_at = price_snapshots.captured_at", sub).
		Where("price_snapshots.item_id = ?", itemID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}
	return rows, nil
}

// ItemsAfter 按物品 ID 升序分页返回可交易物品（键集分页）。
func (s *Store) ItemsAfter(ctx context.Context, afterID, limit int) ([]model.Item, error) {
	var items []model.Item
	err := s.db.WithContext(ctx).
		Where("is_marketable = ? AND item_id > ?", true, afterID).
		Order("item_id").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("page items: %w", err)
	}
	return items, nil
}

// LatestSnapshotsBatch 返回一批物品每个世界的最新快照。
func (s *Store) LatestSnapshotsBatch(ctx context.Context, itemIDs []int) ([]model.PriceSnapshot, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	sub := s.db.Model(&model.PriceSnapshot{}).
		Select("item_id, world_id, MAX(captured_at) AS captured_at").
		Where("item_id IN ?", itemIDs).
		Group("item_id, world_id")

	var rows []model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Joins("JOIN (?) latest ON latest.item_id = price_snapshots.item_id AND latest.world_id = price_snapshots.world_id AND latest.captured_at = price_snapshots.captured_at", sub).
		Order("price_snapshots.item_id, price_snapshots.world_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest snapshots batch: %w", err)
	}
	return rows, nil
}

// Sales 返回某物品自 since 以来的成交记录（新到旧），可按世界过滤。
func (s *Store) Sales(ctx context.Context, itemID int, worldID int, since time.Time, limit int) ([]model.SaleRecord, error) {
	q := s.db.WithContext(ctx).Where("item_id = ?", itemID)
	if worldID > 0 {
		q = q.Where("world_id = ?", worldID)
	}
	if !since.IsZero() {
		q = q.Where("sold_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.SaleRecord
	if err := q.Order("sold_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	return rows, nil
}

// SaleWatermark 返回某 (item, world) 已入库成交的最新时间。
//
// 不用 MAX() 表达式: 表达式列在 sqlite 下丢失类型信息，扫不进 time.Time。
func (s *Store) SaleWatermark(ctx context.Context, itemID, worldID int) (time.Time, error) {
	var last model.SaleRecord
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND world_id = ?", itemID, worldID).
		Order("sold_at DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sale watermark: %w", err)
	}
	return last.SoldAt, nil
}

// HourlyHistory 返回某物品的小时汇总（旧到新），可按世界过滤。
func (s *Store) HourlyHistory(ctx context.Context, itemID, worldID int, since time.Time) ([]model.HourlyAggregate, error) {
	q := s.db.WithContext(ctx).Where("item_id = ?", itemID)
	if worldID > 0 {
		q = q.Where("world_id = ?", worldID)
	}
	if !since.IsZero() {
		q = q.Where("bucket_hour >= ?", since)
	}
	var rows []model.HourlyAggregate
	if err := q.Order("bucket_hour").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("hourly history: %w", err)
	}
	return rows, nil
}

// DailyHistory 返回某物品的按日汇总（旧到新），可按世界过滤。
func (s *Store) DailyHistory(ctx context.Context, itemID, worldID int, since time.Time) ([]model.DailyAggregate, error) {
	q := s.db.WithContext(ctx).Where("item_id = ?", itemID)
	if worldID > 0 {
		q = q.Where("world_id = ?", worldID)
	}
	if !since.IsZero() {
		q = q.Where("bucket_day >= ?", since)
	}
	var rows []model.DailyAggregate
	if err := q.Order("bucket_day").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("daily history: %w", err)
	}
	return rows, nil
}

// SnapshotHistory 返回某物品的原始快照（旧到新），可按世界过滤。
func (s *Store) SnapshotHistory(ctx context.Context, itemID, worldID int, since time.Time) ([]model.PriceSnapshot, error) {
	q := s.db.WithContext(ctx).Where("item_id = ?", itemID)
	if worldID > 0 {
		q = q.Where("world_id = ?", worldID)
	}
	if !since.IsZero() {
		q = q.Where("captured_at >= ?", since)
	}
	var rows []model.PriceSnapshot
	if err := q.Order("captured_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}
	return rows, nil
}

// ListItems 分页列出可交易物品，可按分类过滤。返回总数用于分页。
func (s *Store) ListItems(ctx context.Context, category string, offset, limit int) ([]model.Item, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Item{}).Where("is_marketable = ?", true)
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	var rows []model.Item
	err := q.Order("item_id").Offset(offset).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	return rows, total, nil
}

// SearchItems 按名称模糊搜索目录。
func (s *Store) SearchItems(ctx context.Context, keyword string, limit int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []model.Item
	err := s.db.WithContext(ctx).
		Where("is_marketable = ?", true).
		Where("name LIKE ?", "%"+keyword+"%").
		Order("item_id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	return rows, nil
}

// ItemByID 按 ID 取目录条目。
func (s *Store) ItemByID(ctx context.Context, itemID int) (*model.Item, error) {
	var item model.Item
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpsertTaxRates 写入某世界的税率。
func (s *Store) UpsertTaxRates(ctx context.Context, rate model.TaxRate) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "world_id"}},
		UpdateAll: true,
	}).Create(&rate).Error
	if err != nil {
		return fmt.Errorf("upsert tax rates: %w", err)
	}
	return nil
}

// TaxRates 查询税率。worldID 为 0 时返回全部世界。
func (s *Store) TaxRates(ctx context.Context, worldID int) ([]model.TaxRate, error) {
	q := s.db.WithContext(ctx).Order("world_id")
	if worldID > 0 {
		q = q.Where("world_id = ?", worldID)
	}
	var rates []model.TaxRate
	if err := q.Find(&rates).Error; err != nil {
		return nil, fmt.Errorf("query tax rates: %w", err)
	}
	return rates, nil
}

// Watermarks 读取全部调度水位线，零值水位会被省略。
func (s *Store) Watermarks(ctx context.Context, tiers []int) (map[string]time.Time, error) {
	db := s.db.WithContext(ctx)
	keys := []model.MetaKey{
		model.MetaLastPollTime,
		model.MetaLastMaintenance,
		model.MetaLastAggregation,
		model.MetaLastItemSync,
		model.MetaLastVacuum,
	}
	for _, tier := range tiers {
		keys = append(keys, model.MetaLastFetchTier(tier))
	}

	out := make(map[string]time.Time, len(keys))
	for _, key := range keys {
		t, err := model.GetMetaTime(db, key)
		if err != nil {
			return nil, err
		}
		if !t.IsZero() {
			out[string(key)] = t
		}
	}
	return out, nil
}

// Stats 是数据库概览统计。
type Stats struct {
	Items           int64         `json:"items"`
	MarketableItems int64         `json:"marketable_items"`
	TierCounts      map[int]int64 `json:"tier_counts"`
	Listings        int64         `json:"listings"`
	Snapshots       int64         `json:"snapshots"`
	Sales           int64         `json:"sales"`
	HourlyRows      int64         `json:"hourly_rows"`
	DailyRows       int64         `json:"daily_rows"`
	OldestSale      *time.Time    `json:"oldest_sale,omitempty"`
	NewestSale      *time.Time    `json:"newest_sale,omitempty"`
}

// CollectStats 汇总各表行数与成交时间范围。
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	out := &Stats{}

	counts := []struct {
		model any
		dst   *int64
	}{
		{&model.Item{}, &out.Items},
		{&model.CurrentListing{}, &out.Listings},
		{&model.PriceSnapshot{}, &out.Snapshots},
		{&model.SaleRecord{}, &out.Sales},
		{&model.HourlyAggregate{}, &out.HourlyRows},
		{&model.DailyAggregate{}, &out.DailyRows},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("collect stats: %w", err)
		}
	}
	if err := db.Model(&model.Item{}).Where("is_marketable = ?", true).Count(&out.MarketableItems).Error; err != nil {
		return nil, fmt.Errorf("collect stats: %w", err)
	}

	tiers, err := s.TierCounts(ctx)
	if err != nil {
		return nil, err
	}
	out.TierCounts = tiers

	if out.Sales > 0 {
		// 逐行取边界而不是 MIN/MAX 表达式，表达式列在 sqlite 下
		// 扫不进 time.Time
		var oldest, newest model.SaleRecord
		if err := db.Order("sold_at ASC").First(&oldest).Error; err != nil {
			return nil, fmt.Errorf("collect stats: %w", err)
		}
		if err := db.Order("sold_at DESC").First(&newest).Error; err != nil {
			return nil, fmt.Errorf("collect stats: %w", err)
		}
		out.OldestSale = &oldest.SoldAt
		out.NewestSale = &newest.SoldAt
	}
	return out, nil
}
