package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
	"github.com/hydai/ff14.tw-marketboard-api/internal/xivapi"
)

// MarketableSource 提供可交易物品 ID 列表。
type MarketableSource interface {
	FetchMarketableItems(ctx context.Context) ([]int, error)
}

// TaxSource 提供各世界的市场税率。
type TaxSource interface {
	FetchTaxRates(ctx context.Context, worldID int) (*universalis.TaxRates, error)
}

// CachedMarketable 用 Redis 缓存可交易列表。
//
// 列表约四万个 ID 且极少变动，缓存期内的重复同步不再打上游。
type CachedMarketable struct {
	src   MarketableSource
	cache *kvcache.Cache
	ttl   time.Duration
}

// NewCachedMarketable 包装一个可交易列表来源。
func NewCachedMarketable(src MarketableSource, cache *kvcache.Cache, ttl time.Duration) *CachedMarketable {
	return &CachedMarketable{src: src, cache: cache, ttl: ttl}
}

// FetchMarketableItems 先查缓存，未命中回源并回填。
func (c *CachedMarketable) FetchMarketableItems(ctx context.Context) ([]int, error) {
	var ids []int
	if c.cache.GetJSON(ctx, kvcache.MarketableItemsKey(), &ids) && len(ids) > 0 {
		return ids, nil
	}
	ids, err := c.src.FetchMarketableItems(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.PutJSON(ctx, kvcache.MarketableItemsKey(), ids, c.ttl)
	return ids, nil
}

// CatalogSource 提供物品名称与分类。
type CatalogSource interface {
	FetchItems(ctx context.Context, itemIDs []int, language string) ([]xivapi.CatalogItem, error)
}

// ItemSyncer 同步物品目录。
type ItemSyncer struct {
	store      *store.Store
	marketable MarketableSource
	catalog    CatalogSource
	logger     *slog.Logger
}

// NewItemSyncer 创建目录同步器。
func NewItemSyncer(s *store.Store, marketable MarketableSource, catalog CatalogSource, logger *slog.Logger) *ItemSyncer {
	return &ItemSyncer{store: s, marketable: marketable, catalog: catalog, logger: logger}
}

// SyncResult 是一次目录同步的计数。
type SyncResult struct {
	Marketable   int   // 上游可交易物品总数
	NewItems     int   // 本地缺失、本次补全的物品数
	Delisted     int64 // 被标记为不可交易的物品数
	TiersCreated int64 // 新建的层级记录数
}

// Sync 同步物品目录。
//
// 以上游的可交易列表为准: 本地缺的条目从目录 API 补名称分类，
// 本地有但上游没有的标记为不可交易，新物品从第 3 层开始轮询。
func (s *ItemSyncer) Sync(ctx context.Context) (*SyncResult, error) {
	ids, err := s.marketable.FetchMarketableItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch marketable list: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("upstream returned empty marketable list")
	}

	marketable := make(map[int]bool, len(ids))
	for _, id := range ids {
		marketable[id] = true
	}

	var knownIDs []int
	if err := s.store.DB().WithContext(ctx).Model(&model.Item{}).Pluck("item_id", &knownIDs).Error; err != nil {
		return nil, fmt.Errorf("list known items: %w", err)
	}
	known := make(map[int]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	var missing []int
	for _, id := range ids {
		if !known[id] {
			missing = append(missing, id)
		}
	}

	res := &SyncResult{Marketable: len(ids)}

	for _, chunk := range mathutil.Chunk(missing, 500) {
		entries, err := s.catalog.FetchItems(ctx, chunk, "")
		if err != nil {
			return nil, fmt.Errorf("fetch catalog entries: %w", err)
		}
		items := make([]model.Item, len(entries))
		for i, e := range entries {
			items[i] = model.Item{
				ItemID:       e.ItemID,
				Name:         e.Name,
				Category:     e.Category,
				IsMarketable: true,
			}
		}
		if err := s.store.UpsertCatalog(ctx, items); err != nil {
			return nil, err
		}
		res.NewItems += len(items)
	}

	// 上游列表里消失的物品不再轮询
	var delisted []int
	for _, id := range knownIDs {
		if !marketable[id] {
			delisted = append(delisted, id)
		}
	}
	if len(delisted) > 0 {
		r := s.store.DB().WithContext(ctx).Model(&model.Item{}).
			Where("item_id IN ?", delisted).
			Where("is_marketable = ?", true).
			Updates(map[string]any{"is_marketable": false, "updated_at": time.Now().UTC()})
		if r.Error != nil {
			return nil, fmt.Errorf("delist items: %w", r.Error)
		}
		res.Delisted = r.RowsAffected
	}

	created, err := s.store.EnsureTiers(ctx)
	if err != nil {
		return nil, err
	}
	res.TiersCreated = created

	if err := model.SetMetaTime(s.store.DB(), model.MetaLastItemSync, time.Now().UTC()); err != nil {
		return nil, err
	}

	s.logger.Info("item catalog synced",
		"marketable", res.Marketable,
		"new", res.NewItems,
		"delisted", res.Delisted,
		"tiers_created", res.TiersCreated)
	return res, nil
}

// SyncTaxRates 拉取并落库给定世界的税率，返回成功更新的世界数。
//
// 单个世界失败只记日志不中断，税率基本不变，下轮补上即可。
func (s *ItemSyncer) SyncTaxRates(ctx context.Context, taxes TaxSource, worldIDs []int) int {
	updated := 0
	for _, worldID := range worldIDs {
		rates, err := taxes.FetchTaxRates(ctx, worldID)
		if err != nil {
			s.logger.Warn("fetch tax rates failed", "world", worldID, "error", err)
			continue
		}
		rate := model.TaxRate{
			WorldID:      worldID,
			LimsaLominsa: rates.LimsaLominsa,
			Gridania:     rates.Gridania,
			Uldah:        rates.Uldah,
			Ishgard:      rates.Ishgard,
			Kugane:       rates.Kugane,
			Crystarium:   rates.Crystarium,
			OldSharlayan: rates.OldSharlayan,
			Tuliyollal:   rates.Tuliyollal,
		}
		if err := s.store.UpsertTaxRates(ctx, rate); err != nil {
			s.logger.Warn("store tax rates failed", "world", worldID, "error", err)
			continue
		}
		updated++
	}
	return updated
}
