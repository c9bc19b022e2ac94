package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/kvcache"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
)

// Ingestor 负责把上游行情写入存储。
//
// 每个物品的写入是一个独立事务: 挂单整替、快照去重、成交按水位线
// 增量插入三步要么全部生效要么全部回滚，单个物品失败不拖累整批。
type Ingestor struct {
	db     *gorm.DB
	cache  *kvcache.Cache
	logger *slog.Logger
}

// New 创建 Ingestor。
func New(db *gorm.DB, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, logger: logger}
}

// WithCache 启用入库后的缓存失效: 每个物品写入成功后删掉
// 它的最新价与挂单缓存键，读层下次请求时回源重建。
func (ing *Ingestor) WithCache(cache *kvcache.Cache) *Ingestor {
	ing.cache = cache
	return ing
}

func (ing *Ingestor) invalidateItem(ctx context.Context, itemID int) {
	if ing.cache == nil {
		return
	}
	ing.cache.Delete(ctx, kvcache.LatestPriceKey(itemID))
	ing.cache.Delete(ctx, kvcache.ListingsKey(itemID))
}

// Result 是一次入库的计数汇总。
type Result struct {
	Items            int // 处理的物品数
	ListingsWritten  int // 写入的挂单数
	SnapshotsWritten int // 新增快照数
	SnapshotsSkipped int // 去重跳过的快照数
	SalesInserted    int // 新增成交数
	Failed           int // 写入失败的物品数
}

// IngestMarketData 写入一批全量行情。
//
// 单个物品写入失败只记日志与计数，继续处理其余物品。
func (ing *Ingestor) IngestMarketData(ctx context.Context, data map[int]universalis.MarketData) Result {
	var res Result
	for itemID, md := range data {
		r, err := ing.ingestItem(ctx, itemID, md)
		if err != nil {
			res.Failed++
			ing.logger.Error("ingest item failed", "item", itemID, "error", err)
			continue
		}
		res.Items++
		res.ListingsWritten += r.ListingsWritten
		res.SnapshotsWritten += r.SnapshotsWritten
		res.SnapshotsSkipped += r.SnapshotsSkipped
		res.SalesInserted += r.SalesInserted
		ing.invalidateItem(ctx, itemID)
	}

	metrics.ItemsIngestedTotal.WithLabelValues("full").Add(float64(res.Items))
	metrics.SnapshotsSkippedTotal.Add(float64(res.SnapshotsSkipped))
	metrics.SalesInsertedTotal.Add(float64(res.SalesInserted))
	return res
}

// ingestItem 在单个事务内完成一个物品的全部写入。
func (ing *Ingestor) ingestItem(ctx context.Context, itemID int, md universalis.MarketData) (Result, error) {
	var res Result
	capturedAt := time.UnixMilli(md.LastUploadTime).UTC()

	err := ing.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := replaceListings(tx, itemID, md.Listings)
		if err != nil {
			return err
		}
		res.ListingsWritten = n

		written, skipped, err := writeSnapshots(tx, itemID, capturedAt, md.Listings)
		if err != nil {
			return err
		}
		res.SnapshotsWritten = written
		res.SnapshotsSkipped = skipped

		inserted, err := insertNewSales(tx, itemID, md.RecentHistory)
		if err != nil {
			return err
		}
		res.SalesInserted = inserted
		return nil
	})
	return res, err
}

// replaceListings 整替某物品的全部在售挂单。
//
// 按大区查询时响应覆盖全部世界，所以删除范围是整个物品，
// 没出现在响应里的世界意味着该世界当前没有挂单。
func replaceListings(tx *gorm.DB, itemID int, listings []universalis.Listing) (int, error) {
	if err := tx.Where("item_id = ?", itemID).Delete(&model.CurrentListing{}).Error; err != nil {
		return 0, fmt.Errorf("delete stale listings: %w", err)
	}
	if len(listings) == 0 {
		return 0, nil
	}

	rows := make([]model.CurrentListing, len(listings))
	for i, l := range listings {
		rows[i] = model.CurrentListing{
			ItemID:       itemID,
			WorldID:      l.WorldID,
			PricePerUnit: l.PricePerUnit,
			Quantity:     l.Quantity,
			TotalPrice:   l.Total,
			HQ:           l.HQ,
			RetainerName: l.RetainerName,
			ListingTime:  l.LastReviewTime,
		}
	}
	if err := tx.CreateInBatches(rows, 200).Error; err != nil {
		return 0, fmt.Errorf("insert listings: %w", err)
	}
	return len(rows), nil
}

// writeSnapshots 按世界汇总挂单并写入快照。
//
// NQ/HQ 价格取逐条挂单的中位数而不是上游给的均价:
// 上游均价窗口跨度太粗，会被离群挂单拖偏。
//
// 去重按可观测字段比较: 上游的 lastUploadTime 会因无关品类的
// 上报而前移，只要价格与挂单量和上一份快照一致就跳过，
// (item, world, captured_at) 唯一索引兜底精确重放。
func writeSnapshots(tx *gorm.DB, itemID int, capturedAt time.Time, listings []universalis.Listing) (written, skipped int, err error) {
	type worldAgg struct {
		minNQ, minHQ int64
		nqPrices     []float64
		hqPrices     []float64
		sum          int64
		count        int
		units        int
	}
	byWorld := make(map[int]*worldAgg)
	for _, l := range listings {
		agg := byWorld[l.WorldID]
		if agg == nil {
			agg = &worldAgg{}
			byWorld[l.WorldID] = agg
		}
		if l.HQ {
			if agg.minHQ == 0 || l.PricePerUnit < agg.minHQ {
				agg.minHQ = l.PricePerUnit
			}
			agg.hqPrices = append(agg.hqPrices, float64(l.PricePerUnit))
		} else {
			if agg.minNQ == 0 || l.PricePerUnit < agg.minNQ {
				agg.minNQ = l.PricePerUnit
			}
			agg.nqPrices = append(agg.nqPrices, float64(l.PricePerUnit))
		}
		agg.sum += l.PricePerUnit
		agg.count++
		agg.units += l.Quantity
	}

	for worldID, agg := range byWorld {
		snap := model.PriceSnapshot{
			ItemID:        itemID,
			WorldID:       worldID,
			CapturedAt:    capturedAt,
			MinPriceNQ:    agg.minNQ,
			MinPriceHQ:    agg.minHQ,
			MedianPriceNQ: mathutil.Median(agg.nqPrices),
			MedianPriceHQ: mathutil.Median(agg.hqPrices),
			AvgPrice:      float64(agg.sum) / float64(agg.count),
			ListingCount:  agg.count,
			UnitsForSale:  agg.units,
		}

		var prev model.PriceSnapshot
		err := tx.Where("item_id = ? AND world_id = ?", itemID, worldID).
			Order("captured_at DESC").
			First(&prev).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, fmt.Errorf("read previous snapshot: %w", err)
		}
		if err == nil && sameSnapshot(prev, snap) {
			skipped++
			continue
		}

		r := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap)
		if r.Error != nil {
			return 0, 0, fmt.Errorf("insert snapshot: %w", r.Error)
		}
		if r.RowsAffected > 0 {
			written++
		} else {
			skipped++
		}
	}
	return written, skipped, nil
}

// sameSnapshot 比较两份快照的可观测字段是否一致。
func sameSnapshot(a, b model.PriceSnapshot) bool {
	return a.MinPriceNQ == b.MinPriceNQ &&
		a.MinPriceHQ == b.MinPriceHQ &&
		a.MedianPriceNQ == b.MedianPriceNQ &&
		a.MedianPriceHQ == b.MedianPriceHQ &&
		a.ListingCount == b.ListingCount &&
		a.UnitsForSale == b.UnitsForSale
}

// insertNewSales 按世界水位线增量插入成交记录。
//
// 只插入晚于该 (item, world) 最新成交时间的记录；
// 水位线回退或重放时由唯一索引兜底。
func insertNewSales(tx *gorm.DB, itemID int, sales []universalis.Sale) (int, error) {
	watermarks := make(map[int]time.Time)
	inserted := 0

	for _, sale := range sales {
		wm, ok := watermarks[sale.WorldID]
		if !ok {
			// 取整行而不是 MAX() 表达式: 表达式列在 sqlite 下丢失
			// 类型信息，扫不进 time.Time
			var last model.SaleRecord
			err := tx.Where("item_id = ? AND world_id = ?", itemID, sale.WorldID).
				Order("sold_at DESC").
				First(&last).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, fmt.Errorf("read sale watermark: %w", err)
			}
			if err == nil {
				wm = last.SoldAt
			}
			watermarks[sale.WorldID] = wm
		}

		soldAt := time.Unix(sale.Timestamp, 0).UTC()
		if !soldAt.After(wm) {
			continue
		}

		row := model.SaleRecord{
			ItemID:       itemID,
			WorldID:      sale.WorldID,
			SoldAt:       soldAt,
			PricePerUnit: sale.PricePerUnit,
			Quantity:     sale.Quantity,
			HQ:           sale.HQ,
			BuyerName:    sale.BuyerName,
		}
		r := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if r.Error != nil {
			return 0, fmt.Errorf("insert sale: %w", r.Error)
		}
		if r.RowsAffected > 0 {
			inserted++
		}
	}
	return inserted, nil
}
