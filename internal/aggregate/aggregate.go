package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
)

// Aggregator 把原始快照滚算成小时桶，再把完结的小时桶滚算成日桶。
type Aggregator struct {
	db             *gorm.DB
	logger         *slog.Logger
	hourlyLookback time.Duration
	dailyLookback  int // 天
}

// New 创建 Aggregator。
//
// 小时汇总回看 70 分钟: 比一个整点多 10 分钟，轮询周期漂移时
// 跨过整点边界的快照也能落进正确的桶。
func New(db *gorm.DB, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		db:             db,
		logger:         logger,
		hourlyLookback: 70 * time.Minute,
		dailyLookback:  2,
	}
}

// Result 是一次汇总的计数。
type Result struct {
	HourlyWritten int // 新写或更新的小时桶
	HourlySkipped int // 数值未变跳过的小时桶
	DailyWritten  int
	DailySkipped  int
}

// Run 执行小时与按日汇总并推进水位线。
func (a *Aggregator) Run(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	hw, hs, err := a.runHourly(ctx, now)
	if err != nil {
		return res, fmt.Errorf("hourly rollup: %w", err)
	}
	res.HourlyWritten, res.HourlySkipped = hw, hs

	dw, ds, err := a.runDaily(ctx, now)
	if err != nil {
		return res, fmt.Errorf("daily rollup: %w", err)
	}
	res.DailyWritten, res.DailySkipped = dw, ds

	if err := model.SetMetaTime(a.db, model.MetaLastAggregation, now.UTC()); err != nil {
		return res, err
	}

	a.logger.Info("aggregation done",
		"hourly_written", res.HourlyWritten,
		"hourly_skipped", res.HourlySkipped,
		"daily_written", res.DailyWritten,
		"daily_skipped", res.DailySkipped)
	return res, nil
}

// priceStats 累计单一品质的价格统计。0 价视为该品质无挂单，不参与。
type priceStats struct {
	min  int64
	max  int64
	avgs []float64
}

func (p *priceStats) add(min int64, avg float64) {
	if min <= 0 {
		return
	}
	if p.min == 0 || min < p.min {
		p.min = min
	}
	if min > p.max {
		p.max = min
	}
	p.avgs = append(p.avgs, avg)
}

// addBucket 合并一个下层桶（日滚算用: min 并 min，max 并 max）。
func (p *priceStats) addBucket(min, max int64, avg float64) {
	if min <= 0 {
		return
	}
	if p.min == 0 || min < p.min {
		p.min = min
	}
	if max > p.max {
		p.max = max
	}
	p.avgs = append(p.avgs, avg)
}

type bucketStats struct {
	nq       priceStats
	hq       priceStats
	listings int
	sales    int
	salesGil int64
}

// runHourly 把回看窗口内的快照滚算成小时桶。
//
// 价格口径: min/max 是桶内快照最低价的波动区间，avg 是快照中位价的
// 均值。成交笔数与成交额从成交记录按同一桶补齐。
func (a *Aggregator) runHourly(ctx context.Context, now time.Time) (written, skipped int, err error) {
	since := now.UTC().Add(-a.hourlyLookback).Truncate(time.Hour)

	var snaps []model.PriceSnapshot
	if err := a.db.WithContext(ctx).Where("captured_at >= ?", since).Find(&snaps).Error; err != nil {
		return 0, 0, fmt.Errorf("load recent snapshots: %w", err)
	}

	type key struct {
		item, world int
		hour        time.Time
	}
	buckets := make(map[key]*bucketStats)
	for _, snap := range snaps {
		k := key{snap.ItemID, snap.WorldID, snap.CapturedAt.UTC().Truncate(time.Hour)}
		b := buckets[k]
		if b == nil {
			b = &bucketStats{}
			buckets[k] = b
		}
		b.nq.add(snap.MinPriceNQ, snap.MedianPriceNQ)
		b.hq.add(snap.MinPriceHQ, snap.MedianPriceHQ)
		b.listings += snap.ListingCount
	}

	var sales []model.SaleRecord
	if err := a.db.WithContext(ctx).Where("sold_at >= ?", since).Find(&sales).Error; err != nil {
		return 0, 0, fmt.Errorf("load recent sales: %w", err)
	}
	for _, sale := range sales {
		k := key{sale.ItemID, sale.WorldID, sale.SoldAt.UTC().Truncate(time.Hour)}
		b := buckets[k]
		if b == nil {
			b = &bucketStats{}
			buckets[k] = b
		}
		b.sales++
		b.salesGil += sale.PricePerUnit * int64(sale.Quantity)
	}

	for k, b := range buckets {
		row := model.HourlyAggregate{
			ItemID:        k.item,
			WorldID:       k.world,
			BucketHour:    k.hour,
			MinPriceNQ:    b.nq.min,
			AvgPriceNQ:    mathutil.Average(b.nq.avgs),
			MaxPriceNQ:    b.nq.max,
			MinPriceHQ:    b.hq.min,
			AvgPriceHQ:    mathutil.Average(b.hq.avgs),
			MaxPriceHQ:    b.hq.max,
			TotalListings: b.listings,
			TotalSales:    b.sales,
			TotalSalesGil: b.salesGil,
		}
		changed, err := upsertHourly(a.db.WithContext(ctx), row)
		if err != nil {
			return written, skipped, err
		}
		if changed {
			written++
		} else {
			skipped++
		}
	}
	return written, skipped, nil
}

func upsertHourly(db *gorm.DB, row model.HourlyAggregate) (bool, error) {
	var existing model.HourlyAggregate
	err := db.Where("item_id = ? AND world_id = ? AND bucket_hour = ?",
		row.ItemID, row.WorldID, row.BucketHour).First(&existing).Error
	if err == nil {
		if sameHourly(existing, row) {
			return false, nil
		}
		row.ID = existing.ID
		if err := db.Save(&row).Error; err != nil {
			return false, fmt.Errorf("update hourly bucket: %w", err)
		}
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("load hourly bucket: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return false, fmt.Errorf("insert hourly bucket: %w", err)
	}
	return true, nil
}

func sameHourly(a, b model.HourlyAggregate) bool {
	return a.MinPriceNQ == b.MinPriceNQ &&
		a.AvgPriceNQ == b.AvgPriceNQ &&
		a.MaxPriceNQ == b.MaxPriceNQ &&
		a.MinPriceHQ == b.MinPriceHQ &&
		a.AvgPriceHQ == b.AvgPriceHQ &&
		a.MaxPriceHQ == b.MaxPriceHQ &&
		a.TotalListings == b.TotalListings &&
		a.TotalSales == b.TotalSales &&
		a.TotalSalesGil == b.TotalSalesGil
}

// runDaily 把完结日的小时桶滚算成日桶。
//
// 当天（UTC）还在进行中，它的小时桶永远不参与，
// 避免产生事后悄悄变化的日桶。
func (a *Aggregator) runDaily(ctx context.Context, now time.Time) (written, skipped int, err error) {
	today := now.UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -a.dailyLookback)

	var hours []model.HourlyAggregate
	err = a.db.WithContext(ctx).
		Where("bucket_hour >= ? AND bucket_hour < ?", since, today).
		Find(&hours).Error
	if err != nil {
		return 0, 0, fmt.Errorf("load hourly buckets for daily rollup: %w", err)
	}

	type key struct {
		item, world int
		day         time.Time
	}
	buckets := make(map[key]*bucketStats)
	for _, h := range hours {
		k := key{h.ItemID, h.WorldID, h.BucketHour.UTC().Truncate(24 * time.Hour)}
		b := buckets[k]
		if b == nil {
			b = &bucketStats{}
			buckets[k] = b
		}
		b.nq.addBucket(h.MinPriceNQ, h.MaxPriceNQ, h.AvgPriceNQ)
		b.hq.addBucket(h.MinPriceHQ, h.MaxPriceHQ, h.AvgPriceHQ)
		b.listings += h.TotalListings
		b.sales += h.TotalSales
		b.salesGil += h.TotalSalesGil
	}

	for k, b := range buckets {
		row := model.DailyAggregate{
			ItemID:        k.item,
			WorldID:       k.world,
			BucketDay:     k.day,
			MinPriceNQ:    b.nq.min,
			AvgPriceNQ:    mathutil.Average(b.nq.avgs),
			MaxPriceNQ:    b.nq.max,
			MinPriceHQ:    b.hq.min,
			AvgPriceHQ:    mathutil.Average(b.hq.avgs),
			MaxPriceHQ:    b.hq.max,
			TotalListings: b.listings,
			TotalSales:    b.sales,
			TotalSalesGil: b.salesGil,
		}
		changed, err := upsertDaily(a.db.WithContext(ctx), row)
		if err != nil {
			return written, skipped, err
		}
		if changed {
			written++
		} else {
			skipped++
		}
	}
	return written, skipped, nil
}

func upsertDaily(db *gorm.DB, row model.DailyAggregate) (bool, error) {
	var existing model.DailyAggregate
	err := db.Where("item_id = ? AND world_id = ? AND bucket_day = ?",
		row.ItemID, row.WorldID, row.BucketDay).First(&existing).Error
	if err == nil {
		if sameDaily(existing, row) {
			return false, nil
		}
		row.ID = existing.ID
		if err := db.Save(&row).Error; err != nil {
			return false, fmt.Errorf("update daily bucket: %w", err)
		}
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("load daily bucket: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return false, fmt.Errorf("insert daily bucket: %w", err)
	}
	return true, nil
}

func sameDaily(a, b model.DailyAggregate) bool {
	return a.MinPriceNQ == b.MinPriceNQ &&
		a.AvgPriceNQ == b.AvgPriceNQ &&
		a.MaxPriceNQ == b.MaxPriceNQ &&
		a.MinPriceHQ == b.MinPriceHQ &&
		a.AvgPriceHQ == b.AvgPriceHQ &&
		a.MaxPriceHQ == b.MaxPriceHQ &&
		a.TotalListings == b.TotalListings &&
		a.TotalSales == b.TotalSales &&
		a.TotalSalesGil == b.TotalSalesGil
}
