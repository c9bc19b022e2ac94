package ingest

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
)

// ItemVelocity 是聚合接口给出的物品日销量（大区口径）。
type ItemVelocity struct {
	ItemID int
	PerDay float64
}

// IngestAggregated 写入一批低保真聚合行情。
//
// 聚合接口只有大区级最低价与来源世界，没有逐条挂单，
// 所以只落快照（归到来源世界），不动挂单表与成交表。
// 返回各物品的日销量，供层级引导时参考。
func (ing *Ingestor) IngestAggregated(ctx context.Context, results []universalis.AggregatedResult) (Result, []ItemVelocity) {
	var res Result
	velocities := make([]ItemVelocity, 0, len(results))

	for _, agg := range results {
		uploadTimes := make(map[int]time.Time, len(agg.WorldUploadTimes))
		for _, wut := range agg.WorldUploadTimes {
			uploadTimes[wut.WorldID] = time.UnixMilli(wut.Timestamp).UTC()
		}

		minNQ, worldID := dcMinListing(agg.NQ)
		minHQ, hqWorld := dcMinListing(agg.HQ)
		if worldID == 0 {
			worldID = hqWorld
		}
		perDay := dcVelocity(agg)
		if worldID == 0 {
			// 没有任何在售信息，只收销量
			velocities = append(velocities, ItemVelocity{ItemID: agg.ItemID, PerDay: perDay})
			continue
		}

		capturedAt, ok := uploadTimes[worldID]
		if !ok {
			capturedAt = time.Now().UTC().Truncate(time.Minute)
		}

		snap := model.PriceSnapshot{
			ItemID:       agg.ItemID,
			WorldID:      worldID,
			CapturedAt:   capturedAt,
			MinPriceNQ:   minNQ,
			MinPriceHQ:   minHQ,
			AvgPrice:     dcAvgSalePrice(agg),
			SaleVelocity: perDay,
		}

		// 与全量路径同理: 上报时间前移但最低价没变时不落新快照
		var prev model.PriceSnapshot
		err := ing.db.WithContext(ctx).
			Where("item_id = ? AND world_id = ?", agg.ItemID, worldID).
			Order("captured_at DESC").
			First(&prev).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			res.Failed++
			ing.logger.Error("ingest aggregated item failed", "item", agg.ItemID, "error", err)
			continue
		}
		if err == nil && prev.MinPriceNQ == snap.MinPriceNQ && prev.MinPriceHQ == snap.MinPriceHQ {
			res.Items++
			res.SnapshotsSkipped++
			velocities = append(velocities, ItemVelocity{ItemID: agg.ItemID, PerDay: perDay})
			continue
		}

		r := ing.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&snap)
		if r.Error != nil {
			res.Failed++
			ing.logger.Error("ingest aggregated item failed", "item", agg.ItemID, "error", r.Error)
			continue
		}
		res.Items++
		if r.RowsAffected > 0 {
			res.SnapshotsWritten++
			ing.invalidateItem(ctx, agg.ItemID)
		} else {
			res.SnapshotsSkipped++
		}

		velocities = append(velocities, ItemVelocity{ItemID: agg.ItemID, PerDay: perDay})
	}

	metrics.ItemsIngestedTotal.WithLabelValues("aggregated").Add(float64(res.Items))
	metrics.SnapshotsSkippedTotal.Add(float64(res.SnapshotsSkipped))
	return res, velocities
}

// dcMinListing 取大区口径的最低挂单价与来源世界。
func dcMinListing(q universalis.AggregatedQuality) (int64, int) {
	if q.MinListing.DC != nil {
		return int64(q.MinListing.DC.Price), q.MinListing.DC.WorldID
	}
	if q.MinListing.World != nil {
		return int64(q.MinListing.World.Price), 0
	}
	return 0, 0
}

// dcAvgSalePrice 取大区口径的平均成交价，优先 NQ。
func dcAvgSalePrice(agg universalis.AggregatedResult) float64 {
	if agg.NQ.AverageSalePrice.DC != nil {
		return agg.NQ.AverageSalePrice.DC.Price
	}
	if agg.HQ.AverageSalePrice.DC != nil {
		return agg.HQ.AverageSalePrice.DC.Price
	}
	return 0
}

// dcVelocity 取大区口径的日销量，NQ 与 HQ 相加。
func dcVelocity(agg universalis.AggregatedResult) float64 {
	var total float64
	if agg.NQ.DailySaleVelocity.DC != nil {
		total += agg.NQ.DailySaleVelocity.DC.Quantity
	}
	if agg.HQ.DailySaleVelocity.DC != nil {
		total += agg.HQ.DailySaleVelocity.DC.Quantity
	}
	return total
}
