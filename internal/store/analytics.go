package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
)

// ArbitrageParams 是跨世界套利视图的筛选参数。
type ArbitrageParams struct {
	MinProfit    int64   // 税后利润下限（gil）
	MinProfitPct float64 // 税后利润率下限（%）
	TaxRate      float64 // 市场税率（0.05 = 5%）
	Category     string  // 可选的分类过滤
	Limit        int
}

// ArbitrageOpportunity 是一条跨世界差价机会。
type ArbitrageOpportunity struct {
	ItemID      int     `json:"item_id"`
	ItemName    string  `json:"item_name"`
	BuyWorldID  int     `json:"buy_world_id"`
	BuyPrice    int64   `json:"buy_price"`
	SellWorldID int     `json:"sell_world_id"`
	SellPrice   int64   `json:"sell_price"`
	Profit      int64   `json:"profit"`     // 税后利润
	ProfitPct   float64 `json:"profit_pct"` // 税后利润率（%）
}

// ComputeArbitrage 扫描当前挂单，找出同一物品跨世界的价差机会。
//
// 同一物品取每个世界的最低 NQ 单价；在最便宜世界买入、最贵世界卖出，
// 卖出价按 TaxRate 扣税后计算利润。至少要有两个世界有挂单。
// 结果按利润率降序: 本金小、翻倍快的机会排在绝对利润大的前面。
func (s *Store) ComputeArbitrage(ctx context.Context, p ArbitrageParams) ([]ArbitrageOpportunity, error) {
	type minRow struct {
		ItemID   int
		WorldID  int
		MinPrice int64
		Name     string
	}

	q := s.db.WithContext(ctx).Model(&model.CurrentListing{}).
		Select("current_listings.item_id, current_listings.world_id, MIN(current_listings.price_per_unit) AS min_price, items.name").
		Joins("JOIN items ON items.item_id = current_listings.item_id").
		Where("current_listings.hq = ?", false).
		Group("current_listings.item_id, current_listings.world_id, items.name")
	if p.Category != "" {
		q = q.Where("items.category = ?", p.Category)
	}

	var rows []minRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan listing minimums: %w", err)
	}

	type worldPrice struct {
		worldID int
		price   int64
	}
	byItem := make(map[int][]worldPrice)
	names := make(map[int]string)
	for _, r := range rows {
		byItem[r.ItemID] = append(byItem[r.ItemID], worldPrice{r.WorldID, r.MinPrice})
		names[r.ItemID] = r.Name
	}

	var out []ArbitrageOpportunity
	for itemID, prices := range byItem {
		if len(prices) < 2 {
			continue
		}
		buy, sell := prices[0], prices[0]
		for _, wp := range prices[1:] {
			if wp.price < buy.price {
				buy = wp
			}
			if wp.price > sell.price {
				sell = wp
			}
		}
		profit, pct := mathutil.ProfitAfterTax(buy.price, sell.price, p.TaxRate)
		if profit < p.MinProfit || pct < p.MinProfitPct {
			continue
		}
		out = append(out, ArbitrageOpportunity{
			ItemID:      itemID,
			ItemName:    names[itemID],
			BuyWorldID:  buy.worldID,
			BuyPrice:    buy.price,
			SellWorldID: sell.worldID,
			SellPrice:   sell.price,
			Profit:      profit,
			ProfitPct:   pct,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ProfitPct > out[j].ProfitPct })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// DealsParams 是折扣视图的筛选参数。
type DealsParams struct {
	MaxPercentile float64 // 最便宜世界价需低于最贵世界最低价的该百分比
	WorldID       int     // 可选: 只看该世界是最便宜世界的机会
	Category      string
	Limit         int
}

// Deal 是一条跨世界比价后明显偏低的在售机会。
type Deal struct {
	ItemID       int     `json:"item_id"`
	ItemName     string  `json:"item_name"`
	WorldID      int     `json:"world_id"`
	CurrentPrice int64   `json:"current_price"`
	MaxWorldMin  int64   `json:"max_world_min"` // 各世界最低价中的最高值
	DiscountPct  float64 `json:"discount_pct"`  // 相对 MaxWorldMin 的折扣（%）
}

// ComputeDeals 找出当前挂单里跨世界比价明显偏低的物品。
//
// 对每个物品取各世界的最低 NQ 单价，以其中的最高值为基准价；
// 最便宜世界的价格低于基准价的 MaxPercentile% 即视为机会，
// 折扣 = (1 - 价格/基准价) × 100。基准价总是跨全部世界计算，
// WorldID 只限定最便宜世界必须是该世界。
func (s *Store) ComputeDeals(ctx context.Context, p DealsParams) ([]Deal, error) {
	if p.MaxPercentile <= 0 {
		p.MaxPercentile = 80
	}

	type minRow struct {
		ItemID   int
		WorldID  int
		MinPrice int64
		Name     string
	}
	q := s.db.WithContext(ctx).Model(&model.CurrentListing{}).
		Select("current_listings.item_id, current_listings.world_id, MIN(current_listings.price_per_unit) AS min_price, items.name").
		Joins("JOIN items ON items.item_id = current_listings.item_id").
		Where("current_listings.hq = ?", false).
		Group("current_listings.item_id, current_listings.world_id, items.name")
	if p.Category != "" {
		q = q.Where("items.category = ?", p.Category)
	}
	var rows []minRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan world minimums: %w", err)
	}

	type worldPrice struct {
		worldID int
		price   int64
	}
	byItem := make(map[int][]worldPrice)
	names := make(map[int]string)
	for _, r := range rows {
		byItem[r.ItemID] = append(byItem[r.ItemID], worldPrice{r.WorldID, r.MinPrice})
		names[r.ItemID] = r.Name
	}

	var out []Deal
	for itemID, prices := range byItem {
		if len(prices) < 2 {
			continue
		}
		cheapest, maxMin := prices[0], prices[0].price
		for _, wp := range prices[1:] {
			if wp.price < cheapest.price {
				cheapest = wp
			}
			if wp.price > maxMin {
				maxMin = wp.price
			}
		}
		if p.WorldID > 0 && cheapest.worldID != p.WorldID {
			continue
		}
		if maxMin <= 0 || float64(cheapest.price) >= float64(maxMin)*p.MaxPercentile/100 {
			continue
		}
		out = append(out, Deal{
			ItemID:       itemID,
			ItemName:     names[itemID],
			WorldID:      cheapest.worldID,
			CurrentPrice: cheapest.price,
			MaxWorldMin:  maxMin,
			DiscountPct:  (1 - float64(cheapest.price)/float64(maxMin)) * 100,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DiscountPct > out[j].DiscountPct })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// TrendingParams 是涨跌视图的筛选参数。
type TrendingParams struct {
	Direction    string  // "up"、"down" 或空（双向）
	PeriodHours  int     // 观察窗口小时数，前后对半分
	MinChangePct float64 // 涨跌幅下限（%，按绝对值）
	WorldID      int
	Category     string
	Limit        int
}

// TrendingItem 是一条价格趋势。
type TrendingItem struct {
	ItemID      int     `json:"item_id"`
	ItemName    string  `json:"item_name"`
	WorldID     int     `json:"world_id"`
	RecentAvg   float64 `json:"recent_avg"`
	PreviousAvg float64 `json:"previous_avg"`
	ChangePct   float64 `json:"change_pct"` // 正为涨，负为跌
}

// ComputeTrending 把观察窗口从中点对半切开，比较前后两半的
// 快照中位价均值，找出波动明显的物品。
//
// 只统计有 NQ 挂单的快照（中位价为 0 说明该时刻无挂单）。
// Direction 为 up 时只要求涨幅超阈值，down 只要求跌幅，
// 空则双向。结果按涨跌幅绝对值降序。
func (s *Store) ComputeTrending(ctx context.Context, p TrendingParams) ([]TrendingItem, error) {
	if p.PeriodHours <= 0 {
		p.PeriodHours = 72
	}
	if p.MinChangePct <= 0 {
		p.MinChangePct = 10
	}
	now := time.Now().UTC()
	windowStart := now.Add(-time.Duration(p.PeriodHours) * time.Hour)
	midpoint := now.Add(-time.Duration(p.PeriodHours) * time.Hour / 2)

	type snapRow struct {
		ItemID     int
		WorldID    int
		CapturedAt time.Time
		Median     float64
		Name       string
	}
	q := s.db.WithContext(ctx).Model(&model.PriceSnapshot{}).
		Select("price_snapshots.item_id, price_snapshots.world_id, price_snapshots.captured_at, price_snapshots.median_price_nq AS median, items.name").
		Joins("JOIN items ON items.item_id = price_snapshots.item_id").
		Where("price_snapshots.captured_at >= ? AND price_snapshots.median_price_nq > 0", windowStart)
	if p.WorldID > 0 {
		q = q.Where("price_snapshots.world_id = ?", p.WorldID)
	}
	if p.Category != "" {
		q = q.Where("items.category = ?", p.Category)
	}
	var rows []snapRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan snapshot window: %w", err)
	}

	type key struct{ item, world int }
	recent := make(map[key][]float64)
	previous := make(map[key][]float64)
	names := make(map[key]string)
	for _, r := range rows {
		k := key{r.ItemID, r.WorldID}
		names[k] = r.Name
		// 按快照时间划分窗口，不能按字符串序比较
		if !r.CapturedAt.Before(midpoint) {
			recent[k] = append(recent[k], r.Median)
		} else {
			previous[k] = append(previous[k], r.Median)
		}
	}

	var out []TrendingItem
	for k, recentPrices := range recent {
		prevPrices, ok := previous[k]
		if !ok || len(prevPrices) == 0 {
			continue
		}
		recentAvg := mathutil.Average(recentPrices)
		prevAvg := mathutil.Average(prevPrices)
		if prevAvg <= 0 {
			continue
		}
		change := (recentAvg - prevAvg) / prevAvg * 100
		switch p.Direction {
		case "up":
			if change <= p.MinChangePct {
				continue
			}
		case "down":
			if change >= -p.MinChangePct {
				continue
			}
		default:
			if change < p.MinChangePct && change > -p.MinChangePct {
				continue
			}
		}
		out = append(out, TrendingItem{
			ItemID:      k.item,
			ItemName:    names[k],
			WorldID:     k.world,
			RecentAvg:   recentAvg,
			PreviousAvg: prevAvg,
			ChangePct:   change,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].ChangePct, out[j].ChangePct
		if li < 0 {
			li = -li
		}
		if lj < 0 {
			lj = -lj
		}
		return li > lj
	})
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// VelocityParams 是销量速率视图的筛选参数。
type VelocityParams struct {
	MinPerDay float64 // 日均成交笔数下限
	Days      int     // 统计窗口天数
	WorldID   int
	Category  string
	Limit     int
}

// VelocityItem 是一条销量速率统计。
type VelocityItem struct {
	ItemID      int     `json:"item_id"`
	ItemName    string  `json:"item_name"`
	WorldID     int     `json:"world_id"`
	SalesPerDay float64 `json:"sales_per_day"` // 日均成交笔数
	UnitsPerDay float64 `json:"units_per_day"` // 日均成交件数
	GilPerDay   float64 `json:"gil_per_day"`   // 日均成交额
}

// ComputeVelocity 统计窗口内各物品的日均成交速率。
func (s *Store) ComputeVelocity(ctx context.Context, p VelocityParams) ([]VelocityItem, error) {
	if p.Days <= 0 {
		p.Days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -p.Days)

	type saleRow struct {
		ItemID  int
		WorldID int
		Count   int64
		Units   int64
		Gil     int64
		Name    string
	}
	q := s.db.WithContext(ctx).Model(&model.SaleRecord{}).
		Select("sale_records.item_id, sale_records.world_id, COUNT(*) AS count, SUM(sale_records.quantity) AS units, SUM(sale_records.price_per_unit * sale_records.quantity) AS gil, items.name").
		Joins("JOIN items ON items.item_id = sale_records.item_id").
		Where("sale_records.sold_at >= ?", since).
		Group("sale_records.item_id, sale_records.world_id, items.name")
	if p.WorldID > 0 {
		q = q.Where("sale_records.world_id = ?", p.WorldID)
	}
	if p.Category != "" {
		q = q.Where("items.category = ?", p.Category)
	}
	var rows []saleRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan sale velocity: %w", err)
	}

	days := float64(p.Days)
	var out []VelocityItem
	for _, r := range rows {
		perDay := float64(r.Count) / days
		if perDay < p.MinPerDay {
			continue
		}
		out = append(out, VelocityItem{
			ItemID:      r.ItemID,
			ItemName:    r.Name,
			WorldID:     r.WorldID,
			SalesPerDay: perDay,
			UnitsPerDay: float64(r.Units) / days,
			GilPerDay:   float64(r.Gil) / days,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SalesPerDay > out[j].SalesPerDay })
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}
