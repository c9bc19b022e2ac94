package model

import (
	"time"
)

// Item 表示一件可在市场板交易的物品（物品目录条目）。
//
// ItemID 是游戏内的物品编号，同时也是上游行情 API 的查询键。
type Item struct {
	ItemID    int       `gorm:"primaryKey"` // 游戏内物品 ID
	CreatedAt time.Time // 首次同步时间
	UpdatedAt time.Time // 更新时间

	Name     string `gorm:"type:varchar(191);not null"` // 物品名称
	Category string `gorm:"type:varchar(64)"`           // 物品分类
	// 不能带 default 标签: gorm 会把零值 false 当缺省略过，
	// 非卖品一落库就变成可交易
	IsMarketable bool `gorm:"index"` // 是否可上架交易
}

// ItemTier 记录物品当前所属的轮询层级。
//
// 层级决定轮询频率与保真度: 1 最热（全量、最频繁），3 最冷（聚合、最慢）。
// Manual 为真时维护任务不再自动调层。
type ItemTier struct {
	ItemID    int       `gorm:"primaryKey"` // 物品 ID
	UpdatedAt time.Time // 上次调层时间

	Tier   int  `gorm:"not null;default:3;index"` // 当前层级 1/2/3
	Manual bool `gorm:"default:false"`            // 人工钉住，调层时跳过
}

// CurrentListing 表示某物品在某世界当前在售的一条挂单。
//
// 每次全量抓取都会整替该 (item, world) 组合下的全部挂单，
// 因此这张表永远只反映最近一次抓取时的在售状态。
type CurrentListing struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	UpdatedAt time.Time // 写入时间

	ItemID       int    `gorm:"not null;index:idx_listing_item_world"` // 物品 ID
	WorldID      int    `gorm:"not null;index:idx_listing_item_world"` // 世界 ID
	PricePerUnit int64  `gorm:"not null"`                              // 单价（gil）
	Quantity     int    `gorm:"not null"`                              // 数量
	TotalPrice   int64  `gorm:"not null"`                              // 总价（单价×数量+税）
	HQ           bool   `gorm:"default:false"`                         // 是否 HQ 品质
	RetainerName string `gorm:"type:varchar(64)"`                      // 雇员名
	ListingTime  int64  // 挂单时间（Unix 秒，上游可能缺省为 0）
}

// PriceSnapshot 是某物品在某世界某时刻的价格快照。
//
// 唯一索引 (item, world, captured_at) 负责去重:
// 上游数据未更新时重复抓取不会产生新快照。
type PriceSnapshot struct {
	ID uint `gorm:"primaryKey"` // 内部 ID

	ItemID     int       `gorm:"not null;uniqueIndex:uniq_snapshot"`       // 物品 ID
	WorldID    int       `gorm:"not null;uniqueIndex:uniq_snapshot"`       // 世界 ID
	CapturedAt time.Time `gorm:"not null;uniqueIndex:uniq_snapshot;index"` // 上游数据更新时间

	MinPriceNQ    int64   // NQ 最低单价（0 表示无 NQ 挂单）
	MinPriceHQ    int64   // HQ 最低单价（0 表示无 HQ 挂单）
	MedianPriceNQ float64 // NQ 挂单中位价，由逐条挂单推导（上游均价窗口太粗，弃用）
	MedianPriceHQ float64 // HQ 挂单中位价
	AvgPrice      float64
	ListingCount  int     // 在售挂单数
	UnitsForSale  int     // 在售总件数
	SaleVelocity  float64 // 日销量，仅聚合路径有值
}

// SaleRecord 是上游成交历史中的一笔成交。
//
// 唯一索引 (item, world, sold_at, price, quantity) 在水位线回退时兜底去重。
type SaleRecord struct {
	ID uint `gorm:"primaryKey"` // 内部 ID

	ItemID  int       `gorm:"not null;uniqueIndex:uniq_sale"`       // 物品 ID
	WorldID int       `gorm:"not null;uniqueIndex:uniq_sale"`       // 世界 ID
	SoldAt  time.Time `gorm:"not null;uniqueIndex:uniq_sale;index"` // 成交时间

	PricePerUnit int64  `gorm:"not null;uniqueIndex:uniq_sale"` // 成交单价
	Quantity     int    `gorm:"not null;uniqueIndex:uniq_sale"` // 成交数量
	HQ           bool   `gorm:"default:false"`                  // 是否 HQ
	BuyerName    string `gorm:"type:varchar(64)"`               // 买家名
}

// HourlyAggregate 是按 (item, world, hour) 聚合的小时汇总。
//
// 价格字段由快照滚算: min 取桶内快照最低价的最小值，max 取其最大值
// （即价格下限的波动区间），avg 取快照中位价的均值。0 表示该品质
// 桶内无挂单。成交字段由成交记录滚算。
type HourlyAggregate struct {
	ID uint `gorm:"primaryKey"`

	ItemID     int       `gorm:"not null;uniqueIndex:uniq_hourly"`       // 物品 ID
	WorldID    int       `gorm:"not null;uniqueIndex:uniq_hourly"`       // 世界 ID
	BucketHour time.Time `gorm:"not null;uniqueIndex:uniq_hourly;index"` // 小时桶（UTC 整点）

	MinPriceNQ int64
	AvgPriceNQ float64
	MaxPriceNQ int64
	MinPriceHQ int64
	AvgPriceHQ float64
	MaxPriceHQ int64

	TotalListings int   // 桶内快照挂单数合计
	TotalSales    int   // 桶内成交笔数
	TotalSalesGil int64 // 桶内成交总额
}

// DailyAggregate 是按 (item, world, day) 聚合的按日汇总。
//
// 只由已完结的小时桶滚算（当天永不汇总），字段口径与小时桶一致。
type DailyAggregate struct {
	ID uint `gorm:"primaryKey"`

	ItemID    int       `gorm:"not null;uniqueIndex:uniq_daily"`       // 物品 ID
	WorldID   int       `gorm:"not null;uniqueIndex:uniq_daily"`       // 世界 ID
	BucketDay time.Time `gorm:"not null;uniqueIndex:uniq_daily;index"` // 日期桶（UTC 零点）

	MinPriceNQ int64
	AvgPriceNQ float64
	MaxPriceNQ int64
	MinPriceHQ int64
	AvgPriceHQ float64
	MaxPriceHQ int64

	TotalListings int
	TotalSales    int
	TotalSalesGil int64
}

// TaxRate 记录某世界各城市的市场税率（百分比）。
type TaxRate struct {
	WorldID   int       `gorm:"primaryKey"` // 世界 ID
	UpdatedAt time.Time // 更新时间

	LimsaLominsa int `gorm:"default:5"`
	Gridania     int `gorm:"default:5"`
	Uldah        int `gorm:"default:5"`
	Ishgard      int `gorm:"default:5"`
	Kugane       int `gorm:"default:5"`
	Crystarium   int `gorm:"default:5"`
	OldSharlayan int `gorm:"default:5"`
	Tuliyollal   int `gorm:"default:5"`
}

// SystemMeta 是系统级键值水位线表。
//
// Key 取值限定为 meta.go 中声明的 MetaKey 常量集合，
// 存放各层级的上次抓取时间、上次维护时间等调度水位。
type SystemMeta struct {
	Key       string    `gorm:"primaryKey;type:varchar(64)"` // 限定为 MetaKey 集合
	UpdatedAt time.Time // 更新时间

	Value string `gorm:"type:varchar(191)"` // RFC3339 时间串或普通字符串
}

// AllModels 返回需要 AutoMigrate 的全部模型。
func AllModels() []any {
	return []any{
		&Item{},
		&ItemTier{},
		&CurrentListing{},
		&PriceSnapshot{},
		&SaleRecord{},
		&HourlyAggregate{},
		&DailyAggregate{},
		&TaxRate{},
		&SystemMeta{},
	}
}
