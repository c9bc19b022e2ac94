package universalis

import "encoding/json"

// MarketData 是大区行情接口按物品返回的条目。
//
// 上游按大区查询时，listings / recentHistory 混合各世界数据，
// 每条记录携带 worldID 区分来源世界。
type MarketData struct {
	ItemID         int       `json:"itemID"`
	LastUploadTime int64     `json:"lastUploadTime"` // 毫秒时间戳
	Listings       []Listing `json:"listings"`
	RecentHistory  []Sale    `json:"recentHistory"`
	ListingsCount  int       `json:"listingsCount"`
	UnitsForSale   int       `json:"unitsForSale"`
}

// Listing 是一条在售挂单。
type Listing struct {
	WorldID        int    `json:"worldID"`
	PricePerUnit   int64  `json:"pricePerUnit"`
	Quantity       int    `json:"quantity"`
	Total          int64  `json:"total"`
	HQ             bool   `json:"hq"`
	RetainerName   string `json:"retainerName"`
	LastReviewTime int64  `json:"lastReviewTime"` // 秒时间戳，可能为 0
}

// Sale 是成交历史中的一笔成交。
type Sale struct {
	WorldID      int    `json:"worldID"`
	PricePerUnit int64  `json:"pricePerUnit"`
	Quantity     int    `json:"quantity"`
	HQ           bool   `json:"hq"`
	Timestamp    int64  `json:"timestamp"` // 秒时间戳
	BuyerName    string `json:"buyerName"`
}

// multiItemResponse 是多物品查询的外层结构。
//
// 单物品查询时上游直接返回 MarketData 本体，多物品时包在 items 里。
type multiItemResponse struct {
	ItemIDs []int                 `json:"itemIDs"`
	Items   map[string]MarketData `json:"items"`
	// 上游会把无法解析的物品 ID 放进 unresolvedItems
	UnresolvedItems []int `json:"unresolvedItems"`
}

// AggregatedResult 是低保真聚合接口按物品返回的条目。
type AggregatedResult struct {
	ItemID           int               `json:"itemId"`
	NQ               AggregatedQuality `json:"nq"`
	HQ               AggregatedQuality `json:"hq"`
	WorldUploadTimes []WorldUploadTime `json:"worldUploadTimes"`
}

// AggregatedQuality 是聚合接口中单一品质的统计。
type AggregatedQuality struct {
	MinListing        AggregatedScopes   `json:"minListing"`
	AverageSalePrice  AggregatedScopes   `json:"averageSalePrice"`
	DailySaleVelocity AggregatedVelocity `json:"dailySaleVelocity"`
}

// AggregatedScopes 按世界/大区/全服三档给出取值。
type AggregatedScopes struct {
	World *AggregatedPrice `json:"world,omitempty"`
	DC    *AggregatedPrice `json:"dc,omitempty"`
}

// AggregatedPrice 是聚合价格值，DC 档会携带来源世界。
type AggregatedPrice struct {
	Price   float64 `json:"price"`
	WorldID int     `json:"worldId,omitempty"`
}

// AggregatedVelocity 是按日销量速率。
type AggregatedVelocity struct {
	World *AggregatedRate `json:"world,omitempty"`
	DC    *AggregatedRate `json:"dc,omitempty"`
}

// AggregatedRate 是速率数值。
type AggregatedRate struct {
	Quantity float64 `json:"quantity"`
}

// WorldUploadTime 记录某世界的数据上传时间。
type WorldUploadTime struct {
	WorldID   int   `json:"worldId"`
	Timestamp int64 `json:"timestamp"` // 毫秒时间戳
}

// aggregatedResponse 是聚合接口外层结构。
type aggregatedResponse struct {
	Results     []AggregatedResult `json:"results"`
	FailedItems []int              `json:"failedItems"`
}

// TaxRates 是市场税率接口的返回（键为城市名）。
type TaxRates struct {
	LimsaLominsa int
	Gridania     int
	Uldah        int
	Ishgard      int
	Kugane       int
	Crystarium   int
	OldSharlayan int
	Tuliyollal   int
}

// UnmarshalJSON 按城市名键手工解码。
//
// 不能用结构体标签: "Ul'dah" 里的撇号是非法标签字符，
// encoding/json 会整个忽略该标签退回字段名匹配。
func (t *TaxRates) UnmarshalJSON(data []byte) error {
	var byCity map[string]int
	if err := json.Unmarshal(data, &byCity); err != nil {
		return err
	}
	t.LimsaLominsa = byCity["Limsa Lominsa"]
	t.Gridania = byCity["Gridania"]
	t.Uldah = byCity["Ul'dah"]
	t.Ishgard = byCity["Ishgard"]
	t.Kugane = byCity["Kugane"]
	t.Crystarium = byCity["Crystarium"]
	t.OldSharlayan = byCity["Old Sharlayan"]
	t.Tuliyollal = byCity["Tuliyollal"]
	return nil
}

// marketableResponse 是可交易物品 ID 列表（上游直接返回 JSON 数组）。
type marketableResponse []int
