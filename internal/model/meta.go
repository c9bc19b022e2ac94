package model

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MetaKey 是 SystemMeta 表的键类型。
//
// 键集合是封闭的: 只有下面声明的常量可以读写，
// 避免调用方用手写字符串制造出无人认领的水位线。
type MetaKey string

const (
	MetaLastPollTime    MetaKey = "last_poll_time"   // 上次轮询周期完成时间
	MetaLastMaintenance MetaKey = "last_maintenance" // 上次维护（保留清理+调层）时间
	MetaLastAggregation MetaKey = "last_aggregation" // 上次聚合时间
	MetaLastItemSync    MetaKey = "last_item_sync"   // 上次物品目录同步时间
	MetaLastVacuum      MetaKey = "last_vacuum"      // 上次 VACUUM/OPTIMIZE 时间
)

// MetaLastFetchTier 返回指定层级的抓取水位键。
func MetaLastFetchTier(tier int) MetaKey {
	return MetaKey(fmt.Sprintf("last_fetch_tier_%d", tier))
}

// knownMetaKeys 列出固定键（层级键由 MetaLastFetchTier 派生）。
var knownMetaKeys = map[MetaKey]bool{
	MetaLastPollTime:     true,
	MetaLastMaintenance:  true,
	MetaLastAggregation:  true,
	MetaLastItemSync:     true,
	MetaLastVacuum:       true,
	MetaLastFetchTier(1): true,
	MetaLastFetchTier(2): true,
	MetaLastFetchTier(3): true,
}

// ErrUnknownMetaKey 表示尝试读写封闭集合之外的键。
var ErrUnknownMetaKey = errors.New("unknown meta key")

// GetMetaTime 读取水位线时间，键不存在时返回零值时间（不报错）。
func GetMetaTime(db *gorm.DB, key MetaKey) (time.Time, error) {
	if !knownMetaKeys[key] {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownMetaKey, key)
	}

	var row SystemMeta
	err := db.Where("`key` = ?", string(key)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read meta %s: %w", key, err)
	}

	t, err := time.Parse(time.RFC3339, row.Value)
	if err != nil {
		// 损坏的水位线当作不存在处理，让调度端重做而不是卡死
		return time.Time{}, nil
	}
	return t, nil
}

// SetMetaTime 写入水位线时间（upsert）。
func SetMetaTime(db *gorm.DB, key MetaKey, t time.Time) error {
	if !knownMetaKeys[key] {
		return fmt.Errorf("%w: %s", ErrUnknownMetaKey, key)
	}

	row := SystemMeta{
		Key:   string(key),
		Value: t.UTC().Format(time.RFC3339),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}
