package maintain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
)

// Maintainer 负责保留期清理、层级重分类与存储压实。
type Maintainer struct {
	db     *gorm.DB
	cfg    config.RetentionConfig
	logger *slog.Logger
}

// New 创建 Maintainer。
func New(db *gorm.DB, cfg config.RetentionConfig, logger *slog.Logger) *Maintainer {
	return &Maintainer{db: db, cfg: cfg, logger: logger}
}

// Result 是一次维护的计数。
type Result struct {
	Skipped          bool // 距上次维护未到间隔，本次跳过
	SnapshotsDeleted int64
	SalesDeleted     int64
	HourlyDeleted    int64
	DailyDeleted     int64
	Promoted         int // 升层物品数
	Demoted          int // 降层物品数
	Vacuumed         bool
}

// Run 执行一轮维护。
//
// 距上次维护不足配置间隔时直接跳过；压实另有独立的 7 天闸门。
func (m *Maintainer) Run(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	last, err := model.GetMetaTime(m.db, model.MetaLastMaintenance)
	if err != nil {
		return res, err
	}
	interval := time.Duration(m.cfg.MaintenanceHours) * time.Hour
	if !last.IsZero() && now.Sub(last) < interval {
		res.Skipped = true
		return res, nil
	}

	if err := m.enforceRetention(ctx, now, &res); err != nil {
		return res, err
	}

	promoted, demoted, err := m.Reclassify(ctx, now)
	if err != nil {
		return res, err
	}
	res.Promoted, res.Demoted = promoted, demoted

	if err := model.SetMetaTime(m.db, model.MetaLastMaintenance, now.UTC()); err != nil {
		return res, err
	}

	vacuumed, err := m.maybeCompact(ctx, now)
	if err != nil {
		// 压实失败不算维护失败，下个闸门窗口再试
		m.logger.Warn("storage compaction failed", "error", err)
	}
	res.Vacuumed = vacuumed

	m.logger.Info("maintenance done",
		"snapshots_deleted", res.SnapshotsDeleted,
		"sales_deleted", res.SalesDeleted,
		"hourly_deleted", res.HourlyDeleted,
		"daily_deleted", res.DailyDeleted,
		"promoted", res.Promoted,
		"demoted", res.Demoted,
		"vacuumed", res.Vacuumed)
	return res, nil
}

// enforceRetention 删除超出保留窗口的历史数据。
func (m *Maintainer) enforceRetention(ctx context.Context, now time.Time, res *Result) error {
	db := m.db.WithContext(ctx)
	utc := now.UTC()

	r := db.Where("captured_at < ?", utc.AddDate(0, 0, -m.cfg.RawSnapshotDays)).
		Delete(&model.PriceSnapshot{})
	if r.Error != nil {
		return fmt.Errorf("prune snapshots: %w", r.Error)
	}
	res.SnapshotsDeleted = r.RowsAffected

	r = db.Where("sold_at < ?", utc.AddDate(0, 0, -m.cfg.SalesDays)).
		Delete(&model.SaleRecord{})
	if r.Error != nil {
		return fmt.Errorf("prune sales: %w", r.Error)
	}
	res.SalesDeleted = r.RowsAffected

	r = db.Where("bucket_hour < ?", utc.AddDate(0, 0, -m.cfg.HourlyDays)).
		Delete(&model.HourlyAggregate{})
	if r.Error != nil {
		return fmt.Errorf("prune hourly aggregates: %w", r.Error)
	}
	res.HourlyDeleted = r.RowsAffected

	r = db.Where("bucket_day < ?", utc.AddDate(0, 0, -m.cfg.DailyDays)).
		Delete(&model.DailyAggregate{})
	if r.Error != nil {
		return fmt.Errorf("prune daily aggregates: %w", r.Error)
	}
	res.DailyDeleted = r.RowsAffected
	return nil
}

// Reclassify 按近 7 天销量调整物品层级。
//
// 日均成交 >10 笔进第 1 层，>=2 笔进第 2 层，其余第 3 层。
// 人工钉住的物品不动。
func (m *Maintainer) Reclassify(ctx context.Context, now time.Time) (promoted, demoted int, err error) {
	const windowDays = 7
	since := now.UTC().AddDate(0, 0, -windowDays)

	type saleCount struct {
		ItemID int
		Count  int64
	}
	var counts []saleCount
	err = m.db.WithContext(ctx).Model(&model.SaleRecord{}).
		Select("item_id, COUNT(*) AS count").
		Where("sold_at >= ?", since).
		Group("item_id").
		Scan(&counts).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count recent sales: %w", err)
	}
	perDay := make(map[int]float64, len(counts))
	for _, c := range counts {
		perDay[c.ItemID] = float64(c.Count) / windowDays
	}

	var tiers []model.ItemTier
	if err := m.db.WithContext(ctx).Where("manual = ?", false).Find(&tiers).Error; err != nil {
		return 0, 0, fmt.Errorf("load tiers: %w", err)
	}

	for _, row := range tiers {
		want := tierForVelocity(perDay[row.ItemID])
		if want == row.Tier {
			continue
		}
		r := m.db.WithContext(ctx).Model(&model.ItemTier{}).
			Where("item_id = ?", row.ItemID).
			Updates(map[string]any{"tier": want, "updated_at": now.UTC()})
		if r.Error != nil {
			return promoted, demoted, fmt.Errorf("update tier for item %d: %w", row.ItemID, r.Error)
		}
		if want < row.Tier {
			promoted++
		} else {
			demoted++
		}
	}
	return promoted, demoted, nil
}

func tierForVelocity(perDay float64) int {
	switch {
	case perDay > 10:
		return 1
	case perDay >= 2:
		return 2
	default:
		return 3
	}
}

// PromoteByVelocity 按上游给出的日销量把第 3 层物品提到第 2 层。
//
// 只升不降: 本地还没有足够成交历史时（冷启动），聚合接口的
// 销量是唯一参考，但不足以安全地把物品降层。
func (m *Maintainer) PromoteByVelocity(ctx context.Context, velocities map[int]float64, now time.Time) (int, error) {
	var candidates []int
	for itemID, perDay := range velocities {
		if perDay >= 2 {
			candidates = append(candidates, itemID)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	r := m.db.WithContext(ctx).Model(&model.ItemTier{}).
		Where("item_id IN ?", candidates).
		Where("tier = ? AND manual = ?", 3, false).
		Updates(map[string]any{"tier": 2, "updated_at": now.UTC()})
	if r.Error != nil {
		return 0, fmt.Errorf("promote by velocity: %w", r.Error)
	}
	return int(r.RowsAffected), nil
}

// maybeCompact 距上次压实满 7 天时执行 VACUUM / OPTIMIZE。
func (m *Maintainer) maybeCompact(ctx context.Context, now time.Time) (bool, error) {
	last, err := model.GetMetaTime(m.db, model.MetaLastVacuum)
	if err != nil {
		return false, err
	}
	gate := time.Duration(m.cfg.VacuumEveryDays) * 24 * time.Hour
	if !last.IsZero() && now.Sub(last) < gate {
		return false, nil
	}

	db := m.db.WithContext(ctx)
	switch m.db.Dialector.Name() {
	case "sqlite":
		if err := db.Exec("VACUUM").Error; err != nil {
			return false, fmt.Errorf("vacuum: %w", err)
		}
	case "mysql":
		for _, table := range []string{"price_snapshots", "sale_records", "hourly_aggregates", "daily_aggregates"} {
			if err := db.Exec("OPTIMIZE TABLE " + table).Error; err != nil {
				return false, fmt.Errorf("optimize %s: %w", table, err)
			}
		}
	}

	if err := model.SetMetaTime(m.db, model.MetaLastVacuum, now.UTC()); err != nil {
		return false, err
	}
	return true, nil
}
