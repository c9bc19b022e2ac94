package maintain

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return db
}

func testRetention() config.RetentionConfig {
	return config.RetentionConfig{
		RawSnapshotDays:  14,
		SalesDays:        90,
		HourlyDays:       90,
		DailyDays:        365,
		VacuumEveryDays:  7,
		MaintenanceHours: 24,
	}
}

func TestRun_Retention(t *testing.T) {
	db := openTestDB(t)
	m := New(db, testRetention(), slog.Default())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	db.Create(&model.PriceSnapshot{ItemID: 1, WorldID: 4028, CapturedAt: now.AddDate(0, 0, -15), MinPriceNQ: 1})
	db.Create(&model.PriceSnapshot{ItemID: 1, WorldID: 4028, CapturedAt: now.AddDate(0, 0, -13), MinPriceNQ: 2})
	db.Create(&model.SaleRecord{ItemID: 1, WorldID: 4028, SoldAt: now.AddDate(0, 0, -91), PricePerUnit: 1, Quantity: 1})
	db.Create(&model.SaleRecord{ItemID: 1, WorldID: 4028, SoldAt: now.AddDate(0, 0, -89), PricePerUnit: 2, Quantity: 1})
	db.Create(&model.HourlyAggregate{ItemID: 1, WorldID: 4028, BucketHour: now.AddDate(0, 0, -91)})
	db.Create(&model.DailyAggregate{ItemID: 1, WorldID: 4028, BucketDay: now.AddDate(0, 0, -366)})

	res, err := m.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Skipped {
		t.Fatal("first run should not be skipped")
	}
	if res.SnapshotsDeleted != 1 || res.SalesDeleted != 1 || res.HourlyDeleted != 1 || res.DailyDeleted != 1 {
		t.Errorf("result = %+v", res)
	}

	var snaps, sales int64
	db.Model(&model.PriceSnapshot{}).Count(&snaps)
	db.Model(&model.SaleRecord{}).Count(&sales)
	if snaps != 1 || sales != 1 {
		t.Errorf("remaining snapshots=%d sales=%d, want 1/1", snaps, sales)
	}
}

func TestRun_SkipsWithinInterval(t *testing.T) {
	db := openTestDB(t)
	m := New(db, testRetention(), slog.Default())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := m.Run(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	res, err := m.Run(context.Background(), now.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("run within maintenance interval should be skipped")
	}

	res, err = m.Run(context.Background(), now.Add(25*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Error("run after maintenance interval should proceed")
	}
}

func TestReclassify(t *testing.T) {
	db := openTestDB(t)
	m := New(db, testRetention(), slog.Default())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	db.Create(&model.ItemTier{ItemID: 1, Tier: 3})               // 将升到 1
	db.Create(&model.ItemTier{ItemID: 2, Tier: 3})               // 将升到 2
	db.Create(&model.ItemTier{ItemID: 3, Tier: 1})               // 将降到 3
	db.Create(&model.ItemTier{ItemID: 4, Tier: 3, Manual: true}) // 钉住不动

	// 物品 1: 7 天 84 笔（12/天）；物品 2: 21 笔（3/天）；物品 4: 也高销量但钉住
	for i := 0; i < 84; i++ {
		db.Create(&model.SaleRecord{ItemID: 1, WorldID: 4028, SoldAt: now.Add(-time.Duration(i) * time.Hour), PricePerUnit: 10, Quantity: 1})
		db.Create(&model.SaleRecord{ItemID: 4, WorldID: 4028, SoldAt: now.Add(-time.Duration(i) * time.Hour), PricePerUnit: 10 + int64(i), Quantity: 1})
	}
	for i := 0; i < 21; i++ {
		db.Create(&model.SaleRecord{ItemID: 2, WorldID: 4028, SoldAt: now.Add(-time.Duration(i*7) * time.Hour), PricePerUnit: 10, Quantity: 1})
	}

	promoted, demoted, err := m.Reclassify(context.Background(), now)
	if err != nil {
		t.Fatalf("Reclassify() error = %v", err)
	}
	if promoted != 2 || demoted != 1 {
		t.Errorf("promoted=%d demoted=%d, want 2/1", promoted, demoted)
	}

	wantTiers := map[int]int{1: 1, 2: 2, 3: 3, 4: 3}
	for itemID, want := range wantTiers {
		var row model.ItemTier
		db.Where("item_id = ?", itemID).First(&row)
		if row.Tier != want {
			t.Errorf("item %d tier = %d, want %d", itemID, row.Tier, want)
		}
	}
}

func TestPromoteByVelocity(t *testing.T) {
	db := openTestDB(t)
	m := New(db, testRetention(), slog.Default())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	db.Create(&model.ItemTier{ItemID: 1, Tier: 3})               // 升
	db.Create(&model.ItemTier{ItemID: 2, Tier: 3})               // 销量不够
	db.Create(&model.ItemTier{ItemID: 3, Tier: 1})               // 已在高层，只升不降
	db.Create(&model.ItemTier{ItemID: 4, Tier: 3, Manual: true}) // 钉住

	n, err := m.PromoteByVelocity(context.Background(), map[int]float64{
		1: 5, 2: 0.5, 3: 100, 4: 100,
	}, now)
	if err != nil {
		t.Fatalf("PromoteByVelocity() error = %v", err)
	}
	if n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}

	// First 会把已填充的主键并进查询条件，换查询换新变量
	var promoted model.ItemTier
	db.Where("item_id = ?", 1).First(&promoted)
	if promoted.Tier != 2 {
		t.Errorf("item 1 tier = %d, want 2", promoted.Tier)
	}
	var pinned model.ItemTier
	db.Where("item_id = ?", 3).First(&pinned)
	if pinned.Tier != 1 {
		t.Errorf("item 3 tier = %d, want unchanged 1", pinned.Tier)
	}
}

func TestVacuumGate(t *testing.T) {
	db := openTestDB(t)
	m := New(db, testRetention(), slog.Default())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	res, err := m.Run(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Vacuumed {
		t.Error("first maintenance should compact")
	}

	// 第二天维护: 维护闸门已过，但压实闸门（7 天）还没到
	res, err = m.Run(context.Background(), now.Add(25*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Vacuumed {
		t.Errorf("second run = %+v, want maintenance without compaction", res)
	}

	ts, err := model.GetMetaTime(db, model.MetaLastVacuum)
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(now) {
		t.Errorf("last_vacuum = %v, want %v", ts, now)
	}
}
