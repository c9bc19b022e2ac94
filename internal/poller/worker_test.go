package poller

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/ingest"
	"github.com/hydai/ff14.tw-marketboard-api/internal/model"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/fetchqueue"
)

func newTestQueue(t *testing.T) (*fetchqueue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q, err := fetchqueue.NewClient(rdb)
	if err != nil {
		t.Fatal(err)
	}
	return q, mr
}

func newWorkerDB(t *testing.T) *gorm.DB {
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

func workerConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{Datacenter: "陸行鳥"},
		Queue:    config.QueueConfig{BatchSize: 2},
	}
}

func TestDispatcher_EnqueueTier(t *testing.T) {
	q, _ := newTestQueue(t)
	d := NewDispatcher(q, workerConfig(), slog.Default())
	ctx := context.Background()

	pushed, err := d.EnqueueTier(ctx, config.TierConfig{Tier: 1}, []int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("EnqueueTier() error = %v", err)
	}
	// BatchSize=2 → 3 批
	if pushed != 3 {
		t.Errorf("pushed = %d, want 3", pushed)
	}

	// 重复入队被去重集合挡住，不算错误
	pushed, err = d.EnqueueTier(ctx, config.TierConfig{Tier: 1}, []int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("second EnqueueTier() error = %v", err)
	}
	if pushed != 0 {
		t.Errorf("second enqueue pushed = %d, want 0", pushed)
	}
}

func TestWorker_ProcessesBatchAndAcks(t *testing.T) {
	q, _ := newTestQueue(t)
	db := newWorkerDB(t)
	source := &fakeSource{}
	w := NewWorker(q, source, ingest.New(db, slog.Default()), workerConfig(), slog.Default())
	ctx := context.Background()

	q.Push(ctx, &fetchqueue.Batch{BatchID: "tier1:0000", Tier: 1, ItemIDs: []int{5}, CreatedAt: time.Now().Unix()})
	batch, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	w.process(ctx, batch)

	var listings int64
	db.Model(&model.CurrentListing{}).Count(&listings)
	if listings != 1 {
		t.Errorf("listings = %d, want 1", listings)
	}

	pending, processing, delayed, _ := q.Depths(ctx)
	if pending != 0 || processing != 0 || delayed != 0 {
		t.Errorf("depths = %d/%d/%d, want all empty after ack", pending, processing, delayed)
	}
}

func TestWorker_RateLimitedBatchGoesToDelayedSet(t *testing.T) {
	q, _ := newTestQueue(t)
	db := newWorkerDB(t)
	// rateLimited 很大: 本批次的重抓也吃 429
	source := &fakeSource{rateLimited: 100}
	w := NewWorker(q, source, ingest.New(db, slog.Default()), workerConfig(), slog.Default())
	ctx := context.Background()

	q.Push(ctx, &fetchqueue.Batch{BatchID: "tier1:0000", Tier: 1, ItemIDs: []int{5}, CreatedAt: time.Now().Unix()})
	batch, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	w.process(ctx, batch)

	pending, processing, delayed, _ := q.Depths(ctx)
	if pending != 0 || processing != 0 || delayed != 1 {
		t.Errorf("depths = %d/%d/%d, want batch in delayed set", pending, processing, delayed)
	}
}

func TestWorker_DropsBatchAfterRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	db := newWorkerDB(t)
	source := &fakeSource{rateLimited: 100}
	w := NewWorker(q, source, ingest.New(db, slog.Default()), workerConfig(), slog.Default())
	ctx := context.Background()

	q.Push(ctx, &fetchqueue.Batch{
		BatchID: "tier1:0000", Tier: 1, ItemIDs: []int{5},
		CreatedAt: time.Now().Unix(), Attempts: 5,
	})
	batch, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	w.process(ctx, batch)

	pending, processing, delayed, _ := q.Depths(ctx)
	if pending != 0 || processing != 0 || delayed != 0 {
		t.Errorf("depths = %d/%d/%d, want dropped batch fully acked", pending, processing, delayed)
	}
}

func TestDispatchCycle_EnqueuesDueTiersAndAdvancesWatermark(t *testing.T) {
	source := &fakeSource{}
	p, st, db := newTestPoller(t, source)
	p.cfg.Queue = config.QueueConfig{Enable: true, BatchSize: 2}
	seedTierItems(t, st, 1, 1, 2, 3) // BatchSize=2 → 2 批
	q, _ := newTestQueue(t)
	d := NewDispatcher(q, p.cfg, slog.Default())
	ctx := context.Background()

	if err := p.DispatchCycle(ctx, d, time.Now()); err != nil {
		t.Fatalf("DispatchCycle() error = %v", err)
	}

	pending, _, _, err := q.Depths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	// 派发端不抓取
	if len(source.fullCalls) != 0 {
		t.Errorf("dispatcher fetched upstream directly: %v", source.fullCalls)
	}

	ts, err := model.GetMetaTime(db, model.MetaLastFetchTier(1))
	if err != nil {
		t.Fatal(err)
	}
	if ts.IsZero() {
		t.Error("tier 1 watermark not advanced by dispatch")
	}

	// 水位线已推进，立即再派发不产生新批次
	if err := p.DispatchCycle(ctx, d, time.Now()); err != nil {
		t.Fatalf("second DispatchCycle() error = %v", err)
	}
	pending, _, _, _ = q.Depths(ctx)
	if pending != 2 {
		t.Errorf("pending after immediate redispatch = %d, want still 2", pending)
	}
}
