package fetchqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c, err := NewClient(rdb)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, mr
}

func sampleBatch(id string) *Batch {
	return &Batch{
		BatchID:   id,
		Tier:      1,
		ItemIDs:   []int{10, 11, 12},
		CreatedAt: time.Now().Unix(),
	}
}

func TestPushPopAck(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.Push(ctx, sampleBatch("tier1:0001")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got, err := c.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if got.BatchID != "tier1:0001" || len(got.ItemIDs) != 3 {
		t.Errorf("batch = %+v", got)
	}

	// 处理中队列应有这条消息
	_, processing, _, err := c.Depths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if processing != 1 {
		t.Errorf("processing depth = %d, want 1", processing)
	}

	if err := c.Ack(ctx, got); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	pending, processing, _, _ := c.Depths(ctx)
	if pending != 0 || processing != 0 {
		t.Errorf("depths after ack = %d/%d, want 0/0", pending, processing)
	}

	// Ack 后同一批次可再次推送
	if err := c.Push(ctx, sampleBatch("tier1:0001")); err != nil {
		t.Errorf("re-push after ack: %v", err)
	}
}

func TestPush_Deduplicates(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.Push(ctx, sampleBatch("dup")); err != nil {
		t.Fatal(err)
	}
	err := c.Push(ctx, sampleBatch("dup"))
	if !errors.Is(err, ErrBatchExists) {
		t.Errorf("second push error = %v, want ErrBatchExists", err)
	}

	pending, _, _, _ := c.Depths(ctx)
	if pending != 1 {
		t.Errorf("queue depth = %d, want 1", pending)
	}
}

func TestPop_EmptyQueue(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Pop(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrNoBatch) {
		t.Errorf("Pop() on empty queue error = %v, want ErrNoBatch", err)
	}
}

func TestRequeueAfter_DelaysRedelivery(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// 就绪时间判定走注入时钟，测试里直接拨快
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Push(ctx, sampleBatch("limited"))
	got, err := c.Pop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// 上游 429: 5 秒后重试
	if err := c.RequeueAfter(ctx, got, 5*time.Second); err != nil {
		t.Fatalf("RequeueAfter() error = %v", err)
	}

	pending, processing, delayed, _ := c.Depths(ctx)
	if pending != 0 || processing != 0 || delayed != 1 {
		t.Errorf("depths = %d/%d/%d, want 0/0/1", pending, processing, delayed)
	}

	// 就绪时间未到，promote 不动
	n, err := c.PromoteDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("PromoteDue() before ready = %d, want 0", n)
	}

	c.now = func() time.Time { return base.Add(6 * time.Second) }
	n, err = c.PromoteDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PromoteDue() after ready = %d, want 1", n)
	}

	redelivered, err := c.Pop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if redelivered.BatchID != "limited" || redelivered.Attempts != 1 {
		t.Errorf("redelivered = %+v, want attempts=1", redelivered)
	}

	// 等待期间调度端重复推送应被 pending set 挡住
	if err := c.Push(ctx, sampleBatch("limited")); !errors.Is(err, ErrBatchExists) {
		t.Errorf("push while delayed error = %v, want ErrBatchExists", err)
	}
}

func TestRescueStuck(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Push(ctx, sampleBatch("stuck"))
	if _, err := c.Pop(ctx, time.Second); err != nil {
		t.Fatal(err)
	}

	// 还没超时
	n, err := c.RescueStuck(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rescue before timeout = %d, want 0", n)
	}

	c.now = func() time.Time { return base.Add(11 * time.Minute) }
	n, err = c.RescueStuck(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rescue after timeout = %d, want 1", n)
	}

	got, err := c.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("Pop() rescued batch: %v", err)
	}
	if got.BatchID != "stuck" {
		t.Errorf("rescued batch = %+v", got)
	}
}

func TestRescueStuck_CleansOrphanedStarted(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.HSet(KeyStartedHash, "ghost", "1")
	n, err := c.RescueStuck(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rescued = %d, want 0", n)
	}
	if mr.Exists(KeyStartedHash) {
		t.Error("orphaned started hash entry not cleaned")
	}
}
