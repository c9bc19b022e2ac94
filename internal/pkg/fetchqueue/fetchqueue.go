package fetchqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
)

const (
	KeyBatchQueue      = "marketboard:queue:batches"
	KeyProcessingQueue = "marketboard:queue:batches:processing"
	KeyPendingSet      = "marketboard:queue:batches:pending" // 去重集合
	KeyStartedHash     = "marketboard:queue:batches:started" // batch_id -> 开始处理时间
	KeyDelayedSet      = "marketboard:queue:batches:delayed" // 延迟重试（score = 就绪时间）
)

var (
	ErrNoBatch     = errors.New("no batch available")
	ErrBatchExists = errors.New("batch already in queue")
)

// Batch 是一条抓取批次消息。
type Batch struct {
	BatchID       string `json:"batch_id"` // 如 "tier1:4028:0017"
	Tier          int    `json:"tier"`
	ItemIDs       []int  `json:"item_ids"`
	UseAggregated bool   `json:"use_aggregated"`
	CreatedAt     int64  `json:"created_at"` // Unix 秒
	Attempts      int    `json:"attempts"`   // 已重试次数
}

// Client 封装批次队列的 Redis 操作。
type Client struct {
	rdb *redis.Client
	now func() time.Time // 就绪/超时判定用的时钟，测试可替换
}

// NewClient 从既有 redis.Client 创建队列客户端。
func NewClient(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb, now: time.Now}, nil
}

// pushScript 原子执行 SADD + LPUSH，避免中间状态不一致。
// KEYS[1] = pending set, KEYS[2] = batch queue
// ARGV[1] = batch_id, ARGV[2] = batch JSON
// 返回: 1 = 成功推送, 0 = 批次已存在
var pushScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// Push 把批次推入队列，同一 batch_id 在队列中只会有一份。
func (c *Client) Push(ctx context.Context, batch *Batch) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if batch.BatchID == "" {
		return errors.New("batch id is empty")
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	result, err := pushScript.Run(ctx, c.rdb,
		[]string{KeyPendingSet, KeyBatchQueue},
		batch.BatchID, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push batch script: %w", err)
	}

	if result == 0 {
		metrics.TasksSkippedTotal.Inc()
		return ErrBatchExists
	}
	metrics.TasksPushedTotal.Inc()
	return nil
}

// Pop 阻塞取出一个批次，同时记录开始处理时间供 Janitor 判断超时。
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*Batch, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	raw, err := c.rdb.BRPopLPush(ctx, KeyBatchQueue, KeyProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoBatch
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush batch: %w", err)
	}

	var batch Batch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		return nil, fmt.Errorf("unmarshal batch: %w", err)
	}
	if batch.BatchID != "" {
		c.rdb.HSet(ctx, KeyStartedHash, batch.BatchID, c.now().Unix())
	}
	return &batch, nil
}

// ackScript 按 batch_id 从 processing queue 找到并删除对应消息。
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = batch_id
var ackScript = redis.NewScript(`
	local tasks = redis.call('LRANGE', KEYS[1], 0, -1)
	local removed = 0
	for _, task in ipairs(tasks) do
		if string.find(task, '"batch_id":"' .. ARGV[1] .. '"', 1, true) then
			redis.call('LREM', KEYS[1], 1, task)
			removed = removed + 1
			break
		end
	end
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('HDEL', KEYS[3], ARGV[1])
	return removed
`)

// Ack 确认批次处理完成，允许同一批次在下个调度周期重新入队。
//
// 按 batch_id 匹配而非完整 JSON，避免序列化差异导致匹配失败。
func (c *Client) Ack(ctx context.Context, batch *Batch) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if batch.BatchID == "" {
		return errors.New("batch id is empty")
	}

	_, err := ackScript.Run(ctx, c.rdb,
		[]string{KeyProcessingQueue, KeyPendingSet, KeyStartedHash},
		batch.BatchID,
	).Int()
	if err != nil {
		return fmt.Errorf("ack batch script: %w", err)
	}
	return nil
}

// RequeueAfter 把批次放入延迟集合，readyAt 之后才会被重新派发。
//
// 上游 429 时用 retryAfter 提示设定 readyAt；批次保留在 pending set
// 里，同一批次不会在等待期间被调度端重复推入。
func (c *Client) RequeueAfter(ctx context.Context, batch *Batch, delay time.Duration) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}

	// 处理队列里的消息还是重试前的样子，先按原样移除再改计数
	original, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	batch.Attempts++
	updated, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	readyAt := c.now().Add(delay).Unix()
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, KeyProcessingQueue, 1, string(original))
	pipe.HDel(ctx, KeyStartedHash, batch.BatchID)
	pipe.SAdd(ctx, KeyPendingSet, batch.BatchID)
	pipe.ZAdd(ctx, KeyDelayedSet, redis.Z{Score: float64(readyAt), Member: string(updated)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue batch: %w", err)
	}
	return nil
}

// promoteScript 把到期的延迟批次搬回主队列。
// KEYS[1] = delayed set, KEYS[2] = batch queue
// ARGV[1] = 当前时间（Unix 秒）
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, task in ipairs(due) do
		redis.call('ZREM', KEYS[1], task)
		redis.call('LPUSH', KEYS[2], task)
	end
	return #due
`)

// PromoteDue 把已到就绪时间的延迟批次移回主队列，返回移动数量。
func (c *Client) PromoteDue(ctx context.Context) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	n, err := promoteScript.Run(ctx, c.rdb,
		[]string{KeyDelayedSet, KeyBatchQueue},
		c.now().Unix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due batches: %w", err)
	}
	return n, nil
}

// rescueScript 只有 LREM 成功时才 LPUSH，防止多个 Janitor 重复入队。
// KEYS[1] = processing queue, KEYS[2] = batch queue, KEYS[3] = started hash
// ARGV[1] = batch JSON, ARGV[2] = batch_id
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuck 把处理超时的批次搬回主队列。
//
// 以 started hash 里记录的开始时间判断超时；没有记录的老消息
// 退回用 CreatedAt 判断。
func (c *Client) RescueStuck(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeyStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}

	raws, err := c.rdb.LRange(ctx, KeyProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(raws) == 0 {
		// 处理队列为空但 started hash 有残留，清理孤立记录
		for batchID := range startedTimes {
			c.rdb.HDel(ctx, KeyStartedHash, batchID)
		}
		return 0, nil
	}

	now := c.now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range raws {
		var batch Batch
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			continue
		}
		if batch.BatchID == "" {
			continue
		}

		startedStr, ok := startedTimes[batch.BatchID]
		if ok {
			started, err := strconv.ParseInt(startedStr, 10, 64)
			if err != nil || now-started <= threshold {
				continue
			}
		} else {
			if batch.CreatedAt == 0 || now-batch.CreatedAt <= threshold {
				continue
			}
		}

		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{KeyProcessingQueue, KeyBatchQueue, KeyStartedHash},
			raw, batch.BatchID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
		}
	}
	return rescued, nil
}

// Depths 返回主队列、处理中队列与延迟集合的长度。
func (c *Client) Depths(ctx context.Context) (pending, processing, delayed int64, err error) {
	if c == nil || c.rdb == nil {
		return 0, 0, 0, errors.New("redis client is not initialized")
	}
	pending, err = c.rdb.LLen(ctx, KeyBatchQueue).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("llen batches: %w", err)
	}
	processing, err = c.rdb.LLen(ctx, KeyProcessingQueue).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	delayed, err = c.rdb.ZCard(ctx, KeyDelayedSet).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("zcard delayed: %w", err)
	}

	metrics.QueueDepth.WithLabelValues("batches").Set(float64(pending))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	return pending, processing, delayed, nil
}
