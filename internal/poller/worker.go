package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydai/ff14.tw-marketboard-api/internal/config"
	"github.com/hydai/ff14.tw-marketboard-api/internal/ingest"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/fetchqueue"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/metrics"
	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/retry"
	"github.com/hydai/ff14.tw-marketboard-api/internal/universalis"
)

// Dispatcher 把层级批次推入 Redis 队列（队列模式）。
//
// 与进程内直连模式互斥: 开队列模式时调度端只产出批次，
// 抓取与入库由 Worker 消费完成。
type Dispatcher struct {
	queue  *fetchqueue.Client
	cfg    *config.Config
	logger *slog.Logger
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(queue *fetchqueue.Client, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, cfg: cfg, logger: logger}
}

// EnqueueTier 把一个层级的物品切批入队，返回新推送的批次数。
//
// 入队前先把到期的延迟批次搬回主队列；队列里已有的批次
// 会被去重集合挡掉，不算错误。
func (d *Dispatcher) EnqueueTier(ctx context.Context, tc config.TierConfig, itemIDs []int) (int, error) {
	if _, err := d.queue.PromoteDue(ctx); err != nil {
		d.logger.Warn("promote delayed batches failed", "error", err)
	}

	batches := mathutil.Chunk(itemIDs, d.cfg.Queue.BatchSize)
	pushed := 0
	for i, items := range batches {
		batch := &fetchqueue.Batch{
			BatchID:       fmt.Sprintf("tier%d:%04d", tc.Tier, i),
			Tier:          tc.Tier,
			ItemIDs:       items,
			UseAggregated: tc.UseAggregated,
			CreatedAt:     time.Now().Unix(),
		}
		err := d.queue.Push(ctx, batch)
		if errors.Is(err, fetchqueue.ErrBatchExists) {
			continue
		}
		if err != nil {
			return pushed, fmt.Errorf("enqueue tier %d batch: %w", tc.Tier, err)
		}
		pushed++
	}
	return pushed, nil
}

// Worker 消费批次队列: 抓取、入库、确认。
type Worker struct {
	queue    *fetchqueue.Client
	source   MarketSource
	ingestor *ingest.Ingestor
	cfg      *config.Config
	logger   *slog.Logger

	maxAttempts int
}

// NewWorker 创建 Worker。
func NewWorker(queue *fetchqueue.Client, source MarketSource, ingestor *ingest.Ingestor, cfg *config.Config, logger *slog.Logger) *Worker {
	return &Worker{
		queue:       queue,
		source:      source,
		ingestor:    ingestor,
		cfg:         cfg,
		logger:      logger,
		maxAttempts: 5,
	}
}

// Run 循环消费，直到 ctx 取消。空轮询时顺手跑一次 Janitor。
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := w.queue.Pop(ctx, 5*time.Second)
		if errors.Is(err, fetchqueue.ErrNoBatch) {
			if n, rerr := w.queue.RescueStuck(ctx, 10*time.Minute); rerr == nil && n > 0 {
				w.logger.Warn("rescued stuck batches", "count", n)
			}
			if _, perr := w.queue.PromoteDue(ctx); perr != nil {
				w.logger.Warn("promote delayed batches failed", "error", perr)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("pop batch failed", "error", err)
			continue
		}

		w.process(ctx, batch)
	}
}

// process 处理一个批次。
//
// 429 按提示延迟重回队列；瞬态错误由重试层消化；
// 永久错误或重试耗尽直接确认丢弃，等下个调度周期重来。
func (w *Worker) process(ctx context.Context, batch *fetchqueue.Batch) {
	err := retry.Do(ctx, func() error {
		return w.fetchBatch(ctx, batch)
	}, retry.Options{Logger: w.logger})

	var rle *universalis.RateLimitedError
	if errors.As(err, &rle) {
		metrics.RateLimitedTotal.Inc()
		if batch.Attempts >= w.maxAttempts {
			w.logger.Error("batch exceeded retry budget, dropping",
				"batch", batch.BatchID, "attempts", batch.Attempts)
			if aerr := w.queue.Ack(ctx, batch); aerr != nil {
				w.logger.Error("ack dropped batch failed", "batch", batch.BatchID, "error", aerr)
			}
			return
		}
		w.logger.Warn("upstream rate limited, delaying batch",
			"batch", batch.BatchID, "retry_after", rle.RetryAfter)
		if rerr := w.queue.RequeueAfter(ctx, batch, rle.RetryAfter); rerr != nil {
			w.logger.Error("requeue batch failed", "batch", batch.BatchID, "error", rerr)
		}
		return
	}
	if err != nil {
		w.logger.Error("batch processing failed", "batch", batch.BatchID, "error", err)
	}
	if aerr := w.queue.Ack(ctx, batch); aerr != nil {
		w.logger.Error("ack batch failed", "batch", batch.BatchID, "error", aerr)
	}
}

func (w *Worker) fetchBatch(ctx context.Context, batch *fetchqueue.Batch) error {
	if batch.UseAggregated {
		results, err := w.source.FetchAggregated(ctx, w.cfg.Upstream.Datacenter, batch.ItemIDs)
		if err != nil {
			return err
		}
		res, _ := w.ingestor.IngestAggregated(ctx, results)
		metrics.FetchBatchesTotal.WithLabelValues(tierLabel(batch.Tier), "ok").Inc()
		w.logger.Debug("aggregated batch done", "batch", batch.BatchID, "items", res.Items)
		return nil
	}

	data, err := w.source.FetchMarketData(ctx, w.cfg.Upstream.Datacenter, batch.ItemIDs)
	if err != nil {
		return err
	}
	res := w.ingestor.IngestMarketData(ctx, data)
	metrics.FetchBatchesTotal.WithLabelValues(tierLabel(batch.Tier), "ok").Inc()
	w.logger.Debug("batch done", "batch", batch.BatchID, "items", res.Items, "sales", res.SalesInserted)
	return nil
}
