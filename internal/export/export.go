// Package export 把采集结果批量导出为静态 JSON 文件。
//
// 导出产物面向静态托管: 物品目录、各世界最新价格和四类分析视图
// 各占一个文件，前端不经 API 服务即可直接消费。
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hydai/ff14.tw-marketboard-api/internal/store"
)

// AnalyticsProvider 提供导出所需的分析视图。
//
// 导出总是用零值参数: 产物应与 API 默认视图一致。
type AnalyticsProvider interface {
	Arbitrage(ctx context.Context, p store.ArbitrageParams) ([]store.ArbitrageOpportunity, error)
	Deals(ctx context.Context, p store.DealsParams) ([]store.Deal, error)
	Trending(ctx context.Context, p store.TrendingParams) ([]store.TrendingItem, error)
	Velocity(ctx context.Context, p store.VelocityParams) ([]store.VelocityItem, error)
}

// Exporter 执行静态导出。
type Exporter struct {
	store     *store.Store
	analytics AnalyticsProvider
	logger    *slog.Logger
	pageSize  int
}

// New 创建导出器。
//
// 参数:
//
//	st: 存储查询层
//	analytics: 分析视图提供方
//	logger: 日志记录器
//
// 返回值:
//
//	*Exporter: 初始化完成的导出器
func New(st *store.Store, analytics AnalyticsProvider, logger *slog.Logger) *Exporter {
	return &Exporter{
		store:     st,
		analytics: analytics,
		logger:    logger,
		pageSize:  500,
	}
}

// Dump 把全部数据集写入 dir 下的 JSON 文件。
//
// 物品与价格按页拉取后流式写出，不把整表载入内存。
// 输出文件: items.json, latest_prices.json, arbitrage.json,
// deals.json, trending.json, velocity.json, manifest.json。
func (e *Exporter) Dump(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	start := time.Now()

	itemCount, err := e.dumpItems(ctx, dir)
	if err != nil {
		return err
	}
	snapCount, err := e.dumpLatestPrices(ctx, dir)
	if err != nil {
		return err
	}
	if err := e.dumpAnalytics(ctx, dir); err != nil {
		return err
	}
	if err := e.writeManifest(dir, itemCount, snapCount); err != nil {
		return err
	}

	e.logger.Info("static export finished",
		slog.String("dir", dir),
		slog.Int("items", itemCount),
		slog.Int("snapshots", snapCount),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// dumpItems 导出物品目录，返回导出条数。
func (e *Exporter) dumpItems(ctx context.Context, dir string) (int, error) {
	w, err := newArrayWriter(filepath.Join(dir, "items.json"))
	if err != nil {
		return 0, err
	}
	defer w.abort()

	total := 0
	afterID := 0
	for {
		page, err := e.store.ItemsAfter(ctx, afterID, e.pageSize)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			if err := w.write(&page[i]); err != nil {
				return 0, err
			}
		}
		total += len(page)
		afterID = page[len(page)-1].ItemID
	}
	return total, w.close()
}

// dumpLatestPrices 导出每个物品在各世界的最新快照，返回导出条数。
func (e *Exporter) dumpLatestPrices(ctx context.Context, dir string) (int, error) {
	w, err := newArrayWriter(filepath.Join(dir, "latest_prices.json"))
	if err != nil {
		return 0, err
	}
	defer w.abort()

	total := 0
	afterID := 0
	for {
		page, err := e.store.ItemsAfter(ctx, afterID, e.pageSize)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		ids := make([]int, 0, len(page))
		for _, item := range page {
			ids = append(ids, item.ItemID)
		}
		snaps, err := e.store.LatestSnapshotsBatch(ctx, ids)
		if err != nil {
			return 0, err
		}
		for i := range snaps {
			if err := w.write(&snaps[i]); err != nil {
				return 0, err
			}
		}
		total += len(snaps)
		afterID = page[len(page)-1].ItemID
	}
	return total, w.close()
}

func (e *Exporter) dumpAnalytics(ctx context.Context, dir string) error {
	datasets := []struct {
		name string
		load func(context.Context) (any, error)
	}{
		{"arbitrage", func(ctx context.Context) (any, error) {
			return e.analytics.Arbitrage(ctx, store.ArbitrageParams{})
		}},
		{"deals", func(ctx context.Context) (any, error) {
			return e.analytics.Deals(ctx, store.DealsParams{})
		}},
		{"trending", func(ctx context.Context) (any, error) {
			return e.analytics.Trending(ctx, store.TrendingParams{})
		}},
		{"velocity", func(ctx context.Context) (any, error) {
			return e.analytics.Velocity(ctx, store.VelocityParams{})
		}},
	}
	for _, ds := range datasets {
		data, err := ds.load(ctx)
		if err != nil {
			return fmt.Errorf("export %s: %w", ds.name, err)
		}
		if err := writeJSONFile(filepath.Join(dir, ds.name+".json"), data); err != nil {
			return err
		}
	}
	return nil
}

// manifest 记录本次导出的概况，供消费方判断数据新鲜度。
type manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	Items       int       `json:"items"`
	Snapshots   int       `json:"snapshots"`
	Files       []string  `json:"files"`
}

func (e *Exporter) writeManifest(dir string, items, snapshots int) error {
	m := manifest{
		GeneratedAt: time.Now().UTC(),
		Items:       items,
		Snapshots:   snapshots,
		Files: []string{
			"items.json", "latest_prices.json",
			"arbitrage.json", "deals.json", "trending.json", "velocity.json",
		},
	}
	return writeJSONFile(filepath.Join(dir, "manifest.json"), m)
}

func writeJSONFile(path string, data any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(data); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// arrayWriter 把元素逐个编码为一个 JSON 数组，避免整表驻留内存。
type arrayWriter struct {
	f     *os.File
	enc   *json.Encoder
	count int
	done  bool
}

func newArrayWriter(path string) (*arrayWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return &arrayWriter{f: f, enc: json.NewEncoder(f)}, nil
}

func (w *arrayWriter) write(v any) error {
	if w.count > 0 {
		if _, err := w.f.WriteString(",\n"); err != nil {
			return fmt.Errorf("write %s: %w", w.f.Name(), err)
		}
	}
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", w.f.Name(), err)
	}
	w.count++
	return nil
}

func (w *arrayWriter) close() error {
	if w.done {
		return nil
	}
	w.done = true
	if _, err := w.f.WriteString("]\n"); err != nil {
		w.f.Close()
		return fmt.Errorf("write %s: %w", w.f.Name(), err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.f.Name(), err)
	}
	return nil
}

// abort 在出错路径上关闭文件句柄，成功 close 后为空操作。
func (w *arrayWriter) abort() {
	if !w.done {
		w.done = true
		_ = w.f.Close()
	}
}
