package universalis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hydai/ff14.tw-marketboard-api/internal/pkg/mathutil"
)

// RateLimitedError 表示上游返回 429。
//
// RetryAfter 取自响应头/响应体的提示；两者都缺省时用调用方配置的回退值。
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
}

// Options 是客户端配置。
type Options struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	ItemsPerRequest   int           // 全量接口单请求物品上限
	AggregatedCap     int           // 聚合接口单请求物品上限
	DefaultRetryAfter time.Duration // 429 无提示时的回退等待
	Logger            *slog.Logger
}

// Client 是 Universalis 行情 API 客户端。
//
// 超出单请求物品上限的查询会自动分块并合并结果；
// 客户端不做排队，并发控制交给上层的 ratelimit.Limiter。
type Client struct {
	http              *resty.Client
	itemsPerRequest   int
	aggregatedCap     int
	defaultRetryAfter time.Duration
	logger            *slog.Logger
}

// NewClient 创建行情客户端。
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://universalis.app/api/v2"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ItemsPerRequest <= 0 {
		opts.ItemsPerRequest = 100
	}
	if opts.AggregatedCap <= 0 {
		opts.AggregatedCap = 100
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetTimeout(opts.Timeout)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	return &Client{
		http:              client,
		itemsPerRequest:   opts.ItemsPerRequest,
		aggregatedCap:     opts.AggregatedCap,
		defaultRetryAfter: opts.DefaultRetryAfter,
		logger:            opts.Logger,
	}
}

// FetchMarketData 查询大区内一批物品的全量行情（挂单+成交历史）。
//
// 物品数超过单请求上限时自动分块，按序请求并合并。
// 任何一块失败则整体失败（已取到的块丢弃，由上层重试整批）。
func (c *Client) FetchMarketData(ctx context.Context, datacenter string, itemIDs []int) (map[int]MarketData, error) {
	if len(itemIDs) == 0 {
		return map[int]MarketData{}, nil
	}

	merged := make(map[int]MarketData, len(itemIDs))
	for _, chunk := range mathutil.Chunk(itemIDs, c.itemsPerRequest) {
		part, err := c.fetchChunk(ctx, datacenter, chunk)
		if err != nil {
			return nil, err
		}
		for id, md := range part {
			merged[id] = md
		}
	}
	return merged, nil
}

func (c *Client) fetchChunk(ctx context.Context, datacenter string, itemIDs []int) (map[int]MarketData, error) {
	path := fmt.Sprintf("/%s/%s", datacenter, joinIDs(itemIDs))

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("entries", "50").
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("fetch market data: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	body := resp.Body()
	result := make(map[int]MarketData)

	if len(itemIDs) == 1 {
		// 单物品查询上游直接返回 MarketData 本体
		var md MarketData
		if err := json.Unmarshal(body, &md); err != nil {
			return nil, fmt.Errorf("decode market data: %w", err)
		}
		if md.ItemID == 0 {
			md.ItemID = itemIDs[0]
		}
		result[md.ItemID] = md
		return result, nil
	}

	var multi multiItemResponse
	if err := json.Unmarshal(body, &multi); err != nil {
		return nil, fmt.Errorf("decode market data: %w", err)
	}
	for key, md := range multi.Items {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if md.ItemID == 0 {
			md.ItemID = id
		}
		result[id] = md
	}
	if len(multi.UnresolvedItems) > 0 {
		c.logger.Warn("upstream could not resolve some items",
			"count", len(multi.UnresolvedItems))
	}
	return result, nil
}

// FetchAggregated 查询大区内一批物品的低保真聚合行情。
func (c *Client) FetchAggregated(ctx context.Context, datacenter string, itemIDs []int) ([]AggregatedResult, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}

	var merged []AggregatedResult
	for _, chunk := range mathutil.Chunk(itemIDs, c.aggregatedCap) {
		path := fmt.Sprintf("/aggregated/%s/%s", datacenter, joinIDs(chunk))

		resp, err := c.http.R().SetContext(ctx).Get(path)
		if err != nil {
			return nil, fmt.Errorf("fetch aggregated data: %w", err)
		}
		if err := c.checkStatus(resp); err != nil {
			return nil, err
		}

		var agg aggregatedResponse
		if err := json.Unmarshal(resp.Body(), &agg); err != nil {
			return nil, fmt.Errorf("decode aggregated data: %w", err)
		}
		if len(agg.FailedItems) > 0 {
			c.logger.Warn("upstream failed some aggregated items",
				"count", len(agg.FailedItems))
		}
		merged = append(merged, agg.Results...)
	}
	return merged, nil
}

// FetchMarketableItems 拉取全部可交易物品 ID。
func (c *Client) FetchMarketableItems(ctx context.Context) ([]int, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/marketable")
	if err != nil {
		return nil, fmt.Errorf("fetch marketable items: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var ids marketableResponse
	if err := json.Unmarshal(resp.Body(), &ids); err != nil {
		return nil, fmt.Errorf("decode marketable items: %w", err)
	}
	return ids, nil
}

// FetchTaxRates 查询某世界的市场税率。
func (c *Client) FetchTaxRates(ctx context.Context, worldID int) (*TaxRates, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("world", strconv.Itoa(worldID)).
		Get("/tax-rates")
	if err != nil {
		return nil, fmt.Errorf("fetch tax rates: %w", err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var rates TaxRates
	if err := json.Unmarshal(resp.Body(), &rates); err != nil {
		return nil, fmt.Errorf("decode tax rates: %w", err)
	}
	return &rates, nil
}

// checkStatus 把非 2xx 响应转成带分类语义的错误。
//
// 429 返回 *RateLimitedError，等待时长优先级:
// Retry-After 头 > 响应体提示 > 配置的回退值。
func (c *Client) checkStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}

	if code == http.StatusTooManyRequests {
		retryAfter := c.defaultRetryAfter
		if v := resp.Header().Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		} else if secs := parseRetryHint(resp.Body()); secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	return fmt.Errorf("upstream returned status %d: %s", code, truncateBody(resp.Body()))
}

// parseRetryHint 从 429 响应体里找 retryAfter 提示（秒）。
func parseRetryHint(body []byte) int {
	var hint struct {
		RetryAfter int `json:"retryAfter"`
	}
	if err := json.Unmarshal(body, &hint); err != nil {
		return 0
	}
	return hint.RetryAfter
}

// truncateBody 截断上游错误体，避免异常捅大日志。
func truncateBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
