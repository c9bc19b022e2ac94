package xivapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// CatalogItem 是物品目录中的一个条目。
type CatalogItem struct {
	ItemID   int
	Name     string
	Category string
}

// sheetResponse 是 /sheet/Item 的分页返回。
type sheetResponse struct {
	Rows []sheetRow `json:"rows"`
}

type sheetRow struct {
	RowID  int `json:"row_id"`
	Fields struct {
		Name               string `json:"Name"`
		ItemSearchCategory struct {
			Fields struct {
				Name string `json:"Name"`
			} `json:"fields"`
		} `json:"ItemSearchCategory"`
	} `json:"fields"`
}

// Options 是目录客户端配置。
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	BatchRows int // 单请求行数
	Logger    *slog.Logger
}

// Client 是物品目录（XIVAPI）客户端。
//
// 只按给定的物品 ID 批量取名称与分类，用于补全本地目录表。
type Client struct {
	http      *resty.Client
	batchRows int
	logger    *slog.Logger
}

// NewClient 创建目录客户端。
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://v2.xivapi.com/api"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BatchRows <= 0 {
		opts.BatchRows = 100
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

	return &Client{http: client, batchRows: opts.BatchRows, logger: opts.Logger}
}

// FetchItems 按 ID 批量拉取物品名称与分类。
//
// 超出单请求行数上限时自动分批；上游没有返回的行静默跳过
// （通常是不可交易或已废弃的物品 ID）。
func (c *Client) FetchItems(ctx context.Context, itemIDs []int, language string) ([]CatalogItem, error) {
	if language == "" {
		language = "chs"
	}

	var out []CatalogItem
	for start := 0; start < len(itemIDs); start += c.batchRows {
		end := start + c.batchRows
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		batch, err := c.fetchBatch(ctx, itemIDs[start:end], language)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, itemIDs []int, language string) ([]CatalogItem, error) {
	rows := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		rows[i] = strconv.Itoa(id)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("rows", strings.Join(rows, ",")).
		SetQueryParam("fields", "Name,ItemSearchCategory.Name").
		SetQueryParam("language", language).
		Get("/sheet/Item")
	if err != nil {
		return nil, fmt.Errorf("fetch item catalog: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("item catalog returned status %d", resp.StatusCode())
	}

	var sheet sheetResponse
	if err := json.Unmarshal(resp.Body(), &sheet); err != nil {
		return nil, fmt.Errorf("decode item catalog: %w", err)
	}

	out := make([]CatalogItem, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row.Fields.Name == "" {
			continue
		}
		out = append(out, CatalogItem{
			ItemID:   row.RowID,
			Name:     row.Fields.Name,
			Category: row.Fields.ItemSearchCategory.Fields.Name,
		})
	}
	return out, nil
}
