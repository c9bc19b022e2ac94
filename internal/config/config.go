package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig       `json:"app"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Tiers     []TierConfig    `json:"tiers"`
	Retention RetentionConfig `json:"retention"`
	Analytics AnalyticsConfig `json:"analytics"`
	Cache     CacheConfig     `json:"cache"`
	Queue     QueueConfig     `json:"queue"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	ScheduleInterval time.Duration `json:"schedule_interval"` // 轮询周期间隔（如 "3m"）
	LockPath         string        `json:"lock_path"`         // 单机咨询锁文件路径
	LongCycleWarn    time.Duration `json:"long_cycle_warn"`   // 周期超过该时长时告警（重叠风险）
}

// StorageConfig 存储引擎配置。
type StorageConfig struct {
	Driver string `json:"driver"` // sqlite / mysql
	DSN    string `json:"dsn"`    // sqlite 为文件路径，mysql 为连接串
}

// RedisConfig Redis 缓存与队列配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)，为空表示禁用缓存
	Password string `json:"password"` // Redis 密码
}

// UpstreamConfig 上游行情 API 与物品目录 API 配置。
type UpstreamConfig struct {
	UniversalisBaseURL string        `json:"universalis_base_url"`
	XIVAPIBaseURL      string        `json:"xivapi_base_url"`
	Datacenter         string        `json:"datacenter"`          // 查询的大区名
	ItemsPerRequest    int           `json:"items_per_request"`   // 全量接口单请求物品上限
	AggregatedCap      int           `json:"aggregated_cap"`      // 聚合接口单请求物品上限
	CatalogBatchRows   int           `json:"catalog_batch_rows"`  // XIVAPI 单请求行数
	MaxConcurrent      int           `json:"max_concurrent"`      // 上游并发上限（硬顶）
	HandoffDelay       time.Duration `json:"handoff_delay"`       // 并发槽位移交间隔
	RequestTimeout     time.Duration `json:"request_timeout"`     // 单请求超时
	DefaultRetryAfter  time.Duration `json:"default_retry_after"` // 429 未携带提示时的回退等待
	UserAgent          string        `json:"user_agent"`
}

// TierConfig 单个轮询层级的配置。
type TierConfig struct {
	Tier          int           `json:"tier"`           // 1 / 2 / 3
	Frequency     time.Duration `json:"frequency"`      // 轮询间隔
	UseAggregated bool          `json:"use_aggregated"` // 是否走低保真聚合接口
}

// RetentionConfig 各类数据的保留窗口（天）。
type RetentionConfig struct {
	RawSnapshotDays  int `json:"raw_snapshot_days"`
	SalesDays        int `json:"sales_days"`
	HourlyDays       int `json:"hourly_days"`
	DailyDays        int `json:"daily_days"`
	VacuumEveryDays  int `json:"vacuum_every_days"`
	MaintenanceHours int `json:"maintenance_hours"` // 两次维护之间的最小间隔
}

// AnalyticsConfig 分析视图的默认阈值。
type AnalyticsConfig struct {
	ArbitrageMinProfit    int64   `json:"arbitrage_min_profit"`     // 绝对利润下限（gil）
	ArbitrageMinProfitPct float64 `json:"arbitrage_min_profit_pct"` // 利润率下限（%）
	DealsMaxPercentile    float64 `json:"deals_max_percentile"`     // 最便宜世界价相对基准价的百分比上限
	TrendingMinChangePct  float64 `json:"trending_min_change_pct"`  // 涨跌幅下限（%）
	VelocityMinPerDay     float64 `json:"velocity_min_per_day"`     // 日销量下限
	ResultLimit           int     `json:"result_limit"`             // 预计算结果条数
}

// CacheConfig 各类缓存键的 TTL。
type CacheConfig struct {
	LatestPriceTTL time.Duration `json:"latest_price_ttl"`
	AnalyticsTTL   time.Duration `json:"analytics_ttl"`
	MarketableTTL  time.Duration `json:"marketable_ttl"`
}

// QueueConfig Redis 批次队列配置（可选传输层）。
type QueueConfig struct {
	Enable    bool `json:"enable"`     // 是否经由 Redis 队列派发批次
	BatchSize int  `json:"batch_size"` // 聚合批次/队列消息的物品数
	Workers   int  `json:"workers"`    // 消费端并发
}

// Load 从 JSON 文件加载配置。
//
// 配置文件不存在时使用默认值；环境变量始终优先覆盖。
//
// 参数:
//
//	configPath: 配置文件路径（为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault 加载配置，失败时返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8080",
			ScheduleInterval: 3 * time.Minute,
			LockPath:         "marketboard.lock",
			LongCycleWarn:    4 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "marketboard.db",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Upstream: UpstreamConfig{
			UniversalisBaseURL: "https://universalis.app/api/v2",
			XIVAPIBaseURL:      "https://v2.xivapi.com/api",
			Datacenter:         "陸行鳥",
			ItemsPerRequest:    100,
			AggregatedCap:      100,
			CatalogBatchRows:   100,
			MaxConcurrent:      8,
			HandoffDelay:       200 * time.Millisecond,
			RequestTimeout:     30 * time.Second,
			DefaultRetryAfter:  5 * time.Second,
			UserAgent:          "ff14.tw-marketboard/1.0",
		},
		Tiers: []TierConfig{
			{Tier: 1, Frequency: 5 * time.Minute, UseAggregated: false},
			{Tier: 2, Frequency: 10 * time.Minute, UseAggregated: false},
			{Tier: 3, Frequency: 15 * time.Minute, UseAggregated: true},
		},
		Retention: RetentionConfig{
			RawSnapshotDays:  14,
			SalesDays:        90,
			HourlyDays:       90,
			DailyDays:        365,
			VacuumEveryDays:  7,
			MaintenanceHours: 24,
		},
		Analytics: AnalyticsConfig{
			ArbitrageMinProfit:    1000,
			ArbitrageMinProfitPct: 5,
			DealsMaxPercentile:    80,
			TrendingMinChangePct:  10,
			VelocityMinPerDay:     5,
			ResultLimit:           50,
		},
		Cache: CacheConfig{
			LatestPriceTTL: 10 * time.Minute,
			AnalyticsTTL:   10 * time.Minute,
			MarketableTTL:  24 * time.Hour,
		},
		Queue: QueueConfig{
			Enable:    false,
			BatchSize: 100,
			Workers:   4,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ScheduleInterval == 0 {
		cfg.App.ScheduleInterval = defaults.App.ScheduleInterval
	}
	if cfg.App.LockPath == "" {
		cfg.App.LockPath = defaults.App.LockPath
	}
	if cfg.App.LongCycleWarn == 0 {
		cfg.App.LongCycleWarn = defaults.App.LongCycleWarn
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = defaults.Storage.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Upstream.UniversalisBaseURL == "" {
		cfg.Upstream.UniversalisBaseURL = defaults.Upstream.UniversalisBaseURL
	}
	if cfg.Upstream.XIVAPIBaseURL == "" {
		cfg.Upstream.XIVAPIBaseURL = defaults.Upstream.XIVAPIBaseURL
	}
	if cfg.Upstream.Datacenter == "" {
		cfg.Upstream.Datacenter = defaults.Upstream.Datacenter
	}
	if cfg.Upstream.ItemsPerRequest == 0 {
		cfg.Upstream.ItemsPerRequest = defaults.Upstream.ItemsPerRequest
	}
	if cfg.Upstream.AggregatedCap == 0 {
		cfg.Upstream.AggregatedCap = defaults.Upstream.AggregatedCap
	}
	if cfg.Upstream.CatalogBatchRows == 0 {
		cfg.Upstream.CatalogBatchRows = defaults.Upstream.CatalogBatchRows
	}
	if cfg.Upstream.MaxConcurrent == 0 {
		cfg.Upstream.MaxConcurrent = defaults.Upstream.MaxConcurrent
	}
	if cfg.Upstream.HandoffDelay == 0 {
		cfg.Upstream.HandoffDelay = defaults.Upstream.HandoffDelay
	}
	if cfg.Upstream.RequestTimeout == 0 {
		cfg.Upstream.RequestTimeout = defaults.Upstream.RequestTimeout
	}
	if cfg.Upstream.DefaultRetryAfter == 0 {
		cfg.Upstream.DefaultRetryAfter = defaults.Upstream.DefaultRetryAfter
	}
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = defaults.Upstream.UserAgent
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = defaults.Tiers
	}
	if cfg.Retention.RawSnapshotDays == 0 {
		cfg.Retention.RawSnapshotDays = defaults.Retention.RawSnapshotDays
	}
	if cfg.Retention.SalesDays == 0 {
		cfg.Retention.SalesDays = defaults.Retention.SalesDays
	}
	if cfg.Retention.HourlyDays == 0 {
		cfg.Retention.HourlyDays = defaults.Retention.HourlyDays
	}
	if cfg.Retention.DailyDays == 0 {
		cfg.Retention.DailyDays = defaults.Retention.DailyDays
	}
	if cfg.Retention.VacuumEveryDays == 0 {
		cfg.Retention.VacuumEveryDays = defaults.Retention.VacuumEveryDays
	}
	if cfg.Retention.MaintenanceHours == 0 {
		cfg.Retention.MaintenanceHours = defaults.Retention.MaintenanceHours
	}
	if cfg.Analytics.ArbitrageMinProfit == 0 {
		cfg.Analytics.ArbitrageMinProfit = defaults.Analytics.ArbitrageMinProfit
	}
	if cfg.Analytics.ArbitrageMinProfitPct == 0 {
		cfg.Analytics.ArbitrageMinProfitPct = defaults.Analytics.ArbitrageMinProfitPct
	}
	if cfg.Analytics.DealsMaxPercentile == 0 {
		cfg.Analytics.DealsMaxPercentile = defaults.Analytics.DealsMaxPercentile
	}
	if cfg.Analytics.TrendingMinChangePct == 0 {
		cfg.Analytics.TrendingMinChangePct = defaults.Analytics.TrendingMinChangePct
	}
	if cfg.Analytics.VelocityMinPerDay == 0 {
		cfg.Analytics.VelocityMinPerDay = defaults.Analytics.VelocityMinPerDay
	}
	if cfg.Analytics.ResultLimit == 0 {
		cfg.Analytics.ResultLimit = defaults.Analytics.ResultLimit
	}
	if cfg.Cache.LatestPriceTTL == 0 {
		cfg.Cache.LatestPriceTTL = defaults.Cache.LatestPriceTTL
	}
	if cfg.Cache.AnalyticsTTL == 0 {
		cfg.Cache.AnalyticsTTL = defaults.Cache.AnalyticsTTL
	}
	if cfg.Cache.MarketableTTL == 0 {
		cfg.Cache.MarketableTTL = defaults.Cache.MarketableTTL
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = defaults.Queue.BatchSize
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = defaults.Queue.Workers
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_dsn", "DB_DSN")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScheduleInterval = d
		}
	}
	if v := os.Getenv("APP_LOCK_PATH"); v != "" {
		cfg.App.LockPath = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := viper.GetString("db_dsn"); v != "" {
		cfg.Storage.DSN = v
	} else if cfg.Storage.Driver == "mysql" && viper.GetString("db_password") != "" {
		// 仅密码通过环境变量下发时，改写 DSN 中的密码字段
		if parsed, err := mysql.ParseDSN(cfg.Storage.DSN); err == nil {
			parsed.Passwd = viper.GetString("db_password")
			cfg.Storage.DSN = parsed.FormatDSN()
		}
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("UPSTREAM_DATACENTER"); v != "" {
		cfg.Upstream.Datacenter = v
	}
	if v := os.Getenv("UPSTREAM_MAX_CONCURRENT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Upstream.MaxConcurrent = i
		}
	}
	if v := os.Getenv("UPSTREAM_USER_AGENT"); v != "" {
		cfg.Upstream.UserAgent = v
	}
	if v := os.Getenv("QUEUE_ENABLE"); v != "" {
		cfg.Queue.Enable = v == "true" || v == "1"
	}
	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Queue.BatchSize = i
		}
	}
	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers = i
		}
	}
}

// validate 拒绝明显不可用的配置。
func validate(cfg *Config) error {
	if cfg.Storage.Driver != "sqlite" && cfg.Storage.Driver != "mysql" {
		return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
	seen := map[int]bool{}
	for _, tc := range cfg.Tiers {
		if tc.Tier < 1 || tc.Tier > 3 {
			return fmt.Errorf("invalid tier number: %d", tc.Tier)
		}
		if seen[tc.Tier] {
			return fmt.Errorf("duplicate tier config: %d", tc.Tier)
		}
		seen[tc.Tier] = true
		if tc.Frequency <= 0 {
			return fmt.Errorf("tier %d: frequency must be positive", tc.Tier)
		}
	}
	return nil
}

// TierByNumber 返回指定层级的配置，未配置时返回 false。
func (c *Config) TierByNumber(tier int) (TierConfig, bool) {
	for _, tc := range c.Tiers {
		if tc.Tier == tier {
			return tc, true
		}
	}
	return TierConfig{}, false
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		LongCycleWarn    string `json:"long_cycle_warn"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScheduleInterval != "" {
		d, err := time.ParseDuration(aux.ScheduleInterval)
		if err != nil {
			return fmt.Errorf("invalid schedule_interval format: %w", err)
		}
		a.ScheduleInterval = d
	}
	if aux.LongCycleWarn != "" {
		d, err := time.ParseDuration(aux.LongCycleWarn)
		if err != nil {
			return fmt.Errorf("invalid long_cycle_warn format: %w", err)
		}
		a.LongCycleWarn = d
	}
	return nil
}

// UnmarshalJSON 支持 "200ms" / "30s" 形式的上游时间参数。
func (u *UpstreamConfig) UnmarshalJSON(data []byte) error {
	type Alias UpstreamConfig
	aux := &struct {
		HandoffDelay      string `json:"handoff_delay"`
		RequestTimeout    string `json:"request_timeout"`
		DefaultRetryAfter string `json:"default_retry_after"`
		*Alias
	}{
		Alias: (*Alias)(u),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{aux.HandoffDelay, "handoff_delay", &u.HandoffDelay},
		{aux.RequestTimeout, "request_timeout", &u.RequestTimeout},
		{aux.DefaultRetryAfter, "default_retry_after", &u.DefaultRetryAfter},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON 支持 "10m" 形式的缓存 TTL。
func (c *CacheConfig) UnmarshalJSON(data []byte) error {
	type Alias CacheConfig
	aux := &struct {
		LatestPriceTTL string `json:"latest_price_ttl"`
		AnalyticsTTL   string `json:"analytics_ttl"`
		MarketableTTL  string `json:"marketable_ttl"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{aux.LatestPriceTTL, "latest_price_ttl", &c.LatestPriceTTL},
		{aux.AnalyticsTTL, "analytics_ttl", &c.AnalyticsTTL},
		{aux.MarketableTTL, "marketable_ttl", &c.MarketableTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON 支持 "5m" 形式的层级轮询间隔。
func (tc *TierConfig) UnmarshalJSON(data []byte) error {
	type Alias TierConfig
	aux := &struct {
		Frequency string `json:"frequency"`
		*Alias
	}{
		Alias: (*Alias)(tc),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Frequency != "" {
		d, err := time.ParseDuration(aux.Frequency)
		if err != nil {
			return fmt.Errorf("invalid tier frequency format: %w", err)
		}
		tc.Frequency = d
	}
	return nil
}

// String 仅用于日志输出，避免把 DSN 里的密码打出来。
func (s StorageConfig) String() string {
	if s.Driver == "mysql" {
		if parsed, err := mysql.ParseDSN(s.DSN); err == nil {
			return fmt.Sprintf("mysql://%s@%s/%s", parsed.User, parsed.Addr, parsed.DBName)
		}
		return "mysql://<unparseable>"
	}
	return "sqlite://" + s.DSN
}
