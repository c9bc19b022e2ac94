package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Upstream.MaxConcurrent != 8 {
		t.Errorf("Upstream.MaxConcurrent = %d, want 8", cfg.Upstream.MaxConcurrent)
	}
	if len(cfg.Tiers) != 3 {
		t.Fatalf("len(Tiers) = %d, want 3", len(cfg.Tiers))
	}
	t1, ok := cfg.TierByNumber(1)
	if !ok || t1.Frequency != 5*time.Minute || t1.UseAggregated {
		t.Errorf("tier 1 = %+v, want 5m full fidelity", t1)
	}
	t3, ok := cfg.TierByNumber(3)
	if !ok || t3.Frequency != 15*time.Minute || !t3.UseAggregated {
		t.Errorf("tier 3 = %+v, want 15m aggregated", t3)
	}
}

func TestLoad_FileWithPartialFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"app": {"log_level": "debug", "schedule_interval": "90s"},
		"storage": {"driver": "sqlite", "dsn": "/tmp/mb.db"},
		"tiers": [
			{"tier": 1, "frequency": "2m"},
			{"tier": 2, "frequency": "4m"},
			{"tier": 3, "frequency": "6m", "use_aggregated": true}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.App.LogLevel)
	}
	if cfg.App.ScheduleInterval != 90*time.Second {
		t.Errorf("ScheduleInterval = %v, want 90s", cfg.App.ScheduleInterval)
	}
	if cfg.Storage.DSN != "/tmp/mb.db" {
		t.Errorf("DSN = %q", cfg.Storage.DSN)
	}
	// 未设置的字段回填默认值
	if cfg.App.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.App.HTTPAddr)
	}
	if cfg.Retention.SalesDays != 90 {
		t.Errorf("Retention.SalesDays = %d, want 90", cfg.Retention.SalesDays)
	}
	t1, _ := cfg.TierByNumber(1)
	if t1.Frequency != 2*time.Minute {
		t.Errorf("tier 1 frequency = %v, want 2m", t1.Frequency)
	}
}

func TestLoad_UpstreamAndCacheDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"upstream": {"handoff_delay": "350ms", "request_timeout": "45s"},
		"cache": {"latest_price_ttl": "7m"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.HandoffDelay != 350*time.Millisecond {
		t.Errorf("HandoffDelay = %v, want 350ms", cfg.Upstream.HandoffDelay)
	}
	if cfg.Upstream.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.Upstream.RequestTimeout)
	}
	if cfg.Cache.LatestPriceTTL != 7*time.Minute {
		t.Errorf("LatestPriceTTL = %v, want 7m", cfg.Cache.LatestPriceTTL)
	}
	// 未设置的时间字段回填默认值
	if cfg.Upstream.DefaultRetryAfter != 5*time.Second {
		t.Errorf("DefaultRetryAfter = %v, want 5s", cfg.Upstream.DefaultRetryAfter)
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "postgres", "dsn": "x"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted unsupported driver")
	}
}

func TestLoad_DuplicateTierRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"tiers": [{"tier": 1, "frequency": "5m"}, {"tier": 1, "frequency": "10m"}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted duplicate tier")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_LOG_LEVEL", "warn")
	t.Setenv("REDIS_ADDR", "redis-prod:6379")
	t.Setenv("UPSTREAM_MAX_CONCURRENT", "4")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.App.LogLevel)
	}
	if cfg.Redis.Addr != "redis-prod:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Upstream.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Upstream.MaxConcurrent)
	}
}

func TestEnvOverride_MySQLPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"storage": {"driver": "mysql", "dsn": "user:old@tcp(db:3306)/market?parseTime=true"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := "user:secret@tcp(db:3306)/market?parseTime=true"
	if cfg.Storage.DSN != want {
		t.Errorf("DSN = %q, want %q", cfg.Storage.DSN, want)
	}
}

func TestStorageConfig_StringRedactsPassword(t *testing.T) {
	s := StorageConfig{Driver: "mysql", DSN: "user:secret@tcp(db:3306)/market"}
	got := s.String()
	if got != "mysql://user@db:3306/market" {
		t.Errorf("String() = %q", got)
	}
}

func TestResolveWorld(t *testing.T) {
	name, ok := ResolveWorld(4028)
	if !ok || name != "紅玉海" {
		t.Errorf("ResolveWorld(4028) = %q, %v", name, ok)
	}
	if _, ok := ResolveWorld(99); ok {
		t.Error("ResolveWorld(99) should miss")
	}
}

func TestWorldIDs(t *testing.T) {
	ids := WorldIDs("陸行鳥")
	if len(ids) != 8 {
		t.Fatalf("len = %d, want 8", len(ids))
	}
	if ids[0] != 4028 || ids[7] != 4035 {
		t.Errorf("ids = %v", ids)
	}
	if WorldIDs("Elemental") != nil {
		t.Error("unknown datacenter should return nil")
	}
}
