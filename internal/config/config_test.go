package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"providers": {"openai": {"model": "gpt-4o-mini", "api_key": "k"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quota.GuestDailyLimit != DefaultGuestDailyLimit {
		t.Fatalf("guest limit = %d", cfg.Quota.GuestDailyLimit)
	}
	if cfg.Quota.UserDailyLimit != DefaultUserDailyLimit {
		t.Fatalf("user limit = %d", cfg.Quota.UserDailyLimit)
	}
	if cfg.Quota.AdminDailyLimit != DefaultAdminDailyLimit {
		t.Fatalf("admin limit = %d", cfg.Quota.AdminDailyLimit)
	}
	if cfg.BasicConfig.InvokeTimeoutSeconds != DefaultInvokeTimeoutSeconds {
		t.Fatalf("invoke timeout = %d", cfg.BasicConfig.InvokeTimeoutSeconds)
	}
	if cfg.BasicConfig.MinWorkers != DefaultMinWorkers || cfg.BasicConfig.MaxWorkers != DefaultMaxWorkers {
		t.Fatalf("worker defaults not applied: %+v", cfg.BasicConfig)
	}
	if cfg.BasicConfig.QueueSize != DefaultQueueSize {
		t.Fatalf("queue size = %d", cfg.BasicConfig.QueueSize)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	path := writeConfigFile(t, `{"providers": {}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error without databases")
	}
}

func TestLoadResolvesRelativeDSN(t *testing.T) {
	path := writeConfigFile(t, `{
		"databases": {"sqlite3": {"dsn": "data/app.db"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dsn := cfg.Databases["sqlite3"].DSN
	if !filepath.IsAbs(dsn) {
		t.Fatalf("relative dsn not resolved: %s", dsn)
	}
	if filepath.Dir(filepath.Dir(dsn)) != filepath.Dir(path) {
		t.Fatalf("dsn resolved outside the config dir: %s", dsn)
	}
}

func TestLimitFor(t *testing.T) {
	q := QuotaConfig{GuestDailyLimit: 5, UserDailyLimit: 25, AdminDailyLimit: 0}
	if got := q.LimitFor("user"); got != 25 {
		t.Fatalf("user limit = %d", got)
	}
	if got := q.LimitFor("admin"); got != 0 {
		t.Fatalf("admin limit = %d", got)
	}
	if got := q.LimitFor("anything-else"); got != 5 {
		t.Fatalf("fallback limit = %d", got)
	}
}
