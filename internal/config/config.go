package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Per-tier daily message limits. The observed deployments disagreed on the
// user and admin numbers; these are the authoritative defaults, overridable
// per deployment through the quota section of the config file. A limit of 0
// means unlimited.
const (
	DefaultGuestDailyLimit = 5
	DefaultUserDailyLimit  = 25
	DefaultAdminDailyLimit = 0
)

// DefaultInvokeTimeoutSeconds bounds one completion call.
const DefaultInvokeTimeoutSeconds = 45

// Worker pool defaults.
const (
	DefaultMinWorkers        = 2
	DefaultMaxWorkers        = 8
	DefaultQueueSize         = 64
	DefaultWorkerIdleMinutes = 5
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Quota       QuotaConfig               `json:"quota"`
}

type BasicConfig struct {
	ServerAddress        string `json:"server_address"`
	SystemPrompt         string `json:"system_prompt"`
	MinWorkers           int    `json:"min_workers"`
	MaxWorkers           int    `json:"max_workers"`
	QueueSize            int    `json:"queue_size"`
	WorkerIdleTimeout    int    `json:"worker_idle_timeout"` // minutes
	InvokeTimeoutSeconds int    `json:"invoke_timeout_seconds"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	// EnableSearch turns on the web-search tool chain for this provider.
	EnableSearch         bool   `json:"enable_search"`
	GoogleSearchAPIKey   string `json:"google_search_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id"`
}

type QuotaConfig struct {
	GuestDailyLimit int64 `json:"guest_daily_limit"`
	UserDailyLimit  int64 `json:"user_daily_limit"`
	AdminDailyLimit int64 `json:"admin_daily_limit"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if db.DSN != "" && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Quota.GuestDailyLimit <= 0 {
		c.Quota.GuestDailyLimit = DefaultGuestDailyLimit
	}
	if c.Quota.UserDailyLimit <= 0 {
		c.Quota.UserDailyLimit = DefaultUserDailyLimit
	}
	if c.Quota.AdminDailyLimit < 0 {
		c.Quota.AdminDailyLimit = DefaultAdminDailyLimit
	}
	if c.BasicConfig.InvokeTimeoutSeconds <= 0 {
		c.BasicConfig.InvokeTimeoutSeconds = DefaultInvokeTimeoutSeconds
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = DefaultMinWorkers
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		// The pool clamps max up to min, so a default below a large
		// configured floor is still safe.
		c.BasicConfig.MaxWorkers = DefaultMaxWorkers
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = DefaultQueueSize
	}
	if c.BasicConfig.WorkerIdleTimeout <= 0 {
		c.BasicConfig.WorkerIdleTimeout = DefaultWorkerIdleMinutes
	}
}

// LimitFor maps an identity tier to its configured daily message limit.
func (q QuotaConfig) LimitFor(role string) int64 {
	switch role {
	case "admin":
		return q.AdminDailyLimit
	case "user":
		return q.UserDailyLimit
	default:
		return q.GuestDailyLimit
	}
}
