package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Env      string         `yaml:"env"` // dev | staging | prod
	Database DatabaseConfig `yaml:"database"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Cache    CacheConfig    `yaml:"cache"`
	Token    TokenConfig    `yaml:"token"`
	Credits  CreditsConfig  `yaml:"credits"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
}

type ServerConfig struct {
	Port              string `yaml:"port"`
	AuthDeadlineMs    int    `yaml:"auth_deadline_ms"`
	GeneralDeadlineMs int    `yaml:"general_deadline_ms"`
}

type DatabaseConfig struct {
	URL   string                `yaml:"url"`
	Pools map[string]PoolSizing `yaml:"pools"` // auth/read/write/analytics/admin/batch
}

type PoolSizing struct {
	Min              int           `yaml:"min"`
	Max              int           `yaml:"max"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

type SupabaseConfig struct {
	URL              string        `yaml:"url"`
	AnonKey          string        `yaml:"anon_key"`
	ServiceKey       string        `yaml:"service_key"`
	ServiceCredTTL   time.Duration `yaml:"service_cred_ttl"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ReprobeInterval  time.Duration `yaml:"reprobe_interval"`
	EmergencyUserIDs []string      `yaml:"emergency_user_ids"` // layer-4 allow-list
}

type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPoolMax  int           `yaml:"redis_pool_max"`
	L1TTL         time.Duration `yaml:"l1_ttl"`
	L1MaxEntries  int           `yaml:"l1_max_entries"`
	L2TTL         time.Duration `yaml:"l2_ttl"`
	WarmInterval  time.Duration `yaml:"warm_interval"`
	WarmBatchSize int           `yaml:"warm_batch_size"`
	WarmTimeout   time.Duration `yaml:"warm_timeout"`
}

type TokenConfig struct {
	Issuer          string   `yaml:"issuer"`
	Audience        string   `yaml:"audience"`
	AllowedAlgs     []string `yaml:"allowed_algs"`
	HS256Secret     string   `yaml:"hs256_secret"`
	AllowMockTokens bool     `yaml:"allow_mock_tokens"`
}

type CreditsConfig struct {
	DefaultUserCredits int `yaml:"default_user_credits"`
}

type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads the YAML file, overlays environment variables (a .env file is
// honored when present), and fills defaults. Configuration is read once at
// start; there is no hot reload.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.overlayEnv()
	cfg.applyDefaults()

	if cfg.Env == "prod" && cfg.Token.AllowMockTokens {
		return nil, fmt.Errorf("allow_mock_tokens must be false in prod")
	}
	return cfg, nil
}

func (c *Config) overlayEnv() {
	if v := os.Getenv("AUTHCORE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		c.Supabase.AnonKey = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		c.Supabase.ServiceKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Token.HS256Secret = v
	}
	if v := os.Getenv("DEFAULT_USER_CREDITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Credits.DefaultUserCredits = n
		}
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.AuthDeadlineMs == 0 {
		c.Server.AuthDeadlineMs = 500
	}
	if c.Server.GeneralDeadlineMs == 0 {
		c.Server.GeneralDeadlineMs = 5000
	}
	if c.Supabase.ServiceCredTTL == 0 {
		c.Supabase.ServiceCredTTL = 24 * time.Hour
	}
	if c.Supabase.ProbeTimeout == 0 {
		c.Supabase.ProbeTimeout = 3 * time.Second
	}
	if c.Supabase.ReprobeInterval == 0 {
		c.Supabase.ReprobeInterval = 60 * time.Second
	}
	if c.Cache.L1TTL == 0 {
		c.Cache.L1TTL = 5 * time.Minute
	}
	if c.Cache.L1MaxEntries == 0 {
		c.Cache.L1MaxEntries = 10000
	}
	if c.Cache.L2TTL == 0 {
		c.Cache.L2TTL = 15 * time.Minute
	}
	if c.Cache.RedisPoolMax == 0 {
		c.Cache.RedisPoolMax = 20
	}
	if c.Cache.WarmBatchSize == 0 {
		c.Cache.WarmBatchSize = 200
	}
	if c.Cache.WarmTimeout == 0 {
		c.Cache.WarmTimeout = 10 * time.Second
	}
	if c.Credits.DefaultUserCredits == 0 {
		c.Credits.DefaultUserCredits = 100
	}
	if len(c.Token.AllowedAlgs) == 0 {
		c.Token.AllowedAlgs = []string{"HS256", "RS256", "ES256"}
	}
	if c.Database.Pools == nil {
		c.Database.Pools = map[string]PoolSizing{}
	}
	defaults := map[string]PoolSizing{
		"auth":      {Min: 10, Max: 50, StatementTimeout: 30 * time.Second},
		"read":      {Min: 20, Max: 75, StatementTimeout: 60 * time.Second},
		"write":     {Min: 5, Max: 25, StatementTimeout: 120 * time.Second},
		"analytics": {Min: 5, Max: 20, StatementTimeout: 5 * time.Second},
		"admin":     {Min: 2, Max: 10, StatementTimeout: 10 * time.Second},
		"batch":     {Min: 5, Max: 30, StatementTimeout: 30 * time.Second},
	}
	for name, d := range defaults {
		if _, ok := c.Database.Pools[name]; !ok {
			c.Database.Pools[name] = d
		}
	}
}

// IsProduction reports whether dev-mode affordances must be refused.
func (c *Config) IsProduction() bool { return c.Env == "prod" }
