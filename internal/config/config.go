package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Tollbot  TollbotConfig
	Gate     GateConfig
	Keys     KeysConfig
	Nonce    NonceConfig
	Redis    RedisConfig
	Audit    AuditConfig
	Auth     AuthConfig
	Upstream UpstreamConfig
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`
}

type TollbotConfig struct {
	ConfigDir         string `mapstructure:"config_dir"`
	RobotsPath        string `mapstructure:"robots_path"`
	CachePath         string `mapstructure:"cache_path"`
	WalletPath        string `mapstructure:"wallet_path"`
	ReloadIntervalSec int64  `mapstructure:"reload_interval_sec"`
}

type GateConfig struct {
	DryRun       bool   `mapstructure:"dry_run"`
	DefaultPrice string `mapstructure:"default_price"`
	DefaultUnit  int    `mapstructure:"default_unit"`
	Currency     string `mapstructure:"currency"`
	WalletID     string `mapstructure:"wallet_id"`
	PaymentURL   string `mapstructure:"payment_url"`

	// Price is DefaultPrice parsed by validate.
	Price decimal.Decimal `mapstructure:"-"`
}

type KeysConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
}

type NonceConfig struct {
	Type string `mapstructure:"type"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type AuditConfig struct {
	File          string `mapstructure:"file"`
	RetentionDays int    `mapstructure:"retention_days"`
	Redis         bool   `mapstructure:"redis"`
}

type AuthConfig struct {
	Operators string `mapstructure:"operators"`
}

// OperatorList splits the comma-separated operator addresses.
func (a AuthConfig) OperatorList() []string {
	var out []string
	for _, s := range strings.Split(a.Operators, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type UpstreamConfig struct {
	URL string `mapstructure:"url"`
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *Config) NeedsRedis() bool {
	return c.Nonce.Type == "redis" || c.Audit.Redis
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("tollbot.config_dir", "/etc/tollbot")
	v.SetDefault("tollbot.reload_interval_sec", 5)
	v.SetDefault("gate.dry_run", false)
	v.SetDefault("gate.default_price", "0.001")
	v.SetDefault("gate.default_unit", 100)
	v.SetDefault("gate.currency", "USDC")
	v.SetDefault("nonce.type", "memory")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("audit.retention_days", 30)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := os.Getenv("TOLLBOT_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tollbot")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("TOLLBOT")
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                 "TOLLBOT_PORT",
		"server.grpc_port":            "TOLLBOT_GRPC_PORT",
		"tollbot.config_dir":          "TOLLBOT_CONFIG_DIR",
		"tollbot.robots_path":         "TOLLBOT_ROBOTS_PATH",
		"tollbot.cache_path":          "TOLLBOT_CACHE_PATH",
		"tollbot.wallet_path":         "TOLLBOT_WALLET_PATH",
		"tollbot.reload_interval_sec": "TOLLBOT_RELOAD_INTERVAL_SEC",
		"gate.dry_run":                "TOLLBOT_DRY_RUN",
		"gate.default_price":          "TOLLBOT_DEFAULT_PRICE",
		"gate.default_unit":           "TOLLBOT_DEFAULT_UNIT",
		"gate.currency":               "TOLLBOT_CURRENCY",
		"gate.wallet_id":              "TOLLBOT_WALLET_ID",
		"gate.payment_url":            "TOLLBOT_PAYMENT_URL",
		"keys.signing_secret":         "TOLLBOT_SIGNING_SECRET",
		"nonce.type":                  "TOLLBOT_NONCE_STORE",
		"redis.addr":                  "TOLLBOT_REDIS_ADDR",
		"redis.password":              "TOLLBOT_REDIS_PASSWORD",
		"audit.file":                  "TOLLBOT_AUDIT_FILE",
		"audit.retention_days":        "TOLLBOT_AUDIT_RETENTION_DAYS",
		"audit.redis":                 "TOLLBOT_AUDIT_REDIS",
		"auth.operators":              "TOLLBOT_OPERATORS",
		"upstream.url":                "TOLLBOT_UPSTREAM_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.fillPaths()

	return cfg, cfg.validate()
}

// fillPaths derives unset file locations from the config directory.
func (c *Config) fillPaths() {
	dir := c.Tollbot.ConfigDir
	if c.Tollbot.RobotsPath == "" {
		c.Tollbot.RobotsPath = filepath.Join(dir, "robots.txt")
	}
	if c.Tollbot.CachePath == "" {
		c.Tollbot.CachePath = filepath.Join(dir, "robots_cache.json")
	}
	if c.Tollbot.WalletPath == "" {
		c.Tollbot.WalletPath = filepath.Join(dir, "wallet.conf")
	}
}

func (c *Config) validate() error {
	price, err := decimal.NewFromString(c.Gate.DefaultPrice)
	if err != nil || price.IsNegative() {
		return fmt.Errorf("invalid TOLLBOT_DEFAULT_PRICE %q", c.Gate.DefaultPrice)
	}
	c.Gate.Price = price

	if c.Gate.DefaultUnit <= 0 {
		return fmt.Errorf("invalid TOLLBOT_DEFAULT_UNIT %d", c.Gate.DefaultUnit)
	}
	if c.Tollbot.ReloadIntervalSec <= 0 {
		return fmt.Errorf("invalid TOLLBOT_RELOAD_INTERVAL_SEC %d", c.Tollbot.ReloadIntervalSec)
	}
	switch c.Nonce.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid TOLLBOT_NONCE_STORE %q: want memory or redis", c.Nonce.Type)
	}
	if c.NeedsRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: TOLLBOT_REDIS_ADDR")
	}
	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid TOLLBOT_UPSTREAM_URL %q", c.Upstream.URL)
		}
	}
	return nil
}
