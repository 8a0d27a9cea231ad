package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "cdn-defender.yaml"

// Config represents the main configuration structure
type Config struct {
	Debug         bool                `yaml:"debug"`
	CDN           CDNConfig           `yaml:"cdn"`
	Logs          LogsConfig          `yaml:"logs"`
	Download      DownloadConfig      `yaml:"download"`
	BlackIP       BlackIPConfig       `yaml:"blackip"`
	Notifications NotificationsConfig `yaml:"notifications"`
	GeoIP         GeoIPConfig         `yaml:"geoip"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Server        ServerConfig        `yaml:"server"`
}

// CDNConfig holds the account credential and API endpoints.
type CDNConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Domain    string `yaml:"domain"`

	FusionHost string        `yaml:"fusion_host"`
	DomainHost string        `yaml:"domain_host"`
	Scheme     string        `yaml:"scheme"`
	Timeout    time.Duration `yaml:"timeout"`
	// RateLimit caps outbound API calls per second; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
}

type LogsConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// DownloadConfig controls log retrieval and the checksum cache.
type DownloadConfig struct {
	CacheDir     string      `yaml:"cache_dir"`
	CacheBackend string      `yaml:"cache_backend"`
	Redis        RedisConfig `yaml:"redis"`
	MaxDownloads int         `yaml:"max_downloads"`
	MaxRangeDays int         `yaml:"max_range_days"`
	DomainDir    bool        `yaml:"domain_dir"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BlackIPConfig holds the diagnostic policy and how results are applied.
type BlackIPConfig struct {
	Policy    string   `yaml:"policy"`
	Rewrite   bool     `yaml:"rewrite"`
	Whitelist []string `yaml:"whitelist"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	WeCom    WeComConfig    `yaml:"wecom"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`

	// APIEndpoint overrides the Bot API URL format, e.g. for a local proxy.
	APIEndpoint string `yaml:"api_endpoint,omitempty"`
}

type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// WeComConfig is a group robot webhook taking markdown messages.
type WeComConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// GeoIPConfig points at MaxMind databases. DatabasePath is a City database;
// ASNDatabasePath is optional.
type GeoIPConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DatabasePath    string `yaml:"database_path"`
	ASNDatabasePath string `yaml:"asn_database_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// Default returns a configuration populated with default values.
func Default() *Config {
	return &Config{
		CDN: CDNConfig{
			FusionHost: "fusion.qiniuapi.com",
			DomainHost: "api.qiniu.com",
			Scheme:     "https",
			Timeout:    30 * time.Second,
		},
		Logs: LogsConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     30,
		},
		Download: DownloadConfig{
			CacheDir:     filepath.Join(os.TempDir(), "qiniu"),
			CacheBackend: "dir",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "cdn-defender:log:",
			},
			MaxDownloads: 25,
			MaxRangeDays: 30,
			DomainDir:    true,
		},
		BlackIP: BlackIPConfig{
			Rewrite: true,
			Whitelist: []string{
				"127.0.0.1",
				"::1",
			},
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Server: ServerConfig{
			BindAddress: "127.0.0.1",
			Port:        8080,
		},
	}
}

// Load loads configuration from the specified file
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Resolve returns the config path to use: the explicit path if given,
// otherwise ./cdn-defender.yaml, otherwise ~/.config/cdn-defender.yaml.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath, nil
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".config", DefaultPath)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("config file not found: looked for ./%s and ~/.config/%s", DefaultPath, DefaultPath)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CDN_ACCESS_KEY"); v != "" {
		c.CDN.AccessKey = v
	}
	if v := os.Getenv("CDN_SECRET_KEY"); v != "" {
		c.CDN.SecretKey = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CDN.AccessKey == "" || c.CDN.SecretKey == "" {
		return errdefs.Configf("cdn.access_key and cdn.secret_key are required")
	}

	if c.CDN.Scheme != "http" && c.CDN.Scheme != "https" {
		return errdefs.Configf("invalid cdn.scheme: %q", c.CDN.Scheme)
	}

	if c.CDN.RateLimit < 0 {
		return errdefs.Configf("cdn.rate_limit must not be negative")
	}

	if c.Download.MaxDownloads <= 0 {
		return errdefs.Configf("download.max_downloads must be positive")
	}

	if c.Download.MaxRangeDays <= 0 || c.Download.MaxRangeDays > 30 {
		return errdefs.Configf("download.max_range_days must be between 1 and 30")
	}

	switch c.Download.CacheBackend {
	case "dir":
		if c.Download.CacheDir == "" {
			return errdefs.Configf("download.cache_dir is required for the dir cache backend")
		}
	case "redis":
		if c.Download.Redis.Addr == "" {
			return errdefs.Configf("download.redis.addr is required for the redis cache backend")
		}
	default:
		return errdefs.Configf("unknown download.cache_backend: %q", c.Download.CacheBackend)
	}

	if c.Notifications.Telegram.Enabled && c.Notifications.Telegram.BotToken == "" {
		return errdefs.Configf("telegram enabled but bot_token not specified")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errdefs.Configf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// Domains returns the configured default domain as a one-element list, or
// nil when none is set.
func (c *Config) Domains() []string {
	d := strings.TrimSpace(c.CDN.Domain)
	if d == "" {
		return nil
	}
	return []string{d}
}

// Save saves the configuration to the specified file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
