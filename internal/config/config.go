// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. IMAGEPROC_SERVER_PORT.
const EnvPrefix = "IMAGEPROC"

// Rate-limit store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Uploads   UploadsConfig   `mapstructure:"uploads"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	CORSAllowedOrigins    []string `mapstructure:"cors_allowed_origins"`
	TrustedProxyHeader    string   `mapstructure:"trusted_proxy_header"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UploadsConfig locates stored files and the URLs they are served under.
type UploadsConfig struct {
	Dir          string `mapstructure:"dir"`
	PublicPrefix string `mapstructure:"public_prefix"`
	APIPath      string `mapstructure:"api_path"`
	MaxUploadMB  int    `mapstructure:"max_upload_mb"`
}

// CleanupConfig controls the sweeper and its endpoint.
type CleanupConfig struct {
	APIKey               string `mapstructure:"api_key"`
	DefaultMaxAgeMinutes int    `mapstructure:"default_max_age_minutes"`
	IntervalMinutes      int    `mapstructure:"interval_minutes"`
	RunOnStart           bool   `mapstructure:"run_on_start"`
}

// NormalizeConfig sizes the normalization pool.
type NormalizeConfig struct {
	LoadTimeoutSeconds int `mapstructure:"load_timeout_seconds"`
	Workers            int `mapstructure:"workers"`
	QueueDepth         int `mapstructure:"queue_depth"`
}

// ProxyConfig configures remote image fetches.
type ProxyConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBytesMB     int     `mapstructure:"max_bytes_mb"`
	UserAgent      string  `mapstructure:"user_agent"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
	BlockPrivate   bool    `mapstructure:"block_private_addresses"`
}

// ScraperConfig configures page scraping.
type ScraperConfig struct {
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	RespectRobots  bool           `mapstructure:"respect_robots"`
	UserAgent      string         `mapstructure:"user_agent"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	BodyThreshold     int  `mapstructure:"body_threshold"`
}

// RateLimitConfig selects the counter store and per-route limits.
type RateLimitConfig struct {
	Backend              string      `mapstructure:"backend"`
	Redis                RedisConfig `mapstructure:"redis"`
	SweepIntervalSeconds int         `mapstructure:"sweep_interval_seconds"`
	Global               LimitConfig `mapstructure:"global"`
	Images               LimitConfig `mapstructure:"images"`
	Cleanup              LimitConfig `mapstructure:"cleanup"`
	Healthcheck          LimitConfig `mapstructure:"healthcheck"`
	Scrape               LimitConfig `mapstructure:"scrape"`
}

// RedisConfig locates the shared rate-limit store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LimitConfig is one fixed-window limit.
type LimitConfig struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// Window returns the window as a duration.
func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// StorageConfig configures the optional GCS mirror.
type StorageConfig struct {
	Mirror MirrorConfig `mapstructure:"mirror"`
}

// MirrorConfig names the mirror bucket. An empty bucket disables mirroring.
type MirrorConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the ledger database. An empty DSN disables it.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for storage event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig describes the service to the tracing backend. An empty
// project keeps spans in-process.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.cors_allowed_origins", []string{"*"})
	v.SetDefault("server.trusted_proxy_header", "X-Forwarded-For")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("uploads.dir", "public/uploads")
	v.SetDefault("uploads.public_prefix", "/uploads")
	v.SetDefault("uploads.api_path", "/api/serve-image")
	v.SetDefault("uploads.max_upload_mb", 25)
	v.SetDefault("cleanup.api_key", "change-this-to-a-secure-key")
	v.SetDefault("cleanup.default_max_age_minutes", 60)
	v.SetDefault("cleanup.interval_minutes", 60)
	v.SetDefault("cleanup.run_on_start", true)
	v.SetDefault("normalize.load_timeout_seconds", 15)
	v.SetDefault("normalize.workers", 2)
	v.SetDefault("normalize.queue_depth", 32)
	v.SetDefault("proxy.timeout_seconds", 30)
	v.SetDefault("proxy.max_bytes_mb", 25)
	v.SetDefault("proxy.user_agent", "")
	v.SetDefault("proxy.per_host_rps", 0)
	v.SetDefault("proxy.per_host_burst", 4)
	v.SetDefault("proxy.block_private_addresses", false)
	v.SetDefault("scraper.timeout_seconds", 20)
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.headless.enabled", false)
	v.SetDefault("scraper.headless.max_parallel", 1)
	v.SetDefault("scraper.headless.nav_timeout_seconds", 30)
	v.SetDefault("scraper.headless.body_threshold", 2048)
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.redis.addr", "")
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.redis.prefix", "imageproc:ratelimit:")
	v.SetDefault("ratelimit.sweep_interval_seconds", 300)
	setLimit(v, "global", 1000, 60)
	setLimit(v, "images", 300, 60)
	setLimit(v, "cleanup", 5, 60)
	setLimit(v, "healthcheck", 30, 60)
	setLimit(v, "scrape", 30, 60)
	v.SetDefault("storage.mirror.gcs_bucket", "")
	v.SetDefault("storage.mirror.prefix", "uploads")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "stored_images")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "image-processor")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func setLimit(v *viper.Viper, name string, limit, windowSeconds int) {
	v.SetDefault("ratelimit."+name+".limit", limit)
	v.SetDefault("ratelimit."+name+".window_seconds", windowSeconds)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if c.Normalize.LoadTimeoutSeconds <= 0 {
		return fmt.Errorf("normalize.load_timeout_seconds must be > 0")
	}
	if c.Normalize.Workers <= 0 {
		return fmt.Errorf("normalize.workers must be > 0")
	}
	if c.Scraper.Headless.Enabled && c.Scraper.Headless.MaxParallel <= 0 {
		return fmt.Errorf("scraper.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RateLimit.Redis.Addr) == "" {
			return fmt.Errorf("ratelimit.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("ratelimit.backend %q must be %q or %q", c.RateLimit.Backend, BackendMemory, BackendRedis)
	}
	limits := map[string]LimitConfig{
		"global":      c.RateLimit.Global,
		"images":      c.RateLimit.Images,
		"cleanup":     c.RateLimit.Cleanup,
		"healthcheck": c.RateLimit.Healthcheck,
		"scrape":      c.RateLimit.Scrape,
	}
	for name, l := range limits {
		if l.Limit <= 0 || l.WindowSeconds <= 0 {
			return fmt.Errorf("ratelimit.%s limit and window_seconds must be > 0", name)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// LoadTimeout bounds a single source image load.
func (c Config) LoadTimeout() time.Duration {
	return time.Duration(c.Normalize.LoadTimeoutSeconds) * time.Second
}

// SweepInterval is the period of the scheduled upload sweep. Zero disables it.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// DefaultMaxAge is the file age the sweeper uses when none is requested.
func (c Config) DefaultMaxAge() time.Duration {
	return time.Duration(c.Cleanup.DefaultMaxAgeMinutes) * time.Minute
}
