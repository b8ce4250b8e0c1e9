// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Backend  BackendConfig  `yaml:"backend"`
	HTTPPool HTTPPoolConfig `yaml:"http_pool"`
	Auth     AuthConfig     `yaml:"auth"`
	Traffic  TrafficConfig  `yaml:"traffic"`
	M3U8     M3U8Config     `yaml:"m3u8"`
	Cookie   CookieConfig   `yaml:"cookie"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig contains Redis connection settings. Mode selects between a
// single node, a cluster, or sentinel-managed failover.
type RedisConfig struct {
	Mode       string        `yaml:"mode"` // single, cluster, sentinel
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Addrs      []string      `yaml:"addrs"` // cluster / sentinel endpoints
	MasterName string        `yaml:"master_name"`
	DB         int           `yaml:"db"`
	Password   string        `yaml:"password"`
	PoolSize   int           `yaml:"pool_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Addr returns the single-node address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BackendConfig selects and configures the file origin.
type BackendConfig struct {
	Mode               string   `yaml:"mode"` // http, filesystem, s3
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	UseHTTPS           bool     `yaml:"use_https"`
	SSLVerify          bool     `yaml:"ssl_verify"`
	ProxyHostHeader    string   `yaml:"proxy_host_header"`
	FilesystemRoot     string   `yaml:"filesystem_root"`
	FilesystemSendfile bool     `yaml:"filesystem_sendfile"`
	S3                 S3Config `yaml:"s3"`
}

// S3Config configures the S3 origin mode.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// HTTPPoolConfig tunes the outbound HTTP client used in http origin mode.
type HTTPPoolConfig struct {
	ConnectorLimit int           `yaml:"connector_limit"`
	PerHost        int           `yaml:"per_host"`
	Keepalive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
}

// AuthConfig contains the authorization pipeline settings.
type AuthConfig struct {
	SecretKey                   string        `yaml:"secret_key"`
	APIKey                      string        `yaml:"api_key"`
	SessionTTL                  time.Duration `yaml:"session_ttl"`
	IPAccessTTL                 time.Duration `yaml:"ip_access_ttl"`
	MaxUAIPPairsPerUID          int           `yaml:"max_ua_ip_pairs_per_uid"`
	MaxPathsPerEntry            int           `yaml:"max_paths_per_entry"`
	FixedIPWhitelist            []string      `yaml:"fixed_ip_whitelist"`
	EnableStaticFileIPOnlyCheck bool          `yaml:"enable_static_file_ip_only_check"`
	StaticFileExtensions        []string      `yaml:"static_file_extensions"`
	FullyAllowedExtensions      []string      `yaml:"fully_allowed_extensions"`
	SafeKeyProtectEnabled       bool          `yaml:"safe_key_protect_enabled"`
	SafeKeyProtectBase          string        `yaml:"safe_key_protect_base"`

	// Test flags. All must stay false in production; startup logs a warning
	// for every enabled flag.
	DisableIPWhitelist       bool `yaml:"disable_ip_whitelist"`
	DisablePathProtection    bool `yaml:"disable_path_protection"`
	DisableSessionValidation bool `yaml:"disable_session_validation"`
}

// TrafficConfig contains traffic accounting engine settings.
type TrafficConfig struct {
	Enabled                bool          `yaml:"enabled"`
	ReportURL              string        `yaml:"report_url"`
	APIKey                 string        `yaml:"api_key"`
	MinBytesThreshold      int64         `yaml:"min_bytes_threshold"`
	ReportInterval         time.Duration `yaml:"report_interval"`
	AccumulatorIdleTimeout time.Duration `yaml:"accumulator_idle_timeout"`
	LongIdleTimeout        time.Duration `yaml:"long_idle_timeout"`
}

// M3U8Limit is a (window, max reads) tuple for one browser class.
type M3U8Limit struct {
	Window   time.Duration `yaml:"window"`
	MaxCount int64         `yaml:"max_count"`
}

// M3U8Config holds the per-class adaptive counter limits.
type M3U8Config struct {
	Mobile  M3U8Limit `yaml:"mobile"`
	Desktop M3U8Limit `yaml:"desktop"`
	Tool    M3U8Limit `yaml:"tool"`
}

// CookieConfig controls the session cookie set on new sessions.
type CookieConfig struct {
	Name     string `yaml:"name"`
	HTTPOnly bool   `yaml:"httponly"`
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"samesite"` // lax, strict, none
}

// APIConfig tunes the admin/monitoring API surface.
type APIConfig struct {
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	FileCheckCacheTTL  time.Duration `yaml:"file_check_cache_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Mode:     "single",
			Host:     "127.0.0.1",
			Port:     6379,
			DB:       0,
			PoolSize: 150,
			Timeout:  5 * time.Second,
		},
		Backend: BackendConfig{
			Mode:               "http",
			Host:               "127.0.0.1",
			Port:               8081,
			UseHTTPS:           false,
			SSLVerify:          true,
			FilesystemSendfile: true,
		},
		HTTPPool: HTTPPoolConfig{
			ConnectorLimit: 100,
			PerHost:        30,
			Keepalive:      60 * time.Second,
			ConnectTimeout: 15 * time.Second,
			TotalTimeout:   90 * time.Second,
		},
		Auth: AuthConfig{
			SessionTTL:             1800 * time.Second,
			IPAccessTTL:            3600 * time.Second,
			MaxUAIPPairsPerUID:     5,
			MaxPathsPerEntry:       32,
			StaticFileExtensions:   []string{".jpg", ".jpeg", ".png", ".gif", ".css", ".js", ".ico", ".woff", ".woff2"},
			FullyAllowedExtensions: []string{".ts", ".webp", ".php"},
		},
		Traffic: TrafficConfig{
			Enabled:                true,
			MinBytesThreshold:      1 << 20,
			ReportInterval:         300 * time.Second,
			AccumulatorIdleTimeout: 600 * time.Second,
			LongIdleTimeout:        1800 * time.Second,
		},
		M3U8: M3U8Config{
			Mobile:  M3U8Limit{Window: 30 * time.Second, MaxCount: 3},
			Desktop: M3U8Limit{Window: 20 * time.Second, MaxCount: 2},
			Tool:    M3U8Limit{Window: 15 * time.Second, MaxCount: 1},
		},
		Cookie: CookieConfig{
			Name:     "hls_session",
			HTTPOnly: true,
			SameSite: "lax",
		},
		API: APIConfig{
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
			FileCheckCacheTTL:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Redis.Mode {
	case "single", "cluster", "sentinel":
	default:
		return fmt.Errorf("invalid redis mode: %q", c.Redis.Mode)
	}
	if c.Redis.Mode == "sentinel" && c.Redis.MasterName == "" {
		return fmt.Errorf("redis.master_name is required in sentinel mode")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size cannot be negative")
	}

	switch c.Backend.Mode {
	case "http":
		if c.Backend.Host == "" {
			return fmt.Errorf("backend.host is required in http mode")
		}
		if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
			return fmt.Errorf("invalid backend port: %d", c.Backend.Port)
		}
	case "filesystem":
		if c.Backend.FilesystemRoot == "" {
			return fmt.Errorf("backend.filesystem_root is required in filesystem mode")
		}
	case "s3":
		if c.Backend.S3.Bucket == "" {
			return fmt.Errorf("backend.s3.bucket is required in s3 mode")
		}
	default:
		return fmt.Errorf("invalid backend mode: %q", c.Backend.Mode)
	}

	if c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required")
	}
	if c.Auth.MaxUAIPPairsPerUID <= 0 {
		return fmt.Errorf("auth.max_ua_ip_pairs_per_uid must be positive")
	}
	if c.Auth.MaxPathsPerEntry <= 0 {
		return fmt.Errorf("auth.max_paths_per_entry must be positive")
	}
	if c.Auth.SafeKeyProtectEnabled && c.Auth.SafeKeyProtectBase == "" {
		return fmt.Errorf("auth.safe_key_protect_base is required when safe_key_protect_enabled")
	}

	if c.Traffic.Enabled && c.Traffic.ReportURL == "" {
		return fmt.Errorf("traffic.report_url is required when traffic reporting is enabled")
	}
	if c.Traffic.MinBytesThreshold < 0 {
		return fmt.Errorf("traffic.min_bytes_threshold cannot be negative")
	}

	for class, limit := range map[string]M3U8Limit{
		"mobile": c.M3U8.Mobile, "desktop": c.M3U8.Desktop, "tool": c.M3U8.Tool,
	} {
		if limit.Window <= 0 {
			return fmt.Errorf("m3u8.%s.window must be positive", class)
		}
		if limit.MaxCount <= 0 {
			return fmt.Errorf("m3u8.%s.max_count must be positive", class)
		}
	}

	return nil
}

// TestFlags returns the names of enabled test flags. A non-empty result
// should produce a startup warning.
func (c *Config) TestFlags() []string {
	var flags []string
	if c.Auth.DisableIPWhitelist {
		flags = append(flags, "disable_ip_whitelist")
	}
	if c.Auth.DisablePathProtection {
		flags = append(flags, "disable_path_protection")
	}
	if c.Auth.DisableSessionValidation {
		flags = append(flags, "disable_session_validation")
	}
	return flags
}
