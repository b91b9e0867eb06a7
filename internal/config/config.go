package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines configuration for the shard server and shardctl.
type Config struct {
	Listen        string            `yaml:"listen"`
	Root          string            `yaml:"root"`
	PublicURL     string            `yaml:"public_url"`
	SigningSecret string            `yaml:"signing_secret"`
	IndexPath     string            `yaml:"index_path"`
	RedisAddr     string            `yaml:"redis_addr"`
	AuthEnabled   bool              `yaml:"auth_enabled"`
	Coordinator   CoordinatorConfig `yaml:"coordinator"`
	Upload        UploadConfig      `yaml:"upload"`
	Presign       PresignConfig     `yaml:"presign"`
	Sweeper       SweeperConfig     `yaml:"sweeper"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Log           LogConfig         `yaml:"log"`
}

// CoordinatorConfig locates the coordinator and identifies this shard to it.
type CoordinatorConfig struct {
	URL       string        `yaml:"url"`
	WSURL     string        `yaml:"ws_url"`
	ServerID  string        `yaml:"server_id"`
	APIKey    string        `yaml:"api_key"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	Retry     RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// UploadConfig bounds what clients may upload.
type UploadConfig struct {
	MaxChunkSize int64         `yaml:"max_chunk_size"`
	MaxChunks    int           `yaml:"max_chunks"`
	MaxAnonSize  int64         `yaml:"max_anon_size"`
	VerifyHashes bool          `yaml:"verify_hashes"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// PresignConfig bounds signed URL lifetimes.
type PresignConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
}

// SweeperConfig controls removal of abandoned upload sessions.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// RateLimitConfig limits requests per client IP on upload routes.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`

	// TrustProxy keys clients by X-Forwarded-For instead of the peer
	// address. Set it only behind a proxy that overwrites that header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Listen:      ":8080",
		Root:        "./data",
		PublicURL:   "http://localhost:8080",
		IndexPath:   "./data/index.db",
		AuthEnabled: true,
		Coordinator: CoordinatorConfig{
			Heartbeat: 30 * time.Second,
			Retry: RetryConfig{
				Attempts:   3,
				Backoff:    500 * time.Millisecond,
				MaxBackoff: 10 * time.Second,
			},
		},
		Upload: UploadConfig{
			MaxChunkSize: 64 * 1024 * 1024, // 64MB
			MaxChunks:    10000,
			MaxAnonSize:  100 * 1024 * 1024, // 100MB
			VerifyHashes: true,
			LeaseTTL:     10 * time.Minute,
		},
		Presign: PresignConfig{
			DefaultTTL: time.Hour,
			MaxTTL:     7 * 24 * time.Hour,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: 10 * time.Minute,
			MaxAge:   24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Requests: 120,
			Window:   time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
// Pointers distinguish an explicit false from an omitted flag.
type yamlConfig struct {
	Listen        string `yaml:"listen"`
	Root          string `yaml:"root"`
	PublicURL     string `yaml:"public_url"`
	SigningSecret string `yaml:"signing_secret"`
	IndexPath     string `yaml:"index_path"`
	RedisAddr     string `yaml:"redis_addr"`
	AuthEnabled   *bool  `yaml:"auth_enabled"`
	Coordinator   struct {
		URL       string `yaml:"url"`
		WSURL     string `yaml:"ws_url"`
		ServerID  string `yaml:"server_id"`
		APIKey    string `yaml:"api_key"`
		Heartbeat string `yaml:"heartbeat"`
		Retry     struct {
			Attempts   int    `yaml:"attempts"`
			Backoff    string `yaml:"backoff"`
			MaxBackoff string `yaml:"max_backoff"`
		} `yaml:"retry"`
	} `yaml:"coordinator"`
	Upload struct {
		MaxChunkSize string `yaml:"max_chunk_size"`
		MaxChunks    int    `yaml:"max_chunks"`
		MaxAnonSize  string `yaml:"max_anon_size"`
		VerifyHashes *bool  `yaml:"verify_hashes"`
		LeaseTTL     string `yaml:"lease_ttl"`
	} `yaml:"upload"`
	Presign struct {
		DefaultTTL string `yaml:"default_ttl"`
		MaxTTL     string `yaml:"max_ttl"`
	} `yaml:"presign"`
	Sweeper struct {
		Enabled  *bool  `yaml:"enabled"`
		Interval string `yaml:"interval"`
		MaxAge   string `yaml:"max_age"`
	} `yaml:"sweeper"`
	RateLimit struct {
		Requests   int    `yaml:"requests"`
		Window     string `yaml:"window"`
		TrustProxy *bool  `yaml:"trust_proxy"`
	} `yaml:"rate_limit"`
	Log LogConfig `yaml:"log"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	setString(&cfg.Listen, yc.Listen)
	setString(&cfg.Root, yc.Root)
	setString(&cfg.PublicURL, yc.PublicURL)
	setString(&cfg.SigningSecret, yc.SigningSecret)
	setString(&cfg.IndexPath, yc.IndexPath)
	setString(&cfg.RedisAddr, yc.RedisAddr)
	if yc.AuthEnabled != nil {
		cfg.AuthEnabled = *yc.AuthEnabled
	}

	setString(&cfg.Coordinator.URL, yc.Coordinator.URL)
	setString(&cfg.Coordinator.WSURL, yc.Coordinator.WSURL)
	setString(&cfg.Coordinator.ServerID, yc.Coordinator.ServerID)
	setString(&cfg.Coordinator.APIKey, yc.Coordinator.APIKey)
	if yc.Coordinator.Retry.Attempts != 0 {
		cfg.Coordinator.Retry.Attempts = yc.Coordinator.Retry.Attempts
	}

	if yc.Upload.MaxChunks != 0 {
		cfg.Upload.MaxChunks = yc.Upload.MaxChunks
	}
	if yc.Upload.VerifyHashes != nil {
		cfg.Upload.VerifyHashes = *yc.Upload.VerifyHashes
	}
	if yc.Sweeper.Enabled != nil {
		cfg.Sweeper.Enabled = *yc.Sweeper.Enabled
	}
	if yc.RateLimit.Requests != 0 {
		cfg.RateLimit.Requests = yc.RateLimit.Requests
	}
	if yc.RateLimit.TrustProxy != nil {
		cfg.RateLimit.TrustProxy = *yc.RateLimit.TrustProxy
	}
	setString(&cfg.Log.Level, yc.Log.Level)
	setString(&cfg.Log.Format, yc.Log.Format)

	sizes := []struct {
		name string
		src  string
		dst  *int64
	}{
		{"upload.max_chunk_size", yc.Upload.MaxChunkSize, &cfg.Upload.MaxChunkSize},
		{"upload.max_anon_size", yc.Upload.MaxAnonSize, &cfg.Upload.MaxAnonSize},
	}
	for _, s := range sizes {
		if s.src == "" {
			continue
		}
		n, err := ParseBytes(s.src)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.dst = n
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"coordinator.heartbeat", yc.Coordinator.Heartbeat, &cfg.Coordinator.Heartbeat},
		{"coordinator.retry.backoff", yc.Coordinator.Retry.Backoff, &cfg.Coordinator.Retry.Backoff},
		{"coordinator.retry.max_backoff", yc.Coordinator.Retry.MaxBackoff, &cfg.Coordinator.Retry.MaxBackoff},
		{"upload.lease_ttl", yc.Upload.LeaseTTL, &cfg.Upload.LeaseTTL},
		{"presign.default_ttl", yc.Presign.DefaultTTL, &cfg.Presign.DefaultTTL},
		{"presign.max_ttl", yc.Presign.MaxTTL, &cfg.Presign.MaxTTL},
		{"sweeper.interval", yc.Sweeper.Interval, &cfg.Sweeper.Interval},
		{"sweeper.max_age", yc.Sweeper.MaxAge, &cfg.Sweeper.MaxAge},
		{"rate_limit.window", yc.RateLimit.Window, &cfg.RateLimit.Window},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SHARD_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"SHARD_LISTEN":             &c.Listen,
		"SHARD_ROOT":               &c.Root,
		"SHARD_PUBLIC_URL":         &c.PublicURL,
		"SHARD_SIGNING_SECRET":     &c.SigningSecret,
		"SHARD_INDEX_PATH":         &c.IndexPath,
		"SHARD_REDIS_ADDR":         &c.RedisAddr,
		"SHARD_COORDINATOR_URL":    &c.Coordinator.URL,
		"SHARD_COORDINATOR_WS_URL": &c.Coordinator.WSURL,
		"SHARD_SERVER_ID":          &c.Coordinator.ServerID,
		"SHARD_API_KEY":            &c.Coordinator.APIKey,
		"SHARD_LOG_LEVEL":          &c.Log.Level,
		"SHARD_LOG_FORMAT":         &c.Log.Format,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"SHARD_AUTH_ENABLED":    &c.AuthEnabled,
		"SHARD_VERIFY_HASHES":   &c.Upload.VerifyHashes,
		"SHARD_SWEEPER_ENABLED": &c.Sweeper.Enabled,
		"SHARD_TRUST_PROXY":     &c.RateLimit.TrustProxy,
	}
	for name, dst := range bools {
		if v := os.Getenv(name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	ints := map[string]*int{
		"SHARD_MAX_CHUNKS":     &c.Upload.MaxChunks,
		"SHARD_RETRY_ATTEMPTS": &c.Coordinator.Retry.Attempts,
		"SHARD_RATE_LIMIT":     &c.RateLimit.Requests,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = n
		}
	}

	sizes := map[string]*int64{
		"SHARD_MAX_CHUNK_SIZE": &c.Upload.MaxChunkSize,
		"SHARD_MAX_ANON_SIZE":  &c.Upload.MaxAnonSize,
	}
	for name, dst := range sizes {
		if v := os.Getenv(name); v != "" {
			n, err := ParseBytes(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"SHARD_HEARTBEAT":           &c.Coordinator.Heartbeat,
		"SHARD_RETRY_BACKOFF":       &c.Coordinator.Retry.Backoff,
		"SHARD_RETRY_MAX_BACKOFF":   &c.Coordinator.Retry.MaxBackoff,
		"SHARD_LEASE_TTL":           &c.Upload.LeaseTTL,
		"SHARD_PRESIGN_DEFAULT_TTL": &c.Presign.DefaultTTL,
		"SHARD_PRESIGN_MAX_TTL":     &c.Presign.MaxTTL,
		"SHARD_SWEEPER_INTERVAL":    &c.Sweeper.Interval,
		"SHARD_SWEEPER_MAX_AGE":     &c.Sweeper.MaxAge,
		"SHARD_RATE_LIMIT_WINDOW":   &c.RateLimit.Window,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = d
		}
	}

	return nil
}

// Validate validates the configuration for running the server.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen is required")
	}
	if c.Root == "" {
		return errors.New("config: root is required")
	}
	if c.PublicURL == "" {
		return errors.New("config: public_url is required")
	}
	if len(c.SigningSecret) < 16 {
		return errors.New("config: signing_secret must be at least 16 characters")
	}
	if c.Coordinator.URL == "" {
		return errors.New("config: coordinator.url is required")
	}
	if c.Coordinator.ServerID == "" {
		return errors.New("config: coordinator.server_id is required")
	}
	if c.Upload.MaxChunkSize <= 0 {
		return errors.New("config: upload.max_chunk_size must be positive")
	}
	if c.Upload.MaxChunks <= 0 {
		return errors.New("config: upload.max_chunks must be positive")
	}
	if c.Upload.MaxAnonSize <= 0 {
		return errors.New("config: upload.max_anon_size must be positive")
	}
	if c.Presign.DefaultTTL <= 0 || c.Presign.MaxTTL < c.Presign.DefaultTTL {
		return errors.New("config: presign ttls must satisfy 0 < default_ttl <= max_ttl")
	}
	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.MaxAge <= 0) {
		return errors.New("config: sweeper interval and max_age must be positive")
	}
	if c.Coordinator.Retry.Attempts < 0 {
		return errors.New("config: coordinator.retry.attempts must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, so flags cannot be cleared this way.
func (c Config) Merge(override Config) Config {
	setString(&c.Listen, override.Listen)
	setString(&c.Root, override.Root)
	setString(&c.PublicURL, override.PublicURL)
	setString(&c.SigningSecret, override.SigningSecret)
	setString(&c.IndexPath, override.IndexPath)
	setString(&c.RedisAddr, override.RedisAddr)
	setString(&c.Coordinator.URL, override.Coordinator.URL)
	setString(&c.Coordinator.WSURL, override.Coordinator.WSURL)
	setString(&c.Coordinator.ServerID, override.Coordinator.ServerID)
	setString(&c.Coordinator.APIKey, override.Coordinator.APIKey)
	setString(&c.Log.Level, override.Log.Level)
	setString(&c.Log.Format, override.Log.Format)
	if override.Upload.MaxChunkSize != 0 {
		c.Upload.MaxChunkSize = override.Upload.MaxChunkSize
	}
	if override.Upload.MaxChunks != 0 {
		c.Upload.MaxChunks = override.Upload.MaxChunks
	}
	if override.Upload.MaxAnonSize != 0 {
		c.Upload.MaxAnonSize = override.Upload.MaxAnonSize
	}
	if override.Presign.DefaultTTL != 0 {
		c.Presign.DefaultTTL = override.Presign.DefaultTTL
	}
	if override.Presign.MaxTTL != 0 {
		c.Presign.MaxTTL = override.Presign.MaxTTL
	}
	if override.Sweeper.MaxAge != 0 {
		c.Sweeper.MaxAge = override.Sweeper.MaxAge
	}
	return c
}

// ParseBytes parses a size such as "64MB", "1.5GB" or "512" into bytes.
// Units are binary multiples.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)
	num := s

	switch {
	case strings.HasSuffix(s, "TB"):
		multiplier = 1 << 40
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		num = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
