package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NodeID   string `yaml:"node_id"`
	HTTPPort int    `yaml:"http_port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	DataDir     string `yaml:"data_dir"`
	StoreDriver string `yaml:"store_driver"` // badger, sqlite or memory
	SQLitePath  string `yaml:"sqlite_path"`
	OutputDir   string `yaml:"output_dir"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	BatchSize         int           `yaml:"batch_size"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	InlineAttempts    int           `yaml:"inline_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`

	WaveSize         int           `yaml:"wave_size"`
	WaveCooldown     time.Duration `yaml:"wave_cooldown"`
	StreamMaxRetries int           `yaml:"stream_max_retries"`

	RetentionKeep     int           `yaml:"retention_keep"`
	RetentionInterval time.Duration `yaml:"retention_interval"`

	ProviderMode    string        `yaml:"provider_mode"` // http or stub
	ProviderURL     string        `yaml:"provider_url"`
	ProviderAPIKey  string        `yaml:"provider_api_key"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	ProviderRate    float64       `yaml:"provider_rate"`
	ProviderBurst   int           `yaml:"provider_burst"`
}

// Default returns the built-in settings used when neither a config file nor
// the environment overrides them.
func Default() *Config {
	return &Config{
		NodeID:            "node-default",
		HTTPPort:          8000,
		LogLevel:          "info",
		DataDir:           "./data",
		StoreDriver:       "badger",
		PollInterval:      time.Second,
		MaxConcurrent:     3,
		BatchSize:         10,
		DefaultMaxRetries: 3,
		InlineAttempts:    1,
		RetryBaseDelay:    time.Second,
		WaveSize:          3,
		WaveCooldown:      2 * time.Second,
		StreamMaxRetries:  3,
		RetentionKeep:     100,
		RetentionInterval: 10 * time.Minute,
		ProviderMode:      "stub",
		ProviderBurst:     1,
	}
}

// Load builds the config from defaults, then CONFIG_FILE (if set), then
// environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)

	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval)
	c.MaxConcurrent = getEnvInt("MAX_CONCURRENT", c.MaxConcurrent)
	c.BatchSize = getEnvInt("BATCH_SIZE", c.BatchSize)
	c.DefaultMaxRetries = getEnvInt("DEFAULT_MAX_RETRIES", c.DefaultMaxRetries)
	c.InlineAttempts = getEnvInt("INLINE_ATTEMPTS", c.InlineAttempts)
	c.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", c.RetryMaxDelay)

	c.WaveSize = getEnvInt("WAVE_SIZE", c.WaveSize)
	c.WaveCooldown = getEnvDuration("WAVE_COOLDOWN", c.WaveCooldown)
	c.StreamMaxRetries = getEnvInt("STREAM_MAX_RETRIES", c.StreamMaxRetries)

	c.RetentionKeep = getEnvInt("RETENTION_KEEP", c.RetentionKeep)
	c.RetentionInterval = getEnvDuration("RETENTION_INTERVAL", c.RetentionInterval)

	c.ProviderMode = getEnv("PROVIDER_MODE", c.ProviderMode)
	c.ProviderURL = getEnv("PROVIDER_URL", c.ProviderURL)
	c.ProviderAPIKey = getEnv("PROVIDER_API_KEY", c.ProviderAPIKey)
	c.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", c.ProviderTimeout)
	c.ProviderRate = getEnvFloat("PROVIDER_RATE", c.ProviderRate)
	c.ProviderBurst = getEnvInt("PROVIDER_BURST", c.ProviderBurst)
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver: %s", c.StoreDriver)
	}
	switch c.ProviderMode {
	case "stub":
	case "http":
		if c.ProviderURL == "" {
			return fmt.Errorf("provider_url is required in http mode")
		}
	default:
		return fmt.Errorf("unknown provider mode: %s", c.ProviderMode)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.WaveSize <= 0 {
		return fmt.Errorf("wave_size must be positive, got %d", c.WaveSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
