package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the network core. Zero values are filled in
// from Default; use Load to overlay a YAML file on top of the defaults.
type Config struct {
	BaseURL    string
	ChannelURL string
	ProbeURL   string

	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	CacheTTL           time.Duration
	CacheMaxSize       int
	CacheSweepInterval time.Duration

	QueueMaxSize    int
	QueueMaxRetries int
	QueueTTL        time.Duration

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	ProbeInterval time.Duration
	SlowThreshold time.Duration

	RefreshThreshold time.Duration

	OfflineQueueing bool

	// RequestsPerSecond throttles outbound dispatch when > 0.
	RequestsPerSecond float64
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		RequestTimeout:       15 * time.Second,
		RetryAttempts:        3,
		RetryBaseDelay:       time.Second,
		CacheTTL:             5 * time.Minute,
		CacheMaxSize:         500,
		CacheSweepInterval:   5 * time.Minute,
		QueueMaxSize:         100,
		QueueMaxRetries:      3,
		QueueTTL:             24 * time.Hour,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		ProbeInterval:        30 * time.Second,
		SlowThreshold:        2 * time.Second,
		RefreshThreshold:     5 * time.Minute,
		OfflineQueueing:      true,
	}
}

// fileConfig mirrors Config for YAML with durations as strings ("30s", "5m").
type fileConfig struct {
	BaseURL    string `yaml:"base_url"`
	ChannelURL string `yaml:"channel_url"`
	ProbeURL   string `yaml:"probe_url"`

	RequestTimeout string `yaml:"request_timeout"`
	RetryAttempts  *int   `yaml:"retry_attempts"`
	RetryBaseDelay string `yaml:"retry_base_delay"`

	CacheTTL           string `yaml:"cache_ttl"`
	CacheMaxSize       *int   `yaml:"cache_max_size"`
	CacheSweepInterval string `yaml:"cache_sweep_interval"`

	QueueMaxSize    *int   `yaml:"queue_max_size"`
	QueueMaxRetries *int   `yaml:"queue_max_retries"`
	QueueTTL        string `yaml:"queue_ttl"`

	ReconnectInterval    string `yaml:"reconnect_interval"`
	MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    string `yaml:"heartbeat_interval"`

	ProbeInterval string `yaml:"probe_interval"`
	SlowThreshold string `yaml:"slow_threshold"`

	RefreshThreshold string `yaml:"refresh_threshold"`

	OfflineQueueing *bool `yaml:"offline_queueing"`

	RequestsPerSecond *float64 `yaml:"requests_per_second"`
}

// Load reads a YAML file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.BaseURL != "" {
		cfg.BaseURL = fc.BaseURL
	}
	if fc.ChannelURL != "" {
		cfg.ChannelURL = fc.ChannelURL
	}
	if fc.ProbeURL != "" {
		cfg.ProbeURL = fc.ProbeURL
	}
	if fc.RetryAttempts != nil {
		cfg.RetryAttempts = *fc.RetryAttempts
	}
	if fc.CacheMaxSize != nil {
		cfg.CacheMaxSize = *fc.CacheMaxSize
	}
	if fc.QueueMaxSize != nil {
		cfg.QueueMaxSize = *fc.QueueMaxSize
	}
	if fc.QueueMaxRetries != nil {
		cfg.QueueMaxRetries = *fc.QueueMaxRetries
	}
	if fc.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *fc.MaxReconnectAttempts
	}
	if fc.OfflineQueueing != nil {
		cfg.OfflineQueueing = *fc.OfflineQueueing
	}
	if fc.RequestsPerSecond != nil {
		cfg.RequestsPerSecond = *fc.RequestsPerSecond
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.RequestTimeout, &cfg.RequestTimeout},
		{fc.RetryBaseDelay, &cfg.RetryBaseDelay},
		{fc.CacheTTL, &cfg.CacheTTL},
		{fc.CacheSweepInterval, &cfg.CacheSweepInterval},
		{fc.QueueTTL, &cfg.QueueTTL},
		{fc.ReconnectInterval, &cfg.ReconnectInterval},
		{fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{fc.ProbeInterval, &cfg.ProbeInterval},
		{fc.SlowThreshold, &cfg.SlowThreshold},
		{fc.RefreshThreshold, &cfg.RefreshThreshold},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

// Validate checks that required fields are present and bounds are sane.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BaseURL required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be > 0")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("RetryAttempts must be >= 0")
	}
	if c.CacheMaxSize <= 0 {
		return fmt.Errorf("CacheMaxSize must be > 0")
	}
	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("QueueMaxSize must be > 0")
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("MaxReconnectAttempts must be > 0")
	}
	return nil
}
