package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var (
	validStoreTypes     = map[string]bool{"memory": true, "redis": true}
	validBroadcastTypes = map[string]bool{"local": true, "redis": true, "amqp": true, "pubsub": true, "none": true}
	validCodecs         = map[string]bool{"": true, "zstd": true, "gzip": true, "br": true, "brotli": true}
	validLogFormats     = map[string]bool{"": true, "json": true, "console": true}
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// An empty or comment-only document would decode to the zero value.
	if hasContent(expanded) {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// hasContent reports whether doc holds anything besides comments,
// blank lines and document markers.
func hasContent(doc string) bool {
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", line == "---", line == "...", strings.HasPrefix(line, "#"):
			continue
		}
		return true
	}
	return false
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks an already built configuration.
func Validate(cfg *Config) error {
	return NewLoader().validate(cfg)
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging: invalid format: %s", cfg.Logging.Format)
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing: endpoint is required when enabled")
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
		}
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}

	if !validStoreTypes[cfg.Store.Type] {
		return fmt.Errorf("store: invalid type: %s", cfg.Store.Type)
	}
	if cfg.Store.Type == "redis" && cfg.Store.Redis.Address == "" {
		return fmt.Errorf("store: redis address is required")
	}
	if cfg.Store.Table == "" {
		return fmt.Errorf("store: table is required")
	}

	if err := l.validateCache(cfg.Cache); err != nil {
		return err
	}
	if err := l.validateBatcher(cfg.Batcher); err != nil {
		return err
	}
	if err := l.validateRetry(cfg.Retry); err != nil {
		return err
	}
	if err := ValidateSync(cfg.Sync); err != nil {
		return err
	}
	if err := l.validateRealtime(cfg.Realtime); err != nil {
		return err
	}
	return l.validateBroadcast(cfg.Broadcast)
}

func (l *Loader) validateCache(cfg CacheConfig) error {
	if cfg.MaxSize <= 0 {
		return fmt.Errorf("cache: max_size must be > 0")
	}
	if cfg.MaxItems <= 0 {
		return fmt.Errorf("cache: max_items must be > 0")
	}
	if cfg.DefaultTTL <= 0 {
		return fmt.Errorf("cache: default_ttl must be > 0")
	}
	if cfg.CleanupInterval < 0 {
		return fmt.Errorf("cache: cleanup_interval must be >= 0")
	}
	if cfg.CompressionThreshold < 0 {
		return fmt.Errorf("cache: compression_threshold must be >= 0")
	}
	if !validCodecs[cfg.Codec] {
		return fmt.Errorf("cache: unknown codec: %s", cfg.Codec)
	}
	return nil
}

func (l *Loader) validateBatcher(cfg BatcherConfig) error {
	if cfg.MaxBatchSize <= 0 {
		return fmt.Errorf("batcher: max_batch_size must be > 0")
	}
	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("batcher: max_concurrency must be > 0")
	}
	if cfg.BatchTimeout < 0 || cfg.OperationTimeout < 0 {
		return fmt.Errorf("batcher: timeouts must be >= 0")
	}
	return nil
}

func (l *Loader) validateRetry(cfg RetryConfig) error {
	if cfg.BaseDelay <= 0 {
		return fmt.Errorf("retry: base_delay must be > 0")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return fmt.Errorf("retry: max_delay must be >= base_delay")
	}
	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("retry: failure_threshold must be > 0")
	}
	if cfg.CircuitCooldown < 0 {
		return fmt.Errorf("retry: circuit_cooldown must be >= 0")
	}
	return nil
}

// ValidateSync checks sync interval ordering. It is also used on live reconfiguration.
func ValidateSync(cfg SyncConfig) error {
	if cfg.MinInterval <= 0 {
		return fmt.Errorf("sync: min_interval must be > 0")
	}
	if cfg.MaxInterval < cfg.MinInterval {
		return fmt.Errorf("sync: max_interval must be >= min_interval")
	}
	for name, d := range map[string]int64{
		"active_user_interval":       int64(cfg.ActiveUserInterval),
		"inactive_user_interval":     int64(cfg.InactiveUserInterval),
		"network_optimized_interval": int64(cfg.NetworkOptimizedInterval),
	} {
		if d <= 0 {
			return fmt.Errorf("sync: %s must be > 0", name)
		}
	}
	if cfg.BatchSyncThreshold <= 0 {
		return fmt.Errorf("sync: batch_sync_threshold must be > 0")
	}
	if cfg.InactivityTimeout <= 0 || cfg.ActivityCheckInterval <= 0 {
		return fmt.Errorf("sync: inactivity_timeout and activity_check_interval must be > 0")
	}
	return nil
}

func (l *Loader) validateRealtime(cfg RealtimeConfig) error {
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("realtime: tick_interval must be > 0")
	}
	if cfg.MaxEventsPerTick <= 0 {
		return fmt.Errorf("realtime: max_events_per_tick must be > 0")
	}
	if cfg.DispatchYield < 0 || cfg.DefaultThrottle < 0 {
		return fmt.Errorf("realtime: dispatch_yield and default_throttle must be >= 0")
	}
	if cfg.QueueMaxAge <= 0 || cfg.PurgeInterval <= 0 || cfg.TimerSweepInterval <= 0 {
		return fmt.Errorf("realtime: queue_max_age, purge_interval and timer_sweep_interval must be > 0")
	}
	return nil
}

func (l *Loader) validateBroadcast(cfg BroadcastConfig) error {
	if !validBroadcastTypes[cfg.Type] {
		return fmt.Errorf("broadcast: invalid type: %s", cfg.Type)
	}
	if cfg.Type != "none" && cfg.Channel == "" {
		return fmt.Errorf("broadcast: channel is required")
	}
	if cfg.RateLimit < 0 || cfg.Burst < 0 {
		return fmt.Errorf("broadcast: rate_limit and burst must be >= 0")
	}
	switch cfg.Type {
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("broadcast: redis address is required")
		}
	case "amqp":
		if cfg.AMQP.URL == "" {
			return fmt.Errorf("broadcast: amqp url is required")
		}
	}
	return nil
}
