package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
logging:
  level: debug
  format: console

cache:
  max_size: 1048576
  max_items: 200
  default_ttl: 1h
  codec: gzip

batcher:
  max_concurrency: 1
  operation_timeout: 2s

sync:
  min_interval: 10s
  max_interval: 5m

broadcast:
  type: redis
  redis:
    address: "localhost:6380"
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Cache.MaxSize != 1048576 {
		t.Errorf("expected max_size 1048576, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.MaxItems != 200 {
		t.Errorf("expected max_items 200, got %d", cfg.Cache.MaxItems)
	}
	if cfg.Cache.DefaultTTL != time.Hour {
		t.Errorf("expected default_ttl 1h, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.Codec != "gzip" {
		t.Errorf("expected codec gzip, got %s", cfg.Cache.Codec)
	}
	// Unset fields keep defaults
	if cfg.Cache.CompressionThreshold != 1024 {
		t.Errorf("expected default compression_threshold 1024, got %d", cfg.Cache.CompressionThreshold)
	}
	if cfg.Batcher.MaxConcurrency != 1 || cfg.Batcher.MaxBatchSize != 10 {
		t.Errorf("unexpected batcher config: %+v", cfg.Batcher)
	}
	if cfg.Batcher.OperationTimeout != 2*time.Second {
		t.Errorf("expected operation_timeout 2s, got %v", cfg.Batcher.OperationTimeout)
	}
	if cfg.Sync.MinInterval != 10*time.Second || cfg.Sync.MaxInterval != 5*time.Minute {
		t.Errorf("unexpected sync config: %+v", cfg.Sync)
	}
	if cfg.Broadcast.Type != "redis" || cfg.Broadcast.Redis.Address != "localhost:6380" {
		t.Errorf("unexpected broadcast config: %+v", cfg.Broadcast)
	}
	if cfg.Broadcast.Channel != "sport-tracker-realtime" {
		t.Errorf("expected default channel, got %s", cfg.Broadcast.Channel)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "cache.internal:6379")
	t.Setenv("TEST_LOG_LEVEL", "warn")

	yaml := `
logging:
  level: ${TEST_LOG_LEVEL}
store:
  type: redis
  redis:
    address: ${TEST_REDIS_ADDR}
    password: ${TEST_UNSET_VAR_XYZ}
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("expected level 'warn' from env, got '%s'", cfg.Logging.Level)
	}
	if cfg.Store.Redis.Address != "cache.internal:6379" {
		t.Errorf("expected redis address from env, got '%s'", cfg.Store.Redis.Address)
	}
	// Unset variables are kept verbatim
	if cfg.Store.Redis.Password != "${TEST_UNSET_VAR_XYZ}" {
		t.Errorf("expected unexpanded placeholder, got '%s'", cfg.Store.Redis.Password)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{name: "empty document uses defaults", yaml: ``, wantErr: false},
		{name: "comment only document uses defaults", yaml: "# nothing set\n---\n", wantErr: false},
		{
			name: "invalid store type",
			yaml: `
store:
  type: sqlite
`,
			wantErr: true,
		},
		{
			name: "zero cache size",
			yaml: `
cache:
  max_size: 0
`,
			wantErr: true,
		},
		{
			name: "unknown codec",
			yaml: `
cache:
  codec: lz4
`,
			wantErr: true,
		},
		{
			name: "max interval below min interval",
			yaml: `
sync:
  min_interval: 10m
  max_interval: 1m
`,
			wantErr: true,
		},
		{
			name: "zero batch size",
			yaml: `
batcher:
  max_batch_size: 0
`,
			wantErr: true,
		},
		{
			name: "max delay below base delay",
			yaml: `
retry:
  base_delay: 10s
  max_delay: 1s
`,
			wantErr: true,
		},
		{
			name: "invalid broadcast type",
			yaml: `
broadcast:
  type: websocket
`,
			wantErr: true,
		},
		{
			name: "amqp without url",
			yaml: `
broadcast:
  type: amqp
  amqp:
    url: ""
`,
			wantErr: true,
		},
		{
			name: "tracing without endpoint",
			yaml: `
tracing:
  enabled: true
`,
			wantErr: true,
		},
		{
			name: "explicit cooldown",
			yaml: `
retry:
  circuit_cooldown: 30s
`,
			wantErr: false,
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Cache.MaxSize != 50*1024*1024 {
		t.Errorf("expected default max_size 50MiB, got %d", cfg.Cache.MaxSize)
	}
	if cfg.Cache.MaxItems != 10000 {
		t.Errorf("expected default max_items 10000, got %d", cfg.Cache.MaxItems)
	}
	if cfg.Retry.FailureThreshold != 5 {
		t.Errorf("expected default failure_threshold 5, got %d", cfg.Retry.FailureThreshold)
	}
	if cfg.Retry.CircuitCooldown != 0 {
		t.Errorf("expected explicit-reset-only circuit by default, got %v", cfg.Retry.CircuitCooldown)
	}
	if cfg.Realtime.MaxEventsPerTick != 10 {
		t.Errorf("expected 10 events per tick, got %d", cfg.Realtime.MaxEventsPerTick)
	}
	if cfg.Sync.BatchSyncThreshold != 10 {
		t.Errorf("expected batch_sync_threshold 10, got %d", cfg.Sync.BatchSyncThreshold)
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinekit.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  max_items: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.MaxItems != 42 {
		t.Errorf("expected max_items 42, got %d", cfg.Cache.MaxItems)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := NewLoader().Load(filepath.Join("..", "..", "configs", "offlinekit.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Sync != def.Sync {
		t.Errorf("sync = %+v, want defaults %+v", cfg.Sync, def.Sync)
	}
	if cfg.Realtime != def.Realtime {
		t.Errorf("realtime = %+v, want defaults %+v", cfg.Realtime, def.Realtime)
	}
	if cfg.Cache != def.Cache {
		t.Errorf("cache = %+v, want defaults %+v", cfg.Cache, def.Cache)
	}
	if cfg.Broadcast.Type != "local" || cfg.Store.Type != "memory" {
		t.Errorf("broadcast = %q, store = %q", cfg.Broadcast.Type, cfg.Store.Type)
	}
}

func TestValidateBroadcastPubSub(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broadcast.Type = "pubsub"
	if err := Validate(cfg); err != nil {
		t.Errorf("pubsub broadcast rejected: %v", err)
	}
}

func TestParseEmptyDocumentKeepsDefaults(t *testing.T) {
	loader := NewLoader()
	for _, doc := range []string{"", "# only a comment\n", "---\n# store stays default\n"} {
		cfg, err := loader.Parse([]byte(doc))
		if err != nil {
			t.Fatalf("Parse(%q): %v", doc, err)
		}
		if cfg.Store.Type != "memory" {
			t.Errorf("Parse(%q): store type = %q, want memory", doc, cfg.Store.Type)
		}
		if cfg.Cache.MaxItems != 10000 {
			t.Errorf("Parse(%q): max_items = %d, want 10000", doc, cfg.Cache.MaxItems)
		}
	}
}
