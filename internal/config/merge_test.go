package config

import (
	"testing"
	"time"
)

func TestMergeNonZeroSync(t *testing.T) {
	base := DefaultConfig().Sync
	got := MergeNonZero(base, SyncConfig{MinInterval: 10 * time.Second, BatchSyncThreshold: 3})

	if got.MinInterval != 10*time.Second {
		t.Errorf("MinInterval = %v, want 10s", got.MinInterval)
	}
	if got.BatchSyncThreshold != 3 {
		t.Errorf("BatchSyncThreshold = %d, want 3", got.BatchSyncThreshold)
	}
	if got.MaxInterval != base.MaxInterval {
		t.Errorf("MaxInterval = %v, want unchanged %v", got.MaxInterval, base.MaxInterval)
	}
	if got.ActiveUserInterval != base.ActiveUserInterval {
		t.Errorf("ActiveUserInterval = %v, want unchanged %v", got.ActiveUserInterval, base.ActiveUserInterval)
	}
}

func TestMergeNonZeroNested(t *testing.T) {
	base := DefaultConfig().Broadcast
	got := MergeNonZero(base, BroadcastConfig{Redis: RedisConfig{Address: "redis:6380"}})

	if got.Redis.Address != "redis:6380" {
		t.Errorf("Redis.Address = %q, want redis:6380", got.Redis.Address)
	}
	if got.Redis.DialTimeout != base.Redis.DialTimeout {
		t.Errorf("Redis.DialTimeout = %v, want %v", got.Redis.DialTimeout, base.Redis.DialTimeout)
	}
	if got.Channel != base.Channel {
		t.Errorf("Channel = %q, want %q", got.Channel, base.Channel)
	}
}

func TestMergeNonZeroMaps(t *testing.T) {
	base := TracingConfig{Headers: map[string]string{"a": "1", "b": "2"}}
	got := MergeNonZero(base, TracingConfig{Headers: map[string]string{"b": "3", "c": "4"}})

	if got.Headers["a"] != "1" || got.Headers["b"] != "3" || got.Headers["c"] != "4" {
		t.Errorf("Headers = %v", got.Headers)
	}
	if base.Headers["b"] != "2" {
		t.Error("base map must not be mutated")
	}

	kept := MergeNonZero(base, TracingConfig{})
	if kept.Headers["a"] != "1" {
		t.Errorf("nil overlay map cleared base: %v", kept.Headers)
	}
}
