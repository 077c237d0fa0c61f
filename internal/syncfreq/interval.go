package syncfreq

import (
	"time"

	"github.com/wudi/offlinekit/internal/config"
)

// NetworkQuality is the coarse connection class the schedule adapts to.
type NetworkQuality string

const (
	QualityFast    NetworkQuality = "fast"
	QualitySlow    NetworkQuality = "slow"
	QualityOffline NetworkQuality = "offline"
)

// QualityFromConnection maps a connection type ("4g", "2g", "wifi", ...)
// to a network quality. Unknown types are treated as fast.
func QualityFromConnection(effectiveType string) NetworkQuality {
	switch effectiveType {
	case "slow-2g", "2g":
		return QualitySlow
	case "none", "offline":
		return QualityOffline
	default:
		return QualityFast
	}
}

// Inputs are the conditions an interval is computed from.
type Inputs struct {
	UserActive bool
	Quality    NetworkQuality
	Pending    int
}

// CalculateOptimalInterval returns how long to wait before the next sync.
// The result is always within [MinInterval, MaxInterval].
func CalculateOptimalInterval(cfg config.SyncConfig, in Inputs) time.Duration {
	if in.Quality == QualityOffline {
		return cfg.MaxInterval
	}

	interval := cfg.InactiveUserInterval
	if in.UserActive {
		interval = cfg.ActiveUserInterval
	}
	if in.Quality == QualitySlow {
		interval = max(interval, cfg.NetworkOptimizedInterval)
	}
	if in.Pending >= cfg.BatchSyncThreshold {
		interval = max(cfg.MinInterval, interval/2)
	}
	return clamp(interval, cfg.MinInterval, cfg.MaxInterval)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
