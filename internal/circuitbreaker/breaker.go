// Package circuitbreaker provides per-key circuit breakers built on
// sony/gobreaker. A key is a caller-chosen operation name such as
// "sync:perform".
package circuitbreaker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/offlinekit/internal/bykey"
	"github.com/wudi/offlinekit/internal/config"
)

// ErrOpen is returned by Allow while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// foreverTimeout keeps an open breaker open until it is explicitly reset.
const foreverTimeout = 1_000_000 * time.Hour

// StateChangeFunc is called on every state transition of a keyed breaker.
type StateChangeFunc func(key string, from, to gobreaker.State)

// Breaker wraps a two-step gobreaker for one key.
type Breaker struct {
	cb        *gobreaker.TwoStepCircuitBreaker[struct{}]
	threshold int

	lastFailure    atomic.Int64 // unix nanos
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker that opens after cfg.FailureThreshold
// consecutive failures. A zero CircuitCooldown keeps it open until reset;
// otherwise one probe is let through after the cooldown.
func NewBreaker(key string, cfg config.RetryConfig, onStateChange StateChangeFunc) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.CircuitCooldown
	if timeout <= 0 {
		timeout = foreverTimeout
	}

	b := &Breaker{threshold: threshold}
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(name, from, to)
		}
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)
	return b
}

// Allow asks to make a call. On success the caller must report the outcome
// through done; a nil error counts as success.
func (b *Breaker) Allow() (done func(error), err error) {
	b.totalRequests.Add(1)
	report, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}
	return func(callErr error) {
		if callErr != nil {
			b.totalFailures.Add(1)
			b.lastFailure.Store(time.Now().UnixNano())
		} else {
			b.totalSuccesses.Add(1)
		}
		report(callErr)
	}, nil
}

// RecordFailure counts one failure without a preceding Allow. It reports
// whether the breaker refused or is now open.
func (b *Breaker) RecordFailure(err error) bool {
	done, allowErr := b.Allow()
	if allowErr != nil {
		return true
	}
	if err == nil {
		err = ErrOpen
	}
	done(err)
	return b.IsOpen()
}

// RecordSuccess counts one success, closing a half-open breaker.
func (b *Breaker) RecordSuccess() {
	if done, err := b.Allow(); err == nil {
		done(nil)
	}
}

// State returns the current gobreaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// IsOpen reports whether calls are currently refused.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Snapshot returns a point-in-time view of the breaker
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	snap := Snapshot{
		State:               b.cb.State().String(),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		FailureThreshold:    b.threshold,
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
	if ns := b.lastFailure.Load(); ns != 0 {
		snap.LastFailure = time.Unix(0, ns)
	}
	return snap
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalRejected       int64     `json:"total_rejected"`
}

// BreakerByKey lazily creates one breaker per key.
type BreakerByKey struct {
	breakers      *bykey.Manager[*Breaker]
	cfg           config.RetryConfig
	onStateChange StateChangeFunc
}

// NewBreakerByKey creates a keyed breaker set sharing cfg.
func NewBreakerByKey(cfg config.RetryConfig, onStateChange StateChangeFunc) *BreakerByKey {
	return &BreakerByKey{
		breakers:      bykey.New[*Breaker](),
		cfg:           cfg,
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for key, creating it on first use.
func (bk *BreakerByKey) Get(key string) *Breaker {
	return bk.breakers.GetOrCreate(key, func() *Breaker {
		return NewBreaker(key, bk.cfg, bk.onStateChange)
	})
}

// Lookup returns the breaker for key without creating one.
func (bk *BreakerByKey) Lookup(key string) (*Breaker, bool) {
	return bk.breakers.Get(key)
}

// Reset drops every breaker whose key starts with prefix, so the next call
// starts closed. It returns the number dropped.
func (bk *BreakerByKey) Reset(prefix string) int {
	return bk.breakers.DeleteByPrefix(prefix)
}

// Remove drops the breaker for key.
func (bk *BreakerByKey) Remove(key string) {
	bk.breakers.Delete(key)
}

// Keys returns every tracked key.
func (bk *BreakerByKey) Keys() []string {
	return bk.breakers.Keys()
}

// Snapshots returns snapshots of all breakers
func (bk *BreakerByKey) Snapshots() map[string]Snapshot {
	return bykey.CollectStats(bk.breakers, func(b *Breaker) Snapshot {
		return b.Snapshot()
	})
}
