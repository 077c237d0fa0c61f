// Package retry implements the network error handler: it classifies remote
// failures, computes backoff per operation key, and trips a per-key circuit
// breaker after repeated failures.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/offlinekit/internal/bykey"
	"github.com/wudi/offlinekit/internal/circuitbreaker"
	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/metrics"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Do when the key's circuit refuses the call.
var ErrCircuitOpen = errors.New("retry: circuit open")

// Decision tells the caller what to do about a failure.
type Decision struct {
	ErrorType     ErrorType     `json:"error_type"`
	ShouldRetry   bool          `json:"should_retry"`
	RetryDelay    time.Duration `json:"retry_delay"`
	IsCircuitOpen bool          `json:"is_circuit_open"`
}

// ErrorStat is the tracked failure history of one key.
type ErrorStat struct {
	Count       int       `json:"count"`
	LastError   string    `json:"last_error"`
	LastType    ErrorType `json:"last_type"`
	LastFailure time.Time `json:"last_failure"`
	CircuitOpen bool      `json:"circuit_open"`
}

type keyState struct {
	mu          sync.Mutex
	retryCount  int
	total       int
	lastError   string
	lastType    ErrorType
	lastFailure time.Time
}

// Handler tracks failures per operation key. It never returns errors from
// HandleError; the decision is always the caller's to act on.
type Handler struct {
	cfg      config.RetryConfig
	states   *bykey.Manager[*keyState]
	breakers *circuitbreaker.BreakerByKey
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewHandler creates an error handler. mc may be nil.
func NewHandler(cfg config.RetryConfig, mc *metrics.Collector) *Handler {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	h := &Handler{
		cfg:     cfg,
		states:  bykey.New[*keyState](),
		metrics: mc,
		now:     time.Now,
	}
	h.breakers = circuitbreaker.NewBreakerByKey(cfg, h.onStateChange)
	return h
}

func (h *Handler) onStateChange(key string, from, to gobreaker.State) {
	h.metrics.SetCircuitBreakerState(key, int(to))
	if to == gobreaker.StateOpen {
		logging.Warn("circuit opened", zap.String("key", key), zap.String("from", from.String()))
	} else {
		logging.Info("circuit state changed",
			zap.String("key", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

// HandleError records err against key and decides whether and when to
// retry. Once the key's circuit is open every decision is no-retry.
func (h *Handler) HandleError(err error, key string) Decision {
	errType := Classify(err)
	h.metrics.RecordError(string(errType))

	st := h.states.GetOrCreate(key, func() *keyState { return &keyState{} })
	st.mu.Lock()
	st.retryCount++
	st.total++
	if err != nil {
		st.lastError = err.Error()
	}
	st.lastType = errType
	st.lastFailure = h.now()
	retryCount := st.retryCount
	st.mu.Unlock()

	if h.breakers.Get(key).RecordFailure(err) {
		return Decision{ErrorType: errType, IsCircuitOpen: true}
	}

	d := Decision{ErrorType: errType}
	switch errType {
	case ErrorClient:
		return d
	case ErrorNetwork:
		d.ShouldRetry = true
		d.RetryDelay = backoff(2*h.cfg.BaseDelay, h.cfg.MaxDelay, retryCount)
	case ErrorServer:
		d.ShouldRetry = true
		d.RetryDelay = backoff(h.cfg.BaseDelay, h.cfg.MaxDelay, retryCount)
	default:
		if h.cfg.RetryUnknown {
			d.ShouldRetry = true
			d.RetryDelay = backoff(h.cfg.BaseDelay, h.cfg.MaxDelay, retryCount)
		}
	}
	return d
}

// backoff returns min(base * 2^(retryCount-1), maxDelay).
func backoff(base, maxDelay time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := float64(base) * math.Pow(2, float64(retryCount-1))
	if delay > float64(maxDelay) || math.IsInf(delay, 1) {
		return maxDelay
	}
	return time.Duration(delay)
}

// RecordSuccess clears the retry count for key and closes a half-open
// circuit.
func (h *Handler) RecordSuccess(key string) {
	if st, ok := h.states.Get(key); ok {
		st.mu.Lock()
		st.retryCount = 0
		st.mu.Unlock()
	}
	if b, ok := h.breakers.Lookup(key); ok {
		b.RecordSuccess()
	}
}

// IsCircuitOpen reports whether key's circuit currently refuses calls.
func (h *Handler) IsCircuitOpen(key string) bool {
	b, ok := h.breakers.Lookup(key)
	return ok && b.IsOpen()
}

// GetErrorStats returns the failure history of every tracked key.
func (h *Handler) GetErrorStats() map[string]ErrorStat {
	stats := bykey.CollectStats(h.states, func(st *keyState) ErrorStat {
		st.mu.Lock()
		defer st.mu.Unlock()
		return ErrorStat{
			Count:       st.total,
			LastError:   st.lastError,
			LastType:    st.lastType,
			LastFailure: st.lastFailure,
		}
	})
	for key, stat := range stats {
		stat.CircuitOpen = h.IsCircuitOpen(key)
		stats[key] = stat
	}
	return stats
}

// ResetErrorTracking forgets every key starting with prefix, closing their
// circuits. It returns the number of keys reset.
func (h *Handler) ResetErrorTracking(prefix string) int {
	for _, key := range h.breakers.Keys() {
		if strings.HasPrefix(key, prefix) {
			h.metrics.DeleteCircuitBreakerState(key)
		}
	}
	h.breakers.Reset(prefix)
	n := h.states.DeleteByPrefix(prefix)
	if n > 0 {
		logging.Debug("error tracking reset", zap.String("prefix", prefix), zap.Int("keys", n))
	}
	return n
}

func (h *Handler) forget(key string) {
	if _, ok := h.breakers.Lookup(key); ok {
		h.metrics.DeleteCircuitBreakerState(key)
		h.breakers.Remove(key)
	}
	h.states.Delete(key)
}

// Do runs fn until it succeeds, the handler decides not to retry, or ctx
// is done. Success resets tracking for key.
func (h *Handler) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	for {
		if h.IsCircuitOpen(key) {
			return ErrCircuitOpen
		}
		err := fn(ctx)
		if err == nil {
			h.forget(key)
			return nil
		}

		d := h.HandleError(err, key)
		if d.IsCircuitOpen {
			return errors.Join(ErrCircuitOpen, err)
		}
		if !d.ShouldRetry {
			return err
		}

		logging.Debug("retrying operation",
			zap.String("key", key),
			zap.String("error_type", string(d.ErrorType)),
			zap.Duration("delay", d.RetryDelay),
		)
		timer := time.NewTimer(d.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
