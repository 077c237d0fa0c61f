// Package syncfreq decides when queued local writes are pushed to the
// remote service. The schedule adapts to user activity, network quality
// and backlog size, and tunes itself from the outcome of each run.
package syncfreq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/metrics"
	"github.com/wudi/offlinekit/internal/retry"
	"github.com/wudi/offlinekit/internal/signals"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/wudi/offlinekit/internal/syncfreq"

	// ErrorKey is the error handler key sync failures are tracked under.
	ErrorKey = "sync:perform"

	failureFactor = 1.5
	successFactor = 0.9
)

// Conflict is a record the engine could not reconcile automatically.
type Conflict struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of one engine run.
type Result struct {
	Synced    int        `json:"synced"`
	Failed    int        `json:"failed"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Engine transfers pending writes to the remote service.
type Engine interface {
	PerformSync(ctx context.Context) (Result, error)
}

// QueueStats describes the pending write queue.
type QueueStats struct {
	Pending int `json:"pending"`
}

// Queue reports the size of the pending write queue.
type Queue interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

// Status is a snapshot of the scheduler.
type Status struct {
	UserActive         bool           `json:"user_active"`
	NetworkQuality     NetworkQuality `json:"network_quality"`
	PendingOperations  int            `json:"pending_operations"`
	SyncInProgress     bool           `json:"sync_in_progress"`
	LastSync           time.Time      `json:"last_sync,omitzero"`
	LastResult         *Result        `json:"last_result,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	CurrentInterval    time.Duration  `json:"current_interval"`
	ActiveUserInterval time.Duration  `json:"active_user_interval"`
	NextSync           time.Time      `json:"next_sync,omitzero"`
	Runs               int64          `json:"runs"`
	Failures           int64          `json:"failures"`
	Skipped            int64          `json:"skipped"`
	Conflicts          int64          `json:"conflicts"`
	CircuitOpen        bool           `json:"circuit_open"`
}

// Manager runs the adaptive sync schedule.
type Manager struct {
	engine  Engine
	queue   Queue
	handler *retry.Handler
	source  signals.Source
	metrics *metrics.Collector
	now     func() time.Time

	mu             sync.Mutex
	cfg            config.SyncConfig
	activeInterval time.Duration
	userActive     bool
	lastActivity   time.Time
	quality        NetworkQuality
	pending        int
	lastSync       time.Time
	lastResult     *Result
	lastError      string
	interval       time.Duration
	nextSync       time.Time
	timer          *time.Timer
	retryTimer     *time.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	unsub   []func()
	wg      sync.WaitGroup
	running bool
	stopped bool

	runMu      sync.Mutex
	inProgress atomic.Bool
	runs       atomic.Int64
	failures   atomic.Int64
	skipped    atomic.Int64
	conflicts  atomic.Int64
}

// New creates a manager. queue, handler, source and mc may be nil.
func New(cfg config.SyncConfig, engine Engine, queue Queue, handler *retry.Handler, source signals.Source, mc *metrics.Collector) *Manager {
	now := time.Now
	return &Manager{
		engine:         engine,
		queue:          queue,
		handler:        handler,
		source:         source,
		metrics:        mc,
		now:            now,
		cfg:            cfg,
		activeInterval: cfg.ActiveUserInterval,
		userActive:     true,
		lastActivity:   now(),
		quality:        QualityFast,
	}
}

// Start subscribes to environment signals, starts the inactivity check and
// arms the first sync. It returns when the schedule is running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("syncfreq: already started")
	}
	m.running = true
	m.stopped = false
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.lastActivity = m.now()
	checkEvery := m.cfg.ActivityCheckInterval
	active := m.activeInterval
	m.mu.Unlock()

	if m.source != nil {
		m.unsub = append(m.unsub,
			m.source.OnUserActivity(m.RecordUserActivity),
			m.source.OnNetworkChange(func(n signals.Network) {
				if !n.Online {
					m.SetNetworkQuality(QualityOffline)
					return
				}
				m.SetNetworkQuality(QualityFromConnection(n.EffectiveType))
			}),
		)
	}

	if checkEvery > 0 {
		m.wg.Add(1)
		go m.activityLoop(m.ctx, checkEvery)
	}

	m.mu.Lock()
	m.rescheduleLocked()
	m.mu.Unlock()

	logging.Info("sync scheduler started", zap.Duration("active_interval", active))
	return nil
}

// Stop cancels timers and signal subscriptions and waits for a running
// sync to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.cancel()
	m.stopTimersLocked()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	m.wg.Wait()
	// Wait out a cycle started by a timer that fired before cancellation.
	m.runMu.Lock()
	m.runMu.Unlock()
	logging.Info("sync scheduler stopped")
}

func (m *Manager) stopTimersLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.nextSync = time.Time{}
}

// Reconfigure overlays the non-zero fields of cfg on the current
// configuration and reschedules. The tuned active interval is replaced
// only when cfg sets one, and is kept within the new bounds.
func (m *Manager) Reconfigure(cfg config.SyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := config.MergeNonZero(m.cfg, cfg)
	if err := config.ValidateSync(merged); err != nil {
		return err
	}
	m.cfg = merged
	if cfg.ActiveUserInterval > 0 {
		m.activeInterval = cfg.ActiveUserInterval
	}
	m.activeInterval = clamp(m.activeInterval, merged.MinInterval, merged.MaxInterval)
	m.rescheduleLocked()

	logging.Info("sync configuration updated",
		zap.Duration("min_interval", merged.MinInterval),
		zap.Duration("max_interval", merged.MaxInterval),
		zap.Duration("active_interval", m.activeInterval),
	)
	return nil
}

// RecordUserActivity marks the user active. A transition from inactive
// reschedules the next sync.
func (m *Manager) RecordUserActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.now()
	if !m.userActive {
		m.userActive = true
		logging.Debug("user active")
		m.rescheduleLocked()
	}
}

// SetNetworkQuality records a network change and reschedules when the
// quality differs from the current one.
func (m *Manager) SetNetworkQuality(q NetworkQuality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quality == q {
		return
	}
	logging.Info("network quality changed", zap.String("from", string(m.quality)), zap.String("to", string(q)))
	m.quality = q
	m.rescheduleLocked()
}

// NotifyPendingOperation counts a newly queued write. Reaching the batch
// threshold triggers an immediate sync in the background.
func (m *Manager) NotifyPendingOperation() {
	m.mu.Lock()
	m.pending++
	pending := m.pending
	threshold := m.cfg.BatchSyncThreshold
	m.metrics.SetSyncPending(pending)
	ctx := m.ctx
	if pending < threshold || m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer m.wg.Done()
		m.TriggerImmediateSync(ctx)
	}()
}

// TriggerImmediateSync runs a sync now unless one ran less than
// MinInterval ago or one is already running. It reports whether the
// engine was invoked.
func (m *Manager) TriggerImmediateSync(ctx context.Context) bool {
	m.mu.Lock()
	since := m.now().Sub(m.lastSync)
	minInterval := m.cfg.MinInterval
	m.mu.Unlock()

	if since < minInterval {
		logging.Debug("immediate sync refused",
			zap.Duration("since_last", since),
			zap.Duration("min_interval", minInterval),
		)
		return false
	}
	return m.runCycle(ctx, "immediate")
}

func (m *Manager) activityLoop(ctx context.Context, every time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkInactivity()
		}
	}
}

func (m *Manager) checkInactivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userActive && m.now().Sub(m.lastActivity) > m.cfg.InactivityTimeout {
		m.userActive = false
		logging.Debug("user inactive", zap.Duration("timeout", m.cfg.InactivityTimeout))
		m.rescheduleLocked()
	}
}

// currentConfigLocked is the configuration with the tuned active interval.
func (m *Manager) currentConfigLocked() config.SyncConfig {
	cfg := m.cfg
	cfg.ActiveUserInterval = m.activeInterval
	return cfg
}

// rescheduleLocked recomputes the interval and rearms the timer. It is a
// no-op until Start.
func (m *Manager) rescheduleLocked() {
	m.interval = CalculateOptimalInterval(m.currentConfigLocked(), Inputs{
		UserActive: m.userActive,
		Quality:    m.quality,
		Pending:    m.pending,
	})
	m.metrics.SetSyncInterval(m.interval)
	if !m.running {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	ctx := m.ctx
	m.nextSync = m.now().Add(m.interval)
	m.timer = time.AfterFunc(m.interval, func() {
		if ctx.Err() != nil {
			return
		}
		m.runCycle(ctx, "scheduled")
	})
}

// scheduleRetryLocked arms a one-shot retry when it fires before the next
// scheduled run.
func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	if !m.running {
		return
	}
	if !m.nextSync.IsZero() && m.now().Add(delay).After(m.nextSync) {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	ctx := m.ctx
	m.retryTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		m.runCycle(ctx, "retry")
	})
	logging.Debug("sync retry scheduled", zap.Duration("delay", delay))
}

// runCycle performs one guarded sync. It reports whether the engine ran.
func (m *Manager) runCycle(ctx context.Context, reason string) bool {
	if !m.runMu.TryLock() {
		logging.Debug("sync already in progress", zap.String("reason", reason))
		return false
	}
	defer m.runMu.Unlock()
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return false
	}
	m.inProgress.Store(true)
	defer m.inProgress.Store(false)

	pending := m.refreshPending(ctx)

	m.mu.Lock()
	quality := m.quality
	m.mu.Unlock()

	if quality == QualityOffline || pending == 0 {
		m.skipped.Add(1)
		m.metrics.RecordSync("skipped", 0)
		m.mu.Lock()
		m.rescheduleLocked()
		m.mu.Unlock()
		return false
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "sync.cycle")
	span.SetAttributes(
		attribute.String("sync.reason", reason),
		attribute.Int("sync.pending", pending),
		attribute.String("network.quality", string(quality)),
	)
	defer span.End()

	start := m.now()
	res, err := m.engine.PerformSync(ctx)
	elapsed := time.Since(start)
	m.runs.Add(1)

	failed := err != nil || res.Failed > 0
	if len(res.Conflicts) > 0 {
		m.conflicts.Add(int64(len(res.Conflicts)))
		logging.Warn("sync reported conflicts", zap.Int("conflicts", len(res.Conflicts)))
	}

	var decision retry.Decision
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m.handler != nil {
			decision = m.handler.HandleError(err, ErrorKey)
		}
		logging.Warn("sync failed",
			zap.String("reason", reason),
			zap.Error(err),
			zap.String("error_type", string(decision.ErrorType)),
			zap.Bool("circuit_open", decision.IsCircuitOpen),
		)
	} else {
		span.SetAttributes(attribute.Int("sync.synced", res.Synced), attribute.Int("sync.failed", res.Failed))
		if res.Failed > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d operations failed", res.Failed))
		}
		logging.Debug("sync completed",
			zap.String("reason", reason),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", elapsed),
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSync = m.now()
	if err != nil {
		m.lastError = err.Error()
		m.lastResult = nil
	} else {
		m.lastError = ""
		r := res
		m.lastResult = &r
		m.pending = max(0, m.pending-res.Synced)
		m.metrics.SetSyncPending(m.pending)
	}

	if failed {
		m.failures.Add(1)
		m.activeInterval = min(time.Duration(float64(m.activeInterval)*failureFactor), m.cfg.MaxInterval)
		m.metrics.RecordSync("failure", elapsed)
	} else {
		m.activeInterval = max(time.Duration(float64(m.activeInterval)*successFactor), m.cfg.MinInterval)
		m.metrics.RecordSync("success", elapsed)
		if m.handler != nil {
			m.handler.ResetErrorTracking("sync:")
		}
	}

	m.rescheduleLocked()
	if err != nil && decision.ShouldRetry && !decision.IsCircuitOpen {
		m.scheduleRetryLocked(decision.RetryDelay)
	}
	return true
}

// refreshPending polls the queue for the pending count. Without a queue,
// or when polling fails, the locally counted value is used.
func (m *Manager) refreshPending(ctx context.Context) int {
	if m.queue != nil {
		st, err := m.queue.QueueStats(ctx)
		if err == nil {
			m.mu.Lock()
			m.pending = st.Pending
			m.mu.Unlock()
			m.metrics.SetSyncPending(st.Pending)
			return st.Pending
		}
		logging.Warn("polling sync queue failed", zap.Error(err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// GetSyncStatus returns a snapshot of the scheduler.
func (m *Manager) GetSyncStatus() Status {
	m.mu.Lock()
	st := Status{
		UserActive:         m.userActive,
		NetworkQuality:     m.quality,
		PendingOperations:  m.pending,
		LastSync:           m.lastSync,
		LastError:          m.lastError,
		CurrentInterval:    m.interval,
		ActiveUserInterval: m.activeInterval,
		NextSync:           m.nextSync,
	}
	if m.lastResult != nil {
		r := *m.lastResult
		st.LastResult = &r
	}
	if st.CurrentInterval == 0 {
		st.CurrentInterval = CalculateOptimalInterval(m.currentConfigLocked(), Inputs{
			UserActive: m.userActive,
			Quality:    m.quality,
			Pending:    m.pending,
		})
	}
	m.mu.Unlock()

	st.SyncInProgress = m.inProgress.Load()
	st.Runs = m.runs.Load()
	st.Failures = m.failures.Load()
	st.Skipped = m.skipped.Load()
	st.Conflicts = m.conflicts.Load()
	if m.handler != nil {
		st.CircuitOpen = m.handler.IsCircuitOpen(ErrorKey)
	}
	return st
}
