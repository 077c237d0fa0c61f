// Package realtime is the in-process event bus. Subscriptions can be
// throttled or batched, dispatch pauses while the application is hidden,
// and events can be broadcast to peers over a peerbus.Bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/metrics"
	"github.com/wudi/offlinekit/internal/peerbus"
	"github.com/wudi/offlinekit/internal/signals"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by operations on a destroyed manager.
var ErrClosed = errors.New("realtime: manager destroyed")

// Handler receives one event.
type Handler func(Event)

// BatchHandler receives the events accumulated during one quiet period.
type BatchHandler func([]Event)

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithThrottle sets the trailing-edge debounce window. Zero delivers
// synchronously during dispatch.
func WithThrottle(d time.Duration) SubscribeOption {
	return func(s *subscription) { s.throttle = d }
}

// WithSubscriberPriority orders this subscription before lower ones when an
// event matches several.
func WithSubscriberPriority(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// WithHiddenDelivery lets deferred deliveries fire while paused.
func WithHiddenDelivery() SubscribeOption {
	return func(s *subscription) { s.onlyWhenVisible = false }
}

// EmitOptions qualify an emitted event.
type EmitOptions struct {
	Priority  Priority
	UserID    string
	Broadcast bool
}

type subscription struct {
	id              string
	eventType       string
	handler         Handler
	batchHandler    BatchHandler
	throttle        time.Duration
	priority        Priority
	onlyWhenVisible bool
}

func (s *subscription) mode() string {
	switch {
	case s.batchHandler != nil:
		return "batch"
	case s.throttle > 0:
		return "throttled"
	default:
		return "direct"
	}
}

type queued struct {
	event Event
	at    time.Time
}

type throttleState struct {
	timer *time.Timer
	event Event
}

type batchState struct {
	timer  *time.Timer
	events []Event
}

// Stats is a snapshot of the manager.
type Stats struct {
	Subscriptions    int   `json:"subscriptions"`
	QueueLength      int   `json:"queue_length"`
	PendingThrottles int   `json:"pending_throttles"`
	PendingBatches   int   `json:"pending_batches"`
	Deferred         int   `json:"deferred"`
	Emitted          int64 `json:"emitted"`
	Received         int64 `json:"received"`
	Delivered        int64 `json:"delivered"`
	Dropped          int64 `json:"dropped"`
	Duplicates       int64 `json:"duplicates"`
	CallbackErrors   int64 `json:"callback_errors"`
	BroadcastDropped int64 `json:"broadcast_dropped"`
	Paused           bool  `json:"paused"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus broadcasts events emitted with Broadcast set and receives peer
// events from bus. rateLimit is messages per second; zero is unlimited.
func WithBus(bus peerbus.Bus, rateLimit float64, burst int) Option {
	return func(m *Manager) {
		m.bus = bus
		limit := rate.Inf
		if rateLimit > 0 {
			limit = rate.Limit(rateLimit)
		}
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithSignals pauses and resumes dispatch from visibility changes.
func WithSignals(src signals.Source) Option {
	return func(m *Manager) { m.source = src }
}

// WithMetrics records event metrics on mc.
func WithMetrics(mc *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = mc }
}

// Manager multiplexes events to subscriptions.
type Manager struct {
	cfg     config.RealtimeConfig
	bus     peerbus.Bus
	limiter *rate.Limiter
	source  signals.Source
	metrics *metrics.Collector
	seen    *lru.Cache[string, struct{}]
	peerID  string
	now     func() time.Time

	mu        sync.Mutex
	subs      map[string]*subscription
	queue     []queued
	throttles map[string]*throttleState
	batches   map[string]*batchState
	deferred  map[string]func()
	paused    bool
	started   bool
	closed    bool

	wake   chan struct{}
	cancel context.CancelFunc
	unsub  []func()
	wg     sync.WaitGroup

	emitted          atomic.Int64
	received         atomic.Int64
	delivered        atomic.Int64
	dropped          atomic.Int64
	duplicates       atomic.Int64
	callbackErrors   atomic.Int64
	broadcastDropped atomic.Int64
}

// New creates a manager. Call Start to begin dispatching.
func New(cfg config.RealtimeConfig, opts ...Option) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	if cfg.MaxEventsPerTick <= 0 {
		cfg.MaxEventsPerTick = 10
	}
	if cfg.QueueMaxAge <= 0 {
		cfg.QueueMaxAge = 5 * time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 30 * time.Second
	}
	if cfg.TimerSweepInterval <= 0 {
		cfg.TimerSweepInterval = time.Minute
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 4096
	}
	seen, _ := lru.New[string, struct{}](cfg.SeenCacheSize)

	m := &Manager{
		cfg:       cfg,
		seen:      seen,
		peerID:    uuid.NewString(),
		now:       time.Now,
		subs:      make(map[string]*subscription),
		throttles: make(map[string]*throttleState),
		batches:   make(map[string]*batchState),
		deferred:  make(map[string]func()),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PeerID identifies this manager on the broadcast channel.
func (m *Manager) PeerID() string {
	return m.peerID
}

// Start runs the dispatch loop and attaches the bus and signal source.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("realtime: already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if m.bus != nil {
		cancel, err := m.bus.Subscribe(m.onPeerMessage)
		if err != nil {
			m.cancel()
			return err
		}
		m.unsub = append(m.unsub, cancel)
	}
	if m.source != nil {
		m.unsub = append(m.unsub, m.source.OnVisibilityChange(func(visible bool) {
			if visible {
				m.Resume()
			} else {
				m.Pause()
			}
		}))
	}

	m.wg.Add(1)
	go m.loop(ctx)
	logging.Info("realtime manager started", zap.String("peer", m.peerID))
	return nil
}

// Subscribe delivers events of eventType to fn. The default throttle is
// the configured default_throttle. It returns the subscription id.
func (m *Manager) Subscribe(eventType string, fn Handler, opts ...SubscribeOption) (string, error) {
	return m.add(&subscription{eventType: eventType, handler: fn}, opts)
}

// SubscribeBatch accumulates events of eventType and delivers them
// together once no new event arrived for the throttle window.
func (m *Manager) SubscribeBatch(eventType string, fn BatchHandler, opts ...SubscribeOption) (string, error) {
	return m.add(&subscription{eventType: eventType, batchHandler: fn}, opts)
}

func (m *Manager) add(s *subscription, opts []SubscribeOption) (string, error) {
	s.id = uuid.NewString()
	s.throttle = m.cfg.DefaultThrottle
	s.priority = PriorityMedium
	s.onlyWhenVisible = true
	for _, opt := range opts {
		opt(s)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.subs[s.id] = s
	m.mu.Unlock()

	m.signal()
	return s.id, nil
}

// Unsubscribe removes a subscription and cancels its pending deliveries.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return false
	}
	delete(m.subs, id)
	m.dropPendingLocked(id)
	return true
}

func (m *Manager) dropPendingLocked(id string) {
	if st, ok := m.throttles[id]; ok {
		st.timer.Stop()
		delete(m.throttles, id)
	}
	if b, ok := m.batches[id]; ok {
		b.timer.Stop()
		delete(m.batches, id)
	}
	delete(m.deferred, id)
}

// Emit queues an event and returns its id. Critical events are dispatched
// without waiting for the next tick.
func (m *Manager) Emit(ctx context.Context, eventType string, data any, opts EmitOptions) (string, error) {
	if opts.Priority == 0 {
		opts.Priority = PriorityMedium
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: m.now(),
		UserID:    opts.UserID,
		Priority:  opts.Priority,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.enqueueLocked(ev)
	m.mu.Unlock()

	m.seen.Add(ev.ID, struct{}{})
	m.emitted.Add(1)
	m.metrics.RecordEvent(eventType, "local")

	if opts.Broadcast && m.bus != nil {
		m.publish(ctx, ev)
	}
	if ev.Priority == PriorityCritical {
		m.signal()
	}
	return ev.ID, nil
}

func (m *Manager) enqueueLocked(ev Event) {
	m.queue = append(m.queue, queued{event: ev, at: m.now()})
	m.metrics.SetEventQueueDepth(len(m.queue))
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if !m.limiter.Allow() {
		m.broadcastDropped.Add(1)
		m.metrics.RecordBroadcast("out", "rate_limited")
		logging.Warn("broadcast rate limited", zap.String("type", ev.Type), zap.String("id", ev.ID))
		return
	}
	payload, err := json.Marshal(envelope{Peer: m.peerID, Event: ev})
	if err != nil {
		m.broadcastDropped.Add(1)
		m.metrics.RecordBroadcast("out", "error")
		logging.Warn("broadcast encode failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, payload); err != nil {
		m.broadcastDropped.Add(1)
		m.metrics.RecordBroadcast("out", "error")
		logging.Warn("broadcast publish failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	m.metrics.RecordBroadcast("out", "ok")
}

// onPeerMessage queues an event received from another peer. Messages from
// this peer and already seen event ids are dropped.
func (m *Manager) onPeerMessage(payload []byte) {
	peer, ev, err := decodeEnvelope(payload)
	if err != nil {
		m.metrics.RecordBroadcast("in", "invalid")
		logging.Warn("invalid broadcast message", zap.Error(err))
		return
	}
	if peer == m.peerID {
		m.metrics.RecordBroadcast("in", "self")
		return
	}
	if seen, _ := m.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
		m.duplicates.Add(1)
		m.metrics.RecordBroadcast("in", "duplicate")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.enqueueLocked(ev)
	m.mu.Unlock()

	m.received.Add(1)
	m.metrics.RecordBroadcast("in", "ok")
	m.metrics.RecordEvent(ev.Type, "peer")
	if ev.Priority == PriorityCritical {
		m.signal()
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// loop drains the queue on each tick while there are subscriptions, and
// runs queue purging and timer sweeps.
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	purge := time.NewTicker(m.cfg.PurgeInterval)
	defer purge.Stop()
	sweep := time.NewTicker(m.cfg.TimerSweepInterval)
	defer sweep.Stop()

	var tick *time.Ticker
	defer func() {
		if tick != nil {
			tick.Stop()
		}
	}()

	for {
		var tickC <-chan time.Time
		if m.subscriptionCount() > 0 {
			if tick == nil {
				tick = time.NewTicker(m.cfg.TickInterval)
			}
			tickC = tick.C
		} else if tick != nil {
			tick.Stop()
			tick = nil
		}

		select {
		case <-ctx.Done():
			return
		case <-tickC:
			m.drain(ctx)
		case <-m.wake:
			m.drain(ctx)
		case <-purge.C:
			m.purge()
		case <-sweep.C:
			m.sweep()
		}
	}
}

func (m *Manager) subscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// drain dispatches up to MaxEventsPerTick queued events in priority order.
// While paused only critical events are taken.
func (m *Manager) drain(ctx context.Context) {
	m.mu.Lock()
	if len(m.subs) == 0 || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].event.Priority > m.queue[j].event.Priority
	})

	var batch []Event
	rest := m.queue[:0]
	for _, q := range m.queue {
		if len(batch) < m.cfg.MaxEventsPerTick && (!m.paused || q.event.Priority == PriorityCritical) {
			batch = append(batch, q.event)
			continue
		}
		rest = append(rest, q)
	}
	clear(m.queue[len(rest):])
	m.queue = rest
	m.metrics.SetEventQueueDepth(len(m.queue))
	m.mu.Unlock()

	for i, ev := range batch {
		if ctx.Err() != nil {
			return
		}
		m.dispatch(ev)
		if i < len(batch)-1 && m.cfg.DispatchYield > 0 {
			time.Sleep(m.cfg.DispatchYield)
		}
	}
}

// dispatch routes ev to every matching subscription.
func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	var matched []*subscription
	for _, s := range m.subs {
		if s.eventType == ev.Type {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].id < matched[j].id
	})

	var direct []*subscription
	for _, s := range matched {
		switch {
		case s.batchHandler != nil:
			m.accumulateLocked(s, ev)
		case s.throttle > 0:
			m.throttleLocked(s, ev)
		default:
			direct = append(direct, s)
		}
	}
	m.mu.Unlock()

	for _, s := range direct {
		m.invoke(s, func() { s.handler(ev) })
	}
}

// throttleLocked replaces the pending event and restarts the timer.
func (m *Manager) throttleLocked(s *subscription, ev Event) {
	if st, ok := m.throttles[s.id]; ok {
		st.timer.Stop()
	}
	st := &throttleState{event: ev}
	st.timer = time.AfterFunc(s.throttle, func() { m.fireThrottle(s.id, st) })
	m.throttles[s.id] = st
}

func (m *Manager) fireThrottle(id string, st *throttleState) {
	m.mu.Lock()
	if m.throttles[id] != st {
		m.mu.Unlock()
		return
	}
	delete(m.throttles, id)
	s, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	ev := st.event
	deliver := func() { m.invoke(s, func() { s.handler(ev) }) }
	if m.deferLocked(s, ev.Priority == PriorityCritical, deliver) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	deliver()
}

// accumulateLocked appends ev to the subscription's batch and restarts the
// quiet period.
func (m *Manager) accumulateLocked(s *subscription, ev Event) {
	b, ok := m.batches[s.id]
	if !ok {
		b = &batchState{}
		m.batches[s.id] = b
	} else {
		b.timer.Stop()
	}
	b.events = append(b.events, ev)
	wait := s.throttle
	if wait <= 0 {
		wait = m.cfg.TickInterval
	}
	b.timer = time.AfterFunc(wait, func() { m.flushBatch(s.id, b) })
}

func (m *Manager) flushBatch(id string, b *batchState) {
	m.mu.Lock()
	if m.batches[id] != b {
		m.mu.Unlock()
		return
	}
	delete(m.batches, id)
	s, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	events := b.events
	critical := false
	for _, ev := range events {
		if ev.Priority == PriorityCritical {
			critical = true
			break
		}
	}
	deliver := func() { m.invoke(s, func() { s.batchHandler(events) }) }
	if m.deferLocked(s, critical, deliver) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	deliver()
}

// deferLocked holds a delivery for a visibility-bound subscription while
// paused. A later deferred delivery for the same subscription replaces
// the earlier one.
func (m *Manager) deferLocked(s *subscription, critical bool, deliver func()) bool {
	if !m.paused || critical || !s.onlyWhenVisible {
		return false
	}
	if prev, ok := m.deferred[s.id]; ok && s.batchHandler != nil {
		next := deliver
		deliver = func() { prev(); next() }
	}
	m.deferred[s.id] = deliver
	return true
}

// invoke runs a subscriber callback. Panics are recovered and logged so
// one subscriber cannot break dispatch for the others.
func (m *Manager) invoke(s *subscription, call func()) {
	defer func() {
		if r := recover(); r != nil {
			m.callbackErrors.Add(1)
			logging.Warn("event subscriber panicked",
				zap.String("subscription", s.id),
				zap.String("type", s.eventType),
				zap.Any("panic", r),
			)
		}
	}()
	call()
	m.delivered.Add(1)
	m.metrics.RecordDelivery(s.mode())
}

// Pause stops draining non-critical events.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		m.paused = true
		logging.Debug("realtime dispatch paused")
	}
}

// Resume restarts draining and runs deliveries held while paused.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	held := make([]func(), 0, len(m.deferred))
	for id, fn := range m.deferred {
		held = append(held, fn)
		delete(m.deferred, id)
	}
	m.mu.Unlock()

	logging.Debug("realtime dispatch resumed", zap.Int("deferred", len(held)))
	for _, fn := range held {
		fn()
	}
	m.signal()
}

// IsPaused reports whether dispatch is paused.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// purge drops queued non-critical events older than QueueMaxAge.
func (m *Manager) purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.QueueMaxAge)
	kept := m.queue[:0]
	for _, q := range m.queue {
		if q.event.Priority != PriorityCritical && q.at.Before(cutoff) {
			continue
		}
		kept = append(kept, q)
	}
	n := len(m.queue) - len(kept)
	clear(m.queue[len(kept):])
	m.queue = kept

	if n > 0 {
		m.dropped.Add(int64(n))
		m.metrics.RecordPurged(n)
		m.metrics.SetEventQueueDepth(len(m.queue))
		logging.Debug("purged stale events", zap.Int("count", n))
	}
	return n
}

// sweep clears throttle timers, batch accumulators and held deliveries
// whose subscription no longer exists.
func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, st := range m.throttles {
		if _, ok := m.subs[id]; !ok {
			st.timer.Stop()
			delete(m.throttles, id)
			n++
		}
	}
	for id, b := range m.batches {
		if _, ok := m.subs[id]; !ok {
			b.timer.Stop()
			delete(m.batches, id)
			n++
		}
	}
	for id := range m.deferred {
		if _, ok := m.subs[id]; !ok {
			delete(m.deferred, id)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		Subscriptions:    len(m.subs),
		QueueLength:      len(m.queue),
		PendingThrottles: len(m.throttles),
		PendingBatches:   len(m.batches),
		Deferred:         len(m.deferred),
		Paused:           m.paused,
	}
	m.mu.Unlock()

	st.Emitted = m.emitted.Load()
	st.Received = m.received.Load()
	st.Delivered = m.delivered.Load()
	st.Dropped = m.dropped.Load()
	st.Duplicates = m.duplicates.Load()
	st.CallbackErrors = m.callbackErrors.Load()
	st.BroadcastDropped = m.broadcastDropped.Load()
	return st
}

// Destroy stops dispatch, cancels every timer, removes all subscriptions
// and detaches from the bus. The bus itself is left open.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	unsub := m.unsub
	m.unsub = nil
	for id := range m.subs {
		m.dropPendingLocked(id)
	}
	for id := range m.throttles {
		m.dropPendingLocked(id)
	}
	for id := range m.batches {
		m.dropPendingLocked(id)
	}
	clear(m.subs)
	clear(m.deferred)
	m.queue = nil
	m.metrics.SetEventQueueDepth(0)
	m.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	logging.Info("realtime manager destroyed")
}
