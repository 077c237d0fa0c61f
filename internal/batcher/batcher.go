// Package batcher groups asynchronous read operations into priority-ordered,
// concurrency-bounded batches to protect the local store from request
// storms.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBatchCleared rejects queries dropped by Clear.
	ErrBatchCleared = errors.New("batcher: batch cleared")
	// ErrQueryTimeout rejects a query whose operation outlived OperationTimeout.
	ErrQueryTimeout = errors.New("batcher: query timed out")
	// ErrClosed rejects queries submitted to or queued in a closed batcher.
	ErrClosed = errors.New("batcher: closed")
)

const tracerName = "github.com/wudi/offlinekit/internal/batcher"

// Operation is one queued unit of work.
type Operation func(ctx context.Context) (any, error)

// Result is the settled outcome of a query.
type Result struct {
	Value any
	Err   error
}

// Options identify and rank a query. Higher priorities run first.
type Options struct {
	ID       string
	Priority int
}

// Option sets a query option.
type Option func(*Options)

// WithID names the query; the default is a random UUID.
func WithID(id string) Option {
	return func(o *Options) { o.ID = id }
}

// WithPriority ranks the query within its batch.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

type query struct {
	Options
	ctx      context.Context
	op       Operation
	enqueued time.Time
	result   chan Result
}

func (q *query) settle(r Result) {
	q.result <- r
}

// Stats is a point-in-time view of the batcher for backpressure monitoring.
type Stats struct {
	QueueLength int           `json:"queue_length"`
	Processing  bool          `json:"processing"`
	OldestAge   time.Duration `json:"oldest_age"`
	InFlight    int64         `json:"in_flight"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	TimedOut    int64         `json:"timed_out"`
}

// Batcher queues operations and runs them in batches of at most
// MaxBatchSize with at most MaxConcurrency running at once.
type Batcher struct {
	cfg     config.BatcherConfig
	sem     *semaphore.Weighted
	metrics *metrics.Collector

	mu         sync.Mutex
	queue      []*query
	timer      *time.Timer
	processing bool
	closed     bool

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64

	wg sync.WaitGroup
}

// New creates a batcher. mc may be nil.
func New(cfg config.BatcherConfig, mc *metrics.Collector) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &Batcher{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		metrics: mc,
	}
}

// Enqueue queues op and returns a channel that receives its result once.
func (b *Batcher) Enqueue(ctx context.Context, op Operation, opts ...Option) <-chan Result {
	q := &query{
		ctx:      ctx,
		op:       op,
		enqueued: time.Now(),
		result:   make(chan Result, 1),
	}
	for _, opt := range opts {
		opt(&q.Options)
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		q.settle(Result{Err: ErrClosed})
		return q.result
	}
	b.queue = append(b.queue, q)
	b.metrics.SetQueueDepth(len(b.queue))
	b.scheduleLocked()
	return q.result
}

// Submit queues op and blocks until it settles or ctx is done.
func Submit[T any](ctx context.Context, b *Batcher, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	ch := b.Enqueue(ctx, func(ctx context.Context) (any, error) {
		v, err := op(ctx)
		return v, err
	}, opts...)

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, ok := r.Value.(T)
		if !ok && r.Value != nil {
			return zero, fmt.Errorf("batcher: unexpected result type %T", r.Value)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// scheduleLocked starts a batch now when the queue is full, otherwise arms
// a single timer. New arrivals never reset an armed timer.
func (b *Batcher) scheduleLocked() {
	if b.processing || len(b.queue) == 0 {
		return
	}
	if len(b.queue) >= b.cfg.MaxBatchSize {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.startLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.BatchTimeout, b.onTimer)
	}
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if !b.processing && !b.closed && len(b.queue) > 0 {
		b.startLocked()
	}
}

// startLocked takes the highest priority queries off the queue and runs
// them on a new goroutine.
func (b *Batcher) startLocked() {
	sort.SliceStable(b.queue, func(i, j int) bool {
		return b.queue[i].Priority > b.queue[j].Priority
	})
	n := min(len(b.queue), b.cfg.MaxBatchSize)
	batch := make([]*query, n)
	copy(batch, b.queue[:n])
	b.queue = append(b.queue[:0], b.queue[n:]...)
	b.metrics.SetQueueDepth(len(b.queue))

	b.processing = true
	b.wg.Add(1)
	go b.runBatch(batch)
}

func (b *Batcher) runBatch(batch []*query) {
	defer b.wg.Done()

	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "batcher.batch")
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	var settled sync.WaitGroup
	var failures atomic.Int64
	for _, q := range batch {
		if err := q.ctx.Err(); err != nil {
			q.settle(Result{Err: err})
			continue
		}
		// Slots are taken in priority order, so start order follows priority.
		if err := b.sem.Acquire(ctx, 1); err != nil {
			q.settle(Result{Err: err})
			continue
		}
		settled.Add(1)
		go func(q *query) {
			defer settled.Done()
			defer b.sem.Release(1)
			if r := b.execute(q); r.Err != nil {
				failures.Add(1)
			}
		}(q)
	}
	settled.Wait()

	if n := failures.Load(); n > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d queries failed", n, len(batch)))
	}
	span.End()
	b.metrics.ObserveBatch(time.Since(start))

	b.mu.Lock()
	b.processing = false
	if !b.closed {
		b.scheduleLocked()
	}
	b.mu.Unlock()
}

// execute runs one query under the operation timeout. A timed out
// operation keeps running detached but its slot is released.
func (b *Batcher) execute(q *query) Result {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	runCtx, cancel := q.ctx, context.CancelFunc(func() {})
	if b.cfg.OperationTimeout > 0 {
		runCtx, cancel = context.WithTimeout(q.ctx, b.cfg.OperationTimeout)
	}
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Err: fmt.Errorf("batcher: query %s panicked: %v", q.ID, p)}
			}
		}()
		v, err := q.op(runCtx)
		done <- Result{Value: v, Err: err}
	}()

	var r Result
	select {
	case r = <-done:
	case <-runCtx.Done():
		r = Result{Err: runCtx.Err()}
		if q.ctx.Err() == nil {
			r.Err = ErrQueryTimeout
			b.timedOut.Add(1)
			logging.Warn("batched query timed out",
				zap.String("id", q.ID),
				zap.Duration("timeout", b.cfg.OperationTimeout),
			)
			b.metrics.RecordQuery("timeout")
		}
	}

	switch {
	case r.Err == nil:
		b.completed.Add(1)
		b.metrics.RecordQuery("ok")
	case !errors.Is(r.Err, ErrQueryTimeout):
		b.failed.Add(1)
		b.metrics.RecordQuery("error")
	}
	q.settle(r)
	return r
}

// Clear rejects every queued query with ErrBatchCleared. Running queries
// are not affected.
func (b *Batcher) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectLocked(ErrBatchCleared)
}

func (b *Batcher) rejectLocked(err error) int {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	n := len(b.queue)
	for _, q := range b.queue {
		q.settle(Result{Err: err})
		b.metrics.RecordQuery("cleared")
	}
	b.queue = nil
	b.metrics.SetQueueDepth(0)
	return n
}

// Stats returns queue depth, processing state and counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		QueueLength: len(b.queue),
		Processing:  b.processing,
	}
	for _, q := range b.queue {
		if age := time.Since(q.enqueued); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	b.mu.Unlock()

	st.InFlight = b.inFlight.Load()
	st.Completed = b.completed.Load()
	st.Failed = b.failed.Load()
	st.TimedOut = b.timedOut.Load()
	return st
}

// Close rejects queued queries with ErrClosed, refuses new ones, and waits
// for running batches to settle.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if n := b.rejectLocked(ErrClosed); n > 0 {
		logging.Info("batcher closed with queued queries", zap.Int("rejected", n))
	}
	b.mu.Unlock()

	b.wg.Wait()
}
