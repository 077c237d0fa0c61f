// Package cache implements the bounded, tag-addressable cache that sits on
// top of a persistent store. Values are JSON-serialized, large payloads are
// compressed, and space is reclaimed by scored eviction.
//
// Cache methods never return storage errors: failures are logged and
// reported as a miss or a false result.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/offlinekit/internal/compress"
	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/metrics"
	"github.com/wudi/offlinekit/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTable is the store table cache entries live in.
const DefaultTable = "cache"

// maxEntryFraction bounds a single serialized value relative to MaxSize.
const maxEntryFraction = 0.10

// evictionMargin is the extra space freed beyond what a write needs.
const evictionMargin = 1.2

// cleanupTarget is the share of MaxSize cleanup evicts down to.
const cleanupTarget = 0.8

// defragMinSavings is the minimum saving for recompressing during cleanup.
const defragMinSavings = 0.2

// SetOptions controls how a value is stored.
type SetOptions struct {
	TTL      time.Duration // 0 uses the configured default
	Priority Priority      // 0 means medium
	Tags     []string
}

// Stats is a diagnostic snapshot of the cache.
type Stats struct {
	TotalSize            int64     `json:"total_size"`
	ItemCount            int       `json:"item_count"`
	Hits                 int64     `json:"hits"`
	Misses               int64     `json:"misses"`
	HitRate              float64   `json:"hit_rate"`
	OldestEntry          time.Time `json:"oldest_entry,omitzero"`
	NewestEntry          time.Time `json:"newest_entry,omitzero"`
	CompressionRatio     float64   `json:"compression_ratio"`
	Evictions            int64     `json:"evictions"`
	Compressions         int64     `json:"compressions"`
	CompressionFallbacks int64     `json:"compression_fallbacks"`
}

// CleanupResult counts what one cleanup pass removed or rewrote.
type CleanupResult struct {
	Expired      int `json:"expired"`
	Stale        int `json:"stale"`
	Evicted      int `json:"evicted"`
	Recompressed int `json:"recompressed"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec overrides the codec built from the config.
func WithCodec(c compress.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithMetrics reports cache activity to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTable stores entries in the named table.
func WithTable(table string) Option {
	return func(m *Manager) { m.table = table }
}

// Manager is the cache. It is safe for concurrent use. Concurrent writes
// to the same key are last-writer-wins.
type Manager struct {
	store        store.Store
	table        string
	cfg          config.CacheConfig
	codec        compress.Codec
	codecs       sync.Map // encoding name -> compress.Codec
	metrics      *metrics.Collector
	maxEntrySize int64
	now          func() time.Time

	// writeMu serializes space accounting with the write that needed it.
	writeMu sync.Mutex
	loads   singleflight.Group

	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	compressions atomic.Int64
	fallbacks    atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a cache on s. When the configured codec cannot be built the
// cache stores everything uncompressed.
func New(s store.Store, cfg config.CacheConfig, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		table:        DefaultTable,
		cfg:          cfg,
		maxEntrySize: int64(float64(cfg.MaxSize) * maxEntryFraction),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.codec == nil {
		codec, err := compress.New(cfg.Codec, cfg.CodecLevel)
		if err != nil {
			logging.Warn("cache compression unavailable", zap.String("codec", cfg.Codec), zap.Error(err))
		} else {
			m.codec = codec
		}
	}
	if m.codec != nil {
		m.codecs.Store(m.codec.Name(), m.codec)
	}
	return m
}

// Set serializes value and stores it under key. It returns false when the
// value cannot be serialized, exceeds a tenth of the cache size, or the
// store fails.
func (m *Manager) Set(ctx context.Context, key string, value any, opts SetOptions) bool {
	data, err := json.Marshal(value)
	if err != nil {
		logging.Warn("cache serialize failed", zap.String("key", key), zap.Error(err))
		m.metrics.RecordCacheOperation("set", "error")
		return false
	}
	return m.setBytes(ctx, key, data, opts)
}

func (m *Manager) setBytes(ctx context.Context, key string, data []byte, opts SetOptions) bool {
	if int64(len(data)) > m.maxEntrySize {
		logging.Warn("cache entry too large",
			zap.String("key", key),
			zap.Int("size", len(data)),
			zap.Int64("limit", m.maxEntrySize),
		)
		m.metrics.RecordCacheOperation("set", "rejected")
		return false
	}

	now := m.now()
	entry := &Entry{
		Key:          key,
		Data:         data,
		Timestamp:    now,
		LastAccessed: now,
		Priority:     opts.Priority,
		Tags:         userTags(opts.Tags),
	}
	if entry.Priority == 0 {
		entry.Priority = PriorityMedium
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	if len(data) > m.cfg.CompressionThreshold {
		m.compressEntry(entry, 0)
	}
	entry.Size = int64(len(entry.Data))

	raw, err := json.Marshal(entry)
	if err != nil {
		logging.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		m.metrics.RecordCacheOperation("set", "error")
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if !m.ensureSpace(ctx, key, entry.Size) {
		m.metrics.RecordCacheOperation("set", "rejected")
		return false
	}
	if err := m.store.Put(ctx, m.table, key, raw); err != nil {
		logging.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		m.metrics.RecordCacheOperation("set", "error")
		return false
	}
	m.metrics.RecordCacheOperation("set", "ok")
	return true
}

// compressEntry replaces e.Data with its compressed form when that saves
// more than minSavings of the original size. Compression failures leave
// the entry uncompressed.
func (m *Manager) compressEntry(e *Entry, minSavings float64) bool {
	if m.codec == nil || e.compressed() {
		return false
	}
	out, err := m.codec.Compress(e.Data)
	if err != nil {
		m.fallbacks.Add(1)
		logging.Warn("cache compression failed, storing uncompressed", zap.String("key", e.Key), zap.Error(err))
		return false
	}
	if float64(len(out)) >= float64(len(e.Data))*(1-minSavings) {
		return false
	}
	e.Data = out
	e.Encoding = m.codec.Name()
	e.Tags = append(e.Tags, TagCompressed)
	e.Size = int64(len(out))
	m.compressions.Add(1)
	return true
}

// Get loads the value stored under key into dst. It reports false on a
// miss, an expired entry, or an entry that cannot be decoded; expired and
// corrupt entries are deleted.
func (m *Manager) Get(ctx context.Context, key string, dst any) bool {
	raw, ok, err := m.store.Get(ctx, m.table, key)
	if err != nil {
		logging.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return m.miss()
	}
	if !ok {
		return m.miss()
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		logging.Warn("cache entry corrupt, deleting", zap.String("key", key), zap.Error(err))
		m.remove(ctx, key)
		return m.miss()
	}

	now := m.now()
	if entry.Expired(now) {
		m.remove(ctx, key)
		return m.miss()
	}

	payload := entry.Data
	if entry.compressed() {
		payload, err = m.decompress(entry)
		if err != nil {
			logging.Warn("cache decompression failed, deleting", zap.String("key", key), zap.Error(err))
			m.remove(ctx, key)
			return m.miss()
		}
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		logging.Warn("cache deserialize failed", zap.String("key", key), zap.Error(err))
		return m.miss()
	}

	entry.AccessCount++
	entry.LastAccessed = now
	m.touch(ctx, key, raw, entry)

	m.hits.Add(1)
	m.metrics.RecordCacheOperation("get", "hit")
	return true
}

// touch writes the access bookkeeping back unless the entry was evicted
// or replaced since raw was read.
func (m *Manager) touch(ctx context.Context, key string, raw []byte, entry *Entry) {
	updated, err := json.Marshal(entry)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	current, ok, err := m.store.Get(ctx, m.table, key)
	if err != nil || !ok || !bytes.Equal(current, raw) {
		return
	}
	if err := m.store.Put(ctx, m.table, key, updated); err != nil {
		logging.Debug("cache access update failed", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) miss() bool {
	m.misses.Add(1)
	m.metrics.RecordCacheOperation("get", "miss")
	return false
}

// GetOrLoad reads key into dst, calling load on a miss and caching its
// result. Concurrent misses on the same key share one load.
func (m *Manager) GetOrLoad(ctx context.Context, key string, dst any, load func(ctx context.Context) (any, error), opts SetOptions) error {
	if m.Get(ctx, key, dst) {
		return nil
	}

	v, err, _ := m.loads.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		m.setBytes(ctx, key, data, opts)
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

// Delete removes key. It reports whether the store accepted the delete.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	if err := m.store.Delete(ctx, m.table, key); err != nil {
		logging.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// ClearByTags removes every entry carrying at least one of tags and
// returns how many were removed.
func (m *Manager) ClearByTags(ctx context.Context, tags ...string) int {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	entries, err := m.loadAll(ctx)
	if err != nil {
		logging.Warn("cache clear by tags failed", zap.Strings("tags", tags), zap.Error(err))
		return 0
	}
	removed := 0
	for key, e := range entries {
		if slices.ContainsFunc(tags, e.HasTag) && m.remove(ctx, key) {
			removed++
		}
	}
	logging.Info("cache cleared by tags", zap.Strings("tags", tags), zap.Int("removed", removed))
	return removed
}

// Clear removes every entry and returns how many were removed.
func (m *Manager) Clear(ctx context.Context) int {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	all, err := m.store.GetAll(ctx, m.table)
	if err != nil {
		logging.Warn("cache clear failed", zap.Error(err))
		return 0
	}
	removed := 0
	for key := range all {
		if m.remove(ctx, key) {
			removed++
		}
	}
	logging.Info("cache cleared", zap.Int("removed", removed))
	return removed
}

// Stats scans the cache. The compression ratio is stored bytes over
// original bytes, so 1 means no savings; compressed entries are
// decompressed to recover their original size.
func (m *Manager) Stats(ctx context.Context) Stats {
	hits, misses := m.hits.Load(), m.misses.Load()
	st := Stats{
		Hits:                 hits,
		Misses:               misses,
		CompressionRatio:     1,
		Evictions:            m.evictions.Load(),
		Compressions:         m.compressions.Load(),
		CompressionFallbacks: m.fallbacks.Load(),
	}
	if hits+misses > 0 {
		st.HitRate = float64(hits) / float64(hits+misses)
	}

	entries, err := m.loadAll(ctx)
	if err != nil {
		logging.Warn("cache stats failed", zap.Error(err))
		return st
	}

	var stored, original int64
	for _, e := range entries {
		st.TotalSize += e.Size
		st.ItemCount++
		if st.OldestEntry.IsZero() || e.Timestamp.Before(st.OldestEntry) {
			st.OldestEntry = e.Timestamp
		}
		if e.Timestamp.After(st.NewestEntry) {
			st.NewestEntry = e.Timestamp
		}

		stored += e.Size
		if !e.compressed() {
			original += e.Size
			continue
		}
		if plain, err := m.decompress(e); err == nil {
			original += int64(len(plain))
		} else {
			original += e.Size
		}
	}
	if original > 0 {
		st.CompressionRatio = float64(stored) / float64(original)
	}

	m.metrics.SetCacheSize(st.TotalSize, st.ItemCount)
	return st
}

// ensureSpace evicts entries so that an entry of size bytes can be written
// under key. The caller holds writeMu. An existing entry for key does not
// count against the budget since the write replaces it.
func (m *Manager) ensureSpace(ctx context.Context, key string, size int64) bool {
	entries, err := m.loadAll(ctx)
	if err != nil {
		logging.Warn("cache space check failed", zap.String("key", key), zap.Error(err))
		return false
	}
	delete(entries, key)

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	overshoot := max(total+size-m.cfg.MaxSize, 0)
	requiredItems := max(len(entries)+1-m.cfg.MaxItems, 0)
	if overshoot == 0 && requiredItems == 0 {
		return true
	}

	// Crossing the byte ceiling frees room for the whole entry so the next
	// write does not evict again.
	var requiredBytes int64
	if overshoot > 0 {
		requiredBytes = size
	}
	freed, removed := m.performEviction(ctx, entries, requiredBytes, requiredItems, "space")
	if freed < overshoot || removed < requiredItems {
		logging.Warn("cache eviction could not free enough space",
			zap.String("key", key),
			zap.Int64("required_bytes", overshoot),
			zap.Int64("freed_bytes", freed),
		)
		return false
	}
	return true
}

// performEviction deletes the lowest scoring entries until at least
// requiredBytes times the margin is freed and requiredItems entries are
// gone. Critical entries are only evicted when the non-critical ones
// cannot cover requiredBytes and requiredItems.
func (m *Manager) performEviction(ctx context.Context, entries map[string]*Entry, requiredBytes int64, requiredItems int, reason string) (freed int64, removed int) {
	now := m.now()
	var candidates, critical []*Entry
	for _, e := range entries {
		if e.Priority == PriorityCritical {
			critical = append(critical, e)
		} else {
			candidates = append(candidates, e)
		}
	}
	byScore(candidates, now)
	byScore(critical, now)

	target := int64(math.Ceil(float64(requiredBytes) * evictionMargin))
	for _, e := range candidates {
		if freed >= target && removed >= requiredItems {
			break
		}
		if m.remove(ctx, e.Key) {
			freed += e.Size
			removed++
		}
	}

	emergency := 0
	for _, e := range critical {
		if freed >= requiredBytes && removed >= requiredItems {
			break
		}
		if m.remove(ctx, e.Key) {
			freed += e.Size
			removed++
			emergency++
		}
	}
	if emergency > 0 {
		logging.Warn("cache evicted critical entries", zap.Int("count", emergency))
	}

	m.evictions.Add(int64(removed))
	m.metrics.RecordCacheEvictions(reason, removed)
	logging.Debug("cache eviction",
		zap.String("reason", reason),
		zap.Int("removed", removed),
		zap.Int64("freed", freed),
	)
	return freed, removed
}

// byScore sorts ascending by score; ties evict the older entry first.
func byScore(entries []*Entry, now time.Time) {
	scores := make(map[string]float64, len(entries))
	for _, e := range entries {
		scores[e.Key] = Score(e, now)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		si, sj := scores[entries[i].Key], scores[entries[j].Key]
		if si != sj {
			return si < sj
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// Cleanup drops expired and stale entries, evicts down to 80% of MaxSize
// when over a ceiling, and recompresses large uncompressed entries.
func (m *Manager) Cleanup(ctx context.Context) CleanupResult {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var res CleanupResult
	entries, err := m.loadAll(ctx)
	if err != nil {
		logging.Warn("cache cleanup failed", zap.Error(err))
		return res
	}

	now := m.now()
	for key, e := range entries {
		switch {
		case e.Expired(now):
			if m.remove(ctx, key) {
				res.Expired++
			}
		case isStale(e, now):
			if m.remove(ctx, key) {
				res.Stale++
			}
		default:
			continue
		}
		delete(entries, key)
	}
	m.metrics.RecordCacheEvictions("expired", res.Expired)
	m.metrics.RecordCacheEvictions("stale", res.Stale)

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total > m.cfg.MaxSize || len(entries) > m.cfg.MaxItems {
		requiredBytes := max(total-int64(float64(m.cfg.MaxSize)*cleanupTarget), 0)
		requiredItems := max(len(entries)-m.cfg.MaxItems, 0)
		_, res.Evicted = m.performEviction(ctx, entries, requiredBytes, requiredItems, "cleanup")
		if res.Evicted > 0 {
			// Reload so recompression does not resurrect evicted keys.
			if entries, err = m.loadAll(ctx); err != nil {
				logging.Warn("cache cleanup reload failed", zap.Error(err))
				return res
			}
		}
	}

	for key, e := range entries {
		if e.compressed() || int(e.Size) <= m.cfg.CompressionThreshold {
			continue
		}
		if !m.compressEntry(e, defragMinSavings) {
			continue
		}
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := m.store.Put(ctx, m.table, key, raw); err != nil {
			logging.Warn("cache recompress write failed", zap.String("key", key), zap.Error(err))
			continue
		}
		res.Recompressed++
	}

	logging.Debug("cache cleanup",
		zap.Int("expired", res.Expired),
		zap.Int("stale", res.Stale),
		zap.Int("evicted", res.Evicted),
		zap.Int("recompressed", res.Recompressed),
	)
	return res
}

// Start runs Cleanup every CleanupInterval until Close.
func (m *Manager) Start() {
	if m.cfg.CleanupInterval <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.cleanupLoop()
	})
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cleanup(context.Background())
		}
	}
}

// Close stops the cleanup loop. The store is owned by the caller.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) loadAll(ctx context.Context) (map[string]*Entry, error) {
	all, err := m.store.GetAll(ctx, m.table)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]*Entry, len(all))
	for key, raw := range all {
		e, err := decodeEntry(raw)
		if err != nil {
			logging.Warn("cache entry corrupt, deleting", zap.String("key", key), zap.Error(err))
			m.remove(ctx, key)
			continue
		}
		e.Key = key
		entries[key] = e
	}
	return entries, nil
}

func (m *Manager) remove(ctx context.Context, key string) bool {
	if err := m.store.Delete(ctx, m.table, key); err != nil {
		logging.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) decompress(e *Entry) ([]byte, error) {
	codec, err := m.codecFor(e.Encoding)
	if err != nil {
		return nil, err
	}
	return codec.Decompress(e.Data)
}

// codecFor returns the codec an entry was written with, which may differ
// from the current one after a config change.
func (m *Manager) codecFor(name string) (compress.Codec, error) {
	if name == "" && m.codec != nil {
		return m.codec, nil
	}
	if c, ok := m.codecs.Load(name); ok {
		return c.(compress.Codec), nil
	}
	c, err := compress.New(name, 0)
	if err != nil {
		return nil, err
	}
	actual, _ := m.codecs.LoadOrStore(c.Name(), c)
	if name != c.Name() {
		m.codecs.Store(name, actual)
	}
	return actual.(compress.Codec), nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Priority == 0 {
		e.Priority = PriorityMedium
	}
	e.Size = int64(len(e.Data))
	return &e, nil
}

// userTags copies tags without the reserved compression marker, which only
// the cache sets.
func userTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != TagCompressed && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
