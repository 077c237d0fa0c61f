package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/offlinekit/internal/batcher"
	"github.com/wudi/offlinekit/internal/cache"
	"github.com/wudi/offlinekit/internal/compress"
	"github.com/wudi/offlinekit/internal/errors"
	"github.com/wudi/offlinekit/internal/realtime"
	"github.com/wudi/offlinekit/internal/signals"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 1 << 20

// Handler returns the admin API.
func (a *App) Handler() http.Handler {
	r := httprouter.New()
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})

	r.GET("/healthz", a.handleHealth)
	if a.cfg.Admin.Metrics {
		r.Handler(http.MethodGet, "/metrics", a.metrics.Handler())
	}
	r.GET("/tracing", a.handleTracing)

	r.GET("/stats/cache", a.handleCacheStats)
	r.GET("/stats/batcher", a.handleBatcherStats)
	r.GET("/stats/errors", a.handleErrorStats)
	r.GET("/stats/sync", a.handleSyncStats)
	r.GET("/stats/realtime", a.handleRealtimeStats)

	r.GET("/cache/:key", a.handleCacheGet)
	r.PUT("/cache/:key", a.handleCachePut)
	r.DELETE("/cache/:key", a.handleCacheDelete)
	r.DELETE("/cache", a.handleCacheClear)
	r.POST("/maintenance/cleanup", a.handleCacheCleanup)

	r.GET("/sync/intents", a.handleIntentList)
	r.POST("/sync/intents", a.handleIntentAdd)
	r.POST("/sync/trigger", a.handleSyncTrigger)

	r.POST("/errors/reset", a.handleErrorReset)

	r.POST("/events", a.handleEmit)

	r.POST("/signals/activity", a.handleActivity)
	r.POST("/signals/network", a.handleNetwork)
	r.POST("/signals/visibility", a.handleVisibility)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) *errors.Error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.ErrBadRequest.WithDetails(err.Error())
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.ErrBadRequest.WithDetails(err.Error())
	}
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := make(map[string]any)
	healthy := true

	if a.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		redisStatus := map[string]any{"status": "ok"}
		if err := a.redis.Ping(ctx).Err(); err != nil {
			redisStatus["status"] = "error"
			redisStatus["error"] = err.Error()
			healthy = false
		}
		checks["redis"] = redisStatus
	}

	st := a.Sync.GetSyncStatus()
	checks["sync"] = map[string]any{
		"status":       boolStatus(!st.CircuitOpen),
		"circuit_open": st.CircuitOpen,
		"network":      st.NetworkQuality,
	}

	status := http.StatusOK
	statusStr := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(a.started).String(),
		"checks":    checks,
	})
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

func (a *App) handleTracing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.tracer.Status())
}

type cacheStats struct {
	cache.Stats
	Codec compress.Snapshot `json:"codec"`
}

func (a *App) handleCacheStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, cacheStats{
		Stats: a.Cache.Stats(r.Context()),
		Codec: a.codec.Snapshot(),
	})
}

func (a *App) handleBatcherStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.Batcher.Stats())
}

func (a *App) handleErrorStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.Errors.GetErrorStats())
}

func (a *App) handleSyncStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.Sync.GetSyncStatus())
}

func (a *App) handleRealtimeStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.Events.Stats())
}

var errNotCached = errors.ErrNotFound.WithDetails("key not cached")

// handleCacheGet reads through the batcher so bursts of admin reads are
// paced like application reads.
func (a *App) handleCacheGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	raw, err := batcher.Submit(r.Context(), a.Batcher, func(ctx context.Context) (json.RawMessage, error) {
		var v json.RawMessage
		if !a.Cache.Get(ctx, key, &v) {
			return nil, errNotCached
		}
		return v, nil
	})
	if err != nil {
		if e, ok := errors.As(err); ok {
			e.WriteJSON(w)
			return
		}
		errors.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (a *App) handleCachePut(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var value json.RawMessage
	if e := readJSON(r, &value); e != nil {
		e.WriteJSON(w)
		return
	}

	q := r.URL.Query()
	var opts cache.SetOptions
	if s := q.Get("ttl"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			errors.ErrBadRequest.WithDetails("invalid ttl").WriteJSON(w)
			return
		}
		opts.TTL = d
	}
	if s := q.Get("priority"); s != "" {
		p, err := cache.ParsePriority(s)
		if err != nil {
			errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		opts.Priority = p
	}
	opts.Tags = splitList(q.Get("tags"))

	key := ps.ByName("key")
	if !a.Cache.Set(r.Context(), key, value, opts) {
		errors.FromStatus(http.StatusInsufficientStorage, nil).WithDetails("value rejected by cache").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "stored": true})
}

func (a *App) handleCacheDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "deleted": a.Cache.Delete(r.Context(), key)})
}

// handleCacheClear removes entries carrying any of the tags query values,
// or everything when no tags are given.
func (a *App) handleCacheClear(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tags := splitList(r.URL.Query().Get("tags"))
	var n int
	if len(tags) > 0 {
		n = a.Cache.ClearByTags(r.Context(), tags...)
	} else {
		n = a.Cache.Clear(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (a *App) handleCacheCleanup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.Cache.Cleanup(r.Context()))
}

func (a *App) handleIntentList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	intents, err := a.Queue.Pending(r.Context())
	if err != nil {
		errors.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

// handleIntentAdd queues the request body as a write intent and tells the
// scheduler about it.
func (a *App) handleIntentAdd(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload json.RawMessage
	if e := readJSON(r, &payload); e != nil {
		e.WriteJSON(w)
		return
	}
	id, err := a.Queue.Enqueue(r.Context(), payload)
	if err != nil {
		errors.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	a.Sync.NotifyPendingOperation()
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (a *App) handleSyncTrigger(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	triggered := a.Sync.TriggerImmediateSync(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": triggered,
		"status":    a.Sync.GetSyncStatus(),
	})
}

func (a *App) handleErrorReset(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n := a.Errors.ResetErrorTracking(r.URL.Query().Get("prefix"))
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

type emitRequest struct {
	Type      string            `json:"type"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Priority  realtime.Priority `json:"priority"`
	UserID    string            `json:"userId,omitempty"`
	Broadcast bool              `json:"broadcast"`
}

func (a *App) handleEmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req emitRequest
	if e := readJSON(r, &req); e != nil {
		e.WriteJSON(w)
		return
	}
	if req.Type == "" {
		errors.ErrBadRequest.WithDetails("type is required").WriteJSON(w)
		return
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	id, err := a.Events.Emit(r.Context(), req.Type, data, realtime.EmitOptions{
		Priority:  req.Priority,
		UserID:    req.UserID,
		Broadcast: req.Broadcast,
	})
	if err != nil {
		errors.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (a *App) handleActivity(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	a.signals.UserActivity()
	w.WriteHeader(http.StatusNoContent)
}

type networkRequest struct {
	Online        bool   `json:"online"`
	EffectiveType string `json:"effective_type"`
}

func (a *App) handleNetwork(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req networkRequest
	if e := readJSON(r, &req); e != nil {
		e.WriteJSON(w)
		return
	}
	a.signals.SetNetwork(signals.Network{Online: req.Online, EffectiveType: req.EffectiveType})
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleVisibility(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Visible bool `json:"visible"`
	}
	if e := readJSON(r, &req); e != nil {
		e.WriteJSON(w)
		return
	}
	a.signals.SetVisible(req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
