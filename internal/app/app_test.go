package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/errors"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/peerbus"
	"github.com/wudi/offlinekit/internal/realtime"
	"github.com/wudi/offlinekit/internal/retry"
	"github.com/wudi/offlinekit/internal/syncfreq"
	"go.uber.org/zap/zapcore"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Realtime.TickInterval = 5 * time.Millisecond
	cfg.Realtime.DispatchYield = 0
	cfg.Realtime.DefaultThrottle = 0
	// Keep retries beyond the next scheduled run so only explicit triggers sync.
	cfg.Retry.BaseDelay = 5 * time.Minute
	cfg.Retry.MaxDelay = 10 * time.Minute
	return cfg
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, http.Handler) {
	t.Helper()
	a, err := New(cfg, "", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Close)
	return a, a.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCacheEndpoints(t *testing.T) {
	_, h := startApp(t, testConfig())

	w := do(t, h, "PUT", "/cache/profile?ttl=1h&priority=high&tags=user,profile", `{"name":"kim"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, h, "GET", "/cache/profile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"name":"kim"}` {
		t.Errorf("GET body = %s", got)
	}

	stats := decode[map[string]any](t, do(t, h, "GET", "/stats/cache", ""))
	if stats["item_count"] != float64(1) {
		t.Errorf("item_count = %v", stats["item_count"])
	}
	if _, ok := stats["codec"]; !ok {
		t.Error("cache stats missing codec snapshot")
	}

	cleared := decode[map[string]int](t, do(t, h, "DELETE", "/cache?tags=profile", ""))
	if cleared["removed"] != 1 {
		t.Errorf("removed = %d, want 1", cleared["removed"])
	}

	w = do(t, h, "GET", "/cache/profile", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after clear status = %d, want 404", w.Code)
	}
}

func TestCachePutValidation(t *testing.T) {
	_, h := startApp(t, testConfig())

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"invalid json", "/cache/k", `{`},
		{"bad ttl", "/cache/k?ttl=soon", `1`},
		{"bad priority", "/cache/k?priority=urgent", `1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, "PUT", tt.target, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestIntentSyncFlow(t *testing.T) {
	var mu sync.Mutex
	var pushed []string
	pusher := func(ctx context.Context, in Intent) error {
		mu.Lock()
		pushed = append(pushed, string(in.Payload))
		mu.Unlock()
		return nil
	}
	a, h := startApp(t, testConfig(), WithPusher(pusher))

	var announced atomic.Int32
	if _, err := a.Events.Subscribe(EventSyncCompleted, func(ev realtime.Event) {
		if res, ok := ev.Data.(syncfreq.Result); ok && res.Synced == 2 {
			announced.Add(1)
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, body := range []string{`{"op":"a"}`, `{"op":"b"}`} {
		if w := do(t, h, "POST", "/sync/intents", body); w.Code != http.StatusAccepted {
			t.Fatalf("POST /sync/intents status = %d", w.Code)
		}
	}
	if intents := decode[[]Intent](t, do(t, h, "GET", "/sync/intents", "")); len(intents) != 2 {
		t.Fatalf("pending intents = %d, want 2", len(intents))
	}

	trig := decode[map[string]any](t, do(t, h, "POST", "/sync/trigger", ""))
	if trig["triggered"] != true {
		t.Fatalf("trigger response = %v", trig)
	}

	mu.Lock()
	if len(pushed) != 2 || pushed[0] != `{"op":"a"}` {
		t.Errorf("pushed = %v", pushed)
	}
	mu.Unlock()

	if intents := decode[[]Intent](t, do(t, h, "GET", "/sync/intents", "")); len(intents) != 0 {
		t.Errorf("pending after sync = %d", len(intents))
	}
	st := decode[syncfreq.Status](t, do(t, h, "GET", "/stats/sync", ""))
	if st.Runs != 1 || st.LastResult == nil || st.LastResult.Synced != 2 {
		t.Errorf("sync status = %+v", st)
	}

	waitFor(t, time.Second, func() bool { return announced.Load() == 1 })

	// A second trigger inside min_interval is refused.
	trig = decode[map[string]any](t, do(t, h, "POST", "/sync/trigger", ""))
	if trig["triggered"] != false {
		t.Errorf("second trigger = %v, want refused", trig["triggered"])
	}
}

func TestSyncFailureTrackedAndReset(t *testing.T) {
	pusher := func(ctx context.Context, in Intent) error {
		return errors.FromStatus(http.StatusServiceUnavailable, nil)
	}
	_, h := startApp(t, testConfig(), WithPusher(pusher))

	do(t, h, "POST", "/sync/intents", `{"op":"a"}`)
	do(t, h, "POST", "/sync/trigger", "")

	stats := decode[map[string]retry.ErrorStat](t, do(t, h, "GET", "/stats/errors", ""))
	stat, ok := stats[syncfreq.ErrorKey]
	if !ok {
		t.Fatalf("error stats = %v, want %s tracked", stats, syncfreq.ErrorKey)
	}
	if stat.LastType != retry.ErrorServer || stat.Count != 1 {
		t.Errorf("stat = %+v", stat)
	}

	intents := decode[[]Intent](t, do(t, h, "GET", "/sync/intents", ""))
	if len(intents) != 1 || intents[0].Attempts != 1 {
		t.Errorf("intents after failure = %+v", intents)
	}

	reset := decode[map[string]int](t, do(t, h, "POST", "/errors/reset?prefix=sync:", ""))
	if reset["reset"] != 1 {
		t.Errorf("reset = %d, want 1", reset["reset"])
	}
	if stats := decode[map[string]retry.ErrorStat](t, do(t, h, "GET", "/stats/errors", "")); len(stats) != 0 {
		t.Errorf("error stats after reset = %v", stats)
	}
}

func TestEmitEndpoint(t *testing.T) {
	a, h := startApp(t, testConfig())

	got := make(chan realtime.Event, 1)
	a.Events.Subscribe("leaderboard_update", func(ev realtime.Event) { got <- ev })

	w := do(t, h, "POST", "/events", `{"type":"leaderboard_update","data":{"rank":3},"priority":"critical","userId":"u1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	select {
	case ev := <-got:
		if ev.Priority != realtime.PriorityCritical || ev.UserID != "u1" {
			t.Errorf("event = %+v", ev)
		}
		if raw, ok := ev.Data.(json.RawMessage); !ok || string(raw) != `{"rank":3}` {
			t.Errorf("data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	if w := do(t, h, "POST", "/events", `{"data":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing type status = %d, want 400", w.Code)
	}
}

func TestBroadcastBetweenApps(t *testing.T) {
	bus := peerbus.NewLocalBus()
	a1, _ := startApp(t, testConfig(), WithBus(bus))
	a2, h2 := startApp(t, testConfig(), WithBus(bus))

	got := make(chan realtime.Event, 1)
	a1.Events.Subscribe("achievement_unlocked", func(ev realtime.Event) { got <- ev })

	do(t, h2, "POST", "/events", `{"type":"achievement_unlocked","broadcast":true}`)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("broadcast event not delivered to peer")
	}
	if a2.Events.Stats().Emitted != 1 {
		t.Errorf("emitted = %d", a2.Events.Stats().Emitted)
	}
}

func TestSignalEndpoints(t *testing.T) {
	a, h := startApp(t, testConfig())

	if w := do(t, h, "POST", "/signals/visibility", `{"visible":false}`); w.Code != http.StatusNoContent {
		t.Fatalf("visibility status = %d", w.Code)
	}
	if !a.Events.IsPaused() {
		t.Error("events not paused after hidden signal")
	}
	do(t, h, "POST", "/signals/visibility", `{"visible":true}`)
	if a.Events.IsPaused() {
		t.Error("events still paused after visible signal")
	}

	do(t, h, "POST", "/signals/network", `{"online":true,"effective_type":"2g"}`)
	if q := a.Sync.GetSyncStatus().NetworkQuality; q != syncfreq.QualitySlow {
		t.Errorf("quality = %s, want slow", q)
	}
	do(t, h, "POST", "/signals/network", `{"online":false}`)
	if q := a.Sync.GetSyncStatus().NetworkQuality; q != syncfreq.QualityOffline {
		t.Errorf("quality = %s, want offline", q)
	}

	if w := do(t, h, "POST", "/signals/activity", ""); w.Code != http.StatusNoContent {
		t.Errorf("activity status = %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, h := startApp(t, testConfig())

	w := do(t, h, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	if body := decode[map[string]any](t, w); body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}

	do(t, h, "PUT", "/cache/k", `1`)
	w = do(t, h, "GET", "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "offlinekit_cache_operations_total") {
		t.Errorf("metrics status = %d, body lacks cache metrics", w.Code)
	}

	w = do(t, h, "GET", "/nope", "")
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "Not Found") {
		t.Errorf("unknown route = %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Metrics = false
	_, h := startApp(t, cfg)

	if w := do(t, h, "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestApplyConfig(t *testing.T) {
	a, _ := startApp(t, testConfig())
	defer logging.SetLevel("info")

	next := testConfig()
	next.Logging.Level = "debug"
	next.Sync.ActiveUserInterval = 90 * time.Second
	a.applyConfig(next)

	if logging.Level() != zapcore.DebugLevel {
		t.Errorf("level = %v, want debug", logging.Level())
	}
	if got := a.Sync.GetSyncStatus().ActiveUserInterval; got != 90*time.Second {
		t.Errorf("active interval = %v, want 90s", got)
	}

	bad := testConfig()
	bad.Sync.MinInterval = time.Hour
	a.applyConfig(bad)
	if got := a.Sync.GetSyncStatus().ActiveUserInterval; got != 90*time.Second {
		t.Errorf("invalid config applied: active interval = %v", got)
	}
}

func TestNewRejectsUnknownStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Type = "sqlite"
	if _, err := New(cfg, ""); err == nil {
		t.Error("expected error for unknown store type")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Address = "127.0.0.1:0"
	a, err := New(cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := a.Events.Emit(context.Background(), "x", nil, realtime.EmitOptions{}); err != realtime.ErrClosed {
		t.Errorf("Emit after shutdown = %v, want ErrClosed", err)
	}
}
