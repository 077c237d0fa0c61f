package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCacheMetrics(t *testing.T) {
	c := NewCollector()

	c.RecordCacheOperation("get", "hit")
	c.RecordCacheOperation("get", "hit")
	c.RecordCacheOperation("get", "miss")
	c.RecordCacheEvictions("space", 3)
	c.RecordCacheEvictions("space", 0)
	c.SetCacheSize(2048, 7)

	if got := testutil.ToFloat64(c.cacheOps.WithLabelValues("get", "hit")); got != 2 {
		t.Errorf("expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(c.cacheOps.WithLabelValues("get", "miss")); got != 1 {
		t.Errorf("expected 1 cache miss, got %v", got)
	}
	if got := testutil.ToFloat64(c.cacheEvictions.WithLabelValues("space")); got != 3 {
		t.Errorf("expected 3 evictions, got %v", got)
	}
	if got := testutil.ToFloat64(c.cacheItems); got != 7 {
		t.Errorf("expected 7 items, got %v", got)
	}
}

func TestCollectorCircuitState(t *testing.T) {
	c := NewCollector()

	c.SetCircuitBreakerState("sync:perform", 1)
	if got := testutil.ToFloat64(c.circuitState.WithLabelValues("sync:perform")); got != 1 {
		t.Errorf("expected open (1), got %v", got)
	}

	c.DeleteCircuitBreakerState("sync:perform")
	if n := testutil.CollectAndCount(c.circuitState); n != 0 {
		t.Errorf("expected no series after delete, got %d", n)
	}
}

func TestCollectorSyncAndEvents(t *testing.T) {
	c := NewCollector()

	c.RecordSync("success", 120*time.Millisecond)
	c.SetSyncInterval(2 * time.Minute)
	c.RecordEvent("achievement_unlocked", "local")
	c.RecordDelivery("throttled")
	c.RecordPurged(4)

	if got := testutil.ToFloat64(c.syncRuns.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 sync run, got %v", got)
	}
	if got := testutil.ToFloat64(c.syncInterval); got != 120 {
		t.Errorf("expected interval 120s, got %v", got)
	}
	if got := testutil.ToFloat64(c.eventsPurged); got != 4 {
		t.Errorf("expected 4 purged, got %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordCacheOperation("get", "hit")
	c.RecordQuery("ok")
	c.SetCircuitBreakerState("k", 1)
	c.RecordSync("failure", time.Second)
	c.RecordBroadcast("out", "ok")
}

func TestHandlerExposition(t *testing.T) {
	c := NewCollector()
	c.RecordQuery("ok")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `offlinekit_batcher_queries_total{result="ok"} 1`) {
		t.Errorf("expected batcher counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected runtime collector output")
	}
}
