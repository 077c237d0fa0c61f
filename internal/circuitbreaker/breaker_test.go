package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/offlinekit/internal/config"
)

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{}, nil)

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
}

func TestBreakerClosedToOpen(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{FailureThreshold: 3}, nil)

	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		if err != nil {
			t.Fatal("expected allowed in closed state")
		}
		done(fmt.Errorf("fail"))
	}
	if b.IsOpen() {
		t.Fatal("expected closed after 2 failures")
	}

	done, err := b.Allow()
	if err != nil {
		t.Fatal("expected allowed before recording 3rd failure")
	}
	done(fmt.Errorf("fail"))

	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected open after 3 failures, got %s", snap.State)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerStaysOpenWithoutCooldown(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{FailureThreshold: 1}, nil)
	b.RecordFailure(errors.New("fail"))

	time.Sleep(20 * time.Millisecond)
	if _, err := b.Allow(); err == nil {
		t.Fatal("breaker without cooldown must stay open until reset")
	}
}

func TestBreakerCooldownHalfOpen(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{
		FailureThreshold: 1,
		CircuitCooldown:  50 * time.Millisecond,
	}, nil)

	b.RecordFailure(errors.New("fail"))
	time.Sleep(60 * time.Millisecond)

	done, err := b.Allow()
	if err != nil {
		t.Fatal("expected probe allowed after cooldown")
	}
	if b.State() != gobreaker.StateHalfOpen {
		t.Errorf("expected half-open, got %s", b.State())
	}

	// Only one probe at a time
	if _, err := b.Allow(); err == nil {
		t.Error("expected second half-open request rejected")
	}

	done(nil)
	if b.State() != gobreaker.StateClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{
		FailureThreshold: 1,
		CircuitCooldown:  50 * time.Millisecond,
	}, nil)

	b.RecordFailure(errors.New("fail"))
	time.Sleep(60 * time.Millisecond)

	if !b.RecordFailure(errors.New("still failing")) {
		t.Error("expected failed probe to reopen")
	}
	if !b.IsOpen() {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{FailureThreshold: 3}, nil)

	b.RecordFailure(errors.New("fail"))
	b.RecordFailure(errors.New("fail"))
	b.RecordSuccess()
	b.RecordFailure(errors.New("fail"))
	b.RecordFailure(errors.New("fail"))

	if b.IsOpen() {
		t.Error("expected closed, failures were reset by success")
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := NewBreaker("k", config.RetryConfig{FailureThreshold: 2}, nil)

	done, _ := b.Allow()
	done(nil)
	done, _ = b.Allow()
	done(fmt.Errorf("fail"))
	done, _ = b.Allow()
	done(fmt.Errorf("fail"))

	// Now open, this should be rejected
	b.Allow()

	snap := b.Snapshot()
	if snap.TotalRequests != 4 {
		t.Errorf("expected 4 total requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 1 {
		t.Errorf("expected 1 success, got %d", snap.TotalSuccesses)
	}
	if snap.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.TotalFailures)
	}
	if snap.TotalRejected != 1 {
		t.Errorf("expected 1 rejected, got %d", snap.TotalRejected)
	}
	if snap.LastFailure.IsZero() {
		t.Error("expected last failure time")
	}
}

func TestBreakerByKey(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	bk := NewBreakerByKey(config.RetryConfig{FailureThreshold: 1}, func(key string, from, to gobreaker.State) {
		mu.Lock()
		transitions = append(transitions, key+":"+to.String())
		mu.Unlock()
	})

	if bk.Get("sync:perform") != bk.Get("sync:perform") {
		t.Fatal("expected the same breaker for the same key")
	}
	if _, ok := bk.Lookup("missing"); ok {
		t.Error("Lookup must not create breakers")
	}

	bk.Get("sync:perform").RecordFailure(errors.New("fail"))
	bk.Get("sync:pull").RecordFailure(errors.New("fail"))
	bk.Get("leaderboard:fetch").RecordFailure(errors.New("fail"))

	mu.Lock()
	if len(transitions) != 3 || transitions[0] != "sync:perform:open" {
		t.Errorf("unexpected transitions %v", transitions)
	}
	mu.Unlock()

	if n := bk.Reset("sync:"); n != 2 {
		t.Errorf("Reset removed %d, want 2", n)
	}
	if bk.Get("sync:perform").IsOpen() {
		t.Error("reset breaker should start closed")
	}
	if !bk.Get("leaderboard:fetch").IsOpen() {
		t.Error("breakers outside the prefix must be untouched")
	}

	snaps := bk.Snapshots()
	if snaps["leaderboard:fetch"].State != "open" {
		t.Errorf("snapshot state = %s", snaps["leaderboard:fetch"].State)
	}
}
