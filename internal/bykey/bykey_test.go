package bykey

import (
	"sort"
	"sync"
	"testing"
)

func TestAddGet(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)

	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("expected miss")
	}
}

func TestGetOrCreateOnce(t *testing.T) {
	m := New[*int]()
	var created int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GetOrCreate("k", func() *int {
				mu.Lock()
				created++
				mu.Unlock()
				v := 0
				return &v
			})
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("create called %d times, want 1", created)
	}
}

func TestDeleteByPrefix(t *testing.T) {
	m := New[int]()
	m.Add("sync:perform", 1)
	m.Add("sync:pull", 2)
	m.Add("cache:get", 3)

	if n := m.DeleteByPrefix("sync:"); n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	keys := m.Keys()
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "cache:get" {
		t.Fatalf("remaining keys = %v", keys)
	}

	if n := m.DeleteByPrefix(""); n != 1 {
		t.Fatalf("empty prefix deleted %d, want 1", n)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
}

func TestCollectStats(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)
	m.Add("b", 2)

	stats := CollectStats(m, func(v int) int { return v * 10 })
	if stats["a"] != 10 || stats["b"] != 20 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestClearAndRangeStop(t *testing.T) {
	m := New[int]()
	m.Add("a", 1)
	m.Add("b", 2)

	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Fatalf("Range visited %d, want 1", seen)
	}

	m.Clear()
	if m.Len() != 0 {
		t.Fatal("expected empty after Clear")
	}
	m.Add("c", 3)
	if m.Len() != 1 {
		t.Fatal("Add after Clear should work")
	}
}
