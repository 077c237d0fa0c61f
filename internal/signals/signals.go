// Package signals abstracts the environment events the sync scheduler and
// the event bus react to: user activity, network changes and visibility.
package signals

import "sync"

// Network describes the current connection.
type Network struct {
	Online bool
	// EffectiveType is a connection class such as "4g", "wifi" or "2g".
	// Empty when unknown.
	EffectiveType string
}

// Source delivers environment events. Each On method registers a handler
// and returns a function that removes it.
type Source interface {
	OnUserActivity(fn func()) (cancel func())
	OnNetworkChange(fn func(Network)) (cancel func())
	OnVisibilityChange(fn func(visible bool)) (cancel func())
}

type handlers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (h *handlers[T]) add(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.fns, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlers[T]) emit(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Manual is a Source driven by explicit calls. The daemon feeds it from
// the admin API; tests drive it directly. Handlers run synchronously on
// the caller's goroutine.
type Manual struct {
	activity   handlers[struct{}]
	network    handlers[Network]
	visibility handlers[bool]
}

// NewManual returns an idle manual source.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) OnUserActivity(fn func()) func() {
	return m.activity.add(func(struct{}) { fn() })
}

func (m *Manual) OnNetworkChange(fn func(Network)) func() {
	return m.network.add(fn)
}

func (m *Manual) OnVisibilityChange(fn func(bool)) func() {
	return m.visibility.add(fn)
}

// UserActivity reports an input, scroll or touch event.
func (m *Manual) UserActivity() {
	m.activity.emit(struct{}{})
}

// SetNetwork reports a connectivity change.
func (m *Manual) SetNetwork(n Network) {
	m.network.emit(n)
}

// SetVisible reports a visibility or focus change.
func (m *Manual) SetVisible(visible bool) {
	m.visibility.emit(visible)
}
