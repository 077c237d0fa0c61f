package errors

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// Shapes the admin API writes on its hot paths.
func BenchmarkWriteJSONCacheMiss(b *testing.B) {
	notCached := ErrNotFound.WithDetails("key not cached")
	b.ReportAllocs()
	for b.Loop() {
		notCached.WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkWriteJSONFromStatus(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		FromStatus(http.StatusInsufficientStorage, nil).WithDetails("value rejected by cache").WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkClassifyWrapped(b *testing.B) {
	err := Wrap(FromStatus(http.StatusServiceUnavailable, nil), KindServer, "push intent")
	b.ReportAllocs()
	for b.Loop() {
		if KindOf(err) != KindServer {
			b.Fatal("kind lost through wrap")
		}
	}
}
