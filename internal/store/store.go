// Package store defines the persistent key/value collaborator the cache and
// sync layers sit on, with in-memory and Redis implementations.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a table-scoped key/value store. Values are opaque bytes; callers
// own their encoding. Implementations must be safe for concurrent use.
type Store interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, table, key string) ([]byte, bool, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error
	GetAll(ctx context.Context, table string) (map[string][]byte, error)
	Close() error
}
