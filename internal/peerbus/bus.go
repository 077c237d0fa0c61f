// Package peerbus carries event broadcasts between processes sharing a
// channel. Delivery is best effort and unordered across peers.
package peerbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/offlinekit/internal/config"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("peerbus: closed")

// Handler receives the raw payload of a message on the bus channel.
type Handler func(payload []byte)

// Bus publishes to and subscribes on a single channel. Publishers also
// receive their own messages; receivers filter them.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(fn Handler) (cancel func(), err error)
	Close() error
}

// New builds the bus selected by cfg.Type. It returns nil for "none".
func New(cfg config.BroadcastConfig) (Bus, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalBus(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		return NewRedisBus(client, cfg.Redis.Prefix+cfg.Channel, true), nil
	case "amqp":
		return NewAMQPBus(cfg.AMQP.URL, cfg.Channel), nil
	case "pubsub":
		topic := cfg.PubSub.TopicURL
		if topic == "" {
			topic = "mem://" + cfg.Channel
		}
		return NewPubSubBus(context.Background(), topic, cfg.PubSub.SubscriptionURL)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("peerbus: unknown type %q", cfg.Type)
	}
}

// LocalBus delivers messages to subscribers in the same process,
// synchronously on the publisher's goroutine.
type LocalBus struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]Handler
	closed bool
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]Handler, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

func (b *LocalBus) Subscribe(fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]Handler)
	return nil
}
