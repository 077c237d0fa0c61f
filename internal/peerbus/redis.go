package peerbus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/offlinekit/internal/logging"
	"go.uber.org/zap"
)

// RedisBus broadcasts over Redis Pub/Sub.
type RedisBus struct {
	client     *redis.Client
	channel    string
	ownsClient bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRedisBus creates a bus on channel. When ownsClient is set, Close
// also closes the client.
func NewRedisBus(client *redis.Client, channel string, ownsClient bool) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:     client,
		channel:    channel,
		ownsClient: ownsClient,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe starts a receive loop that resubscribes with exponential
// backoff whenever the subscription cannot be confirmed.
func (b *RedisBus) Subscribe(fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go b.receiveLoop(ctx, fn)
	return cancel, nil
}

func (b *RedisBus) receiveLoop(ctx context.Context, fn Handler) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up

	for {
		err := b.receive(ctx, fn, bo)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		logging.Warn("redis broadcast subscription lost, retrying",
			zap.String("channel", b.channel),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBus) receive(ctx context.Context, fn Handler, bo backoff.BackOff) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	bo.Reset()
	logging.Debug("redis broadcast subscribed", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			fn([]byte(msg.Payload))
		}
	}
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops every receive loop.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
