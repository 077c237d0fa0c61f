package peerbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wudi/offlinekit/internal/logging"
	"go.uber.org/zap"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // mem:// topics for single-process deployments and tests
)

// PubSubBus broadcasts over a Go CDK topic, so any provider with a
// registered URL scheme can carry events. Every Subscribe opens its own
// subscription; the provider must deliver each message to all of them.
type PubSubBus struct {
	subscriptionURL string
	topic           *pubsub.Topic

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   []*pubsub.Subscription
	closed bool
}

// NewPubSubBus opens the topic at topicURL. subscriptionURL defaults to
// topicURL, which is how mem:// subscriptions are addressed.
func NewPubSubBus(ctx context.Context, topicURL, subscriptionURL string) (*PubSubBus, error) {
	if subscriptionURL == "" {
		subscriptionURL = topicURL
	}
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("peerbus: open topic %s: %w", topicURL, err)
	}
	bctx, cancel := context.WithCancel(context.Background())
	return &PubSubBus{
		subscriptionURL: subscriptionURL,
		topic:           topic,
		ctx:             bctx,
		cancel:          cancel,
	}, nil
}

func (b *PubSubBus) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.topic.Send(ctx, &pubsub.Message{Body: payload})
}

func (b *PubSubBus) Subscribe(fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub, err := pubsub.OpenSubscription(b.ctx, b.subscriptionURL)
	if err != nil {
		return nil, fmt.Errorf("peerbus: open subscription %s: %w", b.subscriptionURL, err)
	}
	b.subs = append(b.subs, sub)

	ctx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go b.receiveLoop(ctx, sub, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Shutdown(context.Background())
		})
	}, nil
}

func (b *PubSubBus) receiveLoop(ctx context.Context, sub *pubsub.Subscription, fn Handler) {
	defer b.wg.Done()
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("pubsub broadcast subscription stopped",
					zap.String("subscription", b.subscriptionURL),
					zap.Error(err),
				)
			}
			return
		}
		msg.Ack()
		fn(msg.Body)
	}
}

func (b *PubSubBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	b.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		sub.Shutdown(ctx)
	}
	b.wg.Wait()
	return b.topic.Shutdown(ctx)
}
