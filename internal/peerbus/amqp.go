package peerbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/wudi/offlinekit/internal/logging"
	"go.uber.org/zap"
)

var errDeliveriesClosed = errors.New("peerbus: amqp delivery channel closed")

// AMQPBus broadcasts through a fanout exchange named after the channel.
// Each subscription consumes from its own exclusive, auto-deleted queue.
type AMQPBus struct {
	url      string
	exchange string

	mu     sync.Mutex
	conn   *amqp091.Connection
	pubCh  *amqp091.Channel
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAMQPBus returns a bus that connects lazily on first use.
func NewAMQPBus(url, exchange string) *AMQPBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPBus{
		url:      url,
		exchange: exchange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// connectLocked dials and declares the exchange if there is no live
// connection.
func (b *AMQPBus) connectLocked() error {
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return fmt.Errorf("amqp: connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: channel failed: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "fanout", false, true, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("amqp: declare exchange %s: %w", b.exchange, err)
	}
	b.conn = conn
	b.pubCh = ch
	return nil
}

func (b *AMQPBus) dropLocked() {
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = nil
	b.pubCh = nil
}

func (b *AMQPBus) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.connectLocked(); err != nil {
		return err
	}

	err := b.pubCh.PublishWithContext(ctx, b.exchange, "", false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		b.dropLocked()
		return fmt.Errorf("amqp: publish failed: %w", err)
	}
	return nil
}

// Subscribe starts a consumer that reconnects with exponential backoff.
func (b *AMQPBus) Subscribe(fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go b.consumeLoop(ctx, fn)
	return cancel, nil
}

func (b *AMQPBus) consumeLoop(ctx context.Context, fn Handler) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // never give up

	for {
		err := b.consume(ctx, fn, bo)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		logging.Warn("amqp broadcast consumer disconnected, reconnecting",
			zap.String("exchange", b.exchange),
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

func (b *AMQPBus) consume(ctx context.Context, fn Handler, bo backoff.BackOff) error {
	b.mu.Lock()
	if err := b.connectLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		b.mu.Lock()
		b.dropLocked()
		b.mu.Unlock()
		return fmt.Errorf("amqp: channel failed: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume: %w", err)
	}
	bo.Reset()
	logging.Debug("amqp broadcast consumer started", zap.String("exchange", b.exchange), zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			fn(d.Body)
		}
	}
}

// Close stops consumers and closes the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		b.pubCh = nil
		if err != nil && !errors.Is(err, amqp091.ErrClosed) {
			return err
		}
	}
	return nil
}
