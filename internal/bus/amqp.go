package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQP publishes to a direct exchange with the channel name as routing key.
// Each process consumes from its own exclusive, server-named queue and binds
// one routing key per subscribed channel.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	log      *zap.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu       sync.Mutex
	subCh    *amqp.Channel
	handlers map[string]Handler
	closed   bool
	done     chan struct{}
}

// DialAMQP retries the initial dial with exponential backoff until ctx ends.
func DialAMQP(ctx context.Context, url, exchange string, log *zap.Logger) (*AMQP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("module", "bus.amqp"))

	var conn *amqp.Connection
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 30 * time.Second
	bo := backoff.WithContext(eb, ctx)
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			log.Warn("amqp dial failed, retrying", zap.Error(err))
		}
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("bus: amqp dial: %w", err)
	}

	a, err := newAMQP(conn, exchange, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

func newAMQP(conn *amqp.Connection, exchange string, log *zap.Logger) (*AMQP, error) {
	pubCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: amqp publish channel: %w", err)
	}
	if err := pubCh.ExchangeDeclare(
		exchange,
		amqp.ExchangeDirect,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = pubCh.Close()
		return nil, fmt.Errorf("bus: declare exchange %s: %w", exchange, err)
	}

	subCh, err := conn.Channel()
	if err != nil {
		_ = pubCh.Close()
		return nil, fmt.Errorf("bus: amqp consume channel: %w", err)
	}
	q, err := subCh.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		_ = subCh.Close()
		_ = pubCh.Close()
		return nil, fmt.Errorf("bus: declare queue: %w", err)
	}
	deliveries, err := subCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = subCh.Close()
		_ = pubCh.Close()
		return nil, fmt.Errorf("bus: consume %s: %w", q.Name, err)
	}

	a := &AMQP{
		conn:     conn,
		exchange: exchange,
		queue:    q.Name,
		log:      log,
		pubCh:    pubCh,
		subCh:    subCh,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
	go a.receive(deliveries)
	return a, nil
}

func (a *AMQP) Publish(ctx context.Context, channel string, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	return a.pubCh.PublishWithContext(cctx,
		a.exchange,
		channel, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
}

func (a *AMQP) Subscribe(_ context.Context, channel string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, ok := a.handlers[channel]; !ok {
		if err := a.subCh.QueueBind(a.queue, channel, a.exchange, false, nil); err != nil {
			return fmt.Errorf("bus: bind %s: %w", channel, err)
		}
	}
	a.handlers[channel] = h
	return nil
}

func (a *AMQP) Unsubscribe(_ context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[channel]; !ok {
		return nil
	}
	delete(a.handlers, channel)
	if a.closed {
		return nil
	}
	return a.subCh.QueueUnbind(a.queue, channel, a.exchange, nil)
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	_ = a.subCh.Close()
	<-a.done
	_ = a.pubCh.Close()
	return a.conn.Close()
}

func (a *AMQP) receive(deliveries <-chan amqp.Delivery) {
	defer close(a.done)
	ctx := context.Background()
	for d := range deliveries {
		a.mu.Lock()
		h := a.handlers[d.RoutingKey]
		a.mu.Unlock()
		if h != nil {
			h(ctx, d.RoutingKey, d.Body)
		}
	}
	a.log.Debug("amqp deliveries closed", zap.String("queue", a.queue))
}
