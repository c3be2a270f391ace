package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis uses one PubSub connection per process for all subscribed channels.
type Redis struct {
	client *redis.Client
	owned  bool
	log    *zap.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]Handler
	done     chan struct{}
	closed   bool
}

// DialRedis connects and pings before returning.
func DialRedis(ctx context.Context, addr, password string, db int, log *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: redis ping %s: %w", addr, err)
	}
	r := NewRedis(client, log)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. Close does not close the client.
func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client:   client,
		log:      log.With(zap.String("module", "bus.redis")),
		handlers: make(map[string]Handler),
	}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.handlers[channel] = h

	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(ctx, channel)
		r.done = make(chan struct{})
		go r.receive(r.pubsub, r.done)
		return nil
	}
	return r.pubsub.Subscribe(ctx, channel)
}

func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, channel)
	if r.pubsub == nil {
		return nil
	}
	return r.pubsub.Unsubscribe(ctx, channel)
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps, done := r.pubsub, r.done
	r.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
		<-done
	}
	if r.owned {
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Redis) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for msg := range ps.Channel() {
		h := r.handler(msg.Channel)
		if h == nil {
			// Unsubscribed while the message was in flight.
			continue
		}
		h(ctx, msg.Channel, []byte(msg.Payload))
	}
	r.log.Debug("redis subscription closed")
}

func (r *Redis) handler(channel string) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[channel]
}
