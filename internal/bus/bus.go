// Package bus is the cross-process pub/sub transport used by the bridges.
//
// Delivery is at-most-once. A process only receives messages for channels it
// subscribed to, and handlers for one driver run on a single goroutine, so a
// slow handler delays the others.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Handler receives one message. It must not block for long.
type Handler func(ctx context.Context, channel string, payload []byte)

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers h for channel, replacing an earlier handler.
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

var ErrClosed = errors.New("bus: closed")

const publishTimeout = 5 * time.Second

type Options struct {
	Driver string // redis|amqp|postgres|memory

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string

	PGNotifyDSN string

	// Network is joined by the memory driver. Nil creates a private one.
	Network *Network

	// Breaker wraps Publish in a circuit breaker when true.
	Breaker bool
}

// Open connects the configured driver.
func Open(ctx context.Context, opts Options, log *zap.Logger) (Bus, error) {
	var (
		b   Bus
		err error
	)
	switch opts.Driver {
	case "redis":
		b, err = DialRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, log)
	case "amqp":
		b, err = DialAMQP(ctx, opts.AMQPURL, opts.AMQPExchange, log)
	case "postgres":
		b, err = DialPGNotify(ctx, opts.PGNotifyDSN, log)
	case "memory":
		network := opts.Network
		if network == nil {
			network = NewNetwork()
		}
		b = network.Join()
	default:
		return nil, fmt.Errorf("bus: unknown driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if opts.Breaker {
		b = WithBreaker(b, opts.Driver, log)
	}
	return b, nil
}
