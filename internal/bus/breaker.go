package bus

import (
	"context"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// breakerBus fails publishes fast while the transport keeps failing.
type breakerBus struct {
	Bus
	breaker *cb.CircuitBreaker
}

// WithBreaker opens after 5 consecutive publish failures and probes again after 10s.
func WithBreaker(b Bus, name string, log *zap.Logger) Bus {
	if log == nil {
		log = zap.NewNop()
	}
	settings := cb.Settings{
		Name:        "bus." + name,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("bus circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &breakerBus{Bus: b, breaker: cb.NewCircuitBreaker(settings)}
}

func (b *breakerBus) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.Bus.Publish(ctx, channel, payload)
	})
	return err
}
