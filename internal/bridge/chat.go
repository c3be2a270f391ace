// Package bridge moves chat and notification events between processes over
// the bus and hands them to whatever this process holds locally.
package bridge

import (
	"context"
	"crewlink/backend/internal/bus"
	"crewlink/backend/internal/codec"
	"crewlink/backend/internal/metrics"
	"crewlink/backend/internal/models"
	"sync"

	"go.uber.org/zap"
)

const (
	chatBridge         = "chat"
	notificationBridge = "notification"
)

// LocalBroker is the in-process fan-out for chat topics.
type LocalBroker interface {
	Deliver(topic string, ev models.ChatEvent) bool
}

// ChatBridge publishes chat events on the bus channel named after their topic
// and relays received events to the local broker. A process only listens on
// topics that have at least one local client.
type ChatBridge struct {
	bus     bus.Bus
	broker  LocalBroker
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]*topicRef
}

// topicRef serialises subscription changes of one topic so a slow bus call
// never holds up other topics.
type topicRef struct {
	mu   sync.Mutex
	refs int
	// gone is set once the entry left the map; holders must look it up again.
	gone bool
}

func NewChatBridge(b bus.Bus, broker LocalBroker, log *zap.Logger, m *metrics.Metrics) *ChatBridge {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &ChatBridge{
		bus:     b,
		broker:  broker,
		log:     log.With(zap.String("module", "chat_bridge")),
		metrics: m,
		topics:  make(map[string]*topicRef),
	}
}

// Attach subscribes to topic on its first reference.
func (cb *ChatBridge) Attach(ctx context.Context, topic string) error {
	r := cb.lockTopic(topic)
	defer r.mu.Unlock()
	if r.refs == 0 {
		if err := cb.bus.Subscribe(ctx, topic, cb.handle); err != nil {
			cb.dropTopic(topic, r)
			return err
		}
		cb.log.Debug("topic attached", zap.String("topic", topic))
	}
	r.refs++
	return nil
}

// Detach drops one reference and unsubscribes when none is left.
func (cb *ChatBridge) Detach(ctx context.Context, topic string) error {
	r := cb.lockTopic(topic)
	defer r.mu.Unlock()
	switch {
	case r.refs == 0:
		cb.dropTopic(topic, r)
		return nil
	case r.refs > 1:
		r.refs--
		return nil
	}
	r.refs = 0
	cb.dropTopic(topic, r)
	cb.log.Debug("topic detached", zap.String("topic", topic))
	return cb.bus.Unsubscribe(ctx, topic)
}

// IsAttached reports whether this process listens on topic.
func (cb *ChatBridge) IsAttached(topic string) bool {
	cb.mu.Lock()
	r, ok := cb.topics[topic]
	cb.mu.Unlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.gone && r.refs > 0
}

// lockTopic returns the live entry of topic with its mutex held.
func (cb *ChatBridge) lockTopic(topic string) *topicRef {
	for {
		cb.mu.Lock()
		r, ok := cb.topics[topic]
		if !ok {
			r = &topicRef{}
			cb.topics[topic] = r
		}
		cb.mu.Unlock()

		r.mu.Lock()
		if !r.gone {
			return r
		}
		r.mu.Unlock()
	}
}

// dropTopic removes an unreferenced entry. r.mu must be held.
func (cb *ChatBridge) dropTopic(topic string, r *topicRef) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r.gone = true
	if cb.topics[topic] == r {
		delete(cb.topics, topic)
	}
}

// Publish sends ev to every process listening on topic. Failures are logged
// and dropped: the row behind ev is already committed.
func (cb *ChatBridge) Publish(ctx context.Context, topic string, ev models.ChatEvent) {
	payload, err := codec.Marshal(ev)
	if err != nil {
		cb.metrics.BusPublished.WithLabelValues(chatBridge, metrics.ResultError).Inc()
		cb.log.Error("encode chat event", zap.String("topic", topic), zap.Stringer("event", ev), zap.Error(err))
		return
	}
	if err := cb.bus.Publish(ctx, topic, payload); err != nil {
		cb.metrics.BusPublished.WithLabelValues(chatBridge, metrics.ResultError).Inc()
		cb.log.Warn("publish chat event", zap.String("topic", topic), zap.Stringer("event", ev), zap.Error(err))
		return
	}
	cb.metrics.BusPublished.WithLabelValues(chatBridge, metrics.ResultOK).Inc()
}

func (cb *ChatBridge) handle(_ context.Context, topic string, payload []byte) {
	var ev models.ChatEvent
	if err := codec.Unmarshal(payload, &ev); err != nil {
		cb.metrics.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultError).Inc()
		cb.log.Warn("decode chat event", zap.String("topic", topic), zap.Error(err))
		return
	}

	switch ev.Kind {
	case models.EventTalk, models.EventLeave:
		if cb.broker.Deliver(topic, ev) {
			cb.metrics.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultOK).Inc()
		} else {
			cb.metrics.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultDropped).Inc()
		}
	default:
		cb.metrics.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultError).Inc()
		cb.log.Warn("unknown chat event kind", zap.String("topic", topic), zap.String("kind", string(ev.Kind)))
	}
}
