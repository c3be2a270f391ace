package bridge

import (
	"context"
	"crewlink/backend/internal/bus"
	"crewlink/backend/internal/codec"
	"crewlink/backend/internal/metrics"
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/registry"

	"go.uber.org/zap"
)

// Pusher delivers to a user's live connection on this process.
type Pusher interface {
	SendToUser(userID uint64, ev registry.Event) bool
}

// NotificationBridge broadcasts every notification on one channel. Each
// process pushes the ones whose receiver it holds a connection for and
// drops the rest.
type NotificationBridge struct {
	bus     bus.Bus
	channel string
	pusher  Pusher
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewNotificationBridge(b bus.Bus, channel string, pusher Pusher, log *zap.Logger, m *metrics.Metrics) *NotificationBridge {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &NotificationBridge{
		bus:     b,
		channel: channel,
		pusher:  pusher,
		log:     log.With(zap.String("module", "notification_bridge"), zap.String("channel", channel)),
		metrics: m,
	}
}

// Start subscribes this process to the shared channel.
func (nb *NotificationBridge) Start(ctx context.Context) error {
	return nb.bus.Subscribe(ctx, nb.channel, nb.handle)
}

func (nb *NotificationBridge) Stop(ctx context.Context) error {
	return nb.bus.Unsubscribe(ctx, nb.channel)
}

// Publish is best-effort; failures are logged.
func (nb *NotificationBridge) Publish(ctx context.Context, ev models.NotificationEvent) {
	payload, err := codec.Marshal(ev)
	if err != nil {
		nb.metrics.BusPublished.WithLabelValues(notificationBridge, metrics.ResultError).Inc()
		nb.log.Error("encode notification", zap.Uint64("receiver_id", ev.ReceiverID), zap.Error(err))
		return
	}
	if err := nb.bus.Publish(ctx, nb.channel, payload); err != nil {
		nb.metrics.BusPublished.WithLabelValues(notificationBridge, metrics.ResultError).Inc()
		nb.log.Warn("publish notification", zap.Uint64("receiver_id", ev.ReceiverID), zap.Error(err))
		return
	}
	nb.metrics.BusPublished.WithLabelValues(notificationBridge, metrics.ResultOK).Inc()
}

func (nb *NotificationBridge) handle(_ context.Context, _ string, payload []byte) {
	var ev models.NotificationEvent
	if err := codec.Unmarshal(payload, &ev); err != nil {
		nb.metrics.BridgeReceived.WithLabelValues(notificationBridge, metrics.ResultError).Inc()
		nb.log.Warn("decode notification", zap.Error(err))
		return
	}
	if nb.pusher.SendToUser(ev.ReceiverID, registry.Event{Name: registry.EventNotification, Data: ev}) {
		nb.metrics.BridgeReceived.WithLabelValues(notificationBridge, metrics.ResultOK).Inc()
		return
	}
	// Usually the receiver is connected to another process, or not at all.
	nb.metrics.BridgeReceived.WithLabelValues(notificationBridge, metrics.ResultDropped).Inc()
}
