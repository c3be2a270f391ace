package bridge

import (
	"context"
	"crewlink/backend/internal/bus"
	"crewlink/backend/internal/metrics"
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/registry"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const topic = "chat/post/42/leader/1/member/2"

var ctx = context.Background()

type delivered struct {
	topic string
	event models.ChatEvent
}

type recordingBroker struct {
	mu   sync.Mutex
	got  []delivered
	full bool
}

func (b *recordingBroker) Deliver(topic string, ev models.ChatEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return false
	}
	b.got = append(b.got, delivered{topic, ev})
	return true
}

func (b *recordingBroker) events() []delivered {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivered(nil), b.got...)
}

func talk(body string) models.ChatEvent {
	return models.ChatEvent{
		Kind:       models.EventTalk,
		ID:         1 << 40,
		RoomID:     7,
		PostID:     42,
		SenderID:   2,
		ReceiverID: 1,
		Body:       body,
		CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChatBridge_RelaysAcrossProcesses(t *testing.T) {
	network := bus.NewNetwork()
	m := metrics.Nop()

	brokerA, brokerB := &recordingBroker{}, &recordingBroker{}
	a := NewChatBridge(network.Join(), brokerA, zaptest.NewLogger(t), m)
	b := NewChatBridge(network.Join(), brokerB, zaptest.NewLogger(t), m)

	require.NoError(t, b.Attach(ctx, topic))

	ev := talk("hi")
	a.Publish(ctx, topic, ev)

	got := brokerB.events()
	require.Len(t, got, 1)
	assert.Equal(t, topic, got[0].topic)
	assert.Equal(t, ev, got[0].event)
	assert.Empty(t, brokerA.events(), "A has no local client on the topic")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusPublished.WithLabelValues(chatBridge, metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultOK)))
}

func TestChatBridge_LeaveEvent(t *testing.T) {
	network := bus.NewNetwork()
	broker := &recordingBroker{}
	cb := NewChatBridge(network.Join(), broker, zaptest.NewLogger(t), nil)
	require.NoError(t, cb.Attach(ctx, topic))

	room := &models.ChatRoom{ID: 7, PostID: 42, LeaderUserID: 1, MemberUserID: 2}
	leave := models.LeaveEvent(room, 2, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	NewChatBridge(network.Join(), &recordingBroker{}, nil, nil).Publish(ctx, topic, leave)

	got := broker.events()
	require.Len(t, got, 1)
	assert.Equal(t, models.EventLeave, got[0].event.Kind)
	assert.EqualValues(t, 1, got[0].event.ReceiverID)
}

func TestChatBridge_RefCounting(t *testing.T) {
	node := bus.NewNetwork().Join()
	cb := NewChatBridge(node, &recordingBroker{}, zaptest.NewLogger(t), nil)

	require.NoError(t, cb.Attach(ctx, topic))
	require.NoError(t, cb.Attach(ctx, topic))
	assert.True(t, node.Subscribed(topic))

	require.NoError(t, cb.Detach(ctx, topic))
	assert.True(t, cb.IsAttached(topic))
	assert.True(t, node.Subscribed(topic))

	require.NoError(t, cb.Detach(ctx, topic))
	assert.False(t, cb.IsAttached(topic))
	assert.False(t, node.Subscribed(topic))

	// Detaching an unknown topic is harmless.
	require.NoError(t, cb.Detach(ctx, topic))
}

func TestChatBridge_AttachFailureTakesNoReference(t *testing.T) {
	node := bus.NewNetwork().Join()
	require.NoError(t, node.Close())
	cb := NewChatBridge(node, &recordingBroker{}, zaptest.NewLogger(t), nil)

	assert.ErrorIs(t, cb.Attach(ctx, topic), bus.ErrClosed)
	assert.False(t, cb.IsAttached(topic))
}

// stallingBus holds Subscribe on one channel until release is closed.
type stallingBus struct {
	bus.Bus
	channel string
	entered chan struct{}
	release chan struct{}
}

func (b *stallingBus) Subscribe(ctx context.Context, channel string, h bus.Handler) error {
	if channel == b.channel {
		close(b.entered)
		<-b.release
	}
	return b.Bus.Subscribe(ctx, channel, h)
}

func TestChatBridge_SlowSubscribeDoesNotBlockOtherTopics(t *testing.T) {
	const other = "chat/post/43/leader/1/member/3"
	node := bus.NewNetwork().Join()
	sb := &stallingBus{Bus: node, channel: topic, entered: make(chan struct{}), release: make(chan struct{})}
	cb := NewChatBridge(sb, &recordingBroker{}, zaptest.NewLogger(t), nil)

	attached := make(chan error, 1)
	go func() { attached <- cb.Attach(ctx, topic) }()
	<-sb.entered

	done := make(chan error, 1)
	go func() { done <- cb.Attach(ctx, other) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("attach of another topic waited on a stalled subscribe")
	}
	assert.True(t, cb.IsAttached(other))

	close(sb.release)
	require.NoError(t, <-attached)
	assert.True(t, node.Subscribed(topic))
}

func TestChatBridge_DropsUndecodableAndUnknownKinds(t *testing.T) {
	network := bus.NewNetwork()
	m := metrics.Nop()
	broker := &recordingBroker{}
	cb := NewChatBridge(network.Join(), broker, zaptest.NewLogger(t), m)
	require.NoError(t, cb.Attach(ctx, topic))

	raw := network.Join()
	require.NoError(t, raw.Publish(ctx, topic, []byte("{not json")))
	require.NoError(t, raw.Publish(ctx, topic, []byte(`{"kind":"JOIN","roomId":"7"}`)))

	assert.Empty(t, broker.events())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultError)))
}

func TestChatBridge_FullBrokerCountsDrop(t *testing.T) {
	network := bus.NewNetwork()
	m := metrics.Nop()
	cb := NewChatBridge(network.Join(), &recordingBroker{full: true}, zaptest.NewLogger(t), m)
	require.NoError(t, cb.Attach(ctx, topic))

	cb.Publish(ctx, topic, talk("hi"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeReceived.WithLabelValues(chatBridge, metrics.ResultDropped)))
}

func TestChatBridge_PublishFailureIsSwallowed(t *testing.T) {
	node := bus.NewNetwork().Join()
	require.NoError(t, node.Close())
	m := metrics.Nop()
	cb := NewChatBridge(node, &recordingBroker{}, zaptest.NewLogger(t), m)

	assert.NotPanics(t, func() { cb.Publish(ctx, topic, talk("hi")) })
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusPublished.WithLabelValues(chatBridge, metrics.ResultError)))
}

func nextEvent(t *testing.T, c *registry.Connection) registry.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return registry.Event{}
	}
}

func TestNotificationBridge_DeliversWhereConnected(t *testing.T) {
	network := bus.NewNetwork()
	m := metrics.Nop()
	const channel = "notification:test"

	regA := registry.New(registry.Config{IdleTimeout: time.Minute, Buffer: 4}, zaptest.NewLogger(t), m)
	regB := registry.New(registry.Config{IdleTimeout: time.Minute, Buffer: 4}, zaptest.NewLogger(t), m)
	a := NewNotificationBridge(network.Join(), channel, regA, zaptest.NewLogger(t), m)
	b := NewNotificationBridge(network.Join(), channel, regB, zaptest.NewLogger(t), m)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	conn := regB.Subscribe(5)
	defer conn.Complete()
	assert.Equal(t, registry.EventConnect, nextEvent(t, conn).Name)

	post := uint64(7)
	ev := models.NotificationEvent{ID: 99, ReceiverID: 5, Type: models.NotificationProposalSent, Message: "hello", TargetPostID: &post}
	a.Publish(ctx, ev)

	got := nextEvent(t, conn)
	assert.Equal(t, registry.EventNotification, got.Name)
	assert.Equal(t, ev, got.Data)

	// A received and dropped it, B delivered it.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeReceived.WithLabelValues(notificationBridge, metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeReceived.WithLabelValues(notificationBridge, metrics.ResultDropped)))
}

func TestNotificationBridge_Stop(t *testing.T) {
	node := bus.NewNetwork().Join()
	reg := registry.New(registry.Config{IdleTimeout: time.Minute, Buffer: 4}, nil, nil)
	nb := NewNotificationBridge(node, "n", reg, zaptest.NewLogger(t), nil)

	require.NoError(t, nb.Start(ctx))
	assert.True(t, node.Subscribed("n"))
	require.NoError(t, nb.Stop(ctx))
	assert.False(t, node.Subscribed("n"))
}
