package chathub_test

import (
	"context"
	"crewlink/backend/internal/chathub"
	"crewlink/backend/internal/models"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const topicA = "chat/post/42/leader/1/member/2"

func startBroker(t *testing.T, w chathub.TopicWatcher) *chathub.Broker {
	t.Helper()
	b := chathub.NewBroker(w, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-b.Done()
	})
	return b
}

func receive(t *testing.T, c *MockClient) models.ChatEvent {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		return ev
	case <-time.After(time.Second):
		t.Fatal("client did not receive event")
		return models.ChatEvent{}
	}
}

func TestBroker_AttachOnFirstDetachOnLast(t *testing.T) {
	w := new(MockWatcher)
	w.On("Attach", topicA).Return(nil).Once()
	detached := make(chan struct{})
	w.On("Detach", topicA).Return(nil).Once().Run(func(mock.Arguments) { close(detached) })
	b := startBroker(t, w)

	leader := newMockClient(1, topicA, 4)
	member := newMockClient(2, topicA, 4)

	require.True(t, b.Register(leader))
	require.True(t, b.Register(member))
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 2 }, time.Second, 5*time.Millisecond)

	b.Unregister(leader)
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 1 }, time.Second, 5*time.Millisecond)
	w.AssertNotCalled(t, "Detach", topicA)

	b.Unregister(member)
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("topic was not detached")
	}
	w.AssertExpectations(t)

	assert.Equal(t, 1, leader.Closed())
	assert.Equal(t, 1, member.Closed())
}

func TestBroker_DeliverFansOutWithinTopic(t *testing.T) {
	w := new(MockWatcher)
	w.On("Attach", topicA).Return(nil)
	w.On("Attach", "other").Return(nil)
	b := startBroker(t, w)

	a := newMockClient(1, topicA, 4)
	c := newMockClient(2, topicA, 4)
	outsider := newMockClient(3, "other", 4)
	for _, cl := range []*MockClient{a, c, outsider} {
		require.True(t, b.Register(cl))
	}
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 2 && b.ClientCount("other") == 1 }, time.Second, 5*time.Millisecond)

	ev := models.ChatEvent{Kind: models.EventTalk, ID: 9, RoomID: 5, Body: "hi"}
	require.True(t, b.Deliver(topicA, ev))

	assert.Equal(t, ev, receive(t, a))
	assert.Equal(t, ev, receive(t, c))
	select {
	case <-outsider.RecvChannel:
		t.Fatal("event leaked to another topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_DeliverToUnknownTopicIsDropped(t *testing.T) {
	b := startBroker(t, nil)
	assert.True(t, b.Deliver("nobody-here", models.ChatEvent{Kind: models.EventLeave}))
}

func TestBroker_SlowClientIsDisconnected(t *testing.T) {
	w := new(MockWatcher)
	w.On("Attach", topicA).Return(nil)
	w.On("Detach", topicA).Return(nil)
	b := startBroker(t, w)

	slow := newMockClient(1, topicA, 0)
	require.True(t, b.Register(slow))
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 1 }, time.Second, 5*time.Millisecond)
	b.Deliver(topicA, models.ChatEvent{Kind: models.EventTalk})

	require.Eventually(t, func() bool { return slow.Closed() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 0 }, time.Second, 5*time.Millisecond)

	b.Unregister(slow) // late unregister from the read pump is harmless
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, slow.Closed())
}

func TestBroker_AttachFailureRejectsClient(t *testing.T) {
	w := new(MockWatcher)
	w.On("Attach", topicA).Return(errors.New("bus down"))
	b := startBroker(t, w)

	c := newMockClient(1, topicA, 4)
	require.True(t, b.Register(c))
	require.Eventually(t, func() bool { return c.Closed() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.ClientCount(topicA))
}

func TestBroker_LeaveClosesLeaverClients(t *testing.T) {
	b := startBroker(t, nil)

	leader := newMockClient(1, topicA, 4)
	member := newMockClient(2, topicA, 4)
	memberTab := newMockClient(2, topicA, 4)
	for _, cl := range []*MockClient{leader, member, memberTab} {
		require.True(t, b.Register(cl))
	}
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 3 }, time.Second, 5*time.Millisecond)

	leave := models.ChatEvent{Kind: models.EventLeave, RoomID: 5, PostID: 42, SenderID: 2, ReceiverID: 1}
	require.True(t, b.Deliver(topicA, leave))

	// Every socket sees the LEAVE itself, then only the leader stays.
	assert.Equal(t, leave, receive(t, leader))
	assert.Equal(t, leave, receive(t, member))
	assert.Equal(t, leave, receive(t, memberTab))
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, member.Closed())
	assert.Equal(t, 1, memberTab.Closed())
	assert.Zero(t, leader.Closed())

	talk := models.ChatEvent{Kind: models.EventTalk, RoomID: 5, SenderID: 1, ReceiverID: 2, Body: "still there?"}
	require.True(t, b.Deliver(topicA, talk))
	assert.Equal(t, talk, receive(t, leader))
	assert.Empty(t, member.RecvChannel)
	assert.Empty(t, memberTab.RecvChannel)
}

// blockingWatcher holds Attach for one topic until release is closed.
type blockingWatcher struct {
	slow    string
	release chan struct{}
}

func (w *blockingWatcher) Attach(ctx context.Context, topic string) error {
	if topic == w.slow {
		select {
		case <-w.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *blockingWatcher) Detach(context.Context, string) error { return nil }

func TestBroker_SlowAttachDoesNotStallOtherTopics(t *testing.T) {
	w := &blockingWatcher{slow: topicA, release: make(chan struct{})}
	b := startBroker(t, w)

	stuck := newMockClient(1, topicA, 4)
	require.True(t, b.Register(stuck))

	other := newMockClient(3, "other", 4)
	require.True(t, b.Register(other))
	require.Eventually(t, func() bool { return b.ClientCount("other") == 1 }, time.Second, 5*time.Millisecond)

	ev := models.ChatEvent{Kind: models.EventTalk, Body: "hi"}
	require.True(t, b.Deliver("other", ev))
	assert.Equal(t, ev, receive(t, other))
	assert.Zero(t, b.ClientCount(topicA))

	close(w.release)
	require.Eventually(t, func() bool { return b.ClientCount(topicA) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroker_ClientGoneBeforeAttachCompletes(t *testing.T) {
	w := &blockingWatcher{slow: topicA, release: make(chan struct{})}
	b := startBroker(t, w)

	c := newMockClient(1, topicA, 4)
	require.True(t, b.Register(c))
	b.Unregister(c)
	require.Eventually(t, func() bool { return c.Closed() == 1 }, time.Second, 5*time.Millisecond)

	close(w.release)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, b.ClientCount(topicA))
}

func TestBroker_StopClosesClients(t *testing.T) {
	b := chathub.NewBroker(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	c := newMockClient(1, topicA, 4)
	require.True(t, b.Register(c))
	cancel()
	<-b.Done()

	assert.Equal(t, 1, c.Closed())
	assert.False(t, b.Register(newMockClient(2, topicA, 4)))
	b.Unregister(c) // does not block after stop
}
