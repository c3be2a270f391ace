package registry_test

import (
	"crewlink/backend/internal/metrics"
	"crewlink/backend/internal/registry"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRegistry(t *testing.T, idle time.Duration, buffer int) (*registry.Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.Nop()
	r := registry.New(registry.Config{IdleTimeout: idle, Buffer: buffer}, zaptest.NewLogger(t), m)
	// Live idle timers must not fire after the test's logger is gone.
	t.Cleanup(r.CloseAll)
	return r, m
}

func next(t *testing.T, c *registry.Connection) registry.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return registry.Event{}
	}
}

func TestSubscribe_SendsHandshake(t *testing.T) {
	r, m := newRegistry(t, time.Minute, 4)
	c := r.Subscribe(7)

	ev := next(t, c)
	assert.Equal(t, registry.EventConnect, ev.Name)
	hs, ok := ev.Data.(registry.Handshake)
	require.True(t, ok)
	assert.Equal(t, uint64(7), hs.UserID)
	assert.Equal(t, c.ID, hs.ConnectionID)
	assert.Len(t, c.ID, 26, "ulid")

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushConnections))
}

func TestSendToUser_Delivers(t *testing.T) {
	r, _ := newRegistry(t, time.Minute, 4)
	c := r.Subscribe(7)
	next(t, c)

	ok := r.SendToUser(7, registry.Event{Name: registry.EventNotification, Data: "hello"})
	assert.True(t, ok)
	assert.Equal(t, "hello", next(t, c).Data)
}

func TestSendToUser_NoLocalConnectionIsNoop(t *testing.T) {
	r, m := newRegistry(t, time.Minute, 4)
	assert.False(t, r.SendToUser(99, registry.Event{Name: registry.EventNotification}))
	assert.Zero(t, testutil.ToFloat64(m.PushSent.WithLabelValues(metrics.ResultError)))
}

func TestSubscribe_ReplacesPriorConnection(t *testing.T) {
	r, m := newRegistry(t, time.Minute, 4)
	first := r.Subscribe(7)
	second := r.Subscribe(7)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced connection was not closed")
	}
	assert.ErrorIs(t, first.Err(), registry.ErrReplaced)

	got, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Same(t, second, got, "old connection's release must not evict the new one")
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushConnections))

	next(t, second)
	assert.True(t, r.SendToUser(7, registry.Event{Name: "x"}))
	assert.Equal(t, "x", next(t, second).Name)
}

func TestComplete_Deregisters(t *testing.T) {
	r, _ := newRegistry(t, time.Minute, 4)
	c := r.Subscribe(7)
	c.Complete()

	_, ok := r.Lookup(7)
	assert.False(t, ok)
	assert.NoError(t, c.Err())
	assert.Zero(t, r.Len())
	assert.False(t, r.SendToUser(7, registry.Event{Name: "x"}))
}

func TestFail_Deregisters(t *testing.T) {
	r, _ := newRegistry(t, time.Minute, 4)
	c := r.Subscribe(7)
	c.Fail(assert.AnError)

	_, ok := r.Lookup(7)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Err(), assert.AnError)

	c.Complete()
	assert.ErrorIs(t, c.Err(), assert.AnError, "first terminal event wins")
	assert.Zero(t, r.Len())
}

func TestIdleTimeout_Deregisters(t *testing.T) {
	r, _ := newRegistry(t, 30*time.Millisecond, 4)
	c := r.Subscribe(7)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("idle connection was not torn down")
	}
	assert.ErrorIs(t, c.Err(), registry.ErrIdleTimeout)
	_, ok := r.Lookup(7)
	assert.False(t, ok)
	assert.False(t, r.SendToUser(7, registry.Event{Name: "late"}))
}

func TestIdleTimeout_ResetByPush(t *testing.T) {
	r, _ := newRegistry(t, 80*time.Millisecond, 64)
	c := r.Subscribe(7)

	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, r.SendToUser(7, registry.Event{Name: "tick"}), "push %d", i)
	}
	select {
	case <-c.Done():
		t.Fatal("connection timed out despite activity")
	default:
	}
}

func TestCloseAll_StopsIdleTimers(t *testing.T) {
	r, _ := newRegistry(t, 30*time.Millisecond, 4)
	c := r.Subscribe(7)

	r.CloseAll()
	time.Sleep(60 * time.Millisecond)

	assert.ErrorIs(t, c.Err(), registry.ErrClosed, "the idle timer must not end it a second time")
	assert.Zero(t, r.Len())
}

func TestSendToUser_FullBufferDropsConnection(t *testing.T) {
	r, m := newRegistry(t, time.Minute, 1)
	c := r.Subscribe(7) // handshake fills the buffer

	assert.False(t, r.SendToUser(7, registry.Event{Name: "overflow"}))
	assert.ErrorIs(t, c.Err(), registry.ErrPushFailed)
	_, ok := r.Lookup(7)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PushSent.WithLabelValues(metrics.ResultError)))
}

func TestCloseAll(t *testing.T) {
	r, _ := newRegistry(t, time.Minute, 4)
	a, b := r.Subscribe(1), r.Subscribe(2)
	r.CloseAll()

	assert.ErrorIs(t, a.Err(), registry.ErrClosed)
	assert.ErrorIs(t, b.Err(), registry.ErrClosed)
	assert.Zero(t, r.Len())
}

func TestConcurrentSubscribeAndSend(t *testing.T) {
	r, _ := newRegistry(t, time.Minute, 8)

	var wg sync.WaitGroup
	for u := uint64(1); u <= 20; u++ {
		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func(u uint64) {
				defer wg.Done()
				r.Subscribe(u)
			}(u)
			go func(u uint64) {
				defer wg.Done()
				r.SendToUser(u, registry.Event{Name: "x"})
			}(u)
		}
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 20, "at most one live connection per user")
}
