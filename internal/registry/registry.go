// Package registry tracks the live push connections held by this process,
// at most one per user.
package registry

import (
	"crewlink/backend/internal/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	EventConnect      = "connect"
	EventNotification = "notification"
)

type Config struct {
	IdleTimeout time.Duration
	Buffer      int
}

type Registry struct {
	conns sync.Map // uint64 -> *Connection
	count atomic.Int64

	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, log *zap.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Registry{
		cfg:     cfg,
		log:     log.With(zap.String("module", "registry")),
		metrics: m,
	}
}

// Subscribe registers a new connection for userID and sends the handshake.
// An earlier connection of the same user on this process is ended with ErrReplaced.
func (r *Registry) Subscribe(userID uint64) *Connection {
	c := newConnection(ulid.Make().String(), userID, r.cfg.Buffer, r.cfg.IdleTimeout)
	c.onFinish = r.release
	c.push(Event{Name: EventConnect, Data: Handshake{UserID: userID, ConnectionID: c.ID}})

	r.count.Add(1)
	r.metrics.PushConnections.Inc()

	if old, loaded := r.conns.Swap(userID, c); loaded {
		old.(*Connection).finish(ErrReplaced)
	}
	c.startTimer()

	r.log.Debug("connection registered", zap.Uint64("user_id", userID), zap.String("connection_id", c.ID))
	return c
}

// SendToUser pushes ev to the user's local connection. It returns false when
// there is none or the push failed; a failed connection is removed.
func (r *Registry) SendToUser(userID uint64, ev Event) bool {
	v, ok := r.conns.Load(userID)
	if !ok {
		return false
	}
	c := v.(*Connection)
	if c.push(ev) {
		r.metrics.PushSent.WithLabelValues(metrics.ResultOK).Inc()
		return true
	}

	r.metrics.PushSent.WithLabelValues(metrics.ResultError).Inc()
	r.log.Warn("push failed, dropping connection",
		zap.Uint64("user_id", userID),
		zap.String("connection_id", c.ID),
		zap.String("event", ev.Name))
	c.Fail(ErrPushFailed)
	return false
}

// Lookup returns the user's live connection on this process.
func (r *Registry) Lookup(userID uint64) (*Connection, bool) {
	v, ok := r.conns.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Len is the number of live connections.
func (r *Registry) Len() int { return int(r.count.Load()) }

// CloseAll fails every connection with ErrClosed. Used on shutdown.
func (r *Registry) CloseAll() {
	r.conns.Range(func(_, v any) bool {
		v.(*Connection).finish(ErrClosed)
		return true
	})
}

// release runs once per connection. It only removes the entry if it still
// points at c, so a replaced connection never evicts its successor.
func (r *Registry) release(c *Connection, err error) {
	r.conns.CompareAndDelete(c.UserID, c)
	r.count.Add(-1)
	r.metrics.PushConnections.Dec()

	fields := []zap.Field{zap.Uint64("user_id", c.UserID), zap.String("connection_id", c.ID)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.log.Debug("connection released", fields...)
}
