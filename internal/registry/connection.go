package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrIdleTimeout = errors.New("registry: idle timeout")
	ErrReplaced    = errors.New("registry: replaced by a newer connection")
	ErrPushFailed  = errors.New("registry: push failed")
	ErrClosed      = errors.New("registry: closed")
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data any
}

// Handshake is the payload of the first event on every connection.
type Handshake struct {
	UserID       uint64 `json:"userId,string"`
	ConnectionID string `json:"connectionId"`
}

// Connection is one live push stream of a user. The transport drains Events
// until Done is closed.
type Connection struct {
	ID     string
	UserID uint64

	events chan Event
	done   chan struct{}
	once   sync.Once
	err    error

	idle     time.Duration
	timer    *time.Timer
	timerMu  sync.Mutex
	onFinish func(*Connection, error)
}

func newConnection(id string, userID uint64, buffer int, idle time.Duration) *Connection {
	if buffer < 1 {
		buffer = 1
	}
	return &Connection{
		ID:     id,
		UserID: userID,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		idle:   idle,
	}
}

// Events is never closed; select on Done as well.
func (c *Connection) Events() <-chan Event { return c.events }

func (c *Connection) Done() <-chan struct{} { return c.done }

// Err is nil while live or after Complete; otherwise the reason it ended.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Complete ends the connection normally, e.g. when the client went away.
func (c *Connection) Complete() { c.finish(nil) }

// Fail ends the connection with err.
func (c *Connection) Fail(err error) { c.finish(err) }

func (c *Connection) finish(err error) {
	c.once.Do(func() {
		c.err = err
		c.stopTimer()
		close(c.done)
		if c.onFinish != nil {
			c.onFinish(c, err)
		}
	})
}

// push enqueues ev without blocking. It returns false if the connection is
// finished or its buffer is full.
func (c *Connection) push(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		c.resetTimer()
		return true
	default:
		return false
	}
}

func (c *Connection) startTimer() {
	if c.idle <= 0 {
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.timer = time.AfterFunc(c.idle, func() { c.finish(ErrIdleTimeout) })
}

func (c *Connection) resetTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Reset(c.idle)
	}
}

func (c *Connection) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}
