package bus

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Postgres truncates identifiers past 63 bytes, which would merge topics.
const maxPGChannel = 63

// PGChannel maps a bus channel to a Postgres notification channel. Short names
// pass through; long ones are replaced by a hash.
func PGChannel(channel string) string {
	if len(channel) <= maxPGChannel {
		return channel
	}
	return "bus_" + strconv.FormatUint(xxhash.Sum64String(channel), 16)
}

// PGNotify rides on LISTEN/NOTIFY. Payloads are limited to 8000 bytes by Postgres.
type PGNotify struct {
	db       *sql.DB
	listener *pq.Listener
	log      *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler // keyed by Postgres channel
	names    map[string]string  // Postgres channel -> bus channel
	closed   bool
	stop     chan struct{}
	done     chan struct{}
}

func DialPGNotify(ctx context.Context, dsn string, log *zap.Logger) (*PGNotify, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("module", "bus.pgnotify"))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("bus: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bus: ping postgres: %w", err)
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})

	p := &PGNotify{
		db:       db,
		listener: listener,
		log:      log,
		handlers: make(map[string]Handler),
		names:    make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.receive()
	return p, nil
}

func (p *PGNotify) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", PGChannel(channel), string(payload))
	return err
}

func (p *PGNotify) Subscribe(_ context.Context, channel string, h Handler) error {
	name := PGChannel(channel)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.handlers[name]; !ok {
		if err := p.listener.Listen(name); err != nil && err != pq.ErrChannelAlreadyOpen {
			return fmt.Errorf("bus: listen %s: %w", channel, err)
		}
	}
	p.handlers[name] = h
	p.names[name] = channel
	return nil
}

func (p *PGNotify) Unsubscribe(_ context.Context, channel string) error {
	name := PGChannel(channel)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[name]; !ok {
		return nil
	}
	delete(p.handlers, name)
	delete(p.names, name)
	if err := p.listener.Unlisten(name); err != nil && err != pq.ErrChannelNotOpen {
		return err
	}
	return nil
}

func (p *PGNotify) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	err := p.listener.Close()
	if cerr := p.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *PGNotify) receive() {
	defer close(p.done)
	ctx := context.Background()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-p.stop:
			return
		case n := <-p.listener.Notify:
			if n == nil {
				// Reconnected; notifications sent in between are lost.
				p.log.Info("listener reconnected")
				continue
			}
			p.mu.Lock()
			h, channel := p.handlers[n.Channel], p.names[n.Channel]
			p.mu.Unlock()
			if h != nil {
				h(ctx, channel, []byte(n.Extra))
			}
		case <-ping.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.log.Warn("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}
