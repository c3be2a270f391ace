package chathub

import (
	"context"
	"crewlink/backend/internal/models"
	"sync"

	"go.uber.org/zap"
)

// TopicWatcher is told when the first client of a topic arrives on this
// process and when the last one leaves.
type TopicWatcher interface {
	Attach(ctx context.Context, topic string) error
	Detach(ctx context.Context, topic string) error
}

type delivery struct {
	topic string
	event models.ChatEvent
}

type attachResult struct {
	topic string
	err   error
}

// Broker fans chat events out to the clients of a topic on this process.
// All client bookkeeping happens on the Run goroutine. Watcher calls may hit
// the network, so they run on their own goroutines and report back to Run.
type Broker struct {
	topics map[string]map[Client]struct{}
	// pending holds the clients of topics whose Attach is still in flight.
	pending map[string]map[Client]struct{}

	RegisterCh   chan Client
	UnregisterCh chan Client
	deliverCh    chan delivery
	attachedCh   chan attachResult

	watcher TopicWatcher
	log     *zap.Logger

	mu     sync.RWMutex
	counts map[string]int

	done chan struct{}
}

func NewBroker(watcher TopicWatcher, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		topics:       make(map[string]map[Client]struct{}),
		pending:      make(map[string]map[Client]struct{}),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		deliverCh:    make(chan delivery, 256),
		attachedCh:   make(chan attachResult),
		watcher:      watcher,
		log:          log.With(zap.String("module", "chathub")),
		counts:       make(map[string]int),
		done:         make(chan struct{}),
	}
}

// SetWatcher must be called before Run.
func (b *Broker) SetWatcher(w TopicWatcher) { b.watcher = w }

// Run processes registrations and deliveries until ctx ends, then closes every client.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case c := <-b.RegisterCh:
			b.add(ctx, c)

		case c := <-b.UnregisterCh:
			b.remove(ctx, c)

		case r := <-b.attachedCh:
			b.attached(ctx, r)

		case d := <-b.deliverCh:
			b.deliver(ctx, d)

		case <-ctx.Done():
			for _, set := range []map[string]map[Client]struct{}{b.topics, b.pending} {
				for topic, clients := range set {
					for c := range clients {
						c.Close()
					}
					delete(set, topic)
				}
			}
			b.mu.Lock()
			b.counts = make(map[string]int)
			b.mu.Unlock()
			return
		}
	}
}

func (b *Broker) deliver(ctx context.Context, d delivery) {
	for c := range b.topics[d.topic] {
		select {
		case c.GetSendChannel() <- d.event:
		default:
			// Slow client: drop it rather than stall the topic.
			b.log.Warn("client send buffer full, disconnecting",
				zap.String("topic", d.topic), zap.Uint64("user_id", c.GetUserID()))
			b.remove(ctx, c)
		}
	}

	// LEFT is terminal: after the leaver's sockets got the LEAVE event they
	// are closed, so nothing said afterwards reaches them.
	if d.event.Kind == models.EventLeave {
		for c := range b.topics[d.topic] {
			if c.GetUserID() == d.event.SenderID {
				b.log.Debug("closing client of departed participant",
					zap.String("topic", d.topic), zap.Uint64("user_id", c.GetUserID()))
				b.remove(ctx, c)
			}
		}
	}
}

// Register hands c to the Run loop. It returns false once the broker stopped.
func (b *Broker) Register(c Client) bool {
	select {
	case b.RegisterCh <- c:
		return true
	case <-b.done:
		return false
	}
}

// Unregister hands c to the Run loop; a no-op after the broker stopped.
func (b *Broker) Unregister(c Client) {
	select {
	case b.UnregisterCh <- c:
	case <-b.done:
	}
}

// Deliver queues ev for the local clients of topic. Delivery is best-effort:
// when the queue is full the event is dropped.
func (b *Broker) Deliver(topic string, ev models.ChatEvent) bool {
	select {
	case b.deliverCh <- delivery{topic: topic, event: ev}:
		return true
	default:
		b.log.Warn("broker queue full, dropping event", zap.String("topic", topic), zap.Stringer("event", ev))
		return false
	}
}

// ClientCount returns the number of local clients attached to topic.
func (b *Broker) ClientCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[topic]
}

// Done is closed when Run returns.
func (b *Broker) Done() <-chan struct{} { return b.done }

func (b *Broker) add(ctx context.Context, c Client) {
	topic := c.GetTopic()
	if clients, ok := b.topics[topic]; ok {
		clients[c] = struct{}{}
		b.setCount(topic, len(clients))
		b.log.Debug("client registered", zap.String("topic", topic), zap.Uint64("user_id", c.GetUserID()))
		return
	}
	if b.watcher == nil {
		b.topics[topic] = map[Client]struct{}{c: {}}
		b.setCount(topic, 1)
		return
	}

	if waiting, ok := b.pending[topic]; ok {
		waiting[c] = struct{}{}
		return
	}
	b.pending[topic] = map[Client]struct{}{c: {}}
	go func() {
		err := b.watcher.Attach(ctx, topic)
		select {
		case b.attachedCh <- attachResult{topic: topic, err: err}:
		case <-ctx.Done():
		}
	}()
}

// attached moves the clients that waited for topic's Attach into service.
func (b *Broker) attached(ctx context.Context, r attachResult) {
	clients := b.pending[r.topic]
	delete(b.pending, r.topic)

	if r.err != nil {
		b.log.Error("attach topic failed", zap.String("topic", r.topic), zap.Error(r.err))
		for c := range clients {
			c.Close()
		}
		return
	}
	if len(clients) == 0 {
		// Everyone left while the subscription was being set up.
		b.detach(ctx, r.topic)
		return
	}
	b.topics[r.topic] = clients
	b.setCount(r.topic, len(clients))
	b.log.Debug("topic attached", zap.String("topic", r.topic), zap.Int("clients", len(clients)))
}

func (b *Broker) remove(ctx context.Context, c Client) {
	topic := c.GetTopic()
	if waiting, ok := b.pending[topic]; ok {
		if _, ok := waiting[c]; ok {
			delete(waiting, c)
			c.Close()
		}
		return
	}

	clients, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	c.Close()

	if len(clients) == 0 {
		delete(b.topics, topic)
		b.detach(ctx, topic)
	}
	b.setCount(topic, len(clients))
}

func (b *Broker) detach(ctx context.Context, topic string) {
	if b.watcher == nil {
		return
	}
	go func() {
		if err := b.watcher.Detach(ctx, topic); err != nil {
			b.log.Warn("detach topic failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

func (b *Broker) setCount(topic string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 0 {
		delete(b.counts, topic)
		return
	}
	b.counts[topic] = n
}
