package bus

import (
	"context"
	"sync"
)

// Network connects Memory buses inside one process. Each Memory stands in for
// one server process, which is how tests exercise cross-process fan-out.
type Network struct {
	mu    sync.RWMutex
	nodes map[*Memory]struct{}
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[*Memory]struct{})}
}

// Join attaches a new node to the network.
func (n *Network) Join() *Memory {
	m := &Memory{network: n, handlers: make(map[string]Handler)}
	n.mu.Lock()
	n.nodes[m] = struct{}{}
	n.mu.Unlock()
	return m
}

func (n *Network) leave(m *Memory) {
	n.mu.Lock()
	delete(n.nodes, m)
	n.mu.Unlock()
}

func (n *Network) snapshot() []*Memory {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Memory, 0, len(n.nodes))
	for m := range n.nodes {
		out = append(out, m)
	}
	return out
}

// Memory delivers synchronously: Publish returns after every subscribed
// node's handler has run.
type Memory struct {
	network *Network

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	for _, node := range m.network.snapshot() {
		if h := node.handler(channel); h != nil {
			// Handlers get their own copy, as they would off the wire.
			h(ctx, channel, append([]byte(nil), payload...))
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handlers[channel] = h
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channel)
	return nil
}

// Subscribed reports whether this node listens on channel.
func (m *Memory) Subscribed(channel string) bool {
	return m.handler(channel) != nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handlers = make(map[string]Handler)
	m.mu.Unlock()
	m.network.leave(m)
	return nil
}

func (m *Memory) handler(channel string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[channel]
}

func (m *Memory) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
