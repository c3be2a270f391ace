package chathub_test

import (
	"context"
	"crewlink/backend/internal/models"
	"sync"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	userID      uint64
	topic       string
	RecvChannel chan models.ChatEvent

	mu     sync.Mutex
	closed int
}

func newMockClient(userID uint64, topic string, buffer int) *MockClient {
	return &MockClient{
		userID:      userID,
		topic:       topic,
		RecvChannel: make(chan models.ChatEvent, buffer),
	}
}

func (c *MockClient) GetUserID() uint64 { return c.userID }

func (c *MockClient) GetTopic() string { return c.topic }

func (c *MockClient) GetSendChannel() chan<- models.ChatEvent { return c.RecvChannel }

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *MockClient) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MockWatcher records topic attach/detach calls.
type MockWatcher struct {
	mock.Mock
}

func (w *MockWatcher) Attach(ctx context.Context, topic string) error {
	return w.Called(topic).Error(0)
}

func (w *MockWatcher) Detach(ctx context.Context, topic string) error {
	return w.Called(topic).Error(0)
}
