package chathub

import "crewlink/backend/internal/models"

// Client is one subscriber of a chat topic on this process.
type Client interface {
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() uint64
	// GetTopic returns the chat topic the client is attached to.
	GetTopic() string

	// GetSendChannel returns the channel the broker delivers events on.
	GetSendChannel() chan<- models.ChatEvent

	// Run starts the client's read and write pumps.
	Run()
	// Close stops the write pump. The broker calls it exactly once, when the
	// client is removed.
	Close()
}
