// Package handler holds the gin handlers of the realtime service.
package handler

import (
	"context"
	"crewlink/backend/internal/chat"
	"crewlink/backend/internal/chathub"
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/notification"
	"crewlink/backend/internal/registry"

	"go.uber.org/zap"
)

// ChatPublisher sends committed chat events to every process.
type ChatPublisher interface {
	Publish(ctx context.Context, topic string, ev models.ChatEvent)
}

// Deps is everything the handlers need.
type Deps struct {
	Chat          *chat.Service
	Notifications *notification.Service
	Broker        *chathub.Broker
	Registry      *registry.Registry
	ChatBridge    ChatPublisher
	Auth          *Authenticator
	// SendRetries bounds the retries of a send that lost a room-creation race.
	SendRetries int
	// Health reports whether the process can serve; nil means always healthy.
	Health func(ctx context.Context) error
	Log    *zap.Logger
}

// Handler holds the services, the local broker and the connection registry.
type Handler struct {
	chat          *chat.Service
	notifications *notification.Service
	broker        *chathub.Broker
	registry      *registry.Registry
	chatBridge    ChatPublisher
	auth          *Authenticator
	sendRetries   int
	health        func(ctx context.Context) error
	log           *zap.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		chat:          d.Chat,
		notifications: d.Notifications,
		broker:        d.Broker,
		registry:      d.Registry,
		chatBridge:    d.ChatBridge,
		auth:          d.Auth,
		sendRetries:   d.SendRetries,
		health:        d.Health,
		log:           log.With(zap.String("module", "http")),
	}
}
