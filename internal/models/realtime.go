package models

import (
	"fmt"
	"time"
)

// EventKind discriminates chat events on the bus.
type EventKind string

const (
	EventTalk  EventKind = "TALK"
	EventLeave EventKind = "LEAVE"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventTalk, EventLeave:
		return true
	}
	return false
}

// ChatEvent is the chat variant of the bus payload. It is never persisted.
type ChatEvent struct {
	Kind       EventKind `json:"kind"`
	ID         uint64    `json:"id,string"`
	RoomID     uint64    `json:"roomId,string"`
	PostID     uint64    `json:"postId,string"`
	SenderID   uint64    `json:"senderId,string"`
	ReceiverID uint64    `json:"receiverId,omitempty,string"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TalkEvent builds the event published after msg has been committed.
func TalkEvent(room *ChatRoom, msg *ChatMessage) ChatEvent {
	return ChatEvent{
		Kind:       EventTalk,
		ID:         msg.ID,
		RoomID:     room.ID,
		PostID:     room.PostID,
		SenderID:   msg.SenderUserID,
		ReceiverID: room.CounterpartOf(msg.SenderUserID),
		Body:       msg.Body,
		CreatedAt:  msg.CreatedAt,
	}
}

// LeaveEvent builds the event published after userID left room.
func LeaveEvent(room *ChatRoom, userID uint64, at time.Time) ChatEvent {
	return ChatEvent{
		Kind:       EventLeave,
		RoomID:     room.ID,
		PostID:     room.PostID,
		SenderID:   userID,
		ReceiverID: room.CounterpartOf(userID),
		CreatedAt:  at,
	}
}

func (e ChatEvent) String() string {
	return fmt.Sprintf("%s room=%d sender=%d id=%d", e.Kind, e.RoomID, e.SenderID, e.ID)
}

// NotificationEvent is the notification variant of the bus payload.
type NotificationEvent struct {
	ID           uint64           `json:"id,omitempty,string"`
	ReceiverID   uint64           `json:"receiverId,string"`
	Type         NotificationType `json:"type"`
	Message      string           `json:"message"`
	TargetPostID *uint64          `json:"targetPostId,omitempty,string"`
	CreatedAt    time.Time        `json:"createdAt"`
}

func NewNotificationEvent(n *Notification) NotificationEvent {
	return NotificationEvent{
		ID:           n.ID,
		ReceiverID:   n.ReceiverID,
		Type:         n.Type,
		Message:      n.Message,
		TargetPostID: n.TargetPostID,
		CreatedAt:    n.CreatedAt,
	}
}
