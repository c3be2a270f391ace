package models

import "time"

// ChatRoom is a 1-on-1 conversation between a post's leader and one member.
// A room exists once per (post, leader, member) and is created on the first message.
type ChatRoom struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	PostID         uint64     `gorm:"not null;uniqueIndex:uniq_chat_room_triple,priority:1" json:"postId,string"`
	LeaderUserID   uint64     `gorm:"not null;uniqueIndex:uniq_chat_room_triple,priority:2;index" json:"leaderUserId,string"`
	MemberUserID   uint64     `gorm:"not null;uniqueIndex:uniq_chat_room_triple,priority:3;index" json:"memberUserId,string"`
	FirstMessageAt *time.Time `json:"firstMessageAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CounterpartOf returns the other side of the conversation, or 0 if userID is not in the room.
func (r *ChatRoom) CounterpartOf(userID uint64) uint64 {
	switch userID {
	case r.LeaderUserID:
		return r.MemberUserID
	case r.MemberUserID:
		return r.LeaderUserID
	}
	return 0
}

func (r *ChatRoom) IsLeader(userID uint64) bool { return r.LeaderUserID == userID }

// ChatParticipant links a user to a room. LeftAt != nil is terminal.
type ChatParticipant struct {
	RoomID   uint64     `gorm:"primaryKey;autoIncrement:false" json:"roomId,string"`
	UserID   uint64     `gorm:"primaryKey;autoIncrement:false;index" json:"userId,string"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

type ParticipantState string

const (
	ParticipantActive ParticipantState = "ACTIVE"
	ParticipantLeft   ParticipantState = "LEFT"
)

func (p *ChatParticipant) State() ParticipantState {
	if p.LeftAt != nil {
		return ParticipantLeft
	}
	return ParticipantActive
}

// RoomSummary is a room as seen by one of its participants.
type RoomSummary struct {
	ChatRoom
	CounterpartID uint64     `json:"counterpartId,string"`
	LeftAt        *time.Time `json:"leftAt,omitempty"`
	UnreadCount   int64      `json:"unreadCount"`
	LastMessageID uint64     `json:"lastMessageId,omitempty,string"`
}
