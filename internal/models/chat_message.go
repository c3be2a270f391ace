package models

import "time"

// ChatMessage is an append-only message. Ids are issued by idgen, so ordering
// by id is ordering by creation time.
type ChatMessage struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	RoomID       uint64    `gorm:"not null;index:idx_room_msg" json:"roomId,string"`
	SenderUserID uint64    `gorm:"not null" json:"senderUserId,string"`
	Body         string    `gorm:"type:text;not null" json:"body"`
	CreatedAt    time.Time `gorm:"not null" json:"createdAt"`
	Deleted      bool      `gorm:"not null;default:false" json:"deleted"`
}

// ReadStatus tracks whether one recipient has read one message.
// There is exactly one row per (message, recipient) and never one for the sender.
type ReadStatus struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	RoomID    uint64 `gorm:"not null;index:idx_read_room_user,priority:1"`
	UserID    uint64 `gorm:"not null;index:idx_read_room_user,priority:2;uniqueIndex:uniq_read_message_user,priority:2"`
	MessageID uint64 `gorm:"not null;uniqueIndex:uniq_read_message_user,priority:1"`
	IsRead    bool   `gorm:"not null;default:false;index:idx_read_room_user,priority:3"`
}

func (ReadStatus) TableName() string { return "read_statuses" }
