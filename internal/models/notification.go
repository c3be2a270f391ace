package models

import "time"

type NotificationType string

const (
	NotificationProposalSent         NotificationType = "PROPOSAL_SENT"
	NotificationProposalAccepted     NotificationType = "PROPOSAL_ACCEPTED"
	NotificationProposalRejected     NotificationType = "PROPOSAL_REJECTED"
	NotificationApplicationSubmitted NotificationType = "APPLICATION_SUBMITTED"
	NotificationApplicationAccepted  NotificationType = "APPLICATION_ACCEPTED"
	NotificationApplicationRejected  NotificationType = "APPLICATION_REJECTED"
	NotificationFeedbackReceived     NotificationType = "FEEDBACK_RECEIVED"
	NotificationChatRequested        NotificationType = "CHAT_REQUESTED"
)

var notificationTypes = map[NotificationType]struct{}{
	NotificationProposalSent:         {},
	NotificationProposalAccepted:     {},
	NotificationProposalRejected:     {},
	NotificationApplicationSubmitted: {},
	NotificationApplicationAccepted:  {},
	NotificationApplicationRejected:  {},
	NotificationFeedbackReceived:     {},
	NotificationChatRequested:        {},
}

func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

// Notification is de-duplicated by (ReceiverID, Type, TargetPostKey).
// TargetPostKey mirrors TargetPostID with 0 for "no post", so rows without a
// post still collide in the unique index.
type Notification struct {
	ID            uint64           `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	ReceiverID    uint64           `gorm:"not null;uniqueIndex:uniq_notification_event,priority:1;index:idx_notification_unread,priority:1" json:"receiverId,string"`
	Type          NotificationType `gorm:"type:varchar(40);not null;uniqueIndex:uniq_notification_event,priority:2" json:"type"`
	Message       string           `gorm:"type:text;not null" json:"message"`
	TargetPostID  *uint64          `json:"targetPostId,omitempty,string"`
	TargetPostKey uint64           `gorm:"not null;default:0;uniqueIndex:uniq_notification_event,priority:3" json:"-"`
	IsRead        bool             `gorm:"not null;default:false;index:idx_notification_unread,priority:2" json:"isRead"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// PostKey is the de-duplication value of postID.
func PostKey(postID *uint64) uint64 {
	if postID == nil {
		return 0
	}
	return *postID
}
