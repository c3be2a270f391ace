package storage

import (
	"context"
	"crewlink/backend/internal/models"
	"fmt"
	"time"

	"gorm.io/gorm"
)

func (s *Service) FindRoomByTriple(ctx context.Context, postID, leaderID, memberID uint64) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.WithContext(ctx).
		Where("post_id = ? AND leader_user_id = ? AND member_user_id = ?", postID, leaderID, memberID).
		First(&room).Error
	if err != nil {
		return nil, translate(err, "chat room")
	}
	return &room, nil
}

// CreateRoom inserts the room and both participant rows in one transaction.
// A concurrent insert of the same triple yields models.ErrConflict.
func (s *Service) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	joined := room.CreatedAt
	if joined.IsZero() {
		joined = time.Now().UTC()
		room.CreatedAt = joined
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		participants := []models.ChatParticipant{
			{RoomID: room.ID, UserID: room.LeaderUserID, JoinedAt: joined},
			{RoomID: room.ID, UserID: room.MemberUserID, JoinedAt: joined},
		}
		return tx.Create(&participants).Error
	})
	return translate(err, "create chat room")
}

func (s *Service) GetRoom(ctx context.Context, roomID uint64) (*models.ChatRoom, error) {
	var room models.ChatRoom
	if err := s.DB.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("chat room %d", roomID))
	}
	return &room, nil
}

func (s *Service) GetParticipant(ctx context.Context, roomID, userID uint64) (*models.ChatParticipant, error) {
	var p models.ChatParticipant
	err := s.DB.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&p).Error
	if err != nil {
		return nil, translate(err, "chat participant")
	}
	return &p, nil
}

// MarkParticipantLeft reports whether this call made the transition. A second
// call for the same participant changes nothing and returns false.
func (s *Service) MarkParticipantLeft(ctx context.Context, roomID, userID uint64, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
		Update("left_at", at)
	if res.Error != nil {
		return false, translate(res.Error, "leave chat room")
	}
	return res.RowsAffected > 0, nil
}

// SaveMessage commits the message, the recipient's unread row and the room's
// first_message_at (only while still NULL) as one unit.
func (s *Service) SaveMessage(ctx context.Context, msg *models.ChatMessage, status *models.ReadStatus) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if status != nil {
			if err := tx.Create(status).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.ChatRoom{}).
			Where("id = ? AND first_message_at IS NULL", msg.RoomID).
			Update("first_message_at", msg.CreatedAt).Error
	})
	return translate(err, "save chat message")
}

// ListMessages returns the room's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, roomID uint64) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.DB.WithContext(ctx).
		Where("room_id = ? AND deleted = ?", roomID, false).
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err, "list chat messages")
	}
	return msgs, nil
}

// MarkRoomRead flips every unread row of userID in roomID and returns how many flipped.
func (s *Service) MarkRoomRead(ctx context.Context, roomID, userID uint64) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.ReadStatus{}).
		Where("room_id = ? AND user_id = ? AND is_read = ?", roomID, userID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, translate(res.Error, "mark chat room read")
	}
	return res.RowsAffected, nil
}

type roomRow struct {
	models.ChatRoom
	LeftAt        *time.Time
	UnreadCount   int64
	LastMessageID uint64
}

// ListRoomsForUser returns the user's rooms, most recent activity first.
func (s *Service) ListRoomsForUser(ctx context.Context, userID uint64) ([]models.RoomSummary, error) {
	var rows []roomRow
	err := s.DB.WithContext(ctx).Raw(`
		SELECT r.*, p.left_at AS left_at,
			(SELECT COUNT(*) FROM read_statuses rs
				WHERE rs.room_id = r.id AND rs.user_id = ? AND rs.is_read = ?) AS unread_count,
			(SELECT COALESCE(MAX(m.id), 0) FROM chat_messages m WHERE m.room_id = r.id) AS last_message_id
		FROM chat_rooms r
		JOIN chat_participants p ON p.room_id = r.id AND p.user_id = ?
		ORDER BY last_message_id DESC, r.id DESC`,
		userID, false, userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, translate(err, "list chat rooms")
	}

	out := make([]models.RoomSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.RoomSummary{
			ChatRoom:      r.ChatRoom,
			CounterpartID: r.ChatRoom.CounterpartOf(userID),
			LeftAt:        r.LeftAt,
			UnreadCount:   r.UnreadCount,
			LastMessageID: r.LastMessageID,
		})
	}
	return out, nil
}
