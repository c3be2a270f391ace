package storage

import (
	"context"
	"crewlink/backend/internal/models"
	"fmt"
)

// FindNotification looks up the de-duplication key. A nil postID matches rows without a target post.
func (s *Service) FindNotification(ctx context.Context, receiverID uint64, typ models.NotificationType, postID *uint64) (*models.Notification, error) {
	var n models.Notification
	err := s.DB.WithContext(ctx).
		Where("receiver_id = ? AND type = ? AND target_post_key = ?", receiverID, typ, models.PostKey(postID)).
		First(&n).Error
	if err != nil {
		return nil, translate(err, "notification")
	}
	return &n, nil
}

// CreateNotification inserts n; a row with the same de-duplication key is models.ErrConflict.
func (s *Service) CreateNotification(ctx context.Context, n *models.Notification) error {
	n.TargetPostKey = models.PostKey(n.TargetPostID)
	return translate(s.DB.WithContext(ctx).Create(n).Error, "create notification")
}

func (s *Service) GetNotification(ctx context.Context, id uint64) (*models.Notification, error) {
	var n models.Notification
	if err := s.DB.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("notification %d", id))
	}
	return &n, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, id uint64) error {
	res := s.DB.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Update("is_read", true)
	if res.Error != nil {
		return translate(res.Error, "mark notification read")
	}
	if res.RowsAffected == 0 {
		// Already read rows still match the id, so zero means the row is gone.
		var count int64
		if err := s.DB.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return translate(err, "mark notification read")
		}
		if count == 0 {
			return fmt.Errorf("notification %d: %w", id, models.ErrNotFound)
		}
	}
	return nil
}

// ListNotifications returns newest first. limit <= 0 means no limit.
func (s *Service) ListNotifications(ctx context.Context, receiverID uint64, unreadOnly bool, limit int) ([]models.Notification, error) {
	q := s.DB.WithContext(ctx).Where("receiver_id = ?", receiverID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []models.Notification
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, translate(err, "list notifications")
	}
	return out, nil
}

func (s *Service) CountUnread(ctx context.Context, receiverID uint64) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Notification{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Count(&n).Error
	if err != nil {
		return 0, translate(err, "count notifications")
	}
	return n, nil
}
