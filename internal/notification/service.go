// Package notification stores per-user notifications and publishes each new
// one once.
package notification

import (
	"context"
	"crewlink/backend/internal/localization"
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/storage"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// IDGenerator issues row ids.
type IDGenerator interface {
	NextID() (uint64, error)
}

// Publisher fans a committed notification out to every process.
type Publisher interface {
	Publish(ctx context.Context, ev models.NotificationEvent)
}

type Service struct {
	store     storage.NotificationStore
	ids       IDGenerator
	publisher Publisher
	localizer *localization.Localizer
	lang      string
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLanguage sets the language used when NotifyEvent gets none.
func WithLanguage(lang string) Option { return func(s *Service) { s.lang = lang } }

func NewService(store storage.NotificationStore, ids IDGenerator, publisher Publisher, localizer *localization.Localizer, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:     store,
		ids:       ids,
		publisher: publisher,
		localizer: localizer,
		lang:      localization.DefaultLanguage,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With(zap.String("module", "notification")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify stores a notification unless the receiver already has one of the same
// type for the same post, and publishes it after the row is committed.
// A duplicate returns the existing row and created=false.
func (s *Service) Notify(ctx context.Context, receiverID uint64, typ models.NotificationType, postID *uint64, message string) (n *models.Notification, created bool, err error) {
	if receiverID == 0 {
		return nil, false, fmt.Errorf("receiver is required: %w", models.ErrInvalidArgument)
	}
	if !typ.Valid() {
		return nil, false, fmt.Errorf("notification type %q: %w", typ, models.ErrInvalidArgument)
	}
	if postID != nil && *postID == 0 {
		return nil, false, fmt.Errorf("post id 0: %w", models.ErrInvalidArgument)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, false, fmt.Errorf("empty notification message: %w", models.ErrInvalidArgument)
	}

	existing, err := s.store.FindNotification(ctx, receiverID, typ, postID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, false, fmt.Errorf("issue notification id: %w", err)
	}
	n = &models.Notification{
		ID:           id,
		ReceiverID:   receiverID,
		Type:         typ,
		Message:      message,
		TargetPostID: postID,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// A concurrent notify won; that one publishes.
			s.log.Debug("duplicate notification", zap.Uint64("receiver_id", receiverID), zap.String("type", string(typ)))
			existing, ferr := s.store.FindNotification(ctx, receiverID, typ, postID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	s.publisher.Publish(ctx, models.NewNotificationEvent(n))
	s.log.Info("notification created",
		zap.Uint64("notification_id", n.ID), zap.Uint64("receiver_id", receiverID), zap.String("type", string(typ)))
	return n, true, nil
}

// EventRequest describes a domain event to notify about.
type EventRequest struct {
	ReceiverID uint64
	Type       models.NotificationType
	PostID     *uint64
	ActorName  string
	PostTitle  string
	Language   string
}

// NotifyEvent renders the message for req and calls Notify.
func (s *Service) NotifyEvent(ctx context.Context, req EventRequest) (*models.Notification, bool, error) {
	if !req.Type.Valid() {
		return nil, false, fmt.Errorf("notification type %q: %w", req.Type, models.ErrInvalidArgument)
	}
	lang := req.Language
	if lang == "" {
		lang = s.lang
	}
	msg := s.localizer.Notification(lang, req.Type, req.ActorName, req.PostTitle)
	return s.Notify(ctx, req.ReceiverID, req.Type, req.PostID, msg)
}

// MarkAsRead flips the notification to read. Only its receiver may do so.
func (s *Service) MarkAsRead(ctx context.Context, notificationID, userID uint64) error {
	n, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.ReceiverID != userID {
		return fmt.Errorf("notification %d belongs to another user: %w", notificationID, models.ErrForbidden)
	}
	if n.IsRead {
		return nil
	}
	return s.store.MarkNotificationRead(ctx, notificationID)
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID uint64, unreadOnly bool, limit int) ([]models.Notification, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

func (s *Service) CountUnread(ctx context.Context, userID uint64) (int64, error) {
	return s.store.CountUnread(ctx, userID)
}
