package storage

import (
	"context"
	"crewlink/backend/internal/models"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ChatStore persists rooms, participants, messages and read status.
type ChatStore interface {
	FindRoomByTriple(ctx context.Context, postID, leaderID, memberID uint64) (*models.ChatRoom, error)
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	GetRoom(ctx context.Context, roomID uint64) (*models.ChatRoom, error)
	GetParticipant(ctx context.Context, roomID, userID uint64) (*models.ChatParticipant, error)
	MarkParticipantLeft(ctx context.Context, roomID, userID uint64, at time.Time) (bool, error)

	SaveMessage(ctx context.Context, msg *models.ChatMessage, status *models.ReadStatus) error
	ListMessages(ctx context.Context, roomID uint64) ([]models.ChatMessage, error)
	MarkRoomRead(ctx context.Context, roomID, userID uint64) (int64, error)
	ListRoomsForUser(ctx context.Context, userID uint64) ([]models.RoomSummary, error)
}

// NotificationStore persists notifications.
type NotificationStore interface {
	FindNotification(ctx context.Context, receiverID uint64, typ models.NotificationType, postID *uint64) (*models.Notification, error)
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id uint64) (*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id uint64) error
	ListNotifications(ctx context.Context, receiverID uint64, unreadOnly bool, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, receiverID uint64) (int64, error)
}

// PostLookup resolves a post to its owner.
type PostLookup interface {
	GetPostOwner(ctx context.Context, postID uint64) (*models.PostOwner, error)
}

type Storage interface {
	ChatStore
	NotificationStore
	PostLookup
}

// Service is the gorm implementation of Storage.
type Service struct {
	DB *gorm.DB
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

const slowQuery = 200 * time.Millisecond

// Open connects to driver ("postgres", "mysql" or "sqlite") with unique violations
// translated to gorm.ErrDuplicatedKey. Slow queries and errors go to log;
// a missing row is an expected outcome and is not logged.
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	if log == nil {
		log = zap.NewNop()
	}
	std, err := zap.NewStdLogAt(log.Named("gorm"), zapcore.WarnLevel)
	if err != nil {
		return nil, fmt.Errorf("storage: gorm logger: %w", err)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(std, gormlogger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	return db, nil
}

// Migrate creates or updates every table the realtime side owns, plus the
// user/post read models (owned elsewhere in production, created here for dev and tests).
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Post{},
		&models.ChatRoom{},
		&models.ChatParticipant{},
		&models.ChatMessage{},
		&models.ReadStatus{},
		&models.Notification{},
	)
}

func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate maps gorm errors onto the models taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	case isDuplicate(err):
		return fmt.Errorf("%s: %w: %v", what, models.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// isDuplicate also matches raw driver messages for dialects that do not translate.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}
