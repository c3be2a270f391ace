// Package chat owns room identity, participant state, message persistence and
// read-status bookkeeping. It never publishes; callers publish the returned
// events after the call succeeded, i.e. after the rows are committed.
package chat

import (
	"context"
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/storage"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// IDGenerator issues row ids.
type IDGenerator interface {
	NextID() (uint64, error)
}

type Service struct {
	store   storage.ChatStore
	posts   storage.PostLookup
	ids     IDGenerator
	now     func() time.Time
	maxBody int
	log     *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMaxBody(n int) Option { return func(s *Service) { s.maxBody = n } }

func NewService(store storage.ChatStore, posts storage.PostLookup, ids IDGenerator, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:   store,
		posts:   posts,
		ids:     ids,
		now:     func() time.Time { return time.Now().UTC() },
		maxBody: 4000,
		log:     log.With(zap.String("module", "chat")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type InitiateResult struct {
	TopicID string               `json:"topicId"`
	RoomID  *uint64              `json:"roomId,omitempty,string"`
	Leader  models.PostOwner     `json:"leader"`
	History []models.ChatMessage `json:"history"`
}

// InitiateChat resolves the conversation between the post's leader and the
// requester. It never creates a room: until the first message there is only a topic.
func (s *Service) InitiateChat(ctx context.Context, postID, requesterID uint64) (*InitiateResult, error) {
	owner, err := s.posts.GetPostOwner(ctx, postID)
	if err != nil {
		return nil, err
	}
	if owner.OwnerID == requesterID {
		return nil, fmt.Errorf("leader cannot initiate a chat with themselves: %w", models.ErrForbidden)
	}

	res := &InitiateResult{
		TopicID: TopicFor(postID, owner.OwnerID, requesterID),
		Leader:  *owner,
		History: []models.ChatMessage{},
	}

	room, err := s.store.FindRoomByTriple(ctx, postID, owner.OwnerID, requesterID)
	if errors.Is(err, models.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.requireActive(ctx, room.ID, requesterID); err != nil {
		return nil, err
	}
	history, err := s.store.ListMessages(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	res.RoomID = &room.ID
	res.History = history
	return res, nil
}

type SendRequest struct {
	SenderID   uint64
	PostID     uint64
	RoomID     uint64
	ReceiverID uint64
	Body       string
}

type SendResult struct {
	Message *models.ChatMessage
	Room    *models.ChatRoom
	Topic   string
	Event   models.ChatEvent
}

// ProcessMessage persists one message and the recipient's unread marker.
// Without a RoomID the room is resolved, and created if needed, from the post
// and the sender/receiver pair. A concurrent first message on the same triple
// can surface models.ErrConflict; retrying the call then finds the room.
func (s *Service) ProcessMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, fmt.Errorf("empty message: %w", models.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(body) > s.maxBody {
		return nil, fmt.Errorf("message longer than %d characters: %w", s.maxBody, models.ErrInvalidArgument)
	}

	room, err := s.resolveRoom(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.requireActive(ctx, room.ID, req.SenderID); err != nil {
		return nil, err
	}

	msgID, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("issue message id: %w", err)
	}
	statusID, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("issue read status id: %w", err)
	}

	now := s.now()
	msg := &models.ChatMessage{
		ID:           msgID,
		RoomID:       room.ID,
		SenderUserID: req.SenderID,
		Body:         body,
		CreatedAt:    now,
	}
	status := &models.ReadStatus{
		ID:        statusID,
		RoomID:    room.ID,
		UserID:    room.CounterpartOf(req.SenderID),
		MessageID: msgID,
	}
	if err := s.store.SaveMessage(ctx, msg, status); err != nil {
		return nil, err
	}
	if room.FirstMessageAt == nil {
		room.FirstMessageAt = &now
	}

	return &SendResult{
		Message: msg,
		Room:    room,
		Topic:   TopicForRoom(room),
		Event:   models.TalkEvent(room, msg),
	}, nil
}

func (s *Service) resolveRoom(ctx context.Context, req SendRequest) (*models.ChatRoom, error) {
	if req.RoomID != 0 {
		room, err := s.store.GetRoom(ctx, req.RoomID)
		if err != nil {
			return nil, err
		}
		if room.CounterpartOf(req.SenderID) == 0 {
			return nil, fmt.Errorf("user %d is not in room %d: %w", req.SenderID, room.ID, models.ErrForbidden)
		}
		if req.PostID != 0 && req.PostID != room.PostID {
			return nil, fmt.Errorf("room %d does not belong to post %d: %w", room.ID, req.PostID, models.ErrInvalidArgument)
		}
		return room, nil
	}

	if req.PostID == 0 {
		return nil, fmt.Errorf("postId or roomId is required: %w", models.ErrInvalidArgument)
	}
	owner, err := s.posts.GetPostOwner(ctx, req.PostID)
	if err != nil {
		return nil, err
	}
	leader := owner.OwnerID

	var member uint64
	if req.SenderID == leader {
		if req.ReceiverID == 0 || req.ReceiverID == leader {
			return nil, fmt.Errorf("leader must name a receiver: %w", models.ErrInvalidArgument)
		}
		member = req.ReceiverID
	} else {
		if req.ReceiverID != 0 && req.ReceiverID != leader {
			return nil, fmt.Errorf("members can only talk to the post leader: %w", models.ErrForbidden)
		}
		member = req.SenderID
	}
	return s.findOrCreateRoom(ctx, req.PostID, leader, member)
}

// findOrCreateRoom returns the room of the triple, creating it with both
// participants if absent. Losing a creation race returns models.ErrConflict.
func (s *Service) findOrCreateRoom(ctx context.Context, postID, leaderID, memberID uint64) (*models.ChatRoom, error) {
	room, err := s.store.FindRoomByTriple(ctx, postID, leaderID, memberID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("issue room id: %w", err)
	}
	now := s.now()
	room = &models.ChatRoom{
		ID:             id,
		PostID:         postID,
		LeaderUserID:   leaderID,
		MemberUserID:   memberID,
		FirstMessageAt: &now,
		CreatedAt:      now,
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.log.Info("room created concurrently",
				zap.Uint64("post_id", postID), zap.Uint64("leader_id", leaderID), zap.Uint64("member_id", memberID))
		}
		return nil, err
	}
	s.log.Info("room created", zap.Uint64("room_id", room.ID), zap.Uint64("post_id", postID))
	return room, nil
}

type LeaveResult struct {
	Topic string
	Event models.ChatEvent
}

// LeaveRoom moves userID to LEFT. Leaving twice is a no-op and returns nil.
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID uint64) (*LeaveResult, error) {
	room, err := s.participantRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	changed, err := s.store.MarkParticipantLeft(ctx, roomID, userID, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	s.log.Info("participant left", zap.Uint64("room_id", roomID), zap.Uint64("user_id", userID))
	return &LeaveResult{
		Topic: TopicForRoom(room),
		Event: models.LeaveEvent(room, userID, now),
	}, nil
}

// MessageRead marks everything userID has not read in the room as read and
// returns how many rows changed.
func (s *Service) MessageRead(ctx context.Context, roomID, userID uint64) (int64, error) {
	if _, err := s.participantRoom(ctx, roomID, userID); err != nil {
		return 0, err
	}
	return s.store.MarkRoomRead(ctx, roomID, userID)
}

// GetHistory returns the room's messages oldest first. Members who left lose
// access; the leader keeps it.
func (s *Service) GetHistory(ctx context.Context, roomID, userID uint64) ([]models.ChatMessage, error) {
	room, err := s.participantRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !room.IsLeader(userID) {
		if err := s.requireActive(ctx, roomID, userID); err != nil {
			return nil, err
		}
	}
	return s.store.ListMessages(ctx, roomID)
}

// ListRooms is the polling fallback for clients without a live connection.
func (s *Service) ListRooms(ctx context.Context, userID uint64) ([]models.RoomSummary, error) {
	return s.store.ListRoomsForUser(ctx, userID)
}

// AuthorizeTopic checks that userID may listen on topic: the topic must be
// canonical, name the post's actual leader and include the user, and the user
// must not have left an existing room.
func (s *Service) AuthorizeTopic(ctx context.Context, topic string, userID uint64) (Topic, error) {
	t, err := ParseTopic(topic)
	if err != nil {
		return Topic{}, err
	}
	if userID != t.LeaderID && userID != t.MemberID {
		return Topic{}, fmt.Errorf("user %d is not part of %s: %w", userID, topic, models.ErrForbidden)
	}
	owner, err := s.posts.GetPostOwner(ctx, t.PostID)
	if err != nil {
		return Topic{}, err
	}
	if owner.OwnerID != t.LeaderID || t.LeaderID == t.MemberID {
		return Topic{}, fmt.Errorf("%s does not match post %d: %w", topic, t.PostID, models.ErrForbidden)
	}

	room, err := s.store.FindRoomByTriple(ctx, t.PostID, t.LeaderID, t.MemberID)
	if errors.Is(err, models.ErrNotFound) {
		return t, nil
	}
	if err != nil {
		return Topic{}, err
	}
	if err := s.requireActive(ctx, room.ID, userID); err != nil {
		return Topic{}, err
	}
	return t, nil
}

func (s *Service) participantRoom(ctx context.Context, roomID, userID uint64) (*models.ChatRoom, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.CounterpartOf(userID) == 0 {
		return nil, fmt.Errorf("user %d is not in room %d: %w", userID, roomID, models.ErrForbidden)
	}
	return room, nil
}

func (s *Service) requireActive(ctx context.Context, roomID, userID uint64) error {
	p, err := s.store.GetParticipant(ctx, roomID, userID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("user %d is not in room %d: %w", userID, roomID, models.ErrForbidden)
	}
	if err != nil {
		return err
	}
	if p.State() == models.ParticipantLeft {
		return fmt.Errorf("user %d left room %d: %w", userID, roomID, models.ErrForbidden)
	}
	return nil
}
