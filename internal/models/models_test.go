package models_test

import (
	"crewlink/backend/internal/models"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRoom_CounterpartOf(t *testing.T) {
	room := &models.ChatRoom{ID: 1, PostID: 42, LeaderUserID: 10, MemberUserID: 20}

	assert.Equal(t, uint64(20), room.CounterpartOf(10))
	assert.Equal(t, uint64(10), room.CounterpartOf(20))
	assert.Zero(t, room.CounterpartOf(30), "outsider has no counterpart")
	assert.True(t, room.IsLeader(10))
	assert.False(t, room.IsLeader(20))
}

func TestChatParticipant_State(t *testing.T) {
	p := &models.ChatParticipant{RoomID: 1, UserID: 2}
	assert.Equal(t, models.ParticipantActive, p.State())

	now := time.Now()
	p.LeftAt = &now
	assert.Equal(t, models.ParticipantLeft, p.State())
}

func TestTalkEvent_FromMessage(t *testing.T) {
	room := &models.ChatRoom{ID: 7, PostID: 42, LeaderUserID: 10, MemberUserID: 20}
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &models.ChatMessage{ID: 99, RoomID: 7, SenderUserID: 20, Body: "hi", CreatedAt: at}

	ev := models.TalkEvent(room, msg)

	assert.Equal(t, models.EventTalk, ev.Kind)
	assert.Equal(t, uint64(99), ev.ID)
	assert.Equal(t, uint64(42), ev.PostID)
	assert.Equal(t, uint64(20), ev.SenderID)
	assert.Equal(t, uint64(10), ev.ReceiverID)
	assert.Equal(t, "hi", ev.Body)
	assert.True(t, ev.Kind.Valid())
}

func TestLeaveEvent_HasNoBody(t *testing.T) {
	room := &models.ChatRoom{ID: 7, PostID: 42, LeaderUserID: 10, MemberUserID: 20}
	ev := models.LeaveEvent(room, 20, time.Now())

	assert.Equal(t, models.EventLeave, ev.Kind)
	assert.Zero(t, ev.ID)
	assert.Empty(t, ev.Body)
	assert.Equal(t, uint64(10), ev.ReceiverID)
}

func TestEventKind_Valid(t *testing.T) {
	assert.False(t, models.EventKind("JOIN").Valid())
	assert.False(t, models.EventKind("").Valid())
}

func TestNotificationType_Valid(t *testing.T) {
	assert.True(t, models.NotificationProposalSent.Valid())
	assert.False(t, models.NotificationType("SPAM").Valid())
}

// Ids above 2^53 must survive a JavaScript client, so they travel as strings.
func TestChatEvent_IDsEncodeAsStrings(t *testing.T) {
	ev := models.ChatEvent{Kind: models.EventTalk, ID: 1 << 60, RoomID: 3, PostID: 4, SenderID: 5}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "1152921504606846976", fields["id"])
	assert.Equal(t, "3", fields["roomId"])
	assert.NotContains(t, fields, "receiverId")
}

func TestNotificationEvent_OptionalTarget(t *testing.T) {
	post := uint64(7)
	n := &models.Notification{ID: 1, ReceiverID: 2, Type: models.NotificationProposalSent, Message: "m", TargetPostID: &post}

	raw, err := json.Marshal(models.NewNotificationEvent(n))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"targetPostId":"7"`)

	n.TargetPostID = nil
	raw, err = json.Marshal(models.NewNotificationEvent(n))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "targetPostId")
}
