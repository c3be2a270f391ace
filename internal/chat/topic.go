package chat

import (
	"crewlink/backend/internal/models"
	"fmt"
	"strconv"
	"strings"
)

// Topic identifies one conversation on the bus.
type Topic struct {
	PostID   uint64
	LeaderID uint64
	MemberID uint64
}

func (t Topic) String() string {
	return TopicFor(t.PostID, t.LeaderID, t.MemberID)
}

// TopicFor returns "chat/post/{postId}/leader/{leaderId}/member/{memberId}".
func TopicFor(postID, leaderID, memberID uint64) string {
	return fmt.Sprintf("chat/post/%d/leader/%d/member/%d", postID, leaderID, memberID)
}

// TopicForRoom is TopicFor applied to the room's triple.
func TopicForRoom(room *models.ChatRoom) string {
	return TopicFor(room.PostID, room.LeaderUserID, room.MemberUserID)
}

// ParseTopic is the inverse of TopicFor.
func ParseTopic(s string) (Topic, error) {
	invalid := fmt.Errorf("topic %q: %w", s, models.ErrInvalidArgument)

	parts := strings.Split(s, "/")
	if len(parts) != 7 || parts[0] != "chat" || parts[1] != "post" || parts[3] != "leader" || parts[5] != "member" {
		return Topic{}, invalid
	}
	var ids [3]uint64
	for i, raw := range []string{parts[2], parts[4], parts[6]} {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return Topic{}, invalid
		}
		ids[i] = id
	}
	t := Topic{PostID: ids[0], LeaderID: ids[1], MemberID: ids[2]}
	// Leading zeros and the like would name the same room under another topic.
	if t.String() != s {
		return Topic{}, invalid
	}
	return t, nil
}
