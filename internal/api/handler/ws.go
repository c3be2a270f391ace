package handler

import (
	"context"
	"crewlink/backend/internal/chat"
	"crewlink/backend/internal/chathub"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is not checked: every request already carries a verified token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeChatSocket attaches the caller to a conversation topic.
func (h *Handler) ServeChatSocket(c *gin.Context) {
	userID := currentUser(c)
	topic := c.Query("topic")
	if _, err := h.chat.AuthorizeTopic(c.Request.Context(), topic, userID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	client := chathub.NewWebSocketClient(uuid.NewString(), userID, topic, conn, h.broker, h.onSocketMessage, h.log)
	if !h.broker.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	client.Run()
}

// onSocketMessage sends an inbound frame to the other side of the topic.
func (h *Handler) onSocketMessage(ctx context.Context, c *chathub.WebSocketClient, body string) error {
	t, err := chat.ParseTopic(c.Topic)
	if err != nil {
		return err
	}
	receiver := t.LeaderID
	if c.UserID == t.LeaderID {
		receiver = t.MemberID
	}
	_, err = h.send(ctx, chat.SendRequest{
		SenderID:   c.UserID,
		PostID:     t.PostID,
		ReceiverID: receiver,
		Body:       body,
	})
	return err
}
