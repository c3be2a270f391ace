package handler

import (
	"crewlink/backend/internal/models"
	"crewlink/backend/internal/notification"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SubscribeNotifications streams server-sent events until the connection
// ends, is replaced, idles out or the client goes away.
func (h *Handler) SubscribeNotifications(c *gin.Context) {
	userID := currentUser(c)
	conn := h.registry.Subscribe(userID)
	defer conn.Complete()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-conn.Events():
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-conn.Done():
			h.log.Debug("push stream ended", zap.Uint64("user_id", userID), zap.Error(conn.Err()))
			return false
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) ListNotifications(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.notifications.List(c.Request.Context(), currentUser(c), unreadOnly, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.notifications.CountUnread(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.notifications.MarkAsRead(c.Request.Context(), id, currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type notifyRequest struct {
	ReceiverID uint64                  `json:"receiverId,string" binding:"required"`
	Type       models.NotificationType `json:"type" binding:"required"`
	PostID     *uint64                 `json:"postId,string,omitempty"`
	// Message is used verbatim when set; otherwise it is rendered from the rest.
	Message   string `json:"message,omitempty"`
	ActorName string `json:"actorName,omitempty"`
	PostTitle string `json:"postTitle,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Notify is called by the services that own proposals, applications and feedback.
func (h *Handler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "receiverId and type are required")
		return
	}

	var (
		n       *models.Notification
		created bool
		err     error
	)
	if req.Message != "" {
		n, created, err = h.notifications.Notify(c.Request.Context(), req.ReceiverID, req.Type, req.PostID, req.Message)
	} else {
		n, created, err = h.notifications.NotifyEvent(c.Request.Context(), notification.EventRequest{
			ReceiverID: req.ReceiverID,
			Type:       req.Type,
			PostID:     req.PostID,
			ActorName:  req.ActorName,
			PostTitle:  req.PostTitle,
			Language:   req.Language,
		})
	}
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"notification": n, "created": created})
}
