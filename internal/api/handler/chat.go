package handler

import (
	"context"
	"crewlink/backend/internal/chat"
	"crewlink/backend/internal/models"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type initiateRequest struct {
	PostID uint64 `json:"postId,string" binding:"required"`
}

// InitiateChat returns the topic of the caller's conversation with the post's
// leader, and its history if the room already exists.
func (h *Handler) InitiateChat(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "postId is required")
		return
	}
	res, err := h.chat.InitiateChat(c.Request.Context(), req.PostID, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type sendRequest struct {
	PostID     uint64 `json:"postId,string,omitempty"`
	RoomID     uint64 `json:"roomId,string,omitempty"`
	ReceiverID uint64 `json:"receiverId,string,omitempty"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Message *models.ChatMessage `json:"message"`
	Topic   string              `json:"topic"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed message")
		return
	}
	res, err := h.send(c.Request.Context(), chat.SendRequest{
		SenderID:   currentUser(c),
		PostID:     req.PostID,
		RoomID:     req.RoomID,
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sendResponse{Message: res.Message, Topic: res.Topic})
}

// send persists the message and publishes it once committed. A lost
// room-creation race is retried: the next attempt finds the winner's room.
func (h *Handler) send(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(h.sendRetries, 0))), ctx)

	res, err := backoff.RetryWithData(func() (*chat.SendResult, error) {
		res, err := h.chat.ProcessMessage(ctx, req)
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}, policy)
	if err != nil {
		return nil, err
	}

	// The request may be gone by now; the event still has to go out.
	h.chatBridge.Publish(context.WithoutCancel(ctx), res.Topic, res.Event)
	return res, nil
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.chat.ListRooms(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handler) GetHistory(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	msgs, err := h.chat.GetHistory(c.Request.Context(), roomID, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	res, err := h.chat.LeaveRoom(ctx, roomID, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if res != nil {
		h.chatBridge.Publish(context.WithoutCancel(ctx), res.Topic, res.Event)
	} else {
		h.log.Debug("leave repeated", zap.Uint64("room_id", roomID), zap.Uint64("user_id", currentUser(c)))
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkRead(c *gin.Context) {
	roomID, ok := idParam(c, "roomId")
	if !ok {
		return
	}
	n, err := h.chat.MessageRead(c.Request.Context(), roomID, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
