package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes registers every endpoint on r.
func (h *Handler) Routes(r *gin.Engine, gatherer prometheus.Gatherer) {
	r.Use(RequestID(), AccessLog(h.log), gin.Recovery())

	r.GET("/healthz", h.Healthz)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	authed := r.Group("/", h.auth.RequireUser())

	chatGroup := authed.Group("/chat")
	chatGroup.POST("/initiate", h.InitiateChat)
	chatGroup.POST("/messages", h.SendMessage)
	chatGroup.GET("/rooms", h.ListRooms)
	chatGroup.GET("/rooms/:roomId/messages", h.GetHistory)
	chatGroup.POST("/rooms/:roomId/leave", h.LeaveRoom)
	chatGroup.POST("/rooms/:roomId/read", h.MarkRead)

	authed.GET("/ws/chat", h.ServeChatSocket)

	notifications := authed.Group("/notifications")
	notifications.GET("/subscribe", h.SubscribeNotifications)
	notifications.GET("", h.ListNotifications)
	notifications.GET("/unread-count", h.UnreadCount)
	notifications.PATCH("/:id/read", h.MarkNotificationRead)

	authed.POST("/internal/notifications", h.auth.RequireScope(ScopeInternal), h.Notify)
}

func (h *Handler) Healthz(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.registry.Len(),
	})
}
