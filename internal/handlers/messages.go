package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/internal/ledger"
	"github.com/huddle-hq/coordinator/internal/models"
	"github.com/huddle-hq/coordinator/internal/router"
)

// Messages bridges the message CRUD layer and the chat clients: the CRUD
// service posts each persisted message here exactly once, and clients query
// their unread badges.
type Messages struct {
	router *router.Router
	ledger *ledger.Ledger
	log    zerolog.Logger
}

// NewMessages wires the message handler.
func NewMessages(rt *router.Router, led *ledger.Ledger, log zerolog.Logger) *Messages {
	return &Messages{
		router: rt,
		ledger: led,
		log:    log.With().Str("component", "messages").Logger(),
	}
}

// Created is the persisted-message callback. It must be invoked once per
// stored message with the final recipient list.
func (h *Messages) Created(c *gin.Context) {
	var msg models.MessageCreated
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.router.NotifyMessageCreated(c.Request.Context(), msg); err != nil {
		h.log.Error().Err(err).Str("chat", msg.ChatID).Str("message", msg.MessageID).Msg("failed to record message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record message"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Recorded"})
}

// Unread returns the authenticated user's unread count for one chat.
func (h *Messages) Unread(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	count, err := h.ledger.Unread(c.Request.Context(), c.Param("chatId"), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read unread count"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": c.Param("chatId"), "unread": count})
}

// TotalUnread returns the user's unread total across non-hidden chats.
func (h *Messages) TotalUnread(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	total, err := h.ledger.TotalUnread(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read unread total"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": total})
}

// Hide excludes a chat from the user's unread total.
func (h *Messages) Hide(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if err := h.ledger.HideChat(c.Request.Context(), userID, c.Param("chatId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hide chat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat hidden"})
}

// Unhide re-includes a chat in the user's unread total.
func (h *Messages) Unhide(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if err := h.ledger.UnhideChat(c.Request.Context(), userID, c.Param("chatId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unhide chat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat unhidden"})
}
