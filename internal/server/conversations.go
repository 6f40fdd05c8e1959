package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/comigor/scoreline/internal/history"
	"github.com/comigor/scoreline/internal/logger"
)

func (h *Handler) listConversations(c *gin.Context) {
	convs, err := h.history.ListConversations(c.Request.Context(), UserIDFromContext(c))
	if err != nil {
		logger.L.Error("list conversations failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	if convs == nil {
		convs = []history.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) createConversation(c *gin.Context) {
	conv, err := h.history.CreateConversation(c.Request.Context(), UserIDFromContext(c), "")
	if err != nil {
		logger.L.Error("create conversation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	err := h.history.DeleteConversation(c.Request.Context(), UserIDFromContext(c), c.Param("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case err != nil:
		logger.L.Error("delete conversation failed", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (h *Handler) listMessages(c *gin.Context) {
	msgs, err := h.history.Messages(c.Request.Context(), UserIDFromContext(c), c.Param("id"))
	if err != nil {
		logger.L.Error("list messages failed", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
