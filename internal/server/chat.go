package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/comigor/scoreline/internal/history"
	"github.com/comigor/scoreline/internal/logger"
	"github.com/comigor/scoreline/internal/stream"
)

const titleLimit = 50

func (h *Handler) chat(c *gin.Context) {
	var req stream.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages required"})
		return
	}

	ctx := c.Request.Context()
	convID := h.recordUserMessage(ctx, UserIDFromContext(c), req)

	var reply strings.Builder
	emit := func(fragment string) bool {
		if !c.Writer.Written() {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.Header("Cache-Control", "no-cache")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		if _, err := c.Writer.WriteString(fragment); err != nil {
			return false
		}
		c.Writer.Flush()
		reply.WriteString(fragment)
		return true
	}

	err := h.replier.Stream(ctx, req.Messages, emit)
	if convID != "" && reply.Len() > 0 {
		h.save(context.WithoutCancel(ctx), convID, "assistant", reply.String())
	}

	switch {
	case err == nil:
		if !c.Writer.Written() {
			c.Status(http.StatusOK)
			c.Writer.WriteHeaderNow()
		}
	case ctx.Err() != nil:
		logger.L.Info("chat client went away", "conversation_id", convID)
	case !c.Writer.Written():
		logger.L.Error("chat reply failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to generate reply"})
	default:
		// Headers are gone; dropping the connection is the only way left to
		// tell the client the reply is incomplete.
		logger.L.Error("chat reply failed mid-stream", "error", err, "sent", reply.Len())
		panic(http.ErrAbortHandler)
	}
}

// recordUserMessage persists the newest user message when the request names a
// conversation the user owns. It returns the conversation id to persist the
// reply under, or "".
func (h *Handler) recordUserMessage(ctx context.Context, userID string, req stream.Request) string {
	if h.history == nil || userID == "" || req.ConversationID == "" {
		return ""
	}
	conv, err := h.history.Conversation(ctx, userID, req.ConversationID)
	if err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			logger.L.Error("load conversation failed", "conversation_id", req.ConversationID, "error", err)
		} else {
			logger.L.Warn("chat names unknown conversation", "conversation_id", req.ConversationID)
		}
		return ""
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return conv.ID
	}
	h.save(ctx, conv.ID, last.Role, last.Content)

	if conv.Title == history.DefaultTitle && userTurns(req.Messages) == 1 {
		if err := h.history.SetTitle(ctx, conv.ID, titleFrom(last.Content)); err != nil {
			logger.L.Error("set conversation title failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return conv.ID
}

func (h *Handler) save(ctx context.Context, convID, role, content string) {
	if _, err := h.history.SaveMessage(ctx, convID, role, content); err != nil {
		logger.L.Error("save message failed", "conversation_id", convID, "role", role, "error", err)
	}
}

func userTurns(msgs []stream.Turn) int {
	n := 0
	for _, m := range msgs {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	r := []rune(title)
	if len(r) <= titleLimit {
		return title
	}
	return strings.TrimSpace(string(r[:titleLimit])) + "..."
}
