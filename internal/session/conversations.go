package session

import (
	"context"
	"errors"

	"github.com/comigor/scoreline/internal/conversations"
	"github.com/comigor/scoreline/internal/identity"
	"github.com/comigor/scoreline/internal/logger"
)

func (c *Controller) identityBound() bool {
	return c.convs != nil && c.ident != nil
}

// token returns the bearer credential of the current user, if any.
func (c *Controller) token(ctx context.Context) (string, bool) {
	if !c.identityBound() {
		return "", false
	}
	sess, err := c.ident.Current(ctx)
	if err != nil {
		logger.L.Warn("identity lookup failed", "error", err)
		return "", false
	}
	if sess == nil || sess.AccessToken == "" {
		return "", false
	}
	return sess.AccessToken, true
}

// TokenSource exposes the current bearer credential to the transport.
func (c *Controller) TokenSource(ctx context.Context) string {
	tok, _ := c.token(ctx)
	return tok
}

// ConversationID is the stored conversation the session writes to, or "".
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ensureConversation returns the conversation a new turn continues, creating
// one for signed-in users. Store failures degrade to a session-less turn.
func (c *Controller) ensureConversation(ctx context.Context) string {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id != "" {
		return id
	}

	tok, ok := c.token(ctx)
	if !ok {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conv, err := c.convs.Create(ctx, tok)
	if err != nil {
		logger.L.Warn("conversation store unavailable; continuing without persistence", "error", err)
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conversationID == "" {
		c.conversationID = conv.ID
	}
	return c.conversationID
}

// Conversations lists the signed-in user's conversations and forwards them to
// the conversation listener.
func (c *Controller) Conversations(ctx context.Context) ([]conversations.Conversation, error) {
	tok, ok := c.token(ctx)
	if !ok {
		return nil, ErrNotSignedIn
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	list, err := c.convs.List(ctx, tok)
	if err != nil {
		return nil, err
	}
	if c.onConversations != nil {
		c.onConversations(list)
	}
	return list, nil
}

func (c *Controller) refreshConversations() {
	if _, err := c.Conversations(c.ctx); err != nil && !errors.Is(err, ErrNotSignedIn) {
		logger.L.Warn("conversation refresh failed", "error", err)
	}
}

// OpenConversation replaces the session's messages with a stored
// conversation. It is rejected while a turn streams.
func (c *Controller) OpenConversation(ctx context.Context, id string) error {
	if c.busy() {
		return ErrTurnInFlight
	}
	tok, ok := c.token(ctx)
	if !ok {
		return ErrNotSignedIn
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stored, err := c.convs.Messages(ctx, tok, id)
	if err != nil {
		return err
	}

	msgs := make([]Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, Message{
			ID:        m.ID,
			Role:      Role(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return ErrTurnInFlight
	}
	if err := c.store.Reset(msgs); err != nil {
		return err
	}
	c.conversationID = id
	return nil
}

// DeleteConversation removes a stored conversation. Deleting the open one
// starts a fresh session.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	tok, ok := c.token(ctx)
	if !ok {
		return ErrNotSignedIn
	}
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.convs.Delete(dctx, tok, id); err != nil {
		return err
	}
	if c.ConversationID() == id {
		if err := c.NewConversation(); err != nil {
			return err
		}
	}
	_, err := c.Conversations(ctx)
	return err
}

// NewConversation clears the messages and detaches from any stored
// conversation.
func (c *Controller) NewConversation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return ErrTurnInFlight
	}
	if err := c.store.Reset(nil); err != nil {
		return err
	}
	c.conversationID = ""
	return nil
}

func (c *Controller) identityChanged(sess *identity.Session) {
	if sess != nil {
		return
	}
	c.mu.Lock()
	c.conversationID = ""
	c.mu.Unlock()
	logger.L.Info("signed out; conversation detached")
}
