// Package conversations is the client of the remote conversation store.
package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Conversation is a stored conversation header.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a stored message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when the conversation does not exist for the user.
var ErrNotFound = errors.New("conversations: not found")

// Client talks to {baseURL}/api/conversations.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// List returns the user's conversations, most recently updated first.
func (c *Client) List(ctx context.Context, token string) ([]Conversation, error) {
	var body struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", token, &body); err != nil {
		return nil, err
	}
	return body.Conversations, nil
}

// Create starts an empty conversation.
func (c *Client) Create(ctx context.Context, token string) (Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", token, &conv); err != nil {
		return Conversation{}, err
	}
	if conv.ID == "" {
		return Conversation{}, errors.New("conversations: create returned no id")
	}
	return conv, nil
}

// Delete removes a conversation and its messages.
func (c *Client) Delete(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), token, nil)
}

// Messages returns the messages of a conversation in creation order.
func (c *Client) Messages(ctx context.Context, token, id string) ([]Message, error) {
	var body struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id)+"/messages", token, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("conversations: %s %s: unexpected status code %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
