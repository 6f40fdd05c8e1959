package session

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/scoreline/internal/enrich"
	"github.com/comigor/scoreline/internal/stream"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	Enrichment []enrich.Result `json:"enrichment,omitempty"`
}

func newMessage(role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}

func (m Message) clone() Message {
	m.Enrichment = slices.Clone(m.Enrichment)
	return m
}

// transcript reduces messages to the role/content pairs sent upstream.
func transcript(msgs []Message) []stream.Turn {
	out := make([]stream.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, stream.Turn{Role: string(m.Role), Content: m.Content})
	}
	return out
}
