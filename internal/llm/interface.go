package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Stream is a server-sent chat completion stream. Recv returns io.EOF once the
// completion is finished.
type Stream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Client is the subset of the OpenAI API used by the agent; it is easy to mock in tests.
type Client interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error)
}
