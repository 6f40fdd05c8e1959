package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/scoreline/internal/config"
)

type openAIClient struct {
	c *openai.Client
}

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &openAIClient{c: openai.NewClientWithConfig(config)}
}

func (o *openAIClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	req.Stream = true
	s, err := o.c.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}
