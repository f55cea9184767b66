package pipeline

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ChatModel is the opaque language-model capability the roles build on. Given
// a system prompt and a user prompt it returns free text; roles are
// responsible for asking for, and parsing, structured output.
type ChatModel interface {
	Generate(ctx context.Context, system, prompt string, temperature float64) (string, error)
}

// ChatModelFunc adapts a plain function to the ChatModel interface.
type ChatModelFunc func(ctx context.Context, system, prompt string, temperature float64) (string, error)

func (f ChatModelFunc) Generate(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	return f(ctx, system, prompt, temperature)
}

// LangchainChatModel wraps langchaingo's OpenAI client.
type LangchainChatModel struct {
	client *openai.LLM
}

func NewLangchainChatModel(model, apiKey string) (*LangchainChatModel, error) {
	client, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("could not create OpenAI client: %w", err)
	}
	return &LangchainChatModel{client: client}, nil
}

func (m *LangchainChatModel) Generate(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	resp, err := m.client.GenerateContent(ctx, messages, llms.WithTemperature(temperature))
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	return resp.Choices[0].Content, nil
}

// NoopChatModel answers every prompt with an empty finding. It is the default
// backend when no API key is configured, so a misconfigured deployment fails
// with an explicit no-location outcome instead of fabricated coordinates.
type NoopChatModel struct{}

func (NoopChatModel) Generate(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	return `{"insight": "no language model backend configured", "estimates": []}`, nil
}
