package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChatModel calls the OpenAI chat completions API directly, asking for
// JSON output so role responses parse reliably.
type OpenAIChatModel struct {
	client openai.Client
	model  string
}

func NewOpenAIChatModel(model, apiKey string) *OpenAIChatModel {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIChatModel{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (m *OpenAIChatModel) Generate(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	req := openai.ChatCompletionNewParams{
		Model:       m.model,
		Messages:    messages,
		Temperature: openai.Float(temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}

	res, err := m.client.Chat.Completions.New(ctx, req)
	if err != nil {
		slog.Error("openai error: chat completions failed", "error", err)
		return "", fmt.Errorf("openai generation failed: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	return res.Choices[0].Message.Content, nil
}
