package generation

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// DefaultModel is the chat model used for grounded answers.
const DefaultModel = "gpt-4o-mini"

// OpenAI generates answers with OpenAI chat completions.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a generation provider sharing an existing OpenAI client.
// An empty model selects DefaultModel.
func NewOpenAI(client *openai.Client, model string) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		client: client,
		model:  model,
	}
}

// Model implements Provider.
func (o *OpenAI) Model() string {
	return o.model
}

// Generate implements Provider.
func (o *OpenAI) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model: openai.ChatModel(o.model),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}
