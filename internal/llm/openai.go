package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/quarry-ai/quarry/internal/prompt"
)

// OpenAI is the OpenAI chat completions provider.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates the provider.
func NewOpenAI(apiKey string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	return &OpenAI{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (p *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case prompt.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case prompt.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
	}
}

// Complete implements Provider.
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Tokens:  int(resp.Usage.TotalTokens),
	}, nil
}

// Stream implements Provider.
func (p *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", err)
		}
	}
}
