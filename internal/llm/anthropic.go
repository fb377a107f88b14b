package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quarry-ai/quarry/internal/prompt"
)

// Anthropic is the Anthropic messages provider.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates the provider.
func NewAnthropic(apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (p *Anthropic) params(req Request) anthropic.MessageNewParams {
	system, turns := splitSystem(req.Messages)

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == prompt.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages:    messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Complete implements Provider.
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Completion, error) {
	msg, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Completion{
		Content: content.String(),
		Tokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

// Stream implements Provider.
func (p *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := p.client.Messages.NewStreaming(ctx, p.params(req))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if !yield(text.Text, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", err)
		}
	}
}
