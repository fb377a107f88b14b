package llm

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/quarry-ai/quarry/internal/prompt"
)

// Google is the Gemini provider.
type Google struct {
	client *genai.Client
}

// NewGoogle creates the provider.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Google{client: client}, nil
}

func (p *Google) contents(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := splitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		var role genai.Role = genai.RoleUser
		if m.Role == prompt.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens), //nolint:gosec // bounded by config validation
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return contents, config
}

// Complete implements Provider.
func (p *Google) Complete(ctx context.Context, req Request) (*Completion, error) {
	contents, config := p.contents(req)

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, err
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &Completion{Content: resp.Text(), Tokens: tokens}, nil
}

// Stream implements Provider.
func (p *Google) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	contents, config := p.contents(req)

	return func(yield func(string, error) bool) {
		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				yield("", err)
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}
