package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

var errNoChoices = errors.New("provider returned no content")

type anthropicProvider struct {
	name   string
	model  string
	client anthropic.Client
}

func newAnthropicProvider(name, model, baseURL, apiKey string) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return &anthropicProvider{
		name:   name,
		model:  model,
		client: anthropic.NewClient(opts...),
	}
}

func (p *anthropicProvider) Name() string { return p.name }

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", kberrors.Transient(p.name, err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", kberrors.Transient(p.name, errNoChoices)
}
