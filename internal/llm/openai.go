package llm

import (
	"context"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

type openaiProvider struct {
	name   string
	model  string
	client openai.Client
}

func newOpenAIProvider(name, model, baseURL, apiKey string) *openaiProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &openaiProvider{
		name:   name,
		model:  model,
		client: openai.NewClient(opts...),
	}
}

func (p *openaiProvider) Name() string { return p.name }

func (p *openaiProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(p.model),
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(req.MaxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", kberrors.Transient(p.name, err)
	}
	if len(completion.Choices) == 0 {
		return "", kberrors.Transient(p.name, errNoChoices)
	}
	return completion.Choices[0].Message.Content, nil
}
