package provider

import (
	"context"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

func init() {
	Register("openai", newOpenAIProvider)
}

type openAIProvider struct {
	llm    *openai.LLM
	model  string
	apiKey string
}

func newOpenAIProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrorTypeAuth, "openai provider requires an API key")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(model)}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "construct openai client")
	}
	return &openAIProvider{llm: llm, model: model, apiKey: cfg.APIKey}, nil
}

func (p *openAIProvider) Name() string  { return "openai" }
func (p *openAIProvider) Model() string { return p.model }

func (p *openAIProvider) Authenticated(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *openAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt),
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	resp, err := p.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, apperrors.New(apperrors.ErrorTypeTransientNetwork, "openai returned no choices")
	}

	return Response{
		Text:    resp.Choices[0].Content,
		Model:   p.model,
		Latency: time.Since(start),
	}, nil
}

func classifyOpenAIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
		return apperrors.Wrap(err, apperrors.ErrorTypeAuth, "openai authentication failed")
	case strings.Contains(msg, "429") && strings.Contains(msg, "quota"):
		return apperrors.Wrap(err, apperrors.ErrorTypeQuota, "openai quota exceeded")
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return apperrors.Wrap(err, apperrors.ErrorTypeRateLimit, "openai rate limited")
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_request"):
		return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "openai rejected request")
	default:
		return apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork, "openai request failed")
	}
}
