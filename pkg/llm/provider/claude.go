package provider

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

func init() {
	Register("claude", newClaudeProvider)
}

type claudeProvider struct {
	client anthropic.Client
	model  string
	apiKey string
}

func newClaudeProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrorTypeAuth, "claude provider requires an API key")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &claudeProvider{client: client, model: model, apiKey: cfg.APIKey}, nil
}

func (p *claudeProvider) Name() string  { return "claude" }
func (p *claudeProvider) Model() string { return p.model }

func (p *claudeProvider) Authenticated(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *claudeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	})
	if err != nil {
		return Response{}, classifyClaudeError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Response{
		Text:       text,
		Model:      p.model,
		InputToks:  int(msg.Usage.InputTokens),
		OutputToks: int(msg.Usage.OutputTokens),
		Latency:    time.Since(start),
	}, nil
}

// classifyClaudeError maps the SDK's error surface onto the pipeline's
// closed failure vocabulary (spec.md §4.D step 3).
func classifyClaudeError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return apperrors.Wrap(err, apperrors.ErrorTypeAuth, "claude authentication failed")
		case 429:
			return apperrors.Wrap(err, apperrors.ErrorTypeRateLimit, "claude rate limited")
		case 402:
			return apperrors.Wrap(err, apperrors.ErrorTypeQuota, "claude quota exceeded")
		case 400, 422:
			return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "claude rejected request")
		default:
			return apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork, "claude request failed")
		}
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork, "claude request failed")
}
