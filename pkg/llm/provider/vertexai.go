package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

func init() {
	Register("vertexai", newVertexAIProvider)
}

type vertexAIProvider struct {
	client    *genai.Client
	model     string
	projectID string
	region    string
}

func newVertexAIProvider(cfg Config) (Provider, error) {
	if cfg.ProjectID == "" {
		return nil, apperrors.New(apperrors.ErrorTypeAuth, "vertexai provider requires a project ID")
	}
	region := cfg.Region
	if region == "" {
		region = "us-central1"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-pro"
	}

	client, err := genai.NewClient(context.Background(), cfg.ProjectID, region)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeAuth, "construct vertexai client")
	}
	return &vertexAIProvider{client: client, model: model, projectID: cfg.ProjectID, region: region}, nil
}

func (p *vertexAIProvider) Name() string  { return "vertexai" }
func (p *vertexAIProvider) Model() string { return p.model }

func (p *vertexAIProvider) Authenticated(ctx context.Context) bool {
	return p.client != nil
}

func (p *vertexAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	gm := p.client.GenerativeModel(p.model)
	gm.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.SystemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(req.UserPrompt))
	if err != nil {
		return Response{}, classifyVertexAIError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, apperrors.New(apperrors.ErrorTypeTransientNetwork, "vertexai returned no candidates")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += fmt.Sprintf("%v", part)
	}

	var inputToks, outputToks int
	if resp.UsageMetadata != nil {
		inputToks = int(resp.UsageMetadata.PromptTokenCount)
		outputToks = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return Response{
		Text:       text,
		Model:      p.model,
		InputToks:  inputToks,
		OutputToks: outputToks,
		Latency:    time.Since(start),
	}, nil
}

func classifyVertexAIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permissiondenied") || strings.Contains(msg, "unauthenticated"):
		return apperrors.Wrap(err, apperrors.ErrorTypeAuth, "vertexai authentication failed")
	case strings.Contains(msg, "resourceexhausted") && strings.Contains(msg, "quota"):
		return apperrors.Wrap(err, apperrors.ErrorTypeQuota, "vertexai quota exceeded")
	case strings.Contains(msg, "resourceexhausted"):
		return apperrors.Wrap(err, apperrors.ErrorTypeRateLimit, "vertexai rate limited")
	case strings.Contains(msg, "invalidargument"):
		return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "vertexai rejected request")
	default:
		return apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork, "vertexai request failed")
	}
}
