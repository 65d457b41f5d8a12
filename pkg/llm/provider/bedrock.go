package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

func init() {
	Register("bedrock", newBedrockProvider)
}

type bedrockProvider struct {
	client *bedrockruntime.Client
	model  string
	region string
}

func newBedrockProvider(cfg Config) (Provider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	model := cfg.Model
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeAuth, "load AWS credentials for bedrock")
	}
	return &bedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
		region: region,
	}, nil
}

func (p *bedrockProvider) Name() string  { return "bedrock" }
func (p *bedrockProvider) Model() string { return p.model }

func (p *bedrockProvider) Authenticated(ctx context.Context) bool {
	_, err := p.client.Options().Credentials.Retrieve(ctx)
	return err == nil
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	System           string                    `json:"system,omitempty"`
	Temperature      float64                   `json:"temperature,omitempty"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
}

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *bedrockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Temperature:      req.Temperature,
		Messages: []bedrockAnthropicMessage{
			{Role: "user", Content: req.UserPrompt},
		},
	})
	if err != nil {
		return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal bedrock request body")
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return Response{}, classifyBedrockError(err)
	}

	var parsed bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork, "decode bedrock response")
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Response{
		Text:       text,
		Model:      p.model,
		InputToks:  parsed.Usage.InputTokens,
		OutputToks: parsed.Usage.OutputTokens,
		Latency:    time.Since(start),
	}, nil
}

func classifyBedrockError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "accessdenied") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "unrecognizedclient"):
		return apperrors.Wrap(err, apperrors.ErrorTypeAuth, "bedrock authentication failed")
	case strings.Contains(msg, "throttl"):
		return apperrors.Wrap(err, apperrors.ErrorTypeRateLimit, "bedrock throttled")
	case strings.Contains(msg, "servicequota") || strings.Contains(msg, "quota"):
		return apperrors.Wrap(err, apperrors.ErrorTypeQuota, "bedrock quota exceeded")
	case strings.Contains(msg, "validationexception"):
		return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "bedrock rejected request")
	default:
		return apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork, "bedrock request failed")
	}
}
