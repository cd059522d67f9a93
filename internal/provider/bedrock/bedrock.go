// Package bedrock is the AWS Bedrock adapter. It speaks the Converse API so
// one request shape serves every Bedrock model family.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/provider"
)

const (
	Type             = "bedrock"
	defaultMaxTokens = 4096
)

type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type Provider struct {
	name   string
	client converseAPI
	region string
}

func New(ctx context.Context, name, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(name, cfg), nil
}

func NewWithConfig(name string, cfg aws.Config) *Provider {
	return newWithClient(name, cfg.Region, bedrockruntime.NewFromConfig(cfg))
}

func newWithClient(name, region string, client converseAPI) *Provider {
	if name == "" {
		name = Type
	}
	return &Provider{name: name, client: client, region: region}
}

// Factory builds a Bedrock adapter for the provider registry.
func Factory(ctx context.Context, s provider.Settings) (provider.Adapter, error) {
	return New(ctx, s.Name, s.Region)
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) SendCompletion(ctx context.Context, c domain.Candidate, req domain.CompletionRequest, timeout time.Duration) (*domain.CompletionResponse, error) {
	ctx, cancel := provider.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := p.client.Converse(ctx, toConverseInput(c.ModelID, req))
	if err != nil {
		return nil, classify(err)
	}

	resp := &domain.CompletionResponse{
		ModelID:    c.ModelID,
		Provider:   p.name,
		StopReason: mapStopReason(out.StopReason),
		Latency:    time.Since(start),
	}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		resp.Content = textOf(msg.Value.Content)
	}
	if out.Usage != nil {
		resp.Usage = domain.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	resp.ID, _ = awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	return resp, nil
}

func (p *Provider) EstimateCost(model domain.ModelCatalogEntry, inputTokens, outputTokens int) float64 {
	return provider.ListPrice(model, inputTokens, outputTokens)
}

// CheckHealth reports unknown: Bedrock has no cheap liveness call, so health
// comes from the circuit registry instead.
func (p *Provider) CheckHealth(ctx context.Context) provider.HealthStatus {
	return provider.HealthUnknown
}

func toConverseInput(model string, req domain.CompletionRequest) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(mapModelID(model)),
	}

	system := req.System
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		in.Messages = append(in.Messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if system != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if req.Temperature != nil {
		in.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
	}
	return in
}

func textOf(blocks []types.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(*types.ContentBlockMemberText); ok {
			sb.WriteString(t.Value)
		}
	}
	return sb.String()
}

func classify(err error) error {
	var (
		validation *types.ValidationException
		denied     *types.AccessDeniedException
		notFound   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &notFound):
		return fmt.Errorf("%w: bedrock converse: %v", provider.ErrInvalidRequest, err)
	case errors.As(err, &denied):
		return fmt.Errorf("%w: bedrock converse: %v", provider.ErrAuthFailed, err)
	default:
		return fmt.Errorf("%w: bedrock converse: %w", domain.ErrProviderError, err)
	}
}

// mapModelID turns catalog short names into Bedrock model IDs. Unknown names
// pass through so the catalog may also carry full IDs.
func mapModelID(model string) string {
	if mapped, ok := modelIDs[model]; ok {
		return mapped
	}
	return model
}

var modelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	"titan-text":        "amazon.titan-text-express-v1",
	"titan-lite":        "amazon.titan-text-lite-v1",
	"llama3-70b":        "meta.llama3-70b-instruct-v1:0",
	"llama3-8b":         "meta.llama3-8b-instruct-v1:0",
}

func mapStopReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "stop"
	case types.StopReasonMaxTokens:
		return "length"
	default:
		return string(reason)
	}
}
