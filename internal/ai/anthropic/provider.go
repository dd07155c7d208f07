package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/callsight/callsight/internal/ai/coach"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/pkg/models"
)

const maxTokens = 1024

// Provider implements models.AIProvider using the Anthropic Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client anthropic.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
	}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) AnalyzeCall(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: coach.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(coach.UserPrompt(req.Call))),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.AnalysisResult{}, fmt.Errorf("%w: %v", coach.ErrInferenceTimeout, err)
		}
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", coach.ErrProviderUnavailable, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	result, err := coach.ParseResult(sb.String())
	if err != nil {
		return models.AnalysisResult{}, err
	}
	result.Model = p.cfg.Model
	return result, nil
}

var _ models.AIProvider = (*Provider)(nil)
