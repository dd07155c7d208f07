package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/callsight/callsight/internal/ai/coach"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/pkg/models"
)

// Provider implements models.AIProvider using the OpenAI chat completions API.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{},
	}
}

func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) AnalyzeCall(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: coach.SystemPrompt},
			{Role: "user", Content: coach.UserPrompt(req.Call)},
		},
	})
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return models.AnalysisResult{}, fmt.Errorf("%w: %v", coach.ErrInferenceTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.AnalysisResult{}, fmt.Errorf("%w: %v", coach.ErrInferenceTimeout, err)
		}
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", coach.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: decode response: %v", coach.ErrInvalidResponse, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return models.AnalysisResult{}, fmt.Errorf("%w: %s", coach.ErrProviderUnavailable, msg)
	}
	if len(parsed.Choices) == 0 {
		return models.AnalysisResult{}, fmt.Errorf("%w: no choices returned", coach.ErrInvalidResponse)
	}

	result, err := coach.ParseResult(parsed.Choices[0].Message.Content)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	result.Model = p.cfg.Model
	return result, nil
}

var _ models.AIProvider = (*Provider)(nil)
