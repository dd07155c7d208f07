package ai

import (
	"fmt"

	"github.com/callsight/callsight/internal/ai/anthropic"
	"github.com/callsight/callsight/internal/ai/mock"
	"github.com/callsight/callsight/internal/ai/openai"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of anthropic, openai, mock", cfg.Provider)
	}
}
