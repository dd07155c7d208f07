package mock

import (
	"context"
	"time"

	"github.com/callsight/callsight/internal/ai/coach"
	"github.com/callsight/callsight/pkg/models"
	"github.com/google/uuid"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) AnalyzeCall(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return models.AnalysisResult{}, nil
}

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
			return models.AnalysisResult{
				ID:        uuid.New(),
				CallID:    req.Call.ID,
				Provider:  "mock",
				Model:     "mock-v1",
				Summary:   "Simulated coaching summary from mock provider",
				Sentiment: "neutral",
				TalkRatio: 0.55,
				CoachingPoints: []string{
					"Ask more discovery questions early in the call",
				},
				CreatedAt: time.Now().UTC(),
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest) (models.AnalysisResult, error) {
			return models.AnalysisResult{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisRequest) (models.AnalysisResult, error) {
			<-ctx.Done()
			return models.AnalysisResult{}, coach.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
