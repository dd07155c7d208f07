// Package coach builds the coaching-analysis prompt and parses provider
// output. Providers share it so every model is asked for the same JSON shape.
package coach

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/callsight/callsight/pkg/models"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)

const SystemPrompt = `You are a sales-call coaching assistant. Analyze the call transcript and respond with a single JSON object, no prose, with keys:
"summary" (string, 2-4 sentences), "sentiment" (one of "positive", "neutral", "negative"),
"talk_ratio" (number 0..1, fraction of words spoken by the rep), and
"coaching_points" (array of 1-5 short actionable strings).`

// UserPrompt renders the transcript message sent after the system prompt.
func UserPrompt(call models.Call) string {
	return fmt.Sprintf("Call title: %s\n\nTranscript:\n%s", call.Title, call.Transcript)
}

type payload struct {
	Summary        string   `json:"summary"`
	Sentiment      string   `json:"sentiment"`
	TalkRatio      float64  `json:"talk_ratio"`
	CoachingPoints []string `json:"coaching_points"`
}

// ParseResult decodes a model completion into an AnalysisResult. Models
// sometimes wrap JSON in markdown fences; those are stripped first.
func ParseResult(completion string) (models.AnalysisResult, error) {
	text := strings.TrimSpace(completion)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if p.Summary == "" {
		return models.AnalysisResult{}, fmt.Errorf("%w: missing summary", ErrInvalidResponse)
	}

	switch p.Sentiment {
	case "positive", "neutral", "negative":
	default:
		p.Sentiment = "neutral"
	}
	if p.TalkRatio < 0 {
		p.TalkRatio = 0
	}
	if p.TalkRatio > 1 {
		p.TalkRatio = 1
	}

	return models.AnalysisResult{
		Summary:        p.Summary,
		Sentiment:      p.Sentiment,
		TalkRatio:      p.TalkRatio,
		CoachingPoints: p.CoachingPoints,
	}, nil
}
