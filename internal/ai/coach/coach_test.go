package coach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsight/callsight/pkg/models"
)

func TestParseResult_PlainJSON(t *testing.T) {
	result, err := ParseResult(`{
		"summary": "Solid discovery call with good rapport.",
		"sentiment": "positive",
		"talk_ratio": 0.35,
		"coaching_points": ["ask for the budget earlier"]
	}`)
	require.NoError(t, err)
	assert.Equal(t, "Solid discovery call with good rapport.", result.Summary)
	assert.Equal(t, "positive", result.Sentiment)
	assert.InDelta(t, 0.35, result.TalkRatio, 0.0001)
	assert.Equal(t, []string{"ask for the budget earlier"}, result.CoachingPoints)
}

func TestParseResult_StripsMarkdownFences(t *testing.T) {
	fenced := "```json\n{\"summary\":\"ok\",\"sentiment\":\"neutral\",\"talk_ratio\":0.5,\"coaching_points\":[]}\n```"
	result, err := ParseResult(fenced)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Summary)

	bare := "```\n{\"summary\":\"ok\",\"sentiment\":\"neutral\",\"talk_ratio\":0.5,\"coaching_points\":[]}\n```"
	result, err = ParseResult(bare)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Summary)
}

func TestParseResult_InvalidJSON(t *testing.T) {
	_, err := ParseResult("the call went great, thanks for asking")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResult_MissingSummary(t *testing.T) {
	_, err := ParseResult(`{"sentiment":"positive","talk_ratio":0.4}`)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseResult_NormalizesFields(t *testing.T) {
	result, err := ParseResult(`{"summary":"s","sentiment":"ecstatic","talk_ratio":1.8}`)
	require.NoError(t, err)
	assert.Equal(t, "neutral", result.Sentiment, "unknown sentiment falls back to neutral")
	assert.Equal(t, 1.0, result.TalkRatio, "talk ratio is clamped to [0,1]")

	result, err = ParseResult(`{"summary":"s","sentiment":"negative","talk_ratio":-3}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.TalkRatio)
}

func TestUserPrompt_IncludesTitleAndTranscript(t *testing.T) {
	prompt := UserPrompt(models.Call{Title: "renewal check-in", Transcript: "hello there"})
	assert.Contains(t, prompt, "renewal check-in")
	assert.Contains(t, prompt, "hello there")
}
