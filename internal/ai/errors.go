package ai

import "github.com/callsight/callsight/internal/ai/coach"

// Sentinel errors live in the coach package so providers can wrap them
// without importing this one; these aliases keep call sites on ai.Err*.
var (
	ErrProviderUnavailable = coach.ErrProviderUnavailable
	ErrInferenceTimeout    = coach.ErrInferenceTimeout
	ErrInvalidResponse     = coach.ErrInvalidResponse
)
