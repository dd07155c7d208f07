// Package models contains shared data models used across the CallSight codebase.
package models

import "context"

// AIProvider is the core interface that all AI integrations must implement.
// Callers inject this interface rather than a concrete provider.
type AIProvider interface {
	// AnalyzeCall produces coaching analysis for a call transcript.
	AnalyzeCall(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string
}

// AnalysisRequest is the input to an AI analysis operation.
type AnalysisRequest struct {
	Call Call
}
