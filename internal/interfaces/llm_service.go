package interfaces

import (
	"context"
)

// GenerationRequest is one logical call to the content-generation API
type GenerationRequest struct {
	// System is the system prompt; empty means none
	System string

	// Prompt is sent as the single user message
	Prompt string

	// Model overrides the client's default model when set
	Model string

	// MaxTokens overrides the client's default when > 0
	MaxTokens int64

	StopSequences []string
}

// Usage reports token consumption of a successful call
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// GenerationResponse is the extracted result of a successful call
type GenerationResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage

	// Attempts counts HTTP tries, including retries
	Attempts int
}

// GenerationClient calls the external content-generation API.
// It owns rate limiting, retry and error classification. Errors returned
// after retries are exhausted are *llm.GenerationError values.
type GenerationClient interface {
	Generate(ctx context.Context, pipeline string, req *GenerationRequest) (*GenerationResponse, error)
}
