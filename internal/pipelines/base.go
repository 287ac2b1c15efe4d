// Package pipelines holds the concrete enrichment operations driven by the scheduler runner.
// Each one builds a prompt from the item's original payload, validates the structured
// response and decides between completed, no_changes and skipped.
package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/services/llm"
)

// Deps are shared by every pipeline
type Deps struct {
	Client  interfaces.GenerationClient
	Pricing llm.Pricing
	Logger  arbor.ILogger
}

// base implements the prompt -> generate -> validate flow
type base struct {
	name          string
	defaultSystem string
	config        common.PipelineConfig
	client        interfaces.GenerationClient
	validator     *llm.ResponseValidator
	pricing       llm.Pricing
	logger        arbor.ILogger
}

func newBase(name, defaultSystem, schema string, config common.PipelineConfig, deps Deps) (*base, error) {
	validator, err := llm.NewResponseValidator(schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("%s: generation client is required", name)
	}
	return &base{
		name:          name,
		defaultSystem: defaultSystem,
		config:        config,
		client:        deps.Client,
		validator:     validator,
		pricing:       deps.Pricing,
		logger:        deps.Logger,
	}, nil
}

func (b *base) Name() string {
	return b.name
}

// generation is a validated model response plus its accounting
type generation struct {
	content json.RawMessage
	result  *models.WorkResult
}

// generate calls the model and validates the response. Invalid output is returned
// as a *llm.ValidationError.
func (b *base) generate(ctx context.Context, item *models.WorkItem, prompt string) (*generation, error) {
	system := b.config.SystemPrompt
	if system == "" {
		system = b.defaultSystem
	}

	resp, err := b.client.Generate(ctx, b.name, &interfaces.GenerationRequest{
		System:    system,
		Prompt:    prompt,
		Model:     b.config.Model,
		MaxTokens: int64(b.config.MaxTokens),
	})
	if err != nil {
		return nil, err
	}

	result := &models.WorkResult{
		Model:         resp.Model,
		StopReason:    resp.StopReason,
		InputTokens:   resp.Usage.InputTokens,
		OutputTokens:  resp.Usage.OutputTokens,
		EstimatedCost: llm.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens, b.pricing),
	}

	validation := b.validator.Validate(resp.Content)
	if !validation.Valid {
		b.logger.Debug().
			Str("pipeline", b.name).
			Str("item_id", item.ID).
			Str("stop_reason", resp.StopReason).
			Str("error", validation.Error).
			Msg("Generated response failed validation")
		return nil, validation.Err()
	}

	return &generation{content: validation.Content, result: result}, nil
}

// decodeOriginal unmarshals the item's input snapshot into v
func decodeOriginal(item *models.WorkItem, v interface{}) error {
	if len(item.Payload.Original) == 0 {
		return fmt.Errorf("item %s has no original payload", item.ID)
	}
	if err := json.Unmarshal(item.Payload.Original, v); err != nil {
		return fmt.Errorf("failed to decode original payload of %s: %w", item.ID, err)
	}
	return nil
}

func completedOutcome(result *models.WorkResult, content interface{}) (*interfaces.EnrichmentOutcome, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	result.Content = data
	return &interfaces.EnrichmentOutcome{Status: models.WorkItemStatusCompleted, Result: result}, nil
}

func noChangesOutcome(result *models.WorkResult, reason string) *interfaces.EnrichmentOutcome {
	if result == nil {
		result = &models.WorkResult{}
	}
	return &interfaces.EnrichmentOutcome{Status: models.WorkItemStatusNoChanges, Result: result, Reason: reason}
}

func skippedOutcome(reason string) *interfaces.EnrichmentOutcome {
	return &interfaces.EnrichmentOutcome{Status: models.WorkItemStatusSkipped, Reason: reason}
}

func mustJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
