// Package llm implements the generation client used by every enrichment pipeline.
// It wraps the Anthropic Messages API with a windowed call budget, request pacing,
// bounded retries and error classification.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"golang.org/x/time/rate"
)

// minBudgetWait keeps budget polling from spinning when the window is about to reset
const minBudgetWait = time.Second

// RateGate is the budget consulted before each outbound call
type RateGate interface {
	Allow(ctx context.Context, pipeline string) (bool, error)
	RecordUsage(ctx context.Context, pipeline string) error
	WaitDuration(ctx context.Context, pipeline string) (time.Duration, error)
}

// Client implements interfaces.GenerationClient on the Anthropic SDK
type Client struct {
	client     anthropic.Client
	config     *common.ClaudeConfig
	gate       RateGate
	pacer      *rate.Limiter
	policy     RetryPolicy
	sleep      Sleeper
	timeout    time.Duration
	httpClient *http.Client
	logger     arbor.ILogger
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithSleeper replaces the sleep used for budget waits and retry backoff
func WithSleeper(sleeper Sleeper) ClientOption {
	return func(c *Client) {
		c.sleep = sleeper
	}
}

// WithHTTPClient sets a custom HTTP client for the SDK
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a generation client. A missing API key is a configuration error.
func NewClient(config *common.ClaudeConfig, apiKey string, gate RateGate, logger arbor.ILogger, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required (set ANTHROPIC_API_KEY or claude.api_key)")
	}
	if gate == nil {
		return nil, fmt.Errorf("rate gate is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("claude.model is required")
	}

	policy := RetryPolicy{
		MaxRetries:        config.MaxRetries,
		RetryDelay:        common.ParseDuration(config.RetryDelay, DefaultRetryDelay),
		DefaultRetryAfter: common.ParseDuration(config.DefaultRetryAfter, DefaultRetryAfterSeconds*time.Second),
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}

	// Zero pacing disables spacing between calls
	pacing := common.ParseDuration(config.Pacing, time.Second)
	pacer := rate.NewLimiter(rate.Inf, 1)
	if pacing > 0 {
		pacer = rate.NewLimiter(rate.Every(pacing), 1)
	}

	c := &Client{
		config:  config,
		gate:    gate,
		pacer:   pacer,
		policy:  policy,
		sleep:   SleepContext,
		timeout: common.ParseDuration(config.Timeout, 2*time.Minute),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Retries are owned here so that 429 and 5xx follow the configured policy
	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(config.BaseURL))
	}
	if c.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(c.httpClient))
	}
	c.client = anthropic.NewClient(sdkOpts...)

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", c.timeout).
		Dur("pacing", pacing).
		Int("max_retries", policy.MaxRetries).
		Dur("retry_delay", policy.RetryDelay).
		Msg("Generation client initialized")

	return c, nil
}

// Pricing returns the configured token rates
func (c *Client) Pricing() Pricing {
	return Pricing{InputPerMillion: c.config.InputPrice, OutputPerMillion: c.config.OutputPrice}
}

// Generate performs one logical call with at most policy.MaxRetries HTTP tries
func (c *Client) Generate(ctx context.Context, pipeline string, req *interfaces.GenerationRequest) (*interfaces.GenerationResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, &GenerationError{Kind: KindClientError, Err: fmt.Errorf("prompt is required")}
	}

	params := c.buildParams(req)
	var lastErr *GenerationError

	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		if err := c.waitForBudget(ctx, pipeline); err != nil {
			return nil, &GenerationError{Kind: KindTransport, Attempts: attempt - 1, Err: err}
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, &GenerationError{Kind: KindTransport, Attempts: attempt - 1, Err: err}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		msg, err := c.client.Messages.New(callCtx, params)
		cancel()

		if err == nil {
			if recordErr := c.gate.RecordUsage(ctx, pipeline); recordErr != nil {
				c.logger.Warn().Err(recordErr).Str("pipeline", pipeline).Msg("Failed to record generation call against budget")
			}
			resp := toResponse(msg, attempt)
			c.logger.Debug().
				Str("pipeline", pipeline).
				Str("model", resp.Model).
				Str("stop_reason", resp.StopReason).
				Int64("input_tokens", resp.Usage.InputTokens).
				Int64("output_tokens", resp.Usage.OutputTokens).
				Int("attempt", attempt).
				Dur("duration", time.Since(start)).
				Msg("Generation call succeeded")
			return resp, nil
		}

		genErr, retryAfter := classify(err, attempt)
		lastErr = genErr

		if !genErr.Retryable() {
			c.logger.Warn().Err(err).Str("pipeline", pipeline).Int("status", genErr.StatusCode).Msg("Generation call failed permanently")
			return nil, genErr
		}
		if attempt == c.policy.MaxRetries {
			break
		}

		delay := c.policy.Delay(genErr, attempt, retryAfter)
		c.logger.Warn().
			Err(err).
			Str("pipeline", pipeline).
			Str("kind", string(genErr.Kind)).
			Int("status", genErr.StatusCode).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying generation call")

		if err := c.sleep(ctx, delay); err != nil {
			return nil, &GenerationError{Kind: genErr.Kind, StatusCode: genErr.StatusCode, Attempts: attempt, Err: err}
		}
	}

	c.logger.Error().Err(lastErr).Str("pipeline", pipeline).Int("attempts", lastErr.Attempts).Msg("Generation retries exhausted")
	return nil, lastErr
}

// waitForBudget suspends the caller until the rate budget allows a call
func (c *Client) waitForBudget(ctx context.Context, pipeline string) error {
	for {
		allowed, err := c.gate.Allow(ctx, pipeline)
		if err != nil {
			return fmt.Errorf("rate limit check failed: %w", err)
		}
		if allowed {
			return nil
		}

		wait, err := c.gate.WaitDuration(ctx, pipeline)
		if err != nil {
			return fmt.Errorf("rate limit check failed: %w", err)
		}
		if wait < minBudgetWait {
			wait = minBudgetWait
		}

		c.logger.Info().Str("pipeline", pipeline).Dur("wait", wait).Msg("Rate budget exhausted, waiting for window reset")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) buildParams(req *interfaces.GenerationRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = int64(c.config.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if c.config.Temperature != nil {
		params.Temperature = anthropic.Float(*c.config.Temperature)
	}
	if c.config.TopP != nil {
		params.TopP = anthropic.Float(*c.config.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	return params
}

func toResponse(msg *anthropic.Message, attempts int) *interfaces.GenerationResponse {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &interfaces.GenerationResponse{
		Content:    text.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: interfaces.Usage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
		Attempts: attempts,
	}
}

// classify maps an SDK error to a GenerationError and the server's retry-after hint
func classify(err error, attempt int) (*GenerationError, time.Duration) {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &GenerationError{Kind: KindTransport, Attempts: attempt, Err: err}, 0
	}

	genErr := &GenerationError{StatusCode: apiErr.StatusCode, Attempts: attempt, Err: err}
	var retryAfter time.Duration
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		genErr.Kind = KindRateLimited
		if apiErr.Response != nil {
			retryAfter = ParseRetryAfter(apiErr.Response.Header, time.Now())
		}
	case apiErr.StatusCode >= 500:
		genErr.Kind = KindServerError
	default:
		genErr.Kind = KindClientError
	}
	return genErr, retryAfter
}
