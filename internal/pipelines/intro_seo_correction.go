package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

const introSystemPrompt = `You are an SEO editor for vehicle maintenance articles.
Rewrite the introduction so it is clear, accurate and leads with the maintenance task.
Write a meta description of at most 160 characters.
Respond with a single JSON object: {"introduction": "...", "meta_description": "..."}.`

const introSchema = `{
	"type": "object",
	"required": ["introduction", "meta_description"],
	"properties": {
		"introduction": {"type": "string", "minLength": 1},
		"meta_description": {"type": "string", "minLength": 1, "maxLength": 160}
	}
}`

// ReviewedAttribute holds the RFC 3339 time an article's SEO was last reviewed by hand
const ReviewedAttribute = "seo_reviewed_at"

// reviewGrace keeps hand-reviewed articles out of automatic rewrites
const reviewGrace = 30 * 24 * time.Hour

// ArticleIntro is the original payload of intro/SEO correction items
type ArticleIntro struct {
	Title           string `json:"title"`
	Vehicle         string `json:"vehicle"`
	Introduction    string `json:"introduction"`
	MetaDescription string `json:"meta_description"`
}

type introResponse struct {
	Introduction    string `json:"introduction"`
	MetaDescription string `json:"meta_description"`
}

// IntroSEOCorrection rewrites introductions and meta descriptions
type IntroSEOCorrection struct {
	*base
	now func() time.Time
}

// NewIntroSEOCorrection creates the intro/SEO correction pipeline
func NewIntroSEOCorrection(config common.PipelineConfig, deps Deps) (*IntroSEOCorrection, error) {
	b, err := newBase(common.PipelineIntroSEOCorrection, introSystemPrompt, introSchema, config, deps)
	if err != nil {
		return nil, err
	}
	return &IntroSEOCorrection{base: b, now: time.Now}, nil
}

// Eligible excludes articles reviewed by hand within the grace period
func (p *IntroSEOCorrection) Eligible(item *models.WorkItem) bool {
	reviewed := item.Attribute(ReviewedAttribute)
	if reviewed == "" {
		return true
	}
	at, err := time.Parse(time.RFC3339, reviewed)
	if err != nil {
		return true
	}
	return p.now().Sub(at) >= reviewGrace
}

func (p *IntroSEOCorrection) Process(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
	var intro ArticleIntro
	if err := decodeOriginal(item, &intro); err != nil {
		return nil, err
	}
	if strings.TrimSpace(intro.Introduction) == "" {
		return skippedOutcome("article has no introduction"), nil
	}

	prompt := fmt.Sprintf("Title: %s\nVehicle: %s\n\nIntroduction:\n%s\n\nMeta description:\n%s",
		intro.Title, intro.Vehicle, intro.Introduction, intro.MetaDescription)
	gen, err := p.generate(ctx, item, prompt)
	if err != nil {
		return nil, err
	}

	var resp introResponse
	if err := json.Unmarshal(gen.content, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode introduction: %w", err)
	}
	resp.Introduction = strings.TrimSpace(resp.Introduction)
	resp.MetaDescription = strings.TrimSpace(resp.MetaDescription)

	if resp.Introduction == strings.TrimSpace(intro.Introduction) &&
		resp.MetaDescription == strings.TrimSpace(intro.MetaDescription) {
		return noChangesOutcome(gen.result, "introduction already optimised"), nil
	}
	return completedOutcome(gen.result, resp)
}
