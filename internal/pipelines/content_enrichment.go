package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

const contentSystemPrompt = `You are a technical editor for vehicle maintenance guides.
Expand thin sections with accurate, practical maintenance detail. Keep the section names unchanged.
Respond with a single JSON object: {"sections": {"<section name>": "<text>"}}. Include only sections you changed.`

const contentSchema = `{
	"type": "object",
	"required": ["sections"],
	"properties": {
		"sections": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

// ArticleContent is the original payload of content enrichment items
type ArticleContent struct {
	Title    string            `json:"title"`
	Vehicle  string            `json:"vehicle"`
	Template string            `json:"template,omitempty"`
	Sections map[string]string `json:"sections"`
}

type contentResponse struct {
	Sections map[string]string `json:"sections"`
}

// ContentEnrichment expands maintenance article sections
type ContentEnrichment struct {
	*base
}

// NewContentEnrichment creates the content enrichment pipeline
func NewContentEnrichment(config common.PipelineConfig, deps Deps) (*ContentEnrichment, error) {
	b, err := newBase(common.PipelineContentEnrichment, contentSystemPrompt, contentSchema, config, deps)
	if err != nil {
		return nil, err
	}
	return &ContentEnrichment{base: b}, nil
}

func (p *ContentEnrichment) Process(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
	var article ArticleContent
	if err := decodeOriginal(item, &article); err != nil {
		return nil, err
	}
	if len(article.Sections) == 0 {
		return skippedOutcome("article has no sections"), nil
	}

	gen, err := p.generate(ctx, item, contentPrompt(&article))
	if err != nil {
		return nil, err
	}

	var resp contentResponse
	if err := json.Unmarshal(gen.content, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode sections: %w", err)
	}

	changed := make(map[string]string)
	for name, text := range resp.Sections {
		original, known := article.Sections[name]
		if !known {
			continue
		}
		text = strings.TrimSpace(text)
		if text != "" && text != strings.TrimSpace(original) {
			changed[name] = text
		}
	}
	if len(changed) == 0 {
		return noChangesOutcome(gen.result, "sections already complete"), nil
	}

	return completedOutcome(gen.result, contentResponse{Sections: changed})
}

func contentPrompt(article *ArticleContent) string {
	names := make([]string, 0, len(article.Sections))
	for name := range article.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Article: %s\nVehicle: %s\n\n", article.Title, article.Vehicle)
	for _, name := range names {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", name, article.Sections[name])
	}
	return sb.String()
}
