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

const vehicleDataSystemPrompt = `You complete vehicle data sheets used in maintenance guides.
Fill in only the requested fields with manufacturer values, including units. Use null when unsure.
Respond with a single JSON object: {"fields": {"<field>": "<value or null>"}}.`

const vehicleDataSchema = `{
	"type": "object",
	"required": ["fields"],
	"properties": {
		"fields": {
			"type": "object",
			"additionalProperties": {"type": ["string", "null"]}
		}
	}
}`

// VehicleData is the original payload of vehicle data enrichment items. Empty
// field values are the ones to fill.
type VehicleData struct {
	Vehicle string            `json:"vehicle"`
	Year    int               `json:"year,omitempty"`
	Fields  map[string]string `json:"fields"`
}

type vehicleDataResponse struct {
	Fields map[string]*string `json:"fields"`
}

// VehicleDataEnrichment fills missing vehicle data fields
type VehicleDataEnrichment struct {
	*base
}

// NewVehicleDataEnrichment creates the vehicle data enrichment pipeline
func NewVehicleDataEnrichment(config common.PipelineConfig, deps Deps) (*VehicleDataEnrichment, error) {
	b, err := newBase(common.PipelineVehicleDataEnrichment, vehicleDataSystemPrompt, vehicleDataSchema, config, deps)
	if err != nil {
		return nil, err
	}
	return &VehicleDataEnrichment{base: b}, nil
}

func (p *VehicleDataEnrichment) Process(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
	var data VehicleData
	if err := decodeOriginal(item, &data); err != nil {
		return nil, err
	}

	missing := missingFields(data.Fields)
	if len(missing) == 0 {
		return noChangesOutcome(nil, "no missing fields"), nil
	}

	prompt := fmt.Sprintf("Vehicle: %s (%d)\nKnown fields:\n%s\nMissing fields: %s",
		data.Vehicle, data.Year, mustJSON(data.Fields), strings.Join(missing, ", "))
	gen, err := p.generate(ctx, item, prompt)
	if err != nil {
		return nil, err
	}

	var resp vehicleDataResponse
	if err := json.Unmarshal(gen.content, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}

	filled := make(map[string]string)
	for _, field := range missing {
		value := resp.Fields[field]
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}
		filled[field] = strings.TrimSpace(*value)
	}
	if len(filled) == 0 {
		return noChangesOutcome(gen.result, "model returned no new values"), nil
	}

	return completedOutcome(gen.result, map[string]interface{}{"fields": filled})
}

func missingFields(fields map[string]string) []string {
	missing := make([]string, 0)
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
