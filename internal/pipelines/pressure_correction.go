package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
)

const pressureSystemPrompt = `You verify tyre pressure tables for vehicle maintenance articles.
Correct values that do not match the manufacturer specification. Pressures are in bar.
Respond with a single JSON object: {"pressures": [{"load": "...", "front": <number>, "rear": <number>}]}
covering every load row you were given.`

const pressureSchema = `{
	"type": "object",
	"required": ["pressures"],
	"properties": {
		"pressures": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["load", "front", "rear"],
				"properties": {
					"load": {"type": "string"},
					"front": {"type": "number", "exclusiveMinimum": 0, "maximum": 10},
					"rear": {"type": "number", "exclusiveMinimum": 0, "maximum": 10}
				}
			}
		}
	}
}`

// pressureTolerance absorbs rounding between bar values
const pressureTolerance = 0.05

// PressureRow is one load configuration of a tyre pressure table
type PressureRow struct {
	Load  string  `json:"load"`
	Front float64 `json:"front"`
	Rear  float64 `json:"rear"`
}

// PressureTable is the original payload of pressure correction items
type PressureTable struct {
	Vehicle   string        `json:"vehicle"`
	TyreSize  string        `json:"tyre_size,omitempty"`
	Pressures []PressureRow `json:"pressures"`
}

type pressureResponse struct {
	Pressures []PressureRow `json:"pressures"`
}

// PressureCorrection checks and corrects tyre pressure tables
type PressureCorrection struct {
	*base
}

// NewPressureCorrection creates the pressure correction pipeline
func NewPressureCorrection(config common.PipelineConfig, deps Deps) (*PressureCorrection, error) {
	b, err := newBase(common.PipelinePressureCorrection, pressureSystemPrompt, pressureSchema, config, deps)
	if err != nil {
		return nil, err
	}
	return &PressureCorrection{base: b}, nil
}

func (p *PressureCorrection) Process(ctx context.Context, item *models.WorkItem) (*interfaces.EnrichmentOutcome, error) {
	var table PressureTable
	if err := decodeOriginal(item, &table); err != nil {
		return nil, err
	}
	if len(table.Pressures) == 0 {
		return skippedOutcome("no pressure rows"), nil
	}

	prompt := fmt.Sprintf("Vehicle: %s\nTyre size: %s\nCurrent table:\n%s", table.Vehicle, table.TyreSize, mustJSON(table.Pressures))
	gen, err := p.generate(ctx, item, prompt)
	if err != nil {
		return nil, err
	}

	var resp pressureResponse
	if err := json.Unmarshal(gen.content, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pressures: %w", err)
	}

	corrected, changed := mergePressures(table.Pressures, resp.Pressures)
	if !changed {
		return noChangesOutcome(gen.result, "pressures already correct"), nil
	}
	return completedOutcome(gen.result, pressureResponse{Pressures: corrected})
}

// mergePressures applies corrections by load. Rows the model did not return keep
// their original values.
func mergePressures(original, corrections []PressureRow) ([]PressureRow, bool) {
	byLoad := make(map[string]PressureRow, len(corrections))
	for _, row := range corrections {
		byLoad[row.Load] = row
	}

	merged := make([]PressureRow, len(original))
	changed := false
	for i, row := range original {
		merged[i] = row
		correction, ok := byLoad[row.Load]
		if !ok {
			continue
		}
		if math.Abs(correction.Front-row.Front) > pressureTolerance {
			merged[i].Front = correction.Front
			changed = true
		}
		if math.Abs(correction.Rear-row.Rear) > pressureTolerance {
			merged[i].Rear = correction.Rear
			changed = true
		}
	}
	return merged, changed
}
