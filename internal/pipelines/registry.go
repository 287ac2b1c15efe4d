package pipelines

import (
	"fmt"

	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
)

// Build creates every known pipeline named in config, enabled or not, keyed by name.
// Scheduling decides which ones run.
func Build(config *common.Config, deps Deps) (map[string]interfaces.EnrichmentOperation, error) {
	ops := make(map[string]interfaces.EnrichmentOperation, len(config.Pipelines))
	for _, name := range config.PipelineNames() {
		pipelineConfig, _ := config.Pipeline(name)
		op, err := New(name, pipelineConfig, deps)
		if err != nil {
			return nil, err
		}
		ops[name] = op
	}
	return ops, nil
}

// New creates the pipeline registered under name
func New(name string, config common.PipelineConfig, deps Deps) (interfaces.EnrichmentOperation, error) {
	var (
		op  interfaces.EnrichmentOperation
		err error
	)
	switch name {
	case common.PipelineContentEnrichment:
		op, err = NewContentEnrichment(config, deps)
	case common.PipelinePressureCorrection:
		op, err = NewPressureCorrection(config, deps)
	case common.PipelineVehicleDataEnrichment:
		op, err = NewVehicleDataEnrichment(config, deps)
	case common.PipelineIntroSEOCorrection:
		op, err = NewIntroSEOCorrection(config, deps)
	default:
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}
