package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// modelsFile is the YAML shape of a model routing file:
//
//	models:
//	  triage: gemini-2.5-flash
//	  response: gemini-2.5-pro
type modelsFile struct {
	Models map[string]string `yaml:"models"`
}

// StageModels resolves per-stage model routing: the fast model for
// triage and enrichment, the deep model for the later stages, with any
// overrides from ModelsFile applied on top. Override keys must name
// pipeline stages.
func (c *Config) StageModels() (map[soc.Stage]string, error) {
	models := map[soc.Stage]string{
		soc.StageTriage:        c.FastModel,
		soc.StageEnrichment:    c.FastModel,
		soc.StageInvestigation: c.DeepModel,
		soc.StageCorrelation:   c.DeepModel,
		soc.StageResponse:      c.DeepModel,
		soc.StageReporting:     c.DeepModel,
	}
	if c.ModelsFile == "" {
		return models, nil
	}

	data, err := os.ReadFile(c.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("load models file: %w", err)
	}
	var file modelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse models file %s: %w", c.ModelsFile, err)
	}

	for name, model := range file.Models {
		stage := soc.Stage(name)
		if !stage.Valid() {
			return nil, fmt.Errorf("models file %s: unknown stage %q", c.ModelsFile, name)
		}
		if model == "" {
			return nil, fmt.Errorf("models file %s: empty model for stage %q", c.ModelsFile, name)
		}
		models[stage] = model
	}
	return models, nil
}
