package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/config"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModelsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestStageModels_Defaults(t *testing.T) {
	cfg := &config.Config{FastModel: "fast-1", DeepModel: "deep-1"}

	models, err := cfg.StageModels()
	require.NoError(t, err)

	assert.Equal(t, "fast-1", models[soc.StageTriage])
	assert.Equal(t, "fast-1", models[soc.StageEnrichment])
	assert.Equal(t, "deep-1", models[soc.StageInvestigation])
	assert.Equal(t, "deep-1", models[soc.StageCorrelation])
	assert.Equal(t, "deep-1", models[soc.StageResponse])
	assert.Equal(t, "deep-1", models[soc.StageReporting])
}

func TestStageModels_FileOverrides(t *testing.T) {
	path := writeModelsFile(t, `
models:
  response: claude-opus
  triage: haiku
`)
	cfg := &config.Config{FastModel: "fast-1", DeepModel: "deep-1", ModelsFile: path}

	models, err := cfg.StageModels()
	require.NoError(t, err)

	assert.Equal(t, "haiku", models[soc.StageTriage])
	assert.Equal(t, "claude-opus", models[soc.StageResponse])
	// Untouched stages keep the fast/deep split.
	assert.Equal(t, "fast-1", models[soc.StageEnrichment])
	assert.Equal(t, "deep-1", models[soc.StageReporting])
}

func TestStageModels_UnknownStageRejected(t *testing.T) {
	path := writeModelsFile(t, `
models:
  triage2: x
`)
	cfg := &config.Config{FastModel: "f", DeepModel: "d", ModelsFile: path}

	_, err := cfg.StageModels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestStageModels_EmptyModelRejected(t *testing.T) {
	path := writeModelsFile(t, `
models:
  triage: ""
`)
	cfg := &config.Config{FastModel: "f", DeepModel: "d", ModelsFile: path}

	_, err := cfg.StageModels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty model")
}

func TestStageModels_MissingFile(t *testing.T) {
	cfg := &config.Config{FastModel: "f", DeepModel: "d", ModelsFile: "/no/such/models.yaml"}

	_, err := cfg.StageModels()
	require.Error(t, err)
}
