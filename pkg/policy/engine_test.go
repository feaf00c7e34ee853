package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/policy"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

func TestBuiltInTableWithoutOverrides(t *testing.T) {
	engine, err := policy.NewEngine(nil)
	require.NoError(t, err)

	tests := []struct {
		autonomy soc.AutonomyLevel
		stage    soc.Stage
		gated    bool
	}{
		{soc.AutonomyObserve, soc.StageTriage, false},
		{soc.AutonomyObserve, soc.StageEnrichment, true},
		{soc.AutonomyObserve, soc.StageCorrelation, false},
		{soc.AutonomyObserve, soc.StageReporting, true},
		{soc.AutonomySuggest, soc.StageTriage, false},
		{soc.AutonomySuggest, soc.StageEnrichment, true},
		{soc.AutonomySuggest, soc.StageResponse, true},
		{soc.AutonomySuggest, soc.StageReporting, false},
		{soc.AutonomyExecute, soc.StageEnrichment, false},
		{soc.AutonomyExecute, soc.StageResponse, true},
		{soc.AutonomyFullAuto, soc.StageResponse, false},
		{soc.AutonomyFullAuto, soc.StageReporting, false},
	}
	for _, tc := range tests {
		d, err := engine.RequiresApproval(tc.stage, tc.autonomy, "rule-1")
		require.NoError(t, err)
		assert.Equal(t, tc.gated, d.RequiresApproval, "%s at %s", tc.stage, tc.autonomy)
		assert.Empty(t, d.Rule, "no override should have matched")
	}
}

func TestUnknownAutonomyFailsClosed(t *testing.T) {
	engine, err := policy.NewEngine(nil)
	require.NoError(t, err)

	d, err := engine.RequiresApproval(soc.StageTriage, soc.AutonomyLevel("L9_WILD"), "rule-1")
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)
}

func TestOverrideForcesGate(t *testing.T) {
	engine, err := policy.NewEngine([]policy.Rule{
		{
			Name:    "gate-triage-for-crown-jewels",
			When:    `stage == "triage" && rule_id.startsWith("crown_")`,
			Effect:  policy.EffectRequireApproval,
			Enabled: true,
		},
	})
	require.NoError(t, err)

	d, err := engine.RequiresApproval(soc.StageTriage, soc.AutonomyFullAuto, "crown_db_access")
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, "gate-triage-for-crown-jewels", d.Rule)

	// Non-matching case falls through to the table.
	d, err = engine.RequiresApproval(soc.StageTriage, soc.AutonomyFullAuto, "rule-1")
	require.NoError(t, err)
	assert.False(t, d.RequiresApproval)
	assert.Empty(t, d.Rule)
}

func TestOverrideWaivesGate(t *testing.T) {
	engine, err := policy.NewEngine([]policy.Rule{
		{
			Name:    "trusted-containment",
			When:    `action_class == "destructive" && rule_id == "rule_sequence_lateral"`,
			Effect:  policy.EffectAllow,
			Enabled: true,
		},
	})
	require.NoError(t, err)

	d, err := engine.RequiresApproval(soc.StageResponse, soc.AutonomySuggest, "rule_sequence_lateral")
	require.NoError(t, err)
	assert.False(t, d.RequiresApproval)
	assert.Equal(t, "trusted-containment", d.Rule)
}

func TestHigherPriorityWins(t *testing.T) {
	engine, err := policy.NewEngine([]policy.Rule{
		{Name: "gate-everything", When: `true`, Effect: policy.EffectRequireApproval, Priority: 10, Enabled: true},
		{Name: "allow-everything", When: `true`, Effect: policy.EffectAllow, Priority: 1, Enabled: true},
	})
	require.NoError(t, err)

	d, err := engine.RequiresApproval(soc.StageTriage, soc.AutonomyFullAuto, "rule-1")
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, "gate-everything", d.Rule)
}

func TestExternalOutputVariable(t *testing.T) {
	engine, err := policy.NewEngine([]policy.Rule{
		{Name: "gate-external-output", When: `external_output`, Effect: policy.EffectRequireApproval, Enabled: true},
	})
	require.NoError(t, err)

	d, err := engine.RequiresApproval(soc.StageReporting, soc.AutonomyFullAuto, "rule-1")
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval, "reporting has external output")

	d, err = engine.RequiresApproval(soc.StageCorrelation, soc.AutonomyFullAuto, "rule-1")
	require.NoError(t, err)
	assert.False(t, d.RequiresApproval)
}

func TestCompileErrorRejectsRuleSet(t *testing.T) {
	_, err := policy.NewEngine([]policy.Rule{
		{Name: "broken", When: `stage ==`, Effect: policy.EffectAllow, Enabled: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	// Compiles fine, errors at evaluation time.
	engine, err := policy.NewEngine([]policy.Rule{
		{Name: "divides-by-zero", When: `1 / 0 == 1`, Effect: policy.EffectAllow, Enabled: true},
	})
	require.NoError(t, err)

	d, err := engine.RequiresApproval(soc.StageTriage, soc.AutonomyFullAuto, "rule-1")
	require.Error(t, err)
	assert.True(t, d.RequiresApproval, "evaluation failure must gate")
	assert.Equal(t, "divides-by-zero", d.Rule)
}
