package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/policy"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRules(t *testing.T) {
	path := writeRules(t, `
version: "1"
rules:
  - name: low-priority-allow
    when: 'stage == "reporting"'
    effect: allow
    priority: 1
    enabled: true
  - name: disabled-rule
    when: 'true'
    effect: require_approval
    enabled: false
  - name: gate-response
    description: responses always reviewed in this tenant
    when: 'stage == "response"'
    effect: require_approval
    priority: 50
    enabled: true
`)

	rules, err := policy.LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2, "disabled rules are dropped")
	assert.Equal(t, "gate-response", rules[0].Name, "highest priority first")
	assert.Equal(t, "low-priority-allow", rules[1].Name)

	// The loaded set must compile.
	_, err = policy.NewEngine(rules)
	require.NoError(t, err)
}

func TestLoadRulesRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown effect", "rules:\n  - name: x\n    when: 'true'\n    effect: maybe\n    enabled: true\n"},
		{"missing expression", "rules:\n  - name: x\n    effect: allow\n    enabled: true\n"},
		{"missing name", "rules:\n  - when: 'true'\n    effect: allow\n    enabled: true\n"},
		{"bad yaml", "rules: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.LoadRules(writeRules(t, tc.content))
			require.Error(t, err)
		})
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := policy.LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
