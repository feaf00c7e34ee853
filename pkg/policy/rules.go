// Package policy layers operator-defined CEL overrides on top of the
// built-in autonomy gating table. Rules are loaded from a YAML file
// and can force an approval gate or waive one for matching stages;
// when no rule matches, the built-in table decides.
package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Effect is what a matching rule does to the gating decision.
type Effect string

const (
	// EffectRequireApproval forces an approval gate for the stage.
	EffectRequireApproval Effect = "require_approval"
	// EffectAllow waives the gate the built-in table would impose.
	EffectAllow Effect = "allow"
)

// Rule is a single CEL override. When evaluates against the variables
// stage, action_class, autonomy, external_output, and rule_id; the
// first enabled rule (highest priority first) whose When holds
// determines the outcome.
type Rule struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	When        string `yaml:"when"`
	Effect      Effect `yaml:"effect"`
	Priority    int    `yaml:"priority"`
	Enabled     bool   `yaml:"enabled"`
}

type rulesFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadRules reads override rules from a YAML file and returns the
// enabled ones sorted by priority, highest first. Rules with an empty
// expression or an unknown effect are rejected so a malformed file
// fails at startup rather than at gate time.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	var rules []Rule
	for i, r := range file.Rules {
		if !r.Enabled {
			continue
		}
		if r.Name == "" {
			return nil, fmt.Errorf("policy: rule %d has no name", i)
		}
		if r.When == "" {
			return nil, fmt.Errorf("policy: rule %q has no expression", r.Name)
		}
		switch r.Effect {
		case EffectRequireApproval, EffectAllow:
		default:
			return nil, fmt.Errorf("policy: rule %q has unknown effect %q", r.Name, r.Effect)
		}
		rules = append(rules, r)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return rules, nil
}
