package pipeline

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Prompt is one stage's versioned instruction. The version is recorded
// in every step's inputs so a replayed audit names the exact prompt.
type Prompt struct {
	Version string `json:"version"`
	Text    string `json:"text"`
}

// PromptSet maps every pipeline stage to its prompt.
type PromptSet struct {
	prompts map[soc.Stage]Prompt
}

// NewPromptSet validates that every pipeline stage has a prompt with a
// semver-parseable version.
func NewPromptSet(prompts map[soc.Stage]Prompt) (*PromptSet, error) {
	for _, stage := range soc.PipelineOrder {
		p, ok := prompts[stage]
		if !ok {
			return nil, fmt.Errorf("pipeline: no prompt for stage %s", stage)
		}
		if _, err := semver.NewVersion(p.Version); err != nil {
			return nil, fmt.Errorf("pipeline: prompt version %q for stage %s: %w", p.Version, stage, err)
		}
	}
	return &PromptSet{prompts: prompts}, nil
}

// Get returns the stage's prompt. Construction guarantees presence.
func (s *PromptSet) Get(stage soc.Stage) Prompt {
	return s.prompts[stage]
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() *PromptSet {
	set, err := NewPromptSet(map[soc.Stage]Prompt{
		soc.StageTriage: {
			Version: "1.0.0",
			Text:    "Classify the alert: severity, confidence, affected assets, and whether it is a likely true positive.",
		},
		soc.StageEnrichment: {
			Version: "1.0.0",
			Text:    "Enrich the case with the provided related cases and entity context; summarize overlaps and notable indicators.",
		},
		soc.StageInvestigation: {
			Version: "1.0.0",
			Text:    "Investigate the eligible related cases: reconstruct the sequence of events and identify the attack technique.",
		},
		soc.StageCorrelation: {
			Version: "1.0.0",
			Text:    "Correlate findings across stages into a single incident hypothesis with supporting evidence.",
		},
		soc.StageResponse: {
			Version: "1.0.0",
			Text:    "Propose concrete containment and remediation actions ranked by urgency and blast radius.",
		},
		soc.StageReporting: {
			Version: "1.0.0",
			Text:    "Write the incident report: timeline, impact, root cause, actions taken, and follow-ups.",
		},
	})
	if err != nil {
		panic(err)
	}
	return set
}
