// Package eligibility decides which related cases may trigger
// downstream SIEM query execution, based on their detection-rule
// identifier. The check is a literal, case-sensitive prefix match and
// nothing else: no normalization, no wildcards, no side effects.
package eligibility

import (
	"strings"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Eligible rule-id prefixes. Fact and profile rules are cheap,
// deterministic feature rules whose historical matches are worth
// re-querying; composite rules (CR_, rule_sequence_) are not.
const (
	PrefixFact    = "fact_"
	PrefixProfile = "profile_"
)

// IsEligible reports whether a detection-rule identifier may feed SIEM
// query execution. True iff ruleID starts with the literal prefix
// "fact_" or "profile_".
func IsEligible(ruleID string) bool {
	return strings.HasPrefix(ruleID, PrefixFact) || strings.HasPrefix(ruleID, PrefixProfile)
}

// Result partitions related cases into the kept set that feeds
// Investigation and the skipped set recorded for audit. Nothing is
// discarded silently: every input lands in exactly one list.
type Result struct {
	Kept    []soc.RelatedCase `json:"kept"`
	Skipped []soc.RelatedCase `json:"skipped"`
}

// KeptRuleIDs lists the rule ids of the kept set, in input order.
func (r Result) KeptRuleIDs() []string {
	return ruleIDs(r.Kept)
}

// SkippedRuleIDs lists the rule ids of the skipped set, in input order.
func (r Result) SkippedRuleIDs() []string {
	return ruleIDs(r.Skipped)
}

func ruleIDs(cases []soc.RelatedCase) []string {
	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.RuleID
	}
	return ids
}

// Summary is the auditable record of one filter pass, embedded in the
// enrichment stage's output.
type Summary struct {
	KeptCount    int      `json:"kept_count"`
	SkippedCount int      `json:"skipped_count"`
	KeptRules    []string `json:"kept_rules"`
	SkippedRules []string `json:"skipped_rules"`
}

// Filter applies IsEligible to each related case, preserving input
// order within both partitions.
func Filter(related []soc.RelatedCase) Result {
	res := Result{
		Kept:    make([]soc.RelatedCase, 0, len(related)),
		Skipped: make([]soc.RelatedCase, 0),
	}
	for _, c := range related {
		if IsEligible(c.RuleID) {
			res.Kept = append(res.Kept, c)
		} else {
			res.Skipped = append(res.Skipped, c)
		}
	}
	return res
}

// Summarize builds the audit summary for a filter result.
func (r Result) Summarize() Summary {
	return Summary{
		KeptCount:    len(r.Kept),
		SkippedCount: len(r.Skipped),
		KeptRules:    r.KeptRuleIDs(),
		SkippedRules: r.SkippedRuleIDs(),
	}
}
