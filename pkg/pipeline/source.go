package pipeline

import (
	"context"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// CaseSource is the external case/entity backend the enrichment stage
// queries. Implementations live in adapters (Redis index, test fakes);
// the pipeline treats lookups as transient I/O and may retry them.
type CaseSource interface {
	// FetchCase returns the narrow summary of a case, or nil if the
	// backend does not know it.
	FetchCase(ctx context.Context, id string) (*soc.CaseSummary, error)
	// FetchRelatedCases returns cases sharing any of the given
	// entity keys. Keys are already NFC-normalized and de-duplicated.
	FetchRelatedCases(ctx context.Context, entities []string) ([]soc.RelatedCase, error)
}

// CaseIndexer receives completed cases so later runs can correlate
// against them.
type CaseIndexer interface {
	IndexCase(ctx context.Context, summary *soc.CaseSummary) error
}
