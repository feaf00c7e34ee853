package archive

import (
	"context"
	"fmt"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/canonicalize"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/chain"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
)

// ExportFormat versions the snapshot document layout.
const ExportFormat = "socpocket.case-export.v1"

// CaseExport is the archived form of a case: the case record, its full
// step chain, and the verification verdict at export time. A broken
// chain still exports; the verdict says so.
type CaseExport struct {
	Format            string             `json:"format"`
	CaseID            string             `json:"case_id"`
	Case              *soc.Case          `json:"case"`
	Steps             []soc.AgentStep    `json:"steps"`
	TotalCostMicroUSD int64              `json:"total_cost_micro_usd"`
	Verification      chain.Verification `json:"verification"`
}

// Exporter builds case snapshots and archives them.
type Exporter struct {
	cases     store.CaseStore
	steps     store.StepStore
	snapshots Store
}

// NewExporter wires an exporter over the case/step stores and a
// snapshot store.
func NewExporter(cases store.CaseStore, steps store.StepStore, snapshots Store) *Exporter {
	return &Exporter{cases: cases, steps: steps, snapshots: snapshots}
}

// Export archives the case's chain and returns the snapshot's content
// hash. Snapshot bytes are canonical JSON, so exporting an unchanged
// case lands on the identical key.
func (e *Exporter) Export(ctx context.Context, caseID string) (string, *CaseExport, error) {
	c, err := e.cases.GetCase(ctx, caseID)
	if err != nil {
		return "", nil, fmt.Errorf("export %s: %w", caseID, err)
	}
	steps, err := e.steps.GetChain(ctx, caseID)
	if err != nil {
		return "", nil, fmt.Errorf("export %s: load chain: %w", caseID, err)
	}
	total, err := e.steps.TotalCost(ctx, caseID)
	if err != nil {
		return "", nil, fmt.Errorf("export %s: total cost: %w", caseID, err)
	}

	export := &CaseExport{
		Format:            ExportFormat,
		CaseID:            caseID,
		Case:              c,
		Steps:             steps,
		TotalCostMicroUSD: total,
		Verification:      chain.VerifyChain(steps),
	}

	data, err := canonicalize.JCS(export)
	if err != nil {
		return "", nil, fmt.Errorf("export %s: serialize: %w", caseID, err)
	}
	hash, err := e.snapshots.Store(ctx, data)
	if err != nil {
		return "", nil, fmt.Errorf("export %s: archive: %w", caseID, err)
	}
	return hash, export, nil
}
