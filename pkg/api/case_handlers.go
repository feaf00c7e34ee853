package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pipeline"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pricing"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
)

const analyzeSchemaURL = "https://socinthepocket.dev/schemas/analyze-request.schema.json"

// analyzeSchemaJSON validates analyze request bodies before anything
// touches the orchestrator. additionalProperties is false so typos in
// field names fail loudly instead of silently running with defaults.
const analyzeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["autonomy_level"],
  "additionalProperties": false,
  "properties": {
    "autonomy_level": {
      "type": "string",
      "enum": ["L0_OBSERVE", "L1_SUGGEST", "L2_EXECUTE", "L3_FULL_AUTO"]
    },
    "rule_id": {"type": "string", "maxLength": 256},
    "max_depth": {"type": "integer", "minimum": 1, "maximum": 6},
    "approval_ttl_seconds": {"type": "integer", "minimum": 1, "maximum": 86400},
    "budget_micro_usd": {"type": "integer", "minimum": 1},
    "entities": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "maxItems": 256
    },
    "payload": {}
  }
}`

func compileAnalyzeSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(analyzeSchemaURL, strings.NewReader(analyzeSchemaJSON)); err != nil {
		return nil, fmt.Errorf("analyze schema load failed: %w", err)
	}
	schema, err := c.Compile(analyzeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("analyze schema compile failed: %w", err)
	}
	return schema, nil
}

// analyzeRequest is the analyze endpoint's body, mirrored by
// analyzeSchemaJSON.
type analyzeRequest struct {
	AutonomyLevel      string          `json:"autonomy_level"`
	RuleID             string          `json:"rule_id,omitempty"`
	MaxDepth           int             `json:"max_depth,omitempty"`
	ApprovalTTLSeconds int             `json:"approval_ttl_seconds,omitempty"`
	BudgetMicroUSD     int64           `json:"budget_micro_usd,omitempty"`
	Entities           []string        `json:"entities,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// analyzeResponse carries the run outcome. Error is set when the run
// stopped on a stage or verification failure; the embedded result
// still reflects everything persisted before the stop.
type analyzeResponse struct {
	*pipeline.RunResult
	Error string `json:"error,omitempty"`
}

type casesListResponse struct {
	Cases []*soc.Case `json:"cases"`
	Total int         `json:"total"`
}

// handleCasesRouter routes requests under /api/cases.
func (s *Server) handleCasesRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/cases")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "" || path == "/":
		s.handleListCases(w, r)
	case strings.HasSuffix(path, "/analyze"):
		s.handleAnalyze(w, r)
	case strings.HasSuffix(path, "/usage"):
		s.handleCaseUsage(w, r)
	default:
		s.handleGetCase(w, r)
	}
}

// handleAnalyze handles POST /api/cases/{id}/analyze. The call is
// synchronous: it returns once the run reaches a terminal decision for
// this invocation, with the signed step chain already persisted.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	caseID := extractPathSegment(r.URL.Path, "cases")
	if caseID == "" {
		WriteBadRequest(w, "Missing case ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return
	}

	var untyped any
	if err := json.Unmarshal(body, &untyped); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := s.analyzeSchema.Validate(untyped); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}

	var req analyzeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	level, err := soc.ParseAutonomyLevel(req.AutonomyLevel)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	res, err := s.orc.Run(r.Context(), pipeline.RunRequest{
		CaseID:         caseID,
		RuleID:         req.RuleID,
		Autonomy:       level,
		MaxDepth:       req.MaxDepth,
		ApprovalTTL:    time.Duration(req.ApprovalTTLSeconds) * time.Second,
		BudgetMicroUSD: req.BudgetMicroUSD,
		Entities:       req.Entities,
		Payload:        req.Payload,
	})
	switch {
	case errors.Is(err, pipeline.ErrCaseTerminal):
		WriteConflict(w, "Case already completed or failed; a terminal case cannot be re-run")
		return
	case err != nil && res == nil:
		WriteInternal(w, err)
		return
	}

	s.metrics.ObserveRun(string(res.Case.Status), res.Steps, res.TotalCostMicroUSD)

	resp := analyzeResponse{RunResult: res}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetCase handles GET /api/cases/{id}.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	caseID := extractPathSegment(r.URL.Path, "cases")
	if caseID == "" {
		WriteBadRequest(w, "Missing case ID")
		return
	}

	c, err := s.backend.GetCase(r.Context(), caseID)
	if errors.Is(err, store.ErrCaseNotFound) {
		WriteNotFound(w, "Case not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleListCases handles GET /api/cases with an optional ?status=
// filter.
func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	statusFilter := r.URL.Query().Get("status")

	all, err := s.backend.ListCases(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	cases := make([]*soc.Case, 0, len(all))
	for _, c := range all {
		if statusFilter != "" && string(c.Status) != statusFilter {
			continue
		}
		cases = append(cases, c)
	}

	writeJSON(w, http.StatusOK, casesListResponse{
		Cases: cases,
		Total: len(cases),
	})
}

// handleCaseUsage handles GET /api/cases/{id}/usage: the per-stage
// token and cost breakdown from the step ledger.
func (s *Server) handleCaseUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	caseID := extractPathSegment(r.URL.Path, "cases")
	if caseID == "" {
		WriteBadRequest(w, "Missing case ID")
		return
	}

	if _, err := s.backend.GetCase(r.Context(), caseID); err != nil {
		if errors.Is(err, store.ErrCaseNotFound) {
			WriteNotFound(w, "Case not found")
			return
		}
		WriteInternal(w, err)
		return
	}

	rows, err := s.backend.UsageByStage(r.Context(), caseID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	total, err := s.backend.TotalCost(r.Context(), caseID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":              caseID,
		"stages":               rows,
		"total_cost_micro_usd": total,
		"total_cost":           pricing.FromMicro(total).String(),
	})
}

// extractPathSegment extracts the segment after /api/{resource}/ from a
// URL path, stripping any deeper sub-path.
func extractPathSegment(path, resource string) string {
	prefix := "/api/" + resource + "/"
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == path {
		return ""
	}
	if idx := strings.Index(trimmed, "/"); idx != -1 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
