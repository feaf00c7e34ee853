package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// decisionRequest is the operator's verdict on a pending approval.
type decisionRequest struct {
	Outcome   string `json:"outcome"` // approve | deny
	Reason    string `json:"reason"`
	DecidedBy string `json:"decided_by,omitempty"`
}

type approvalsListResponse struct {
	Approvals []*soc.ApprovalRequest `json:"approvals"`
	Total     int                    `json:"total"`
}

// handleApprovalsRouter routes requests under /api/approvals.
func (s *Server) handleApprovalsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/approvals")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "" || path == "/":
		s.handleListApprovals(w, r)
	case strings.HasSuffix(path, "/decision"):
		s.handleDecision(w, r)
	default:
		s.handleGetApproval(w, r)
	}
}

// handleListApprovals handles GET /api/approvals: the pending queue,
// or a case's full approval history with ?case_id=.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	var (
		approvals []*soc.ApprovalRequest
		err       error
	)
	if caseID := r.URL.Query().Get("case_id"); caseID != "" {
		approvals, err = s.approvals.ListByCase(r.Context(), caseID)
	} else {
		approvals, err = s.approvals.ListPending(r.Context())
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if approvals == nil {
		approvals = []*soc.ApprovalRequest{}
	}

	writeJSON(w, http.StatusOK, approvalsListResponse{
		Approvals: approvals,
		Total:     len(approvals),
	})
}

// handleGetApproval handles GET /api/approvals/{id}.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	id := extractPathSegment(r.URL.Path, "approvals")
	if id == "" {
		WriteBadRequest(w, "Missing approval ID")
		return
	}

	approval, err := s.approvals.Get(r.Context(), id)
	if errors.Is(err, escalation.ErrNotFound) {
		WriteNotFound(w, "Approval not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// handleDecision handles POST /api/approvals/{id}/decision. A request
// resolves exactly once: late decisions get 409, decisions after the
// window elapsed get 410.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	id := extractPathSegment(r.URL.Path, "approvals")
	if id == "" {
		WriteBadRequest(w, "Missing approval ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	var approve bool
	switch req.Outcome {
	case "approve":
		approve = true
	case "deny":
		approve = false
	default:
		WriteBadRequest(w, "outcome must be 'approve' or 'deny'")
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, "reason is required")
		return
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = r.Header.Get("X-Operator-ID")
	}
	if decidedBy == "" {
		decidedBy = "operator"
	}

	resolved, err := s.approvals.Decide(r.Context(), id, approve, decidedBy, req.Reason)
	if err != nil {
		var already *escalation.AlreadyResolvedError
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			WriteNotFound(w, "Approval not found")
		case errors.As(err, &already) && already.Status == soc.ApprovalExpired:
			WriteGone(w, "Approval window elapsed before the decision arrived")
		case errors.As(err, &already):
			WriteConflict(w, "Approval already "+string(already.Status))
		default:
			WriteInternal(w, err)
		}
		return
	}

	s.metrics.ApprovalDecisions.WithLabelValues(string(resolved.Status)).Inc()
	writeJSON(w, http.StatusOK, resolved)
}
