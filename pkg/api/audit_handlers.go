package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/chain"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
)

type chainResponse struct {
	CaseID string          `json:"case_id"`
	Steps  []soc.AgentStep `json:"steps"`
	Total  int             `json:"total"`
}

// stepSignature is one step's signature check in the verify response.
type stepSignature struct {
	Seq        int64  `json:"seq"`
	KeyVersion string `json:"key_version"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

type verifyResponse struct {
	CaseID       string             `json:"case_id"`
	Chain        chain.Verification `json:"chain"`
	Signatures   []stepSignature    `json:"signatures"`
	SignaturesOK bool               `json:"signatures_ok"`
}

// handleAuditRouter routes requests under /api/audit.
func (s *Server) handleAuditRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/audit")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "" || path == "/":
		WriteBadRequest(w, "Missing case ID")
	case strings.HasSuffix(path, "/verify"):
		s.handleVerifyChain(w, r)
	default:
		s.handleGetChain(w, r)
	}
}

// handleGetChain handles GET /api/audit/{caseID}: the ordered, signed
// step chain exactly as persisted.
func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	caseID := extractPathSegment(r.URL.Path, "audit")
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

	steps, err := s.backend.GetChain(r.Context(), caseID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if steps == nil {
		steps = []soc.AgentStep{}
	}

	writeJSON(w, http.StatusOK, chainResponse{
		CaseID: caseID,
		Steps:  steps,
		Total:  len(steps),
	})
}

// handleVerifyChain handles GET /api/audit/{caseID}/verify: recomputes
// every hash link and checks every signature against the key ring.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	caseID := extractPathSegment(r.URL.Path, "audit")
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

	steps, err := s.backend.GetChain(r.Context(), caseID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := verifyResponse{
		CaseID:       caseID,
		Chain:        chain.VerifyChain(steps),
		Signatures:   make([]stepSignature, 0, len(steps)),
		SignaturesOK: true,
	}
	for i := range steps {
		sig := stepSignature{Seq: steps[i].Seq, KeyVersion: steps[i].KeyVersion}
		ok, verr := s.keys.VerifyStep(&steps[i])
		sig.Valid = verr == nil && ok
		if verr != nil {
			sig.Error = verr.Error()
		}
		if !sig.Valid {
			resp.SignaturesOK = false
		}
		resp.Signatures = append(resp.Signatures, sig)
	}

	writeJSON(w, http.StatusOK, resp)
}
