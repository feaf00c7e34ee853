package api

import (
	"net/http"
)

// signingKey is one key generation in the keys response.
type signingKey struct {
	Version   string `json:"version"`
	PublicKey string `json:"public_key"` // hex-encoded Ed25519 public key
	Algorithm string `json:"algorithm"`
}

// handleKeys handles GET /api/keys: every signing key generation the
// server knows, so external verifiers can check historical steps
// signed under rotated-out keys.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	active, err := s.keys.Active()
	if err != nil {
		WriteInternal(w, err)
		return
	}

	versions := s.keys.Versions()
	keys := make([]signingKey, 0, len(versions))
	for _, v := range versions {
		pub, err := s.keys.PublicKey(v)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		keys = append(keys, signingKey{
			Version:   v,
			PublicKey: pub,
			Algorithm: "ed25519",
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active": active.KeyVersion(),
		"keys":   keys,
	})
}
