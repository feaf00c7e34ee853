// Package crypto provides Ed25519 signing and verification for audit
// step records, with versioned keys so rotation never invalidates
// historical signatures.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/canonicalize"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Signature components separators and prefixes
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// Signer interface for cryptographic signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	KeyVersion() string
	SignStep(step *soc.AgentStep) error
	VerifyStep(step *soc.AgentStep) (bool, error)
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	version string
}

// NewEd25519Signer generates a fresh keypair for the given key version.
func NewEd25519Signer(version string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		version: version,
	}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, version string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		version: version,
	}, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

func (s *Ed25519Signer) KeyVersion() string {
	return s.version
}

// SignStep signs the canonical serialization of the full step record,
// including its computed hash, and stamps the signature and key version
// onto the step.
func (s *Ed25519Signer) SignStep(step *soc.AgentStep) error {
	step.KeyVersion = s.version
	payload, err := StepSigningPayload(step)
	if err != nil {
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	step.Signature = SigPrefixEd25519 + SigSeparator + sig
	return nil
}

// VerifyStep checks the step's signature against this signer's key.
func (s *Ed25519Signer) VerifyStep(step *soc.AgentStep) (bool, error) {
	return VerifyStepWith(s.PublicKey(), step)
}

// StepSigningPayload returns the bytes a step signature covers: the
// RFC 8785 canonical form of the record with the signature field
// cleared. Every other field, the chain hash included, is covered.
func StepSigningPayload(step *soc.AgentStep) ([]byte, error) {
	unsigned := *step
	unsigned.Signature = ""
	payload, err := canonicalize.JCS(unsigned)
	if err != nil {
		return nil, fmt.Errorf("step canonicalization failed: %w", err)
	}
	return payload, nil
}

// ParseSignature splits a "ed25519:<hex>" signature string.
func ParseSignature(sig string) (string, error) {
	prefix := SigPrefixEd25519 + SigSeparator
	if !strings.HasPrefix(sig, prefix) {
		return "", fmt.Errorf("unsupported signature format %q", sig)
	}
	return strings.TrimPrefix(sig, prefix), nil
}

// Verify verifies a signature against a public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// VerifyStepWith verifies a step's recorded signature against the
// given hex-encoded public key.
func VerifyStepWith(pubKeyHex string, step *soc.AgentStep) (bool, error) {
	if step.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	sigHex, err := ParseSignature(step.Signature)
	if err != nil {
		return false, err
	}
	payload, err := StepSigningPayload(step)
	if err != nil {
		return false, err
	}
	return Verify(pubKeyHex, sigHex, payload)
}
