package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// KeyRing holds every signing key generation the process knows about.
// Signing always uses the active (highest) version; verification
// resolves the key by the version recorded on the step, so rotating
// keys never invalidates steps signed under a prior generation.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer
	active  string
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		signers: make(map[string]*Ed25519Signer),
	}
}

// NewKeyRingFromSeed derives `generations` signing keys from a 32-byte
// master seed using HKDF-SHA256, one per version v1..vN. The highest
// version becomes the active signing key. Derivation is deterministic:
// the same seed always yields the same keys, so a restarted process
// keeps verifying (and producing) the same signatures.
func NewKeyRingFromSeed(masterSeed []byte, generations int) (*KeyRing, error) {
	if len(masterSeed) == 0 {
		return nil, fmt.Errorf("empty master seed")
	}
	if generations < 1 {
		generations = 1
	}

	kr := NewKeyRing()
	for n := 1; n <= generations; n++ {
		version := fmt.Sprintf("v%d", n)
		seed := make([]byte, ed25519.SeedSize)
		r := hkdf.New(sha256.New, masterSeed, []byte("soc-signing-"+version), nil)
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, fmt.Errorf("key derivation failed for %s: %w", version, err)
		}
		signer, err := NewEd25519SignerFromSeed(seed, version)
		if err != nil {
			return nil, err
		}
		kr.Add(signer)
	}
	return kr, nil
}

// Add registers a signer. The lexicographically-last version is
// treated as active; adding a higher version rotates the ring.
func (k *KeyRing) Add(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyVersion()] = s

	versions := make([]string, 0, len(k.signers))
	for v := range k.signers {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	k.active = versions[len(versions)-1]
}

// Active returns the current signing key.
func (k *KeyRing) Active() (*Ed25519Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == "" {
		return nil, fmt.Errorf("no keyring keys available")
	}
	return k.signers[k.active], nil
}

// PublicKey returns the hex public key for a version.
func (k *KeyRing) PublicKey(version string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[version]
	if !ok {
		return "", fmt.Errorf("unknown key version %q", version)
	}
	return s.PublicKey(), nil
}

// Versions lists known key versions in ascending order.
func (k *KeyRing) Versions() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	versions := make([]string, 0, len(k.signers))
	for v := range k.signers {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// SignStep signs with the active key.
func (k *KeyRing) SignStep(step *soc.AgentStep) error {
	s, err := k.Active()
	if err != nil {
		return err
	}
	return s.SignStep(step)
}

// VerifyStep resolves the verification key by the step's recorded
// KeyVersion and checks the signature.
func (k *KeyRing) VerifyStep(step *soc.AgentStep) (bool, error) {
	pub, err := k.PublicKey(step.KeyVersion)
	if err != nil {
		return false, err
	}
	return VerifyStepWith(pub, step)
}
