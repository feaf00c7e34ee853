package crypto

import (
	"bytes"
	"testing"
)

func testSeed() []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i * 7)
	}
	return seed
}

func TestKeyRing_DeriveAndRotate(t *testing.T) {
	kr, err := NewKeyRingFromSeed(testSeed(), 2)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}

	versions := kr.Versions()
	if len(versions) != 2 || versions[0] != "v1" || versions[1] != "v2" {
		t.Fatalf("unexpected versions: %v", versions)
	}

	active, err := kr.Active()
	if err != nil {
		t.Fatal(err)
	}
	if active.KeyVersion() != "v2" {
		t.Errorf("active key should be highest version, got %s", active.KeyVersion())
	}

	// Sign under v2, then rotate to v3. The old step must still verify.
	step := sampleStep()
	if err := kr.SignStep(step); err != nil {
		t.Fatal(err)
	}
	if step.KeyVersion != "v2" {
		t.Errorf("step signed under %s, want v2", step.KeyVersion)
	}

	k3, err := NewEd25519Signer("v3")
	if err != nil {
		t.Fatal(err)
	}
	kr.Add(k3)

	active, _ = kr.Active()
	if active.KeyVersion() != "v3" {
		t.Errorf("rotation did not activate v3, got %s", active.KeyVersion())
	}

	valid, err := kr.VerifyStep(step)
	if err != nil {
		t.Fatalf("verify after rotation failed: %v", err)
	}
	if !valid {
		t.Error("step signed under rotated-out key no longer verifies")
	}
}

func TestKeyRing_Determinism(t *testing.T) {
	kr1, err := NewKeyRingFromSeed(testSeed(), 1)
	if err != nil {
		t.Fatal(err)
	}
	kr2, err := NewKeyRingFromSeed(testSeed(), 1)
	if err != nil {
		t.Fatal(err)
	}

	p1, _ := kr1.PublicKey("v1")
	p2, _ := kr2.PublicKey("v1")
	if p1 != p2 {
		t.Error("same master seed derived different v1 keys")
	}

	// Distinct versions must not share key material.
	kr3, err := NewKeyRingFromSeed(testSeed(), 2)
	if err != nil {
		t.Fatal(err)
	}
	v1, _ := kr3.PublicKey("v1")
	v2, _ := kr3.PublicKey("v2")
	if v1 == v2 {
		t.Error("v1 and v2 derived identical keys")
	}
}

func TestKeyRing_UnknownVersion(t *testing.T) {
	kr, err := NewKeyRingFromSeed(testSeed(), 1)
	if err != nil {
		t.Fatal(err)
	}

	step := sampleStep()
	if err := kr.SignStep(step); err != nil {
		t.Fatal(err)
	}
	step.KeyVersion = "v9"
	if _, err := kr.VerifyStep(step); err == nil {
		t.Error("expected unknown key version error")
	}
}

func TestKeyRing_EmptySeed(t *testing.T) {
	if _, err := NewKeyRingFromSeed(nil, 1); err == nil {
		t.Error("expected error for empty seed")
	}
	if _, err := NewKeyRingFromSeed(bytes.Repeat([]byte{0}, 0), 1); err == nil {
		t.Error("expected error for zero-length seed")
	}

	kr := NewKeyRing()
	if _, err := kr.Active(); err == nil {
		t.Error("expected error for empty keyring")
	}
}
