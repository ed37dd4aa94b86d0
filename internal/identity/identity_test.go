package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestKeypairBytesRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	recovered, err := KeypairFromPrivateBytes(kp.PrivateBytes())
	if err != nil {
		t.Fatalf("KeypairFromPrivateBytes() error = %v", err)
	}
	if recovered.Public != kp.Public {
		t.Fatalf("recovered public key mismatch")
	}
}

func TestIDBytesRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b := kp.Public.AsBytes()
	id, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	if id != kp.Public {
		t.Fatalf("ID round trip mismatch")
	}
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short byte slice")
	}
}

func TestSignAndVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	msg := []byte("hello interface")
	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Fatal("Verify() rejected a valid signature")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatal("Verify() accepted a signature over different data")
	}
}

func TestIDOrdering(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	if !a.Less(b) || b.Less(a) {
		t.Fatal("Less() did not produce a total order")
	}
}

func TestLoadOrCreateKeypair(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "identity.key")

	kp1, err := LoadOrCreateKeypair(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error = %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode != 0o600 {
			t.Errorf("key file permissions = %04o, want 0600", mode)
		}
	}

	kp2, err := LoadOrCreateKeypair(keyPath)
	if err != nil {
		t.Fatalf("second LoadOrCreateKeypair() error = %v", err)
	}
	if kp1.Public != kp2.Public {
		t.Fatal("LoadOrCreateKeypair() did not reload the same key")
	}
}

func TestSimulationIdentity(t *testing.T) {
	id, err := NewSimID('A')
	if err != nil {
		t.Fatalf("NewSimID() error = %v", err)
	}
	if AsChar(id) != 'A' {
		t.Fatalf("AsChar() = %q, want 'A'", AsChar(id))
	}

	if _, err := NewSimID('a'); err == nil {
		t.Fatal("expected error for lowercase letter")
	}

	ids, err := SimRangeTo('C')
	if err != nil {
		t.Fatalf("SimRangeTo() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("len(ids) = %d, want 3", len(ids))
	}
	if AsChar(ids[0]) != 'A' || AsChar(ids[2]) != 'C' {
		t.Fatalf("SimRangeTo() produced wrong identities: %v", ids)
	}
}
