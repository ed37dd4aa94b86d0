package cryptokeys

import (
	"bytes"
	"testing"
	"time"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateInterfaceKey()
	if err != nil {
		t.Fatalf("GenerateInterfaceKey() error = %v", err)
	}
	plaintext := []byte("shared interface payload")
	ad := []byte("interface-id")

	sealed, err := Encrypt(key, plaintext, ad)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := Decrypt(key, sealed, ad)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	key1, _ := GenerateInterfaceKey()
	key2, _ := GenerateInterfaceKey()
	sealed, err := Encrypt(key1, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(key2, sealed, nil); err == nil {
		t.Fatal("Decrypt() with wrong key should fail")
	}
}

func TestDecryptWithWrongAssociatedDataFails(t *testing.T) {
	key, _ := GenerateInterfaceKey()
	sealed, err := Encrypt(key, []byte("secret"), []byte("iface-a"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(key, sealed, []byte("iface-b")); err == nil {
		t.Fatal("Decrypt() with mismatched associated data should fail")
	}
}

func TestSealedMarshalRoundTrip(t *testing.T) {
	key, _ := GenerateInterfaceKey()
	sealed, err := Encrypt(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	wire := sealed.Marshal()
	parsed, err := UnmarshalSealed(wire)
	if err != nil {
		t.Fatalf("UnmarshalSealed() error = %v", err)
	}
	got, err := Decrypt(key, parsed, nil)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Decrypt() = %q", got)
	}
}

func TestUnmarshalSealedTooShort(t *testing.T) {
	if _, err := UnmarshalSealed([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for too-short data")
	}
}

func TestKeyWrapRoundTrip(t *testing.T) {
	sender, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair() error = %v", err)
	}
	recipient, err := GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair() error = %v", err)
	}

	ifaceKey, err := GenerateInterfaceKey()
	if err != nil {
		t.Fatalf("GenerateInterfaceKey() error = %v", err)
	}

	sealed, senderPub, err := WrapKeyForPeer(sender, recipient.Public, ifaceKey)
	if err != nil {
		t.Fatalf("WrapKeyForPeer() error = %v", err)
	}

	unwrapped, err := UnwrapKeyFromPeer(recipient, senderPub, sealed)
	if err != nil {
		t.Fatalf("UnwrapKeyFromPeer() error = %v", err)
	}
	if unwrapped != ifaceKey {
		t.Fatal("unwrapped key does not match original")
	}
}

func TestKeyWrapWrongRecipientFails(t *testing.T) {
	sender, _ := GenerateX25519Keypair()
	recipient, _ := GenerateX25519Keypair()
	imposter, _ := GenerateX25519Keypair()
	ifaceKey, _ := GenerateInterfaceKey()

	sealed, senderPub, err := WrapKeyForPeer(sender, recipient.Public, ifaceKey)
	if err != nil {
		t.Fatalf("WrapKeyForPeer() error = %v", err)
	}
	if _, err := UnwrapKeyFromPeer(imposter, senderPub, sealed); err == nil {
		t.Fatal("expected unwrap to fail for the wrong recipient")
	}
}

func TestArtifactKeyWrapAndRevocation(t *testing.T) {
	ifaceKey, _ := GenerateInterfaceKey()
	artKey, err := GenerateArtifactKey()
	if err != nil {
		t.Fatalf("GenerateArtifactKey() error = %v", err)
	}
	var artifactID [32]byte
	artifactID[0] = 0x42

	wrapped, err := WrapArtifactKey(ifaceKey, artifactID, artKey)
	if err != nil {
		t.Fatalf("WrapArtifactKey() error = %v", err)
	}
	got, err := wrapped.Unwrap(ifaceKey)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if got != artKey {
		t.Fatal("unwrapped artifact key mismatch")
	}

	// Revocation: rotate to a new artifact key and re-wrap. The old
	// wrapped blob still decrypts fine (plaintext is never retroactively
	// deleted, per spec §8 scenario 4), but it no longer matches the
	// rotated key a revoked peer would need for new content.
	rotated, err := GenerateArtifactKey()
	if err != nil {
		t.Fatalf("GenerateArtifactKey() error = %v", err)
	}
	if rotated == artKey {
		t.Fatal("rotated key must differ from the original")
	}
	rewrapped, err := WrapArtifactKey(ifaceKey, artifactID, rotated)
	if err != nil {
		t.Fatalf("WrapArtifactKey() for rotated key error = %v", err)
	}
	stillOld, err := wrapped.Unwrap(ifaceKey)
	if err != nil {
		t.Fatalf("old wrapped blob Unwrap() error = %v", err)
	}
	if stillOld != artKey {
		t.Fatal("old wrapped blob no longer unwraps to the original key")
	}
	gotRotated, err := rewrapped.Unwrap(ifaceKey)
	if err != nil {
		t.Fatalf("re-wrapped blob Unwrap() error = %v", err)
	}
	if gotRotated != rotated {
		t.Fatal("re-wrapped blob does not unwrap to the rotated key")
	}
	if stillOld == gotRotated {
		t.Fatal("old wrapped blob matches the rotated key")
	}
}

func TestAccessGrantExpiry(t *testing.T) {
	now := time.Now()
	grant := AccessGrant{Mode: AccessTimed, ExpiresAt: now}
	if err := grant.CheckRevoked(now); err != ErrGrantExpired {
		t.Fatalf("CheckRevoked() at expires_at=now should expire, got %v", err)
	}

	future := AccessGrant{Mode: AccessTimed, ExpiresAt: now.Add(time.Hour)}
	if err := future.CheckRevoked(now); err != nil {
		t.Fatalf("CheckRevoked() before expiry should not error, got %v", err)
	}

	permanent := AccessGrant{Mode: AccessPermanent}
	if err := permanent.CheckRevoked(now.Add(100 * 365 * 24 * time.Hour)); err != nil {
		t.Fatalf("permanent grants must never expire, got %v", err)
	}
}
