// Package identity implements peer identity for the N-peer interface
// substrate: a long-lived signing keypair, its stable byte and short-form
// encodings, and a deterministic test backend that shares the same wire
// shape as the cryptographic one.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
)

// Size is the byte length of an identity's public key.
const Size = ed25519.PublicKeySize

var (
	// ErrInvalidLength is returned when a byte slice cannot be an ID.
	ErrInvalidLength = errors.New("identity: invalid byte length")
	// ErrInsecurePermissions is returned when a key file is readable by
	// users other than its owner.
	ErrInsecurePermissions = errors.New("identity: key file has insecure permissions")
)

// ID is an opaque peer identity: an ed25519 public key. Identities are
// totally ordered by byte value, which gives canonical ordering for peer
// pairs (used e.g. to derive direct-message interface ids).
type ID [Size]byte

// FromBytes parses an identity from its canonical byte encoding.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d, want %d", ErrInvalidLength, len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// AsBytes returns the canonical byte encoding of the identity.
func (id ID) AsBytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// ShortID returns a short display form suitable for logging.
func (id ID) ShortID() string {
	return hex.EncodeToString(id[:6])
}

// String implements fmt.Stringer with the full hex encoding.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Less gives the total order over identities used for canonical pair
// identifiers (e.g. direct-message interface derivation).
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Keypair is a peer's long-lived signing keypair. The private half is
// never transmitted or serialized outside of the local keystore.
type Keypair struct {
	Public  ID
	private ed25519.PrivateKey
}

// Generate creates a new random signing keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	var id ID
	copy(id[:], pub)
	return &Keypair{Public: id, private: priv}, nil
}

// Sign signs data with the keypair's private key.
func (k *Keypair) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// Verify checks a signature made by the identity whose public key is id.
func Verify(id ID, data, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), data, sig)
}

// PrivateBytes returns the raw private key bytes for keystore persistence.
// Callers must write these only under restrictive file permissions.
func (k *Keypair) PrivateBytes() []byte {
	out := make([]byte, len(k.private))
	copy(out, k.private)
	return out
}

// KeypairFromPrivateBytes reconstructs a keypair from previously persisted
// private key bytes (as returned by PrivateBytes).
func KeypairFromPrivateBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidLength, len(b), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(append([]byte(nil), b...))
	pub := priv.Public().(ed25519.PublicKey)
	var id ID
	copy(id[:], pub)
	return &Keypair{Public: id, private: priv}, nil
}

// CheckKeyFilePermissions verifies that a key file is not readable by
// group or others, matching the keystore contract in spec §3 ("never
// persisted unencrypted except under a process-wide keystore whose file
// permissions forbid other users").
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("identity: stat key file %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, want 0600", ErrInsecurePermissions, path, mode)
	}
	return nil
}

// LoadOrCreateKeypair loads an existing keypair from path, or generates
// and persists a new one with 0600 permissions.
func LoadOrCreateKeypair(path string) (*Keypair, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		return KeypairFromPrivateBytes(data)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.PrivateBytes(), 0o600); err != nil {
		return nil, fmt.Errorf("identity: save key to %s: %w", path, err)
	}
	return kp, nil
}
