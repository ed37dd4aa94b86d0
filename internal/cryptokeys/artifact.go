package cryptokeys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// ArtifactKey is a per-artifact symmetric key, independent of the
// interface key it is wrapped under (spec §3 EncryptedArtifactKey).
type ArtifactKey [KeySize]byte

// GenerateArtifactKey creates a new random per-artifact key.
func GenerateArtifactKey() (ArtifactKey, error) {
	var k ArtifactKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("cryptokeys: generate artifact key: %w", err)
	}
	return k, nil
}

// WrappedArtifactKey is the on-the-wire representation of an artifact
// key: the key encrypted under the owning interface's key (spec §4.2).
// Revocation rotates this value for peers still allowed and simply
// stops producing one for revoked peers — it never touches content
// already encrypted under the artifact key.
type WrappedArtifactKey struct {
	ArtifactID [32]byte
	Sealed     Sealed
}

// WrapArtifactKey encrypts an artifact key under the interface key,
// using the artifact id as associated data.
func WrapArtifactKey(ifaceKey InterfaceKey, artifactID [32]byte, artKey ArtifactKey) (WrappedArtifactKey, error) {
	sealed, err := Encrypt(ifaceKey, artKey[:], artifactID[:])
	if err != nil {
		return WrappedArtifactKey{}, err
	}
	return WrappedArtifactKey{ArtifactID: artifactID, Sealed: sealed}, nil
}

// Unwrap decrypts the artifact key. It fails if the grant has been
// revoked and rotated to a key this caller doesn't hold, or if the
// ciphertext was tampered with.
func (w WrappedArtifactKey) Unwrap(ifaceKey InterfaceKey) (ArtifactKey, error) {
	plaintext, err := Decrypt(ifaceKey, w.Sealed, w.ArtifactID[:])
	if err != nil {
		return ArtifactKey{}, err
	}
	if len(plaintext) != KeySize {
		return ArtifactKey{}, fmt.Errorf("%w: unwrapped artifact key has length %d", ErrInvalidKey, len(plaintext))
	}
	var key ArtifactKey
	copy(key[:], plaintext)
	return key, nil
}

// AccessMode describes how an AccessGrant may be revoked or expire
// (spec §3). Only Timed expires spontaneously.
type AccessMode int

const (
	AccessRevocable AccessMode = iota
	AccessPermanent
	AccessTimed
	AccessTransfer
)

func (m AccessMode) String() string {
	switch m {
	case AccessRevocable:
		return "revocable"
	case AccessPermanent:
		return "permanent"
	case AccessTimed:
		return "timed"
	case AccessTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

var ErrGrantExpired = errors.New("cryptokeys: access grant expired")

// AccessGrant is a per-artifact sharing descriptor (spec §3).
type AccessGrant struct {
	ArtifactID [32]byte
	Grantee    [32]byte // identity.ID bytes, kept untyped here to avoid an import cycle
	Mode       AccessMode
	ExpiresAt  time.Time // only meaningful when Mode == AccessTimed
}

// Expired reports whether a Timed grant has expired at instant now. The
// comparison is strict >=, matching spec §8's boundary rule that an
// expires_at equal to now is already expired.
func (g AccessGrant) Expired(now time.Time) bool {
	if g.Mode != AccessTimed {
		return false
	}
	return !now.Before(g.ExpiresAt)
}

// CheckRevoked returns ErrGrantExpired if g is a Timed grant that has
// expired at now; it never errors for other modes since those only end
// via explicit recall (rotating the wrapped key), not spontaneously.
func (g AccessGrant) CheckRevoked(now time.Time) error {
	if g.Expired(now) {
		return ErrGrantExpired
	}
	return nil
}
