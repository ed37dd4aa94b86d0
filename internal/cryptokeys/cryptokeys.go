// Package cryptokeys implements the key lifecycle described in spec §4.2:
// AEAD encryption of event payloads under a per-interface symmetric key,
// X25519-based key wrapping for invites, and per-artifact key wrapping
// for revocable sharing. The AEAD is ChaCha20-Poly1305 and wrap keys are
// derived from X25519 shared secrets with HKDF-SHA256, following the
// original indras-crypto crate's documented ChaCha20-Poly1305 + X25519
// design.
package cryptokeys

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the byte length of an InterfaceKey and an artifact key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the byte length of the AEAD nonce.
	NonceSize = chacha20poly1305.NonceSize
)

var (
	ErrInvalidKey         = errors.New("cryptokeys: invalid key")
	ErrInvalidNonce       = errors.New("cryptokeys: invalid nonce")
	ErrDecryptionFailed   = errors.New("cryptokeys: decryption failed")
	ErrDataTooShort       = errors.New("cryptokeys: data too short")
	ErrKeyExchangeFailed  = errors.New("cryptokeys: key exchange failed")
)

// InterfaceKey is the 32-byte symmetric key shared by all members of one
// N-peer interface (spec §3). This package keeps it in process memory
// only and never writes it to disk.
type InterfaceKey [KeySize]byte

// GenerateInterfaceKey creates a new random interface key.
func GenerateInterfaceKey() (InterfaceKey, error) {
	var k InterfaceKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("cryptokeys: generate key: %w", err)
	}
	return k, nil
}

// Sealed is an encrypted payload: a random nonce plus ciphertext-with-tag.
type Sealed struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Encrypt seals plaintext under key, binding associatedData (an
// interface or artifact id, or nil) so the ciphertext only opens with
// the same associated data and cannot be replayed across interfaces.
func Encrypt(key InterfaceKey, plaintext, associatedData []byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var sealed Sealed
	if _, err := rand.Read(sealed.Nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("cryptokeys: generate nonce: %w", err)
	}
	sealed.Ciphertext = aead.Seal(nil, sealed.Nonce[:], plaintext, associatedData)
	return sealed, nil
}

// Decrypt opens a Sealed payload under key, verifying associatedData.
func Decrypt(key InterfaceKey, sealed Sealed, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce[:], sealed.Ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Marshal serializes a Sealed payload as nonce||ciphertext for the wire.
func (s Sealed) Marshal() []byte {
	out := make([]byte, NonceSize+len(s.Ciphertext))
	copy(out, s.Nonce[:])
	copy(out[NonceSize:], s.Ciphertext)
	return out
}

// UnmarshalSealed parses the nonce||ciphertext wire form.
func UnmarshalSealed(b []byte) (Sealed, error) {
	if len(b) < NonceSize {
		return Sealed{}, fmt.Errorf("%w: got %d bytes", ErrDataTooShort, len(b))
	}
	var s Sealed
	copy(s.Nonce[:], b[:NonceSize])
	s.Ciphertext = append([]byte(nil), b[NonceSize:]...)
	return s, nil
}

// X25519Keypair is a peer's key-agreement keypair, used only for
// wrapping interface keys during invites (spec §4.2/§4.6). It is
// independent of the ed25519 signing identity in package identity.
type X25519Keypair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateX25519Keypair creates a new X25519 key-agreement keypair.
func GenerateX25519Keypair() (X25519Keypair, error) {
	var kp X25519Keypair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return kp, fmt.Errorf("cryptokeys: generate x25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// WrapKeyForPeer seals an interface key so that only the holder of
// recipientPublic's matching private key can unwrap it. This implements
// the invite key-wrapping contract of spec §4.2: a key-agreement
// followed by AEAD.
func WrapKeyForPeer(senderPrivate X25519Keypair, recipientPublic [32]byte, key InterfaceKey) (Sealed, [32]byte, error) {
	shared, err := curve25519.X25519(senderPrivate.private[:], recipientPublic[:])
	if err != nil {
		return Sealed{}, [32]byte{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	wrapKey := deriveWrapKey(shared, senderPrivate.Public[:], recipientPublic[:])
	sealed, err := Encrypt(wrapKey, key[:], nil)
	return sealed, senderPrivate.Public, err
}

// UnwrapKeyFromPeer reverses WrapKeyForPeer on the recipient's side.
func UnwrapKeyFromPeer(recipientPrivate X25519Keypair, senderPublic [32]byte, sealed Sealed) (InterfaceKey, error) {
	shared, err := curve25519.X25519(recipientPrivate.private[:], senderPublic[:])
	if err != nil {
		return InterfaceKey{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	wrapKey := deriveWrapKey(shared, senderPublic[:], recipientPrivate.Public[:])
	plaintext, err := Decrypt(wrapKey, sealed, nil)
	if err != nil {
		return InterfaceKey{}, err
	}
	if len(plaintext) != KeySize {
		return InterfaceKey{}, fmt.Errorf("%w: unwrapped key has length %d", ErrInvalidKey, len(plaintext))
	}
	var key InterfaceKey
	copy(key[:], plaintext)
	return key, nil
}

// deriveWrapKey turns an X25519 shared secret into a symmetric AEAD key
// via HKDF-SHA256, with both parties' public keys as salt so the same
// shared secret never produces the same wrap key for a different pair.
func deriveWrapKey(shared, a, b []byte) InterfaceKey {
	salt := append(append([]byte(nil), a...), b...)
	h := hkdf.New(sha256.New, shared, salt, []byte("indras-core/key-wrap/v1"))
	var out InterfaceKey
	_, _ = h.Read(out[:])
	return out
}
