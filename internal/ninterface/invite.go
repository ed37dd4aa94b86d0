package ninterface

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/indranet/core/internal/cryptokeys"
	"github.com/indranet/core/internal/identity"
)

// inviteScheme is the URI scheme prefixing every text-encoded invite
// (spec §6), matching the "indras/1" ALPN identifier's project name.
const inviteScheme = "indras"

// realm-kind discriminators, the second URI segment and also the first
// byte of the binary payload, so a bare-payload invite (no scheme
// prefix) still self-identifies its kind.
const (
	kindInterfaceInvite byte = 1
	kindContactInvite   byte = 2
)

const inviteVersion byte = 1

var (
	errWrongKind    = errors.New("ninterface: invite kind mismatch")
	errBadVersion   = errors.New("ninterface: unsupported invite version")
	errTrailingData = errors.New("ninterface: trailing data in invite payload")
)

// ToURI encodes an interface invite as <scheme>:interface:<base64url(payload)>.
func (inv Invite) ToURI() string {
	return inviteScheme + ":interface:" + base64.RawURLEncoding.EncodeToString(inv.encode())
}

func (inv Invite) encode() []byte {
	buf := []byte{kindInterfaceInvite, inviteVersion}
	buf = append(buf, inv.InterfaceID[:]...)
	buf = append(buf, inv.WrappedKey.Nonce[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(inv.WrappedKey.Ciphertext)))
	buf = append(buf, inv.WrappedKey.Ciphertext...)
	buf = append(buf, inv.SenderX25519Public[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(inv.BootstrapPeers)))
	for _, p := range inv.BootstrapPeers {
		buf = append(buf, p[:]...)
	}
	return buf
}

// ParseInvite accepts either a full "indras:interface:<payload>" URI or
// a bare base64url payload, per spec §6.
func ParseInvite(s string) (Invite, error) {
	payload, err := decodeInvitePayload(s, kindInterfaceInvite)
	if err != nil {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	return decodeInviteBody(payload)
}

func decodeInviteBody(payload []byte) (Invite, error) {
	if len(payload) < 2 {
		return Invite{}, fmt.Errorf("%w: truncated header", ErrInvalidInvite)
	}
	if payload[0] != kindInterfaceInvite {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, errWrongKind)
	}
	if payload[1] != inviteVersion {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, errBadVersion)
	}
	off := 2
	var inv Invite

	if len(payload)-off < 32 {
		return Invite{}, fmt.Errorf("%w: truncated interface id", ErrInvalidInvite)
	}
	copy(inv.InterfaceID[:], payload[off:off+32])
	off += 32

	if len(payload)-off < cryptokeys.NonceSize {
		return Invite{}, fmt.Errorf("%w: truncated nonce", ErrInvalidInvite)
	}
	copy(inv.WrappedKey.Nonce[:], payload[off:off+cryptokeys.NonceSize])
	off += cryptokeys.NonceSize

	if len(payload)-off < 4 {
		return Invite{}, fmt.Errorf("%w: truncated ciphertext length", ErrInvalidInvite)
	}
	ctLen := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < ctLen {
		return Invite{}, fmt.Errorf("%w: truncated ciphertext", ErrInvalidInvite)
	}
	inv.WrappedKey.Ciphertext = append([]byte(nil), payload[off:off+int(ctLen)]...)
	off += int(ctLen)

	if len(payload)-off < 32 {
		return Invite{}, fmt.Errorf("%w: truncated sender key", ErrInvalidInvite)
	}
	copy(inv.SenderX25519Public[:], payload[off:off+32])
	off += 32

	if len(payload)-off < 4 {
		return Invite{}, fmt.Errorf("%w: truncated bootstrap peer count", ErrInvalidInvite)
	}
	count := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	for i := uint32(0); i < count; i++ {
		if len(payload)-off < 32 {
			return Invite{}, fmt.Errorf("%w: truncated bootstrap peer", ErrInvalidInvite)
		}
		var id identity.ID
		copy(id[:], payload[off:off+32])
		inv.BootstrapPeers = append(inv.BootstrapPeers, id)
		off += 32
	}

	if off != len(payload) {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, errTrailingData)
	}
	return inv, nil
}

// ToURI encodes a contact invite as <scheme>:contact:<base64url(payload)>.
func (c ContactInvite) ToURI() string {
	return inviteScheme + ":contact:" + base64.RawURLEncoding.EncodeToString(c.encode())
}

func (c ContactInvite) encode() []byte {
	buf := []byte{kindContactInvite, inviteVersion}
	buf = append(buf, c.MemberID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.DisplayName)))
	buf = append(buf, c.DisplayName...)
	return buf
}

// ParseContactInvite accepts either a full "indras:contact:<payload>"
// URI or a bare base64url payload.
func ParseContactInvite(s string) (ContactInvite, error) {
	payload, err := decodeInvitePayload(s, kindContactInvite)
	if err != nil {
		return ContactInvite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if len(payload) < 2 {
		return ContactInvite{}, fmt.Errorf("%w: truncated header", ErrInvalidInvite)
	}
	if payload[0] != kindContactInvite {
		return ContactInvite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, errWrongKind)
	}
	if payload[1] != inviteVersion {
		return ContactInvite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, errBadVersion)
	}
	off := 2
	var c ContactInvite
	if len(payload)-off < 32 {
		return ContactInvite{}, fmt.Errorf("%w: truncated member id", ErrInvalidInvite)
	}
	copy(c.MemberID[:], payload[off:off+32])
	off += 32
	if len(payload)-off < 4 {
		return ContactInvite{}, fmt.Errorf("%w: truncated display name length", ErrInvalidInvite)
	}
	n := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < n {
		return ContactInvite{}, fmt.Errorf("%w: truncated display name", ErrInvalidInvite)
	}
	c.DisplayName = string(payload[off : off+int(n)])
	off += int(n)
	if off != len(payload) {
		return ContactInvite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, errTrailingData)
	}
	return c, nil
}

// decodeInvitePayload strips an optional "<scheme>:<realm-kind>:"
// prefix and base64url-decodes the remainder. wantKind is used only to
// pick the expected realm-kind segment when a full URI is given; a bare
// payload is accepted regardless, since its embedded kind byte is
// checked by the caller.
func decodeInvitePayload(s string, wantKind byte) ([]byte, error) {
	body := s
	if strings.Contains(s, ":") {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 || parts[0] != inviteScheme {
			return nil, fmt.Errorf("malformed invite URI: %q", s)
		}
		wantSegment := "interface"
		if wantKind == kindContactInvite {
			wantSegment = "contact"
		}
		if parts[1] != wantSegment {
			return nil, fmt.Errorf("%w: realm-kind %q, want %q", errWrongKind, parts[1], wantSegment)
		}
		body = parts[2]
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64url payload: %w", err)
	}
	return payload, nil
}
