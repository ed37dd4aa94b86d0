// Package events defines the wire-level vocabulary shared by every
// component of the N-peer interface substrate: interface and event
// identifiers, and the tagged InterfaceEvent union carried in the log,
// gossip, and sync paths (spec §3).
package events

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/indranet/core/internal/identity"
)

// InterfaceId names one N-peer interface. It doubles as the gossip
// topic id and is generated randomly at creation, never reused.
type InterfaceId [32]byte

func (id InterfaceId) String() string { return hex.EncodeToString(id[:]) }

// EventId is a content hash of a serialized event.
type EventId [32]byte

func (id EventId) String() string { return hex.EncodeToString(id[:]) }

// PresenceStatus enumerates the states carried in a Presence event.
type PresenceStatus int

const (
	PresenceOnline PresenceStatus = iota
	PresenceAway
	PresenceOffline
)

func (s PresenceStatus) String() string {
	switch s {
	case PresenceOnline:
		return "online"
	case PresenceAway:
		return "away"
	case PresenceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MembershipOp is the operation carried by a MembershipChange event.
type MembershipOp int

const (
	MembershipAdd MembershipOp = iota
	MembershipRemove
)

func (op MembershipOp) String() string {
	if op == MembershipRemove {
		return "remove"
	}
	return "add"
}

// Kind discriminates the InterfaceEvent tagged union.
type Kind int

const (
	KindMessage Kind = iota
	KindMembershipChange
	KindPresence
)

var ErrUnknownKind = errors.New("events: unknown event kind")

// InterfaceEvent is the single unit of communication inside an
// interface. Every event carries interface_id, author, a per-author
// monotone local_seq, and a creation timestamp regardless of kind; the
// Kind field selects which payload fields are meaningful.
type InterfaceEvent struct {
	InterfaceID     InterfaceId
	Author          identity.ID
	LocalSeq        uint64
	CreatedAtMicros int64
	Kind            Kind

	// Message payload. Content is the AEAD ciphertext produced by
	// internal/cryptokeys, never cleartext on the wire.
	MessageContent []byte

	// MembershipChange payload.
	MembershipActor  identity.ID
	MembershipTarget identity.ID
	MembershipOp     MembershipOp

	// Presence payload.
	PresencePeer   identity.ID
	PresenceStatus PresenceStatus
}

// Encode serializes an event deterministically for hashing and storage.
// The format is a flat field concatenation; it is not meant to be a
// general-purpose schema, only a stable input to ID derivation and the
// log's on-disk representation.
func (e InterfaceEvent) Encode() []byte {
	buf := make([]byte, 0, 128+len(e.MessageContent))
	buf = append(buf, e.InterfaceID[:]...)
	buf = append(buf, e.Author[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.LocalSeq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.CreatedAtMicros))
	buf = append(buf, byte(e.Kind))

	switch e.Kind {
	case KindMessage:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.MessageContent)))
		buf = append(buf, e.MessageContent...)
	case KindMembershipChange:
		buf = append(buf, e.MembershipActor[:]...)
		buf = append(buf, e.MembershipTarget[:]...)
		buf = append(buf, byte(e.MembershipOp))
	case KindPresence:
		buf = append(buf, e.PresencePeer[:]...)
		buf = append(buf, byte(e.PresenceStatus))
	}
	return buf
}

// ID computes this event's content-addressed EventId.
func (e InterfaceEvent) ID() EventId {
	return EventId(sha256.Sum256(e.Encode()))
}

// Decode is the inverse of Encode. It is intentionally strict: any
// trailing or truncated data is rejected rather than silently accepted,
// since the log's recovery path relies on Decode failing cleanly on a
// torn write.
func Decode(buf []byte) (InterfaceEvent, error) {
	var e InterfaceEvent
	const fixedHeader = 32 + 32 + 8 + 8 + 1
	if len(buf) < fixedHeader {
		return e, fmt.Errorf("events: truncated header: got %d bytes", len(buf))
	}
	off := 0
	copy(e.InterfaceID[:], buf[off:off+32])
	off += 32
	copy(e.Author[:], buf[off:off+32])
	off += 32
	e.LocalSeq = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	e.CreatedAtMicros = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	e.Kind = Kind(buf[off])
	off++

	switch e.Kind {
	case KindMessage:
		if len(buf)-off < 4 {
			return e, fmt.Errorf("events: truncated message length")
		}
		n := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		if uint32(len(buf)-off) != n {
			return e, fmt.Errorf("events: truncated message payload: want %d, have %d", n, len(buf)-off)
		}
		e.MessageContent = append([]byte(nil), buf[off:off+int(n)]...)
	case KindMembershipChange:
		if len(buf)-off != 32+32+1 {
			return e, fmt.Errorf("events: malformed membership change payload")
		}
		copy(e.MembershipActor[:], buf[off:off+32])
		off += 32
		copy(e.MembershipTarget[:], buf[off:off+32])
		off += 32
		e.MembershipOp = MembershipOp(buf[off])
	case KindPresence:
		if len(buf)-off != 32+1 {
			return e, fmt.Errorf("events: malformed presence payload")
		}
		copy(e.PresencePeer[:], buf[off:off+32])
		off += 32
		e.PresenceStatus = PresenceStatus(buf[off])
	default:
		return e, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	return e, nil
}
