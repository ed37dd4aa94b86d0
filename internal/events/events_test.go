package events

import (
	"reflect"
	"testing"

	"github.com/indranet/core/internal/identity"
)

func TestMessageEventEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	e := InterfaceEvent{
		InterfaceID:     InterfaceId{1, 2, 3},
		Author:          kp.Public,
		LocalSeq:        7,
		CreatedAtMicros: 1234567,
		Kind:            KindMessage,
		MessageContent:  []byte("ciphertext"),
	}

	got, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("Decode(Encode(e)) = %+v, want %+v", got, e)
	}
}

func TestMembershipChangeEventEncodeDecodeRoundTrip(t *testing.T) {
	actor, _ := identity.Generate()
	target, _ := identity.Generate()
	e := InterfaceEvent{
		InterfaceID:      InterfaceId{9},
		Author:           actor.Public,
		LocalSeq:         1,
		CreatedAtMicros:  42,
		Kind:             KindMembershipChange,
		MembershipActor:  actor.Public,
		MembershipTarget: target.Public,
		MembershipOp:     MembershipRemove,
	}
	got, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("Decode(Encode(e)) = %+v, want %+v", got, e)
	}
}

func TestPresenceEventEncodeDecodeRoundTrip(t *testing.T) {
	kp, _ := identity.Generate()
	e := InterfaceEvent{
		InterfaceID:     InterfaceId{1},
		Author:          kp.Public,
		LocalSeq:        3,
		CreatedAtMicros: 99,
		Kind:            KindPresence,
		PresencePeer:    kp.Public,
		PresenceStatus:  PresenceAway,
	}
	got, err := Decode(e.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("Decode(Encode(e)) = %+v, want %+v", got, e)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	kp, _ := identity.Generate()
	e := InterfaceEvent{Author: kp.Public, Kind: KindMessage, MessageContent: []byte("hello")}
	encoded := e.Encode()
	if _, err := Decode(encoded[:len(encoded)-2]); err == nil {
		t.Fatal("expected error for truncated message payload")
	}
}

func TestEventIDIsDeterministic(t *testing.T) {
	kp, _ := identity.Generate()
	e := InterfaceEvent{Author: kp.Public, Kind: KindMessage, MessageContent: []byte("x")}
	if e.ID() != e.ID() {
		t.Fatal("ID() is not deterministic")
	}
	other := e
	other.LocalSeq = 1
	if e.ID() == other.ID() {
		t.Fatal("differing events produced the same ID")
	}
}
