package document

import (
	"testing"
	"time"

	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/identity"
)

func mustID(t *testing.T) identity.ID {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return kp.Public
}

func TestNewDocumentHasOwnerAsSoleMember(t *testing.T) {
	owner := mustID(t)
	doc := New(events.InterfaceId{1}, owner)
	members := doc.Members()
	if len(members) != 1 || members[0] != owner {
		t.Fatalf("Members() = %v, want [%v]", members, owner)
	}
	if !doc.IsMember(owner) {
		t.Fatal("IsMember(owner) = false")
	}
}

func TestAddMemberThenPresent(t *testing.T) {
	owner := mustID(t)
	peer := mustID(t)
	doc := New(events.InterfaceId{1}, owner)

	if _, err := doc.AddMember(owner, peer, 1, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if !doc.IsMember(peer) {
		t.Fatal("IsMember(peer) = false after AddMember")
	}
}

func TestRemoveMemberThenAbsent(t *testing.T) {
	owner := mustID(t)
	peer := mustID(t)
	doc := New(events.InterfaceId{1}, owner)

	if _, err := doc.AddMember(owner, peer, 1, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if _, err := doc.RemoveMember(owner, peer, 2, time.Now()); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if doc.IsMember(peer) {
		t.Fatal("IsMember(peer) = true after RemoveMember")
	}
}

func TestNonMemberCannotAct(t *testing.T) {
	owner := mustID(t)
	intruder := mustID(t)
	target := mustID(t)
	doc := New(events.InterfaceId{1}, owner)

	if _, err := doc.AddMember(intruder, target, 1, time.Now()); err == nil {
		t.Fatal("expected ErrNotMember for a non-member actor")
	}
}

func TestMergeIsCommutativeAndRemoveWinsOnConflict(t *testing.T) {
	owner := mustID(t)
	peer := mustID(t)
	third := mustID(t)

	// Two replicas start from the same state: owner has added peer and
	// third.
	a := New(events.InterfaceId{1}, owner)
	if _, err := a.AddMember(owner, peer, 1, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if _, err := a.AddMember(owner, third, 2, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	b := New(events.InterfaceId{1}, owner)
	refs := b.Merge(a.Snapshot())
	if len(refs) == 0 {
		t.Fatal("Merge() observed no new events from a non-empty snapshot")
	}
	if !b.IsMember(peer) {
		t.Fatal("b should see peer as a member after merging a's add")
	}

	// Then they diverge: on a, third re-adds peer while, concurrently on
	// b, owner removes peer. Neither replica has seen the other's change.
	if _, err := a.AddMember(third, peer, 1, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if _, err := b.RemoveMember(owner, peer, 3, time.Now()); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}

	// Merging in both directions must converge, and the concurrent
	// add/remove conflict resolves to remove on both replicas.
	aSnap, bSnap := a.Snapshot(), b.Snapshot()
	a.Merge(bSnap)
	b.Merge(aSnap)
	if a.IsMember(peer) {
		t.Fatal("a should see peer removed after merging b's concurrent remove")
	}
	if b.IsMember(peer) {
		t.Fatal("b should see peer removed after merging a's concurrent add")
	}
	if len(a.Members()) != 2 || len(b.Members()) != 2 {
		t.Fatalf("Members() = %v and %v, want owner and third on both", a.Members(), b.Members())
	}

	// Merging again (idempotence) must not change anything.
	before := a.Snapshot()
	a.Merge(bSnap)
	after := a.Snapshot()
	if len(before.Members) != len(after.Members) {
		t.Fatal("re-merging the same state changed member count")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	owner := mustID(t)
	peer := mustID(t)
	a := New(events.InterfaceId{1}, owner)
	if _, err := a.AddMember(owner, peer, 1, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	b := New(events.InterfaceId{1}, owner)
	snap := a.Snapshot()
	b.Merge(snap)
	first := b.Snapshot()
	b.Merge(snap)
	second := b.Snapshot()

	if len(first.Members) != len(second.Members) || len(first.Admitted) != len(second.Admitted) {
		t.Fatal("merging the same snapshot twice changed state")
	}
}

func TestStateMarshalUnmarshalRoundTrip(t *testing.T) {
	owner := mustID(t)
	peer := mustID(t)
	doc := New(events.InterfaceId{7}, owner)
	if _, err := doc.AddMember(owner, peer, 1, time.Now()); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	doc.SetSetting(owner, "name", "design-review")

	wire := MarshalState(doc.Snapshot())
	parsed, err := UnmarshalState(wire)
	if err != nil {
		t.Fatalf("UnmarshalState() error = %v", err)
	}
	if len(parsed.Members) != 2 {
		t.Fatalf("parsed.Members has %d entries, want 2", len(parsed.Members))
	}
	if len(parsed.Admitted) != 1 {
		t.Fatalf("parsed.Admitted has %d entries, want 1", len(parsed.Admitted))
	}
	if entry, ok := parsed.Settings["name"]; !ok || entry.value != "design-review" {
		t.Fatalf("parsed.Settings[name] = %v, ok=%v", entry, ok)
	}
}

func TestUnmarshalStateRejectsTrailingData(t *testing.T) {
	owner := mustID(t)
	doc := New(events.InterfaceId{1}, owner)
	wire := append(MarshalState(doc.Snapshot()), 0xFF)
	if _, err := UnmarshalState(wire); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	owner := mustID(t)
	peer := mustID(t)
	doc := New(events.InterfaceId{1}, owner)

	event, err := doc.AddMember(owner, peer, 1, time.Now())
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := doc.AppendEvent(event); err != nil {
		t.Fatalf("re-appending an already-admitted event should be a no-op, got %v", err)
	}
}
