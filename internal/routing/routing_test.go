package routing

import (
	"testing"
	"time"

	"github.com/indranet/core/internal/identity"
)

func mustRoutingID(t *testing.T) identity.ID {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return kp.Public
}

func TestRouteDirectWhenOnlineNeighbor(t *testing.T) {
	a, b := mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Hour)
	topo.OnPeerConnect(a, b, time.Now())

	d := Route(topo, a, b, 5)
	if d.Kind != Direct || d.Destination != b {
		t.Fatalf("Route() = %+v, want Direct to %v", d, b)
	}
}

func TestRouteHoldWhenNeighborOffline(t *testing.T) {
	a, b := mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Hour)
	topo.OnPeerConnect(a, b, time.Now())
	topo.OnPeerDisconnect(b)

	d := Route(topo, a, b, 5)
	if d.Kind != Hold {
		t.Fatalf("Route() = %+v, want Hold", d)
	}
}

func TestRouteRelayViaMutualPeer(t *testing.T) {
	a, mid, c := mustRoutingID(t), mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Hour)
	now := time.Now()
	topo.OnPeerConnect(a, mid, now)
	topo.OnPeerConnect(mid, c, now)

	d := Route(topo, a, c, 5)
	if d.Kind != Relay || len(d.NextHops) != 1 || d.NextHops[0] != mid {
		t.Fatalf("Route() = %+v, want Relay via %v", d, mid)
	}
}

func TestRouteDropsWhenNoRoute(t *testing.T) {
	a, c := mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Hour)
	d := Route(topo, a, c, 5)
	if d.Kind != Drop || d.Reason != ReasonNoRoute {
		t.Fatalf("Route() = %+v, want Drop/NoRoute", d)
	}
}

func TestRouteDropsOnTtlExpired(t *testing.T) {
	a, b := mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Hour)
	topo.OnPeerConnect(a, b, time.Now())
	d := Route(topo, a, b, 0)
	if d.Kind != Drop || d.Reason != ReasonTtlExpired {
		t.Fatalf("Route() = %+v, want Drop/TtlExpired", d)
	}
}

func TestMutualPeersOrderedByFreshness(t *testing.T) {
	a, c := mustRoutingID(t), mustRoutingID(t)
	older, fresher := mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Hour)
	now := time.Now()

	topo.OnPeerConnect(a, older, now.Add(-time.Minute))
	topo.OnPeerConnect(older, c, now.Add(-time.Minute))
	topo.OnPeerConnect(a, fresher, now)
	topo.OnPeerConnect(fresher, c, now)

	peers := topo.MutualPeers(a, c)
	if len(peers) != 2 || peers[0] != fresher || peers[1] != older {
		t.Fatalf("MutualPeers() = %v, want [fresher, older]", peers)
	}
}

func TestEvictStaleRemovesOldObservations(t *testing.T) {
	a, b := mustRoutingID(t), mustRoutingID(t)
	topo := NewTopology(time.Minute)
	past := time.Now().Add(-time.Hour)
	topo.OnPeerConnect(a, b, past)

	topo.EvictStale(time.Now())
	d := Route(topo, a, b, 5)
	if d.Kind != Drop || d.Reason != ReasonNoRoute {
		t.Fatalf("Route() after eviction = %+v, want Drop/NoRoute", d)
	}
}

func TestPendingStoreLifecycle(t *testing.T) {
	dest := mustRoutingID(t)
	hop := mustRoutingID(t)
	store := NewPendingStore(time.Minute)
	now := time.Now()

	var id PacketID
	id[0] = 1
	p := store.Enqueue(id, dest, []identity.ID{hop}, now)
	if p.State != Queued {
		t.Fatalf("Enqueue() state = %v, want Queued", p.State)
	}

	if err := store.Dispatch(id, hop, now); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got, _ := store.Get(id)
	if got.State != InFlight {
		t.Fatalf("state after Dispatch() = %v, want InFlight", got.State)
	}

	state, err := store.Confirm(id, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if state != Confirmed {
		t.Fatalf("Confirm() state = %v, want Confirmed", state)
	}
}

func TestConfirmUnknownPacketIsNoOp(t *testing.T) {
	store := NewPendingStore(time.Minute)
	var id PacketID
	id[0] = 9
	state, err := store.Confirm(id, time.Now())
	if err != nil {
		t.Fatalf("Confirm() error = %v, want nil", err)
	}
	if state != Dropped {
		t.Fatalf("Confirm() on unknown packet = %v, want Dropped sentinel", state)
	}
}

func TestConfirmOlderThanGraceIsIgnored(t *testing.T) {
	dest := mustRoutingID(t)
	store := NewPendingStore(time.Minute)
	now := time.Now()
	var id PacketID
	id[0] = 2
	store.Enqueue(id, dest, nil, now)
	store.Dispatch(id, dest, now)

	state, err := store.Confirm(id, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if state != InFlight {
		t.Fatalf("Confirm() with stale timestamp changed state to %v, want InFlight unchanged", state)
	}
}

func TestRetryExhaustsCandidatesToDropped(t *testing.T) {
	dest := mustRoutingID(t)
	hop := mustRoutingID(t)
	store := NewPendingStore(time.Minute)
	now := time.Now()
	var id PacketID
	id[0] = 3
	store.Enqueue(id, dest, []identity.ID{hop}, now)
	store.Dispatch(id, hop, now)

	state, err := store.Retry(id, now)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if state != InFlight {
		t.Fatalf("first Retry() = %v, want InFlight (one candidate left)", state)
	}

	state, err = store.Retry(id, now)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if state != Dropped {
		t.Fatalf("second Retry() = %v, want Dropped (no candidates left)", state)
	}
}
