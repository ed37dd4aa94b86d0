// Package routing implements the delay-tolerant routing layer of spec
// §4.7: a DIRECT/HOLD/RELAY/DROP decision for each outbound unit, a
// mutual-peer tracker built from connect/disconnect observations, and
// back-propagated delivery confirmations for packets held at relays.
package routing

import (
	"sync"
	"time"

	"github.com/indranet/core/internal/identity"
)

// Reconnection and eviction tuning. Mirrors the order of magnitude used
// by the transport's own reconnect loop: a 30s-scale check interval
// with a multi-minute eviction horizon for stale peer observations.
const (
	DefaultNeighborHorizon = 15 * time.Minute
	DefaultGracePeriod     = 30 * time.Second
	DefaultRetryBackoff    = 30 * time.Second
	DefaultRetryBackoffMax = 5 * time.Minute
)

// Decision is the outcome of routing one outbound unit.
type Decision struct {
	Kind        DecisionKind
	Destination identity.ID   // DIRECT
	NextHops    []identity.ID // RELAY, priority order
	Reason      DropReason    // DROP
}

// DecisionKind discriminates a Decision.
type DecisionKind int

const (
	Direct DecisionKind = iota
	Hold
	Relay
	Drop
)

func (k DecisionKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Hold:
		return "hold"
	case Relay:
		return "relay"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// DropReason explains a Drop decision.
type DropReason int

const (
	ReasonTtlExpired DropReason = iota
	ReasonNoRoute
	ReasonDuplicate
	ReasonExpired
	ReasonSenderOffline
)

func (r DropReason) String() string {
	switch r {
	case ReasonTtlExpired:
		return "TtlExpired"
	case ReasonNoRoute:
		return "NoRoute"
	case ReasonDuplicate:
		return "Duplicate"
	case ReasonExpired:
		return "Expired"
	case ReasonSenderOffline:
		return "SenderOffline"
	default:
		return "Unknown"
	}
}

// neighborEntry is one observed (a, b) adjacency with its last-seen
// timestamp, used both for direct-neighbor lookups and mutual-peer
// computation.
type neighborEntry struct {
	lastSeen time.Time
}

// Topology is the reader-mostly concurrent map of direct neighbor
// observations and online status that the router consults. Writers
// (connect/disconnect observations) never hold the lock longer than a
// single entry update.
type Topology struct {
	mu        sync.RWMutex
	neighbors map[identity.ID]map[identity.ID]neighborEntry
	online    map[identity.ID]bool
	horizon   time.Duration
}

// NewTopology creates an empty topology with the given eviction horizon.
func NewTopology(horizon time.Duration) *Topology {
	if horizon <= 0 {
		horizon = DefaultNeighborHorizon
	}
	return &Topology{
		neighbors: make(map[identity.ID]map[identity.ID]neighborEntry),
		online:    make(map[identity.ID]bool),
		horizon:   horizon,
	}
}

// OnPeerConnect records a direct-neighbor observation between a and b.
// The tracker is strictly additive between evictions: it never removes
// an entry except via EvictStale.
func (t *Topology) OnPeerConnect(a, b identity.ID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addNeighborLocked(a, b, now)
	t.addNeighborLocked(b, a, now)
	t.online[a] = true
	t.online[b] = true
}

func (t *Topology) addNeighborLocked(from, to identity.ID, now time.Time) {
	m, ok := t.neighbors[from]
	if !ok {
		m = make(map[identity.ID]neighborEntry)
		t.neighbors[from] = m
	}
	m[to] = neighborEntry{lastSeen: now}
}

// OnPeerDisconnect marks a peer offline without removing its adjacency
// observations; it can still be a mutual-peer relay candidate.
func (t *Topology) OnPeerDisconnect(peer identity.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[peer] = false
}

// EvictStale removes neighbor observations older than the configured
// horizon, as of now.
func (t *Topology) EvictStale(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for from, m := range t.neighbors {
		for to, entry := range m {
			if now.Sub(entry.lastSeen) > t.horizon {
				delete(m, to)
			}
		}
		if len(m) == 0 {
			delete(t.neighbors, from)
		}
	}
}

func (t *Topology) isDirectNeighbor(a, b identity.ID) bool {
	m, ok := t.neighbors[a]
	if !ok {
		return false
	}
	_, ok = m[b]
	return ok
}

// IsOnline reports whether peer is currently believed connected.
func (t *Topology) IsOnline(peer identity.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[peer]
}

// MutualPeers returns peers that are direct neighbors of both a and b,
// ordered by the more recent of the two last-seen observations
// (freshest first), per spec §4.7 step 3.
func (t *Topology) MutualPeers(a, b identity.ID) []identity.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	neighborsA := t.neighbors[a]
	neighborsB := t.neighbors[b]
	if len(neighborsA) == 0 || len(neighborsB) == 0 {
		return nil
	}

	type candidate struct {
		id    identity.ID
		fresh time.Time
	}
	var candidates []candidate
	for id, entryA := range neighborsA {
		entryB, ok := neighborsB[id]
		if !ok {
			continue
		}
		fresh := entryA.lastSeen
		if entryB.lastSeen.After(fresh) {
			fresh = entryB.lastSeen
		}
		candidates = append(candidates, candidate{id: id, fresh: fresh})
	}

	// Freshest observation first; a simple insertion sort is fine since
	// the mutual-peer set for any one pair is expected to be small.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].fresh.After(candidates[j-1].fresh); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	out := make([]identity.ID, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// Route decides how to forward a unit destined for destination, given
// self's vantage point in topology. Implements spec §4.7's algorithm.
func Route(topology *Topology, self, destination identity.ID, ttl int) Decision {
	if ttl <= 0 {
		return Decision{Kind: Drop, Reason: ReasonTtlExpired}
	}
	if topology.isDirectNeighbor(self, destination) {
		if topology.IsOnline(destination) {
			return Decision{Kind: Direct, Destination: destination}
		}
		return Decision{Kind: Hold}
	}
	if mutual := topology.MutualPeers(self, destination); len(mutual) > 0 {
		return Decision{Kind: Relay, NextHops: mutual}
	}
	return Decision{Kind: Drop, Reason: ReasonNoRoute}
}
