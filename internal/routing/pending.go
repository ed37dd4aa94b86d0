package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/indranet/core/internal/identity"
	"github.com/indranet/core/internal/metrics"
)

// PacketState is the state machine for one pending packet at one peer
// (spec §4.7): Queued -> InFlight -> Confirmed | Retry -> InFlight, or
// any state -> Dropped.
type PacketState int

const (
	Queued PacketState = iota
	InFlight
	Confirmed
	Retry
	Dropped
)

func (s PacketState) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in_flight"
	case Confirmed:
		return "confirmed"
	case Retry:
		return "retry"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// PacketID identifies one packet across the network.
type PacketID [32]byte

// PendingPacket tracks one packet this peer is responsible for
// delivering, including the candidates it may still try.
type PendingPacket struct {
	ID             PacketID
	Destination    identity.ID
	CreatedAt      time.Time
	State          PacketState
	Candidates     []identity.ID // remaining relay candidates, priority order
	CurrentHop     identity.ID
	ConsecFailures int
	NextRetryAt    time.Time
	Path           []identity.ID // reverse path for back-propagation
}

var (
	ErrUnknownPacket  = errors.New("routing: confirmation for unknown packet")
	ErrConfirmationTooOld = errors.New("routing: confirmation older than packet creation minus grace")
)

// PendingStore holds every packet this peer is currently responsible
// for, keyed by PacketID. Concurrent put/get are lock-free beyond a
// single mutex critical section; only GC-style sweeps take it for an
// extended scan.
type PendingStore struct {
	mu      sync.Mutex
	packets map[PacketID]*PendingPacket
	grace   time.Duration
	metrics *metrics.Metrics // nil-safe
}

// SetMetrics attaches a Metrics instance this store reports retry and
// expired-confirmation activity to. Passing nil (the default) disables
// reporting.
func (s *PendingStore) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// NewPendingStore creates an empty store with the given confirmation
// grace period (spec §4.7's "confirmation older than
// packet.created_at - grace is ignored").
func NewPendingStore(grace time.Duration) *PendingStore {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &PendingStore{packets: make(map[PacketID]*PendingPacket), grace: grace}
}

// Enqueue registers a new packet in the Queued state.
func (s *PendingStore) Enqueue(id PacketID, destination identity.ID, candidates []identity.ID, now time.Time) *PendingPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &PendingPacket{
		ID:          id,
		Destination: destination,
		CreatedAt:   now,
		State:       Queued,
		Candidates:  append([]identity.ID(nil), candidates...),
	}
	s.packets[id] = p
	return p
}

// Dispatch transitions a packet to InFlight against its next candidate
// hop (or the destination itself for a DIRECT/HOLD send).
func (s *PendingStore) Dispatch(id PacketID, hop identity.ID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packets[id]
	if !ok {
		return ErrUnknownPacket
	}
	p.State = InFlight
	p.CurrentHop = hop
	p.Path = append(p.Path, hop)
	return nil
}

// Retry moves a timed-out in-flight packet back to InFlight against its
// next candidate, applying exponential backoff, or to Dropped if no
// candidates remain.
func (s *PendingStore) Retry(id PacketID, now time.Time) (PacketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packets[id]
	if !ok {
		return Dropped, ErrUnknownPacket
	}
	if p.State == Dropped || p.State == Confirmed {
		return p.State, nil
	}

	p.ConsecFailures++
	if len(p.Candidates) == 0 {
		p.State = Dropped
		return p.State, nil
	}

	p.State = Retry
	next := p.Candidates[0]
	p.Candidates = p.Candidates[1:]
	p.CurrentHop = next

	backoff := DefaultRetryBackoff << uint(p.ConsecFailures-1)
	if backoff > DefaultRetryBackoffMax || backoff <= 0 {
		backoff = DefaultRetryBackoffMax
	}
	p.NextRetryAt = now.Add(backoff)
	p.State = InFlight
	if s.metrics != nil {
		s.metrics.PendingRetriesTotal.Inc()
	}
	return p.State, nil
}

// Confirm applies a back-propagated delivery confirmation. A
// confirmation for an unknown packet is a no-op, not an error, per
// spec §5's ordering guarantees; a confirmation older than
// packet.created_at - grace is ignored and the packet is left as-is.
func (s *PendingStore) Confirm(id PacketID, confirmedAt time.Time) (PacketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packets[id]
	if !ok {
		return Dropped, nil
	}
	if confirmedAt.Before(p.CreatedAt.Add(-s.grace)) {
		if s.metrics != nil {
			s.metrics.ConfirmationsExpiredTotal.Inc()
		}
		return p.State, nil
	}
	p.State = Confirmed
	return p.State, nil
}

// Drop forcibly drops a packet, e.g. on TTL exhaustion.
func (s *PendingStore) Drop(id PacketID, reason DropReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.packets[id]; ok {
		p.State = Dropped
	}
}

// Get returns a copy of a packet's current state.
func (s *PendingStore) Get(id PacketID) (PendingPacket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packets[id]
	if !ok {
		return PendingPacket{}, false
	}
	return *p, true
}

// Sweep removes packets that have reached a terminal state
// (Confirmed/Dropped), returning how many were removed. Nothing in this
// module calls it; entries stay in the store until a caller does.
func (s *PendingStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, p := range s.packets {
		if p.State == Confirmed || p.State == Dropped {
			delete(s.packets, id)
			removed++
		}
	}
	return removed
}
