// Package ninterface implements the N-Peer Interface of spec §4.6: it
// binds one owner's identity, an interface id, the interface's
// symmetric key, its replicated document, and its event log under a
// single handle exposing create/join/invite/append/subscribe/leave.
package ninterface

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/indranet/core/internal/cryptokeys"
	"github.com/indranet/core/internal/document"
	"github.com/indranet/core/internal/eventlog"
	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/identity"
	"github.com/indranet/core/internal/metrics"
	"github.com/indranet/core/internal/syncproto"
)

var (
	// ErrNotMember is returned by Append/Leave when the local identity
	// is not (or no longer) a member of the interface.
	ErrNotMember = errors.New("ninterface: not a member")
	// ErrInvalidInvite is returned when an invite fails to decode, its
	// wrapped key fails to unwrap, or it names no usable bootstrap peer.
	ErrInvalidInvite = errors.New("ninterface: invalid invite")
	// ErrAlreadyJoined is returned by Join when a handle for the target
	// interface id already exists locally.
	ErrAlreadyJoined = errors.New("ninterface: already joined")
	// ErrNoRoute is returned by Join when no bootstrap peer in the
	// invite returned state that could be fetched and applied.
	ErrNoRoute = errors.New("ninterface: no reachable bootstrap peer")
)

// DecryptedEvent is delivered to subscribers: the original event plus,
// for Message events, the decrypted content.
type DecryptedEvent struct {
	Event      events.InterfaceEvent
	Content    []byte
	ObservedAt time.Time
}

// GossipPublisher is the subset of a gossip.Topic that Append needs.
// It is injected rather than imported directly so this package doesn't
// have to depend on a transport; internal/messaging wires the two
// together.
type GossipPublisher interface {
	Publish(ctx context.Context, event events.InterfaceEvent) error
}

// PacketOfferer hands an event to the routing layer for members not
// reachable live via gossip (spec §4.6's "offers to router"). Like
// GossipPublisher, it is injected by internal/messaging.
type PacketOfferer interface {
	Offer(ctx context.Context, members []identity.ID, event events.InterfaceEvent) error
}

// FetchState retrieves a bootstrap peer's current document/log state
// for a joining peer, framed as a syncproto.Response so Join can reuse
// syncproto.ApplyResponse instead of a bespoke initial-sync path.
type FetchState func(ctx context.Context, bootstrapPeer identity.ID) (syncproto.Response, error)

// Invite is the blob handed to a prospective member (spec §4.6/§6):
// enough to recover the interface id and key and to locate the
// interface's current state.
type Invite struct {
	InterfaceID        events.InterfaceId
	WrappedKey         cryptokeys.Sealed
	SenderX25519Public [32]byte
	BootstrapPeers     []identity.ID
}

// ContactInvite is the lighter-weight sibling of Invite (spec §6's
// supplemented contact-invite feature): it introduces a peer's
// identity and display name without granting access to any interface.
type ContactInvite struct {
	MemberID    identity.ID
	DisplayName string
}

// Handle binds one local identity's view of one N-peer interface: its
// document, its log, its key, and the transport hooks Append uses.
type Handle struct {
	mu sync.Mutex

	id       events.InterfaceId
	name     string
	self     *identity.Keypair
	x25519   cryptokeys.X25519Keypair
	key      cryptokeys.InterfaceKey
	doc      *document.Document
	log      *eventlog.Log
	localSeq uint64

	publisher GossipPublisher
	offerer   PacketOfferer
	logger    *slog.Logger
	metrics   *metrics.Metrics // nil-safe

	subscribers map[int]chan DecryptedEvent
	nextSubID   int
	closed      bool
}

// SetMetrics attaches a Metrics instance this handle and its
// underlying log report activity to. Passing nil (the default)
// disables reporting.
func (h *Handle) SetMetrics(m *metrics.Metrics) {
	h.mu.Lock()
	h.metrics = m
	h.mu.Unlock()
	h.log.SetMetrics(m)
}

func logDir(storageRoot string, id events.InterfaceId) string {
	return filepath.Join(storageRoot, "storage", "events", id.String())
}

func generateInterfaceID() (events.InterfaceId, error) {
	var id events.InterfaceId
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("ninterface: generate interface id: %w", err)
	}
	return id, nil
}

// Create generates a new interface owned by self: a random id, a
// random key, and an initial document containing self as sole member
// (spec §4.6).
func Create(self *identity.Keypair, name, storageRoot string) (*Handle, error) {
	id, err := generateInterfaceID()
	if err != nil {
		return nil, err
	}
	key, err := cryptokeys.GenerateInterfaceKey()
	if err != nil {
		return nil, fmt.Errorf("ninterface: generate interface key: %w", err)
	}
	x25519, err := cryptokeys.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("ninterface: generate key-agreement keypair: %w", err)
	}
	log, err := eventlog.Open(logDir(storageRoot, id))
	if err != nil {
		return nil, fmt.Errorf("ninterface: open log: %w", err)
	}

	h := &Handle{
		id:          id,
		name:        name,
		self:        self,
		x25519:      x25519,
		key:         key,
		doc:         document.New(id, self.Public),
		log:         log,
		logger:      slog.Default(),
		subscribers: make(map[int]chan DecryptedEvent),
	}
	return h, nil
}

// Join recovers an interface id and key from invite, then fetches the
// current state from the first reachable bootstrap peer (spec §4.6).
// existing, if non-nil, indicates the caller already holds a handle for
// this interface id and Join fails with ErrAlreadyJoined.
func Join(ctx context.Context, self *identity.Keypair, selfX25519 cryptokeys.X25519Keypair, invite Invite, storageRoot string, existing *Handle, fetch FetchState) (*Handle, error) {
	if existing != nil {
		return nil, ErrAlreadyJoined
	}
	if len(invite.BootstrapPeers) == 0 {
		return nil, fmt.Errorf("%w: no bootstrap peers listed", ErrInvalidInvite)
	}

	key, err := cryptokeys.UnwrapKeyFromPeer(selfX25519, invite.SenderX25519Public, invite.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap interface key: %v", ErrInvalidInvite, err)
	}

	log, err := eventlog.Open(logDir(storageRoot, invite.InterfaceID))
	if err != nil {
		return nil, fmt.Errorf("ninterface: open log: %w", err)
	}

	h := &Handle{
		id:          invite.InterfaceID,
		self:        self,
		x25519:      selfX25519,
		key:         key,
		doc:         document.NewEmpty(invite.InterfaceID),
		log:         log,
		logger:      slog.Default(),
		subscribers: make(map[int]chan DecryptedEvent),
	}

	var lastErr error
	for _, peer := range invite.BootstrapPeers {
		resp, err := fetch(ctx, peer)
		if err != nil {
			lastErr = err
			h.logger.Warn("join: bootstrap peer unreachable", "peer", peer.ShortID(), "error", err)
			continue
		}
		if _, err := syncproto.ApplyResponse(h.doc, h.log, resp); err != nil {
			lastErr = err
			h.logger.Warn("join: applying bootstrap state failed", "peer", peer.ShortID(), "error", err)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		log.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, lastErr)
	}

	if name, ok := h.doc.Setting("name"); ok {
		h.name = name
	}
	return h, nil
}

// SetTransport wires the live gossip publisher and routing offerer used
// by Append. Both may be nil, in which case Append persists locally
// only (useful standalone or in tests).
func (h *Handle) SetTransport(publisher GossipPublisher, offerer PacketOfferer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = publisher
	h.offerer = offerer
}

// ID returns the interface's stable identifier.
func (h *Handle) ID() events.InterfaceId { return h.id }

// Name returns the interface's display name, if set.
func (h *Handle) Name() string { return h.name }

// Document exposes the underlying replicated document, for the sync
// protocol and the messaging client's periodic reconciliation loop.
func (h *Handle) Document() *document.Document { return h.doc }

// Log exposes the underlying event log, for the same reasons.
func (h *Handle) Log() *eventlog.Log { return h.log }

// Invite produces an Invite for forPeerPublic, wrapping the interface
// key under a fresh key-agreement exchange (spec §4.6).
func (h *Handle) Invite(forPeerPublic [32]byte, bootstrapPeers []identity.ID) (Invite, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sealed, senderPublic, err := cryptokeys.WrapKeyForPeer(h.x25519, forPeerPublic, h.key)
	if err != nil {
		return Invite{}, fmt.Errorf("ninterface: wrap key for invite: %w", err)
	}
	peers := append([]identity.ID(nil), bootstrapPeers...)
	return Invite{
		InterfaceID:        h.id,
		WrappedKey:         sealed,
		SenderX25519Public: senderPublic,
		BootstrapPeers:     peers,
	}, nil
}

// Members returns a snapshot of the currently present member set.
func (h *Handle) Members() []identity.ID {
	return h.doc.Members()
}

// Append encrypts content under the interface key, constructs a
// Message event, persists it, and best-effort publishes/offers it to
// the transport (spec §4.6). Transport failures are logged, not
// returned: a send the router cannot route immediately still succeeds
// locally, with the packet marked pending by the router itself.
func (h *Handle) Append(ctx context.Context, content []byte) (events.EventId, uint64, error) {
	h.mu.Lock()
	if !h.doc.IsMember(h.self.Public) {
		h.mu.Unlock()
		return events.EventId{}, 0, ErrNotMember
	}
	seq := h.localSeq + 1

	sealed, err := cryptokeys.Encrypt(h.key, content, h.id[:])
	if err != nil {
		h.mu.Unlock()
		return events.EventId{}, 0, fmt.Errorf("ninterface: encrypt message: %w", err)
	}
	event := events.InterfaceEvent{
		InterfaceID:     h.id,
		Author:          h.self.Public,
		LocalSeq:        seq,
		CreatedAtMicros: time.Now().UnixMicro(),
		Kind:            events.KindMessage,
		MessageContent:  sealed.Marshal(),
	}

	id, _, err := h.log.Append(event)
	if err != nil {
		h.mu.Unlock()
		return events.EventId{}, 0, fmt.Errorf("ninterface: append to log: %w", err)
	}
	if err := h.doc.AppendEvent(event); err != nil {
		h.mu.Unlock()
		return events.EventId{}, 0, fmt.Errorf("ninterface: admit event: %w", err)
	}
	h.localSeq = seq
	publisher, offerer := h.publisher, h.offerer
	members := h.doc.Members()
	h.mu.Unlock()

	h.broadcastLocal(DecryptedEvent{Event: event, Content: content, ObservedAt: time.Now()})

	if publisher != nil {
		if err := publisher.Publish(ctx, event); err != nil {
			h.logger.Warn("append: gossip publish failed", "interface", h.id, "error", err)
		}
	}
	if offerer != nil {
		if err := offerer.Offer(ctx, members, event); err != nil {
			h.logger.Warn("append: router offer failed", "interface", h.id, "error", err)
		}
	}

	return id, seq, nil
}

// Ingest admits an externally-received event (from gossip delivery or
// a sync response) into the log and document, decrypting Message
// payloads for subscribers. It is idempotent: an already-admitted
// event is a no-op and returns changed=false.
func (h *Handle) Ingest(event events.InterfaceEvent) (bool, error) {
	h.mu.Lock()
	if h.doc.Admitted(event.ID()) {
		h.mu.Unlock()
		return false, nil
	}
	if _, _, err := h.log.Append(event); err != nil {
		h.mu.Unlock()
		return false, fmt.Errorf("ninterface: append ingested event: %w", err)
	}
	if err := h.doc.AppendEvent(event); err != nil {
		h.mu.Unlock()
		return false, fmt.Errorf("ninterface: admit ingested event: %w", err)
	}
	h.mu.Unlock()

	content := event.MessageContent
	if event.Kind == events.KindMessage {
		if sealed, err := cryptokeys.UnmarshalSealed(event.MessageContent); err == nil {
			if plain, err := cryptokeys.Decrypt(h.key, sealed, h.id[:]); err == nil {
				content = plain
			} else {
				h.logger.Warn("ingest: decrypt failed", "interface", h.id, "author", event.Author.ShortID(), "error", err)
				content = nil
			}
		}
	}
	h.broadcastLocal(DecryptedEvent{Event: event, Content: content, ObservedAt: time.Now()})
	return true, nil
}

// SubscribeEvents returns a channel of decrypted events observed by
// this handle, ordered by local observation time. The channel is
// closed when ctx is cancelled; subscribing and cancelling are both
// safe to call concurrently with Append/Ingest.
func (h *Handle) SubscribeEvents(ctx context.Context) <-chan DecryptedEvent {
	ch := make(chan DecryptedEvent, 256)
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (h *Handle) broadcastLocal(d DecryptedEvent) {
	h.mu.Lock()
	subs := make([]chan DecryptedEvent, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		subs = append(subs, ch)
	}
	m := h.metrics
	h.mu.Unlock()

	if m != nil {
		m.MessagesDeliveredTotal.WithLabelValues(h.id.String()).Inc()
	}

	for _, ch := range subs {
		select {
		case ch <- d:
		default:
			// Slow subscriber: drop rather than block the caller, matching
			// the gossip topic's backpressure policy (spec §5).
		}
	}
}

// Leave emits a MembershipChange{Remove, self} event, the canonical
// way a member departs an interface (spec §4.6).
func (h *Handle) Leave(ctx context.Context) error {
	h.mu.Lock()
	if !h.doc.IsMember(h.self.Public) {
		h.mu.Unlock()
		return ErrNotMember
	}
	seq := h.localSeq + 1
	event, err := h.doc.RemoveMember(h.self.Public, h.self.Public, seq, time.Now())
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("ninterface: leave: %w", err)
	}
	if _, _, err := h.log.Append(event); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("ninterface: append leave event: %w", err)
	}
	h.localSeq = seq
	publisher := h.publisher
	h.mu.Unlock()

	if publisher != nil {
		if err := publisher.Publish(ctx, event); err != nil {
			h.logger.Warn("leave: gossip publish failed", "interface", h.id, "error", err)
		}
	}
	return nil
}

// Close releases the handle's log file handle and closes every active
// subscriber channel.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subscribers
	h.subscribers = nil
	h.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	return h.log.Close()
}
