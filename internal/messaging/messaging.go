// Package messaging glues identity, gossip, the N-peer interface, and
// routing into the send/receive API applications call (spec §4's
// "Messaging Client"): Send wraps a payload into an authenticated
// event, appends it locally, and hands it to both the gossip topic and
// the routing layer; Subscribe exposes the decrypted event stream.
package messaging

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/indranet/core/internal/cryptokeys"
	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/gossip"
	"github.com/indranet/core/internal/identity"
	"github.com/indranet/core/internal/metrics"
	"github.com/indranet/core/internal/ninterface"
	"github.com/indranet/core/internal/routing"
)

// Kind categorizes a MessagingError per spec §7's error taxonomy, so
// callers can decide whether to retry, surface to a user, or treat as a
// bug.
type Kind int

const (
	// KindUserInput covers invalid invite, expired invite, already
	// joined, not a member, realm full: reported verbatim, never
	// retried automatically.
	KindUserInput Kind = iota
	// KindTransient covers unreachable peers, timed-out sync rounds:
	// safe to retry with backoff.
	KindTransient
	// KindStorage covers log/blob persistence failures.
	KindStorage
	// KindCrypto covers AEAD or key-wrap failures.
	KindCrypto
	// KindProtocol covers malformed wire messages from a peer.
	KindProtocol
	// KindInvariant covers a local invariant violation: a bug, not a
	// remote or environmental condition.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindTransient:
		return "transient"
	case KindStorage:
		return "storage"
	case KindCrypto:
		return "crypto"
	case KindProtocol:
		return "protocol"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// MessagingError is the single error type this package returns, so a
// caller can branch on Kind without knowing the internal component that
// produced it.
type MessagingError struct {
	Kind Kind
	Op   string
	err  error
}

func (e *MessagingError) Error() string {
	return fmt.Sprintf("messaging: %s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *MessagingError) Unwrap() error { return e.err }

func wrapErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &MessagingError{Kind: kind, Op: op, err: err}
}

var (
	// ErrUnknownInterface is returned for any operation naming an
	// interface id the client has not created, joined, or attached.
	ErrUnknownInterface = errors.New("messaging: unknown interface")
)

// Transport is the contract surface consumed from the transport/node
// layer (spec §1's explicit out-of-scope collaborator): a single
// best-effort hop send, with NAT traversal and connection management
// entirely the transport's concern.
type Transport interface {
	Send(ctx context.Context, hop identity.ID, payload []byte) error
}

// interfaceState bundles one joined interface's handle with its gossip
// topic, if attached.
type interfaceState struct {
	handle *ninterface.Handle
	topic  *gossip.Topic
}

// Client is the application-facing entry point: one per local identity,
// holding every interface that identity currently participates in.
type Client struct {
	self      *identity.Keypair
	transport Transport
	topology  *routing.Topology
	pending   *routing.PendingStore
	logger    *slog.Logger
	metrics   *metrics.Metrics // nil-safe

	mu         sync.Mutex
	interfaces map[events.InterfaceId]*interfaceState
}

// NewClient builds a messaging client for self. neighborHorizon and
// confirmationGrace tune the routing layer (spec §4.7); a zero value
// for either uses the routing package's defaults. m is optional
// (nil-safe); pass nil to disable metrics reporting.
func NewClient(self *identity.Keypair, transport Transport, neighborHorizon, confirmationGrace time.Duration, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	pending := routing.NewPendingStore(confirmationGrace)
	pending.SetMetrics(m)
	return &Client{
		self:       self,
		transport:  transport,
		topology:   routing.NewTopology(neighborHorizon),
		pending:    pending,
		logger:     logger,
		metrics:    m,
		interfaces: make(map[events.InterfaceId]*interfaceState),
	}
}

// Topology exposes the routing topology so the transport layer's
// connect/disconnect callbacks can feed it peer observations.
func (c *Client) Topology() *routing.Topology { return c.topology }

// Pending exposes the pending-packet store so an inbound confirmation
// message can be applied.
func (c *Client) Pending() *routing.PendingStore { return c.pending }

func (c *Client) offerer() ninterface.PacketOfferer {
	return routerOfferer{client: c}
}

// CreateInterface creates a brand-new interface owned by self.
func (c *Client) CreateInterface(name, storageRoot string) (events.InterfaceId, error) {
	h, err := ninterface.Create(c.self, name, storageRoot)
	if err != nil {
		return events.InterfaceId{}, wrapErr(KindStorage, "CreateInterface", err)
	}
	h.SetTransport(nil, c.offerer())
	h.SetMetrics(c.metrics)

	c.mu.Lock()
	c.interfaces[h.ID()] = &interfaceState{handle: h}
	c.mu.Unlock()
	return h.ID(), nil
}

// JoinInterface recovers an interface from invite and fetches its
// current state via fetch (spec §4.6's join contract).
func (c *Client) JoinInterface(ctx context.Context, invite ninterface.Invite, selfX25519 cryptokeys.X25519Keypair, storageRoot string, fetch ninterface.FetchState) (events.InterfaceId, error) {
	c.mu.Lock()
	existing := c.interfaces[invite.InterfaceID]
	c.mu.Unlock()
	var existingHandle *ninterface.Handle
	if existing != nil {
		existingHandle = existing.handle
	}

	h, err := ninterface.Join(ctx, c.self, selfX25519, invite, storageRoot, existingHandle, fetch)
	if err != nil {
		switch {
		case errors.Is(err, ninterface.ErrAlreadyJoined):
			return events.InterfaceId{}, wrapErr(KindUserInput, "JoinInterface", err)
		case errors.Is(err, ninterface.ErrNoRoute):
			return events.InterfaceId{}, wrapErr(KindTransient, "JoinInterface", err)
		case errors.Is(err, ninterface.ErrInvalidInvite):
			return events.InterfaceId{}, wrapErr(KindUserInput, "JoinInterface", err)
		default:
			return events.InterfaceId{}, wrapErr(KindStorage, "JoinInterface", err)
		}
	}
	h.SetTransport(nil, c.offerer())
	h.SetMetrics(c.metrics)

	c.mu.Lock()
	c.interfaces[h.ID()] = &interfaceState{handle: h}
	c.mu.Unlock()
	return h.ID(), nil
}

// AttachGossip wires a live gossip topic to interfaceID: published
// events flow out through it, and its delivery stream is ingested back
// into the interface's document and log. Run exits when ctx is
// cancelled.
func (c *Client) AttachGossip(ctx context.Context, interfaceID events.InterfaceId, topic *gossip.Topic) error {
	c.mu.Lock()
	st, ok := c.interfaces[interfaceID]
	c.mu.Unlock()
	if !ok {
		return wrapErr(KindInvariant, "AttachGossip", ErrUnknownInterface)
	}
	st.handle.SetTransport(topic, c.offerer())
	st.topic = topic

	deliveries := make(chan gossip.Delivery, gossip.DefaultChannelBound)
	go topic.Run(ctx, deliveries)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if d.Lagged != nil {
					c.logger.Warn("gossip delivery lagged", "interface", interfaceID, "dropped", d.Lagged.Dropped)
					continue
				}
				if _, err := st.handle.Ingest(d.Event); err != nil {
					c.logger.Warn("gossip ingest failed", "interface", interfaceID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Send encrypts content and appends it to interfaceID, publishing to
// gossip and offering to the router (spec §4's data-flow summary).
func (c *Client) Send(ctx context.Context, interfaceID events.InterfaceId, content []byte) (events.EventId, error) {
	st, err := c.lookup(interfaceID)
	if err != nil {
		return events.EventId{}, err
	}
	id, _, err := st.handle.Append(ctx, content)
	if err != nil {
		switch {
		case errors.Is(err, ninterface.ErrNotMember):
			return events.EventId{}, wrapErr(KindUserInput, "Send", err)
		default:
			return events.EventId{}, wrapErr(KindStorage, "Send", err)
		}
	}
	if c.metrics != nil {
		c.metrics.MessagesSentTotal.WithLabelValues(interfaceID.String()).Inc()
	}
	return id, nil
}

// Subscribe exposes the decrypted event stream for interfaceID.
func (c *Client) Subscribe(ctx context.Context, interfaceID events.InterfaceId) (<-chan ninterface.DecryptedEvent, error) {
	st, err := c.lookup(interfaceID)
	if err != nil {
		return nil, err
	}
	return st.handle.SubscribeEvents(ctx), nil
}

// Members returns the current member set of interfaceID.
func (c *Client) Members(interfaceID events.InterfaceId) ([]identity.ID, error) {
	st, err := c.lookup(interfaceID)
	if err != nil {
		return nil, err
	}
	return st.handle.Members(), nil
}

// Leave removes self from interfaceID and drops the local handle.
func (c *Client) Leave(ctx context.Context, interfaceID events.InterfaceId) error {
	st, err := c.lookup(interfaceID)
	if err != nil {
		return err
	}
	if err := st.handle.Leave(ctx); err != nil {
		return wrapErr(KindUserInput, "Leave", err)
	}
	c.mu.Lock()
	delete(c.interfaces, interfaceID)
	c.mu.Unlock()
	return st.handle.Close()
}

// HandleInbound decodes a payload delivered directly by the transport
// (a TagPacket frame, outside of gossip) and ingests it into the named
// interface, acknowledging the originating packet in the pending store
// so it stops being retried. from is currently unused by the ingest
// path itself (the event carries its own authenticated sender) but is
// accepted so a transport can be wired without a separate decode step.
func (c *Client) HandleInbound(from identity.ID, payload []byte) error {
	event, err := events.Decode(payload)
	if err != nil {
		return wrapErr(KindProtocol, "HandleInbound", err)
	}
	st, err := c.lookup(event.InterfaceID)
	if err != nil {
		return err
	}
	if _, err := st.handle.Ingest(event); err != nil {
		return wrapErr(KindProtocol, "HandleInbound", err)
	}
	eventID := event.ID()
	packetID := routing.PacketID(sha256.Sum256(eventID[:]))
	if _, err := c.pending.Confirm(packetID, time.Now()); err != nil && !errors.Is(err, routing.ErrUnknownPacket) {
		c.logger.Warn("pending confirm failed", "error", err)
	}
	return nil
}

func (c *Client) lookup(interfaceID events.InterfaceId) (*interfaceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.interfaces[interfaceID]
	if !ok {
		return nil, wrapErr(KindUserInput, "lookup", ErrUnknownInterface)
	}
	return st, nil
}

// routerOfferer adapts the Client's topology, pending-packet store, and
// transport into a ninterface.PacketOfferer, deciding DIRECT/HOLD/RELAY
// per member and enqueueing accordingly (spec §4.7). It holds only a
// reference back to the client, not a concrete handle, so it never
// forms an ownership cycle with the interfaces it serves.
type routerOfferer struct {
	client *Client
}

func (r routerOfferer) Offer(ctx context.Context, members []identity.ID, event events.InterfaceEvent) error {
	payload := event.Encode()
	eventID := event.ID()
	packetID := routing.PacketID(sha256.Sum256(eventID[:]))

	var firstErr error
	for _, member := range members {
		if member == r.client.self.Public {
			continue
		}
		decision := routing.Route(r.client.topology, r.client.self.Public, member, defaultTTL)
		if r.client.metrics != nil {
			r.client.metrics.RoutingDecisionsTotal.WithLabelValues(decision.Kind.String()).Inc()
		}
		switch decision.Kind {
		case routing.Direct:
			r.client.pending.Enqueue(packetID, member, nil, time.Now())
			if err := r.client.pending.Dispatch(packetID, member, time.Now()); err != nil {
				firstErr = err
			}
			if r.client.transport != nil {
				if err := r.client.transport.Send(ctx, member, payload); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		case routing.Relay:
			r.client.pending.Enqueue(packetID, member, decision.NextHops, time.Now())
			if len(decision.NextHops) > 0 {
				hop := decision.NextHops[0]
				if err := r.client.pending.Dispatch(packetID, hop, time.Now()); err != nil {
					firstErr = err
				}
				if r.client.transport != nil {
					if err := r.client.transport.Send(ctx, hop, payload); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
		case routing.Hold:
			r.client.pending.Enqueue(packetID, member, nil, time.Now())
		case routing.Drop:
			if r.client.metrics != nil {
				r.client.metrics.PacketsDroppedTotal.WithLabelValues(decision.Reason.String()).Inc()
			}
			r.client.logger.Warn("offer dropped", "member", member.ShortID(), "reason", decision.Reason)
		}
	}
	return firstErr
}

const defaultTTL = 8
