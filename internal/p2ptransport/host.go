// Package p2ptransport wires the messaging client and gossip topics to
// a real libp2p host: it turns a long-lived identity.Keypair into the
// host's libp2p identity, dials/accepts direct streams under the
// "indras/1" protocol for the messaging transport, and exposes a
// GossipSub instance for per-interface topics, grounded on
// pkg/p2pnet/network.go's host-construction pattern and the GossipSub
// wiring in the pack's only other direct pubsub consumer.
package p2ptransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/indranet/core/internal/identity"
	"github.com/indranet/core/internal/wire"
)

// ProtocolID is the application-level stream protocol used for direct
// messaging-client sends, shared with internal/wire's declared ALPN.
const ProtocolID protocol.ID = wire.ALPN

// MaxFrameSize bounds a single length-prefixed frame, shared with
// internal/wire's limit.
const MaxFrameSize = wire.MaxFrameSize

// Handler processes one inbound direct message from a peer already
// resolved to its long-lived identity.
type Handler func(from identity.ID, payload []byte)

// Host binds one local identity to a live libp2p host: it resolves
// identity.ID to the libp2p peer.ID derived from the same keypair,
// serves and dials "indras/1" streams, and hosts a GossipSub router for
// per-interface topics.
type Host struct {
	host   host.Host
	pubsub *pubsub.PubSub

	mu      sync.Mutex
	peers   map[identity.ID]peer.ID
	handler Handler
}

// New starts a libp2p host using kp's signing key as the host's own
// identity key, listening on listenAddrs (multiaddr strings).
func New(ctx context.Context, kp *identity.Keypair, listenAddrs []string) (*Host, error) {
	priv, err := crypto.UnmarshalEd25519PrivateKey(kp.PrivateBytes())
	if err != nil {
		return nil, fmt.Errorf("p2ptransport: convert identity key: %w", err)
	}

	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2ptransport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2ptransport: create gossipsub: %w", err)
	}

	t := &Host{
		host:   h,
		pubsub: ps,
		peers:  make(map[identity.ID]peer.ID),
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t, nil
}

// Close shuts down the underlying libp2p host.
func (t *Host) Close() error {
	return t.host.Close()
}

// PeerID returns the libp2p peer id this host runs as, derived from the
// same identity key passed to New.
func (t *Host) PeerID() peer.ID {
	return t.host.ID()
}

// Addrs returns the host's listen multiaddrs including its peer id, for
// out-of-band exchange (invite bootstrap_peers).
func (t *Host) Addrs() []ma.Multiaddr {
	info := peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// SetHandler installs the callback invoked for every inbound direct
// message, after its sender's identity has been cryptographically
// resolved from the stream's authenticated connection.
func (t *Host) SetHandler(fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// AddPeer records where a known identity can be dialed, deriving its
// libp2p peer id from the identity's own public key and adding addrs to
// the host's peerstore.
func (t *Host) AddPeer(id identity.ID, addrs []string) error {
	pub, err := crypto.UnmarshalEd25519PublicKey(id.AsBytes())
	if err != nil {
		return fmt.Errorf("p2ptransport: convert peer key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return fmt.Errorf("p2ptransport: derive peer id: %w", err)
	}

	parsed := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		addr, err := ma.NewMultiaddr(a)
		if err != nil {
			return fmt.Errorf("p2ptransport: parse addr %q: %w", a, err)
		}
		parsed = append(parsed, addr)
	}
	t.host.Peerstore().AddAddrs(pid, parsed, peer.PermanentAddrTTL)

	t.mu.Lock()
	t.peers[id] = pid
	t.mu.Unlock()
	return nil
}

// Send implements messaging.Transport: it opens a stream to hop (which
// must have been registered via AddPeer or already be connected),
// writes one length-prefixed frame, and closes the write side.
func (t *Host) Send(ctx context.Context, hop identity.ID, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("p2ptransport: payload of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}
	t.mu.Lock()
	pid, ok := t.peers[hop]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("p2ptransport: no known address for peer %s", hop.ShortID())
	}

	s, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return fmt.Errorf("p2ptransport: open stream to %s: %w", hop.ShortID(), err)
	}
	defer s.Close()

	if err := wire.WriteTo(s, wire.Message{Tag: wire.TagPacket, Body: payload}); err != nil {
		s.Reset()
		return fmt.Errorf("p2ptransport: write to %s: %w", hop.ShortID(), err)
	}
	return nil
}

func (t *Host) handleStream(s network.Stream) {
	defer s.Close()

	remotePub := s.Conn().RemotePublicKey()
	if remotePub == nil {
		s.Reset()
		return
	}
	raw, err := remotePub.Raw()
	if err != nil {
		s.Reset()
		return
	}
	from, err := identity.FromBytes(raw)
	if err != nil {
		s.Reset()
		return
	}

	msg, err := wire.ReadFrom(s)
	if err != nil {
		s.Reset()
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(from, msg.Body)
	}
}

// JoinTopic joins the GossipSub topic for one interface id, returning
// the raw *pubsub.Topic/*pubsub.Subscription pair internal/gossip.NewTopic
// wraps.
func (t *Host) JoinTopic(ctx context.Context, topicName string) (*pubsub.Topic, *pubsub.Subscription, error) {
	topic, err := t.pubsub.Join(topicName)
	if err != nil {
		return nil, nil, fmt.Errorf("p2ptransport: join topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("p2ptransport: subscribe to %s: %w", topicName, err)
	}
	return topic, sub, nil
}
