// Package gossip implements the per-interface pub/sub channel of spec
// §4.8: every outgoing message is signed by the author's long-lived
// key, receivers verify before admitting, duplicate EventIds are
// dropped, and a failed verification only produces a rate-limited
// warning, never escalation.
package gossip

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"golang.org/x/time/rate"

	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/identity"
	"github.com/indranet/core/internal/metrics"
)

// DefaultChannelBound is the default bound for a subscription channel
// (spec §5's backpressure section: "configurable; default on the order
// of 1024").
const DefaultChannelBound = 1024

// Lagged is delivered on a subscription channel in place of a dropped
// backlog of events, when a consumer falls behind DefaultChannelBound.
type Lagged struct {
	Dropped int
}

// Delivery is one item yielded by a Topic's subscription channel: an
// admitted event, or a Lagged marker.
type Delivery struct {
	Event  events.InterfaceEvent
	Lagged *Lagged
}

// signedMessage is the wire envelope published to the underlying
// pub/sub topic: the encoded event plus a signature over it by the
// author's long-lived key.
type signedMessage struct {
	Author    identity.ID
	Signature []byte
	Event     []byte
}

func (m signedMessage) marshal() []byte {
	buf := make([]byte, 0, len(m.Author)+4+len(m.Signature)+len(m.Event))
	buf = append(buf, m.Author[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Signature)))
	buf = append(buf, m.Signature...)
	buf = append(buf, m.Event...)
	return buf
}

func unmarshalSignedMessage(buf []byte) (signedMessage, error) {
	var m signedMessage
	if len(buf) < identity.Size+4 {
		return m, fmt.Errorf("gossip: truncated message header")
	}
	copy(m.Author[:], buf[:identity.Size])
	off := identity.Size
	sigLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if uint32(len(buf)-off) < sigLen {
		return m, fmt.Errorf("gossip: truncated signature")
	}
	m.Signature = append([]byte(nil), buf[off:off+int(sigLen)]...)
	off += int(sigLen)
	m.Event = append([]byte(nil), buf[off:]...)
	return m, nil
}

// pubsubTopic is the subset of *pubsub.Topic/*pubsub.Subscription this
// package depends on, so tests can substitute an in-memory fake
// without standing up a libp2p host.
type pubsubTopic interface {
	Publish(ctx context.Context, data []byte, opts ...pubsub.PubOpt) error
}

type pubsubSubscription interface {
	Next(ctx context.Context) (*pubsub.Message, error)
}

// Topic is one interface's gossip channel.
type Topic struct {
	interfaceID events.InterfaceId
	self        *identity.Keypair
	topic       pubsubTopic
	sub         pubsubSubscription
	logger      *slog.Logger
	verifyLimit *rate.Limiter
	metrics     *metrics.Metrics // nil-safe

	mu   sync.Mutex
	seen map[events.EventId]struct{}
}

// NewTopic wraps a joined pub/sub topic and subscription for one
// interface id. m is optional (nil-safe).
func NewTopic(interfaceID events.InterfaceId, self *identity.Keypair, topic pubsubTopic, sub pubsubSubscription, logger *slog.Logger, m *metrics.Metrics) *Topic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic{
		interfaceID: interfaceID,
		self:        self,
		topic:       topic,
		sub:         sub,
		logger:      logger,
		verifyLimit: rate.NewLimiter(rate.Every(defaultWarnInterval), 1),
		metrics:     m,
		seen:        make(map[events.EventId]struct{}),
	}
}

const defaultWarnInterval = time.Second // minimum spacing between verification-failure warnings

// Publish signs event with self's key and publishes it to the topic.
func (t *Topic) Publish(ctx context.Context, event events.InterfaceEvent) error {
	encoded := event.Encode()
	msg := signedMessage{
		Author:    t.self.Public,
		Signature: t.self.Sign(encoded),
		Event:     encoded,
	}
	if err := t.topic.Publish(ctx, msg.marshal()); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.GossipPublishedTotal.WithLabelValues(t.interfaceID.String()).Inc()
	}
	return nil
}

// Run reads from the underlying subscription until ctx is cancelled,
// verifying, deduplicating, and forwarding admitted events to out. When
// out is full, the oldest buffered delivery is dropped in favour of the
// newest and a Lagged marker is delivered instead (spec §5).
func (t *Topic) Run(ctx context.Context, out chan<- Delivery) {
	for {
		raw, err := t.sub.Next(ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		event, ok := t.verify(raw.Data)
		if !ok {
			continue
		}

		t.mu.Lock()
		if _, dup := t.seen[event.ID()]; dup {
			t.mu.Unlock()
			continue
		}
		t.seen[event.ID()] = struct{}{}
		t.mu.Unlock()

		if t.metrics != nil {
			t.metrics.GossipDeliveredTotal.WithLabelValues(t.interfaceID.String()).Inc()
		}
		t.deliver(out, Delivery{Event: event})
	}
}

func (t *Topic) deliver(out chan<- Delivery, d Delivery) {
	select {
	case out <- d:
	default:
		if t.metrics != nil {
			t.metrics.GossipSubscriberLaggedTotal.WithLabelValues(t.interfaceID.String()).Inc()
		}
		select {
		case <-out:
			select {
			case out <- Delivery{Lagged: &Lagged{Dropped: 1}}:
			default:
			}
		default:
		}
		select {
		case out <- d:
		default:
		}
	}
}

// verify checks the signature on a raw pub/sub payload and decodes the
// inner event. A failure is never escalated beyond a rate-limited
// warning log, per spec §4.8.
func (t *Topic) verify(raw []byte) (events.InterfaceEvent, bool) {
	msg, err := unmarshalSignedMessage(raw)
	if err != nil {
		t.warnf("malformed gossip message on interface %s: %v", t.interfaceID, err)
		return events.InterfaceEvent{}, false
	}
	if !identity.Verify(msg.Author, msg.Event, msg.Signature) {
		t.warnf("signature verification failed for author %s on interface %s", msg.Author.ShortID(), t.interfaceID)
		return events.InterfaceEvent{}, false
	}
	event, err := events.Decode(msg.Event)
	if err != nil {
		t.warnf("undecodable event from %s on interface %s: %v", msg.Author.ShortID(), t.interfaceID, err)
		return events.InterfaceEvent{}, false
	}
	return event, true
}

func (t *Topic) warnf(format string, args ...any) {
	if t.metrics != nil {
		t.metrics.GossipVerifyFailedTotal.WithLabelValues(t.interfaceID.String()).Inc()
	}
	if t.verifyLimit.Allow() {
		t.logger.Warn(fmt.Sprintf(format, args...))
	}
}
