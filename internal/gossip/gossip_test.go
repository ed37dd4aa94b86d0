package gossip

import (
	"context"
	"log/slog"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"

	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/identity"
)

// fakeBus is an in-memory stand-in for a joined libp2p-pubsub topic and
// subscription pair, so these tests exercise signing/verification and
// dedup logic without a real transport.
type fakeBus struct {
	ch chan []byte
}

func newFakeBus() *fakeBus { return &fakeBus{ch: make(chan []byte, 16)} }

func (b *fakeBus) Publish(ctx context.Context, data []byte, opts ...pubsub.PubOpt) error {
	select {
	case b.ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBus) Next(ctx context.Context) (*pubsub.Message, error) {
	select {
	case data := <-b.ch:
		return &pubsub.Message{Message: &pubsubpb.Message{Data: data}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPublishAndVerifyRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	bus := newFakeBus()
	topic := NewTopic(events.InterfaceId{1}, kp, bus, bus, slog.Default(), nil)

	event := events.InterfaceEvent{
		InterfaceID:    events.InterfaceId{1},
		Author:         kp.Public,
		Kind:           events.KindMessage,
		MessageContent: []byte("hello"),
	}
	if err := topic.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	out := make(chan Delivery, DefaultChannelBound)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go topic.Run(ctx, out)

	select {
	case d := <-out:
		if d.Lagged != nil {
			t.Fatalf("unexpected Lagged delivery")
		}
		if string(d.Event.MessageContent) != "hello" {
			t.Fatalf("delivered content = %q, want %q", d.Event.MessageContent, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDuplicateEventIsDroppedOnce(t *testing.T) {
	kp, _ := identity.Generate()
	bus := newFakeBus()
	topic := NewTopic(events.InterfaceId{1}, kp, bus, bus, slog.Default(), nil)

	event := events.InterfaceEvent{Author: kp.Public, Kind: events.KindMessage, MessageContent: []byte("x")}
	if err := topic.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := topic.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	out := make(chan Delivery, DefaultChannelBound)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go topic.Run(ctx, out)

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}
	select {
	case d := <-out:
		t.Fatalf("received unexpected second delivery for duplicate event: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTamperedSignatureIsDiscarded(t *testing.T) {
	kp, _ := identity.Generate()
	bus := newFakeBus()
	topic := NewTopic(events.InterfaceId{1}, kp, bus, bus, slog.Default(), nil)

	event := events.InterfaceEvent{Author: kp.Public, Kind: events.KindMessage, MessageContent: []byte("x")}
	encoded := event.Encode()
	tampered := signedMessage{Author: kp.Public, Signature: kp.Sign(encoded), Event: append(encoded, 0xFF)}
	bus.ch <- tampered.marshal()

	out := make(chan Delivery, DefaultChannelBound)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go topic.Run(ctx, out)

	select {
	case d := <-out:
		t.Fatalf("expected no delivery for tampered message, got %+v", d)
	case <-time.After(300 * time.Millisecond):
	}
}
