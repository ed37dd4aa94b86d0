package ninterface

import (
	"encoding/base64"
	"testing"

	"github.com/indranet/core/internal/cryptokeys"
	"github.com/indranet/core/internal/events"
	"github.com/indranet/core/internal/identity"
)

func mustInviteID(t *testing.T) identity.ID {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return kp.Public
}

func TestInviteURIRoundTrip(t *testing.T) {
	inv := Invite{
		InterfaceID: events.InterfaceId{3},
		WrappedKey: cryptokeys.Sealed{
			Nonce:      [cryptokeys.NonceSize]byte{1, 2, 3},
			Ciphertext: []byte("sealed-key-bytes"),
		},
		SenderX25519Public: [32]byte{9, 9, 9},
		BootstrapPeers:     []identity.ID{mustInviteID(t), mustInviteID(t)},
	}

	uri := inv.ToURI()
	got, err := ParseInvite(uri)
	if err != nil {
		t.Fatalf("ParseInvite() error = %v", err)
	}
	if got.InterfaceID != inv.InterfaceID {
		t.Fatalf("InterfaceID = %v, want %v", got.InterfaceID, inv.InterfaceID)
	}
	if got.SenderX25519Public != inv.SenderX25519Public {
		t.Fatalf("SenderX25519Public = %v, want %v", got.SenderX25519Public, inv.SenderX25519Public)
	}
	if string(got.WrappedKey.Ciphertext) != string(inv.WrappedKey.Ciphertext) {
		t.Fatalf("WrappedKey.Ciphertext = %v, want %v", got.WrappedKey.Ciphertext, inv.WrappedKey.Ciphertext)
	}
	if len(got.BootstrapPeers) != 2 || got.BootstrapPeers[0] != inv.BootstrapPeers[0] {
		t.Fatalf("BootstrapPeers = %v, want %v", got.BootstrapPeers, inv.BootstrapPeers)
	}
}

func TestParseInviteAcceptsBarePayload(t *testing.T) {
	inv := Invite{
		InterfaceID:    events.InterfaceId{4},
		BootstrapPeers: []identity.ID{mustInviteID(t)},
	}
	uri := inv.ToURI()
	bare := uri[len(inviteScheme)+len(":interface:"):]

	got, err := ParseInvite(bare)
	if err != nil {
		t.Fatalf("ParseInvite(bare) error = %v", err)
	}
	if got.InterfaceID != inv.InterfaceID {
		t.Fatalf("InterfaceID = %v, want %v", got.InterfaceID, inv.InterfaceID)
	}
}

func TestParseInviteRejectsWrongRealmKind(t *testing.T) {
	c := ContactInvite{MemberID: mustInviteID(t), DisplayName: "bob"}
	_, err := ParseInvite(c.ToURI())
	if err == nil {
		t.Fatal("ParseInvite() accepted a contact invite URI, want error")
	}
}

func TestContactInviteURIRoundTrip(t *testing.T) {
	c := ContactInvite{MemberID: mustInviteID(t), DisplayName: "alice"}
	got, err := ParseContactInvite(c.ToURI())
	if err != nil {
		t.Fatalf("ParseContactInvite() error = %v", err)
	}
	if got.MemberID != c.MemberID || got.DisplayName != c.DisplayName {
		t.Fatalf("ParseContactInvite() = %+v, want %+v", got, c)
	}
}

func TestParseInviteRejectsTrailingData(t *testing.T) {
	inv := Invite{InterfaceID: events.InterfaceId{5}}
	raw := inv.encode()
	raw = append(raw, 0xFF)
	corrupted := inviteScheme + ":interface:" + base64.RawURLEncoding.EncodeToString(raw)

	if _, err := ParseInvite(corrupted); err == nil {
		t.Fatal("ParseInvite() accepted trailing garbage, want error")
	}
}
