// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sealer

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/agl/ed25519"

	"github.com/deadswitch/deadswitch/clock"
	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/envelope"
	"github.com/deadswitch/deadswitch/identity"
	"github.com/deadswitch/deadswitch/kdf"
	"github.com/deadswitch/deadswitch/relay"
	"github.com/deadswitch/deadswitch/relayevent"
	"github.com/deadswitch/deadswitch/shamir"
	"github.com/deadswitch/deadswitch/switchstate"
)

func TestMain(m *testing.M) {
	kdf.SetIterations(2048)
	os.Exit(m.Run())
}

type fixture struct {
	owner      *identity.FullIdentity
	guardians  []*identity.FullIdentity
	recipients []*identity.FullIdentity
	sw         *switchstate.Switch
}

func newFixture(t *testing.T, n, k int) *fixture {
	t.Helper()

	owner, err := identity.New("owner")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{owner: owner}
	var swGuardians []switchstate.Guardian
	for i := 0; i < n; i++ {
		g, err := identity.New("guardian")
		if err != nil {
			t.Fatal(err)
		}
		f.guardians = append(f.guardians, g)
		swGuardians = append(swGuardians, switchstate.Guardian{
			RelayPubkey:    g.Public.String(),
			EnvelopePubkey: g.Public.EnvelopeKey,
			Index:          i + 1,
		})
	}

	var swRecipients []switchstate.Recipient
	for i := 0; i < 2; i++ {
		r, err := identity.New("recipient")
		if err != nil {
			t.Fatal(err)
		}
		f.recipients = append(f.recipients, r)
		swRecipients = append(swRecipients, switchstate.Recipient{
			DisplayName:    "recipient",
			RelayPubkey:    r.Public.String(),
			EnvelopePubkey: r.Public.EnvelopeKey,
		})
	}

	mgr := switchstate.NewManager(clock.NewMock(1000))
	sw, err := mgr.Create(owner.Public.String(), "last words", 3600,
		swRecipients, swGuardians, k, 1000)
	if err != nil {
		t.Fatal(err)
	}
	f.sw = sw
	return f
}

func TestSealPublishesCiphertextAndShareRecords(t *testing.T) {
	f := newFixture(t, 5, 3)
	m := relay.NewMemRelay("r1")
	rc := relay.New([]relay.Relay{m}, debug.Discard(), 0)
	s := New(rc, debug.Discard())

	receipt, err := s.Seal(context.Background(), f.sw, f.owner,
		[]byte("hello"), "correct horse battery staple", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.SwitchID != f.sw.ID.String() {
		t.Fatalf("receipt switch id %v want %v", receipt.SwitchID, f.sw.ID)
	}
	if len(receipt.PublishedEventIDs) != 6 {
		t.Fatalf("got %d published events want 6", len(receipt.PublishedEventIDs))
	}
	if receipt.TimeSealed != 1000 {
		t.Fatalf("got TimeSealed %v want 1000", receipt.TimeSealed)
	}

	ctEvents, err := rc.Query(context.Background(), relay.Filter{
		Kinds: []int{relayevent.KindCiphertext},
		Tags:  map[string]string{"d": receipt.SwitchID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ctEvents) != 1 {
		t.Fatalf("got %d ciphertext records want 1", len(ctEvents))
	}
	content, err := relayevent.ParseCiphertext(ctEvents[0])
	if err != nil {
		t.Fatal(err)
	}
	if content.Iterations != kdf.Iterations() {
		t.Fatalf("got %d iterations want %d", content.Iterations, kdf.Iterations())
	}
	if content.Salt != hex.EncodeToString(receipt.Salt[:]) {
		t.Fatal("persisted salt does not match receipt")
	}

	shareEvents, err := rc.Query(context.Background(), relay.Filter{
		Kinds: []int{relayevent.KindShareInitial},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(shareEvents) != 5 {
		t.Fatalf("got %d share records want 5", len(shareEvents))
	}
	seen := make(map[int]bool)
	for _, e := range shareEvents {
		sc, err := relayevent.ParseShareInitial(e)
		if err != nil {
			t.Fatal(err)
		}
		if sc.Threshold != 3 {
			t.Fatalf("got threshold %d want 3", sc.Threshold)
		}
		if seen[sc.ShareIndex] {
			t.Fatalf("duplicate share index %d", sc.ShareIndex)
		}
		seen[sc.ShareIndex] = true
	}
}

func TestGuardianCanUnwrapItsShare(t *testing.T) {
	f := newFixture(t, 5, 3)
	m := relay.NewMemRelay("r1")
	rc := relay.New([]relay.Relay{m}, debug.Discard(), 0)
	s := New(rc, debug.Discard())

	if _, err := s.Seal(context.Background(), f.sw, f.owner,
		[]byte("hello"), "pw", 1000); err != nil {
		t.Fatal(err)
	}

	g := f.guardians[2]
	events, err := rc.Query(context.Background(), relay.Filter{
		Kinds: []int{relayevent.KindShareInitial},
		Tags:  map[string]string{"p": g.Public.String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d share records addressed to guardian 3 want 1", len(events))
	}
	sc, err := relayevent.ParseShareInitial(events[0])
	if err != nil {
		t.Fatal(err)
	}
	if sc.ShareIndex != 3 {
		t.Fatalf("got index %d want 3", sc.ShareIndex)
	}

	blob, err := hex.DecodeString(sc.WrappedBlob)
	if err != nil {
		t.Fatal(err)
	}
	ownerPk, err := f.owner.Public.EnvelopePublicKey()
	if err != nil {
		t.Fatal(err)
	}
	gSk := g.EnvelopePrivateKey()
	plaintext, err := envelope.Open(blob, ownerPk, gSk)
	if err != nil {
		t.Fatal(err)
	}
	share, err := shamir.Decode(string(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if int(share.Index) != 3 {
		t.Fatalf("unwrapped share index %d want 3", share.Index)
	}
}

func TestSealFailsWhenAllRelaysDown(t *testing.T) {
	f := newFixture(t, 5, 3)
	m := relay.NewMemRelay("r1")
	m.SetDown(true)
	rc := relay.New([]relay.Relay{m}, debug.Discard(), 0)
	s := New(rc, debug.Discard())

	_, err := s.Seal(context.Background(), f.sw, f.owner, []byte("hello"), "pw", 1000)
	if !errors.Is(err, ErrPublishUnderReplicated) {
		t.Fatalf("got %v want ErrPublishUnderReplicated", err)
	}
}

func TestSealToleratesPartialRelayOutage(t *testing.T) {
	f := newFixture(t, 5, 3)
	var relays []relay.Relay
	for i := 0; i < 5; i++ {
		m := relay.NewMemRelay("r")
		if i < 3 {
			m.SetDown(true)
		}
		relays = append(relays, m)
	}
	rc := relay.New(relays, debug.Discard(), 0)
	s := New(rc, debug.Discard())

	receipt, err := s.Seal(context.Background(), f.sw, f.owner, []byte("hello"), "pw", 1000)
	if err != nil {
		t.Fatalf("seal must tolerate failed relays while any survive: %v", err)
	}
	if len(receipt.PublishedEventIDs) != 6 {
		t.Fatalf("got %d published events want 6", len(receipt.PublishedEventIDs))
	}
}

func TestCheckInEventVerifies(t *testing.T) {
	owner, err := identity.New("owner")
	if err != nil {
		t.Fatal(err)
	}

	e := CheckInEvent(owner, "sw1", 4242)
	if e.Kind != relayevent.KindCheckIn || e.CreatedAt != 4242 {
		t.Fatalf("bad check-in event: %+v", e)
	}
	if relayevent.ComputeID(e) != e.ID {
		t.Fatal("event id does not recompute")
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		t.Fatalf("bad signature encoding: %v", err)
	}
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], rawSig)
	if !owner.Public.VerifyMessage([]byte(e.ID), sig) {
		t.Fatal("check-in signature does not verify")
	}

	c := CancelEvent(owner, "sw1", 4243)
	if c.Kind != relayevent.KindCancel {
		t.Fatalf("bad cancel event: %+v", c)
	}
	if d, _ := c.Tag("d"); d != "sw1" {
		t.Fatalf("cancel event d tag %q want sw1", d)
	}
}
