// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package identity

import (
	"bytes"
	"testing"
)

var (
	alice *FullIdentity
	bob   *FullIdentity
)

func TestNew(t *testing.T) {
	var err error

	alice, err = New("alice mcmoo")
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}

	bob, err = New("bob laroo")
	if err != nil {
		t.Fatalf("New bob: %v", err)
	}

	if alice.Public.Identity == bob.Public.Identity {
		t.Fatalf("alice and bob collided on identity")
	}
}

func TestVerify(t *testing.T) {
	if !alice.Public.Verify() {
		t.Fatalf("alice public identity does not verify")
	}
	if !bob.Public.Verify() {
		t.Fatalf("bob public identity does not verify")
	}
}

func TestTamperedDigestFailsVerify(t *testing.T) {
	tampered := alice.Public
	tampered.Digest[0] ^= 0xff
	if tampered.Verify() {
		t.Fatalf("tampered digest should not verify")
	}
}

func TestSignMessageRoundTrip(t *testing.T) {
	msg := []byte("check in: switch abc123")
	sig := alice.SignMessage(msg)
	if !alice.Public.VerifyMessage(msg, sig) {
		t.Fatalf("alice's signature over msg did not verify")
	}
	if bob.Public.VerifyMessage(msg, sig) {
		t.Fatalf("bob's key should not verify alice's signature")
	}
}

func TestMarshalUnmarshalFullIdentity(t *testing.T) {
	data, err := alice.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalFullIdentity(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Public.Identity != alice.Public.Identity {
		t.Fatalf("round-tripped identity differs")
	}
	if !bytes.Equal(got.PrivateEnvelopeKey[:], alice.PrivateEnvelopeKey[:]) {
		t.Fatalf("round-tripped envelope key differs")
	}
}

func TestMarshalUnmarshalPublicIdentity(t *testing.T) {
	data, err := alice.Public.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalPublicIdentity(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity != alice.Public.Identity {
		t.Fatalf("round-tripped public identity differs")
	}
}

func TestUnmarshalPublicIdentityRejectsTamper(t *testing.T) {
	data, err := alice.Public.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff // corrupt tail of signature
	if _, err := UnmarshalPublicIdentity(data); err == nil {
		t.Fatalf("expected verification failure on tampered identity")
	}
}

func TestEnvelopeKeyParsesBackToSamePoint(t *testing.T) {
	priv := alice.EnvelopePrivateKey()
	defer priv.Zero()

	pub, err := alice.Public.EnvelopePublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if !priv.PubKey().IsEqual(pub) {
		t.Fatalf("parsed envelope public key does not match private key's public half")
	}
}

func TestString2ID(t *testing.T) {
	s := alice.Public.String()
	id, err := String2ID(s)
	if err != nil {
		t.Fatal(err)
	}
	if *id != alice.Public.Identity {
		t.Fatalf("String2ID round trip mismatch")
	}
}
