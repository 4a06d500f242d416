// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package envelope

import (
	"bytes"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func mustKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return sk
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice := mustKey(t)
	bob := mustKey(t)

	msg := []byte("share index 3 payload")
	blob, err := Seal(msg, alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}

	got, err := Open(blob, alice.PubKey(), bob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

func TestOpenWrongRecipientFails(t *testing.T) {
	alice := mustKey(t)
	bob := mustKey(t)
	eve := mustKey(t)

	blob, err := Seal([]byte("secret"), alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(blob, alice.PubKey(), eve); err != ErrAuthFailed {
		t.Fatalf("got %v want ErrAuthFailed", err)
	}
}

func TestOpenWrongSenderFails(t *testing.T) {
	alice := mustKey(t)
	mallory := mustKey(t)
	bob := mustKey(t)

	blob, err := Seal([]byte("secret"), alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(blob, mallory.PubKey(), bob); err != ErrAuthFailed {
		t.Fatalf("got %v want ErrAuthFailed", err)
	}
}

func TestTamperedBlobFails(t *testing.T) {
	alice := mustKey(t)
	bob := mustKey(t)

	blob, err := Seal([]byte("secret"), alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xff

	if _, err := Open(blob, alice.PubKey(), bob); err != ErrAuthFailed {
		t.Fatalf("got %v want ErrAuthFailed", err)
	}
}

func TestTruncatedBlobFails(t *testing.T) {
	alice := mustKey(t)
	bob := mustKey(t)

	if _, err := Open([]byte("short"), alice.PubKey(), bob); err != ErrAuthFailed {
		t.Fatalf("got %v want ErrAuthFailed", err)
	}
}

func TestEachSealUsesFreshSaltAndNonce(t *testing.T) {
	alice := mustKey(t)
	bob := mustKey(t)

	b1, err := Seal([]byte("same message"), alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Seal([]byte("same message"), alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(b1, b2) {
		t.Fatalf("two seals of the same message produced identical blobs")
	}
}

func TestReplayOfSealedBlobIsAcceptable(t *testing.T) {
	// Replay of a sealed blob is acceptable; uniqueness is the relay
	// event id's job, not the envelope's.
	alice := mustKey(t)
	bob := mustKey(t)

	blob, err := Seal([]byte("replay me"), alice, bob.PubKey())
	if err != nil {
		t.Fatal(err)
	}

	first, err := Open(blob, alice.PubKey(), bob)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Open(blob, alice.PubKey(), bob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("replayed open produced different plaintext")
	}
}
