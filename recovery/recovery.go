// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package recovery implements the recipient side: collect release events
// from the relay set, unwrap the shares addressed to this recipient,
// reconstruct the symmetric key once enough distinct shares are held,
// then fetch and decrypt the ciphertext record. No server participates;
// everything is read from the relays and combined locally.
package recovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/deadswitch/deadswitch/cipher"
	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/envelope"
	"github.com/deadswitch/deadswitch/identity"
	"github.com/deadswitch/deadswitch/kdf"
	"github.com/deadswitch/deadswitch/relay"
	"github.com/deadswitch/deadswitch/relayevent"
	"github.com/deadswitch/deadswitch/shamir"
)

const idRecovery = 3

var (
	// ErrNotEnoughShares is returned when fewer than k distinct shares
	// decrypted successfully. It is retryable: more guardians may release
	// later, and a subsequent Recover call may then succeed.
	ErrNotEnoughShares = errors.New("recovery: not enough shares")

	// ErrCiphertextMissing is returned when no ciphertext record authored
	// by the owner exists on any reachable relay.
	ErrCiphertextMissing = errors.New("recovery: ciphertext record not found")
)

// Directory resolves a relay-level pubkey to the party's envelope public
// key. References between parties travel as relay pubkeys and are
// resolved at read time; a recipient typically builds its Directory from
// the guardians' published identities.
type Directory interface {
	EnvelopeKey(relayPubkey string) (*secp256k1.PublicKey, error)
}

// DirectoryMap is a Directory backed by a static map of relay pubkey to
// compressed envelope public key.
type DirectoryMap map[string][33]byte

func (d DirectoryMap) EnvelopeKey(relayPubkey string) (*secp256k1.PublicKey, error) {
	raw, ok := d[relayPubkey]
	if !ok {
		return nil, fmt.Errorf("recovery: no envelope key known for %v", relayPubkey)
	}
	return secp256k1.ParsePubKey(raw[:])
}

// Result is a successful (or partially successful) recovery outcome.
// Plaintext is nil unless the recovery ran to completion; SharesUsed is
// populated either way so a caller can report how far it got.
type Result struct {
	Plaintext  []byte
	SharesUsed int
}

// Engine recovers plaintext through a relay client.
type Engine struct {
	rc  *relay.Client
	dbg *debug.Debug
}

// New returns an Engine reading through rc.
func New(rc *relay.Client, dbg *debug.Debug) *Engine {
	return &Engine{rc: rc, dbg: dbg}
}

// Recover runs the full recipient-side procedure for switchID. Release
// events are filtered by this recipient's relay pubkey; blobs that fail
// envelope authentication or share CRC are discarded, and the first k
// distinct share indices that decrypt successfully are combined. A tag
// mismatch on the final decrypt is surfaced as cipher.ErrAuthFailed and
// must be treated as fatal, never retried; ErrNotEnoughShares may be
// retried later as more guardians release.
func (e *Engine) Recover(ctx context.Context, switchID string, owner *identity.PublicIdentity, recipient *identity.FullIdentity, dir Directory) (*Result, error) {
	events, err := e.rc.Query(ctx, relay.Filter{
		Kinds: []int{relayevent.KindShareRelease},
		Tags:  map[string]string{"p": recipient.Public.String()},
	})
	if err != nil {
		return nil, err
	}
	e.dbg.Dbg(idRecovery, "switch %v: %v release events", switchID, len(events))

	recipientSk := recipient.EnvelopePrivateKey()
	defer recipientSk.Zero()

	shares, k := e.collectShares(events, switchID, recipient, recipientSk, dir)
	if len(shares) < k || k == 0 {
		return &Result{SharesUsed: len(shares)},
			fmt.Errorf("%w: have %v, need %v", ErrNotEnoughShares, len(shares), k)
	}

	key, err := shamir.Combine(shares, k)
	if err != nil {
		return &Result{SharesUsed: len(shares)}, err
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	plaintext, err := e.decryptRecord(ctx, switchID, owner, key[:])
	if err != nil {
		return &Result{SharesUsed: k}, err
	}

	e.dbg.Info(idRecovery, "switch %v: recovered %v bytes from %v shares",
		switchID, len(plaintext), k)
	return &Result{Plaintext: plaintext, SharesUsed: k}, nil
}

// collectShares unwraps every release event addressed to this recipient,
// keeping the first k distinct, CRC-valid share indices. Anything that
// fails to parse, to authenticate, or to pass CRC is skipped.
func (e *Engine) collectShares(events []relayevent.Event, switchID string, recipient *identity.FullIdentity, recipientSk *secp256k1.PrivateKey, dir Directory) ([]shamir.Share, int) {
	var shares []shamir.Share
	k := 0
	seen := make(map[byte]bool)

	for _, ev := range events {
		d, ok := ev.Tag("d")
		if !ok || !matchesSwitch(d, switchID) {
			continue
		}
		content, err := relayevent.ParseShareRelease(ev)
		if err != nil {
			continue
		}
		blobHex, ok := content.EncryptedShares[recipient.Public.String()]
		if !ok {
			continue
		}
		blob, err := hex.DecodeString(blobHex)
		if err != nil {
			continue
		}
		guardianPk, err := dir.EnvelopeKey(ev.Pubkey)
		if err != nil {
			e.dbg.Dbg(idRecovery, "switch %v: unknown guardian %v", switchID, ev.Pubkey)
			continue
		}
		plaintext, err := envelope.Open(blob, guardianPk, recipientSk)
		if err != nil {
			e.dbg.Dbg(idRecovery, "switch %v: discarding share from %v: %v",
				switchID, ev.Pubkey, err)
			continue
		}
		share, err := shamir.Decode(string(plaintext))
		if err != nil {
			continue
		}
		if int(share.Index) != content.ShareIndex || seen[share.Index] {
			continue
		}
		seen[share.Index] = true
		shares = append(shares, share)
		if k == 0 || content.Threshold < k {
			k = content.Threshold
		}
		if len(shares) >= k {
			break
		}
	}
	return shares, k
}

// decryptRecord fetches the switch's ciphertext record, authored by the
// owner, and decrypts it under key.
func (e *Engine) decryptRecord(ctx context.Context, switchID string, owner *identity.PublicIdentity, key []byte) ([]byte, error) {
	events, err := e.rc.Query(ctx, relay.Filter{
		Kinds:   []int{relayevent.KindCiphertext},
		Authors: []string{owner.String()},
		Tags:    map[string]string{"d": relayevent.SwitchTag(switchID)},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrCiphertextMissing
	}
	e.dbg.T(idRecovery, "ciphertext event: %v", spew.Sdump(events[0]))

	content, err := relayevent.ParseCiphertext(events[0])
	if err != nil {
		return nil, ErrCiphertextMissing
	}
	ct, err := hex.DecodeString(content.Ciphertext)
	if err != nil {
		return nil, ErrCiphertextMissing
	}
	iv, err := hex.DecodeString(content.IV)
	if err != nil {
		return nil, ErrCiphertextMissing
	}
	tag, err := hex.DecodeString(content.AuthTag)
	if err != nil {
		return nil, ErrCiphertextMissing
	}

	return cipher.Decrypt(cipher.Join(ct, tag), key, iv)
}

// UnsealWithPassword is the sender-side unseal path: rather than
// combining released shares, it re-derives the key from the passphrase
// and the salt persisted in the ciphertext record. A wrong passphrase
// derives a wrong key and fails with cipher.ErrAuthFailed.
func (e *Engine) UnsealWithPassword(ctx context.Context, switchID string, owner *identity.PublicIdentity, password string) ([]byte, error) {
	events, err := e.rc.Query(ctx, relay.Filter{
		Kinds:   []int{relayevent.KindCiphertext},
		Authors: []string{owner.String()},
		Tags:    map[string]string{"d": relayevent.SwitchTag(switchID)},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrCiphertextMissing
	}
	content, err := relayevent.ParseCiphertext(events[0])
	if err != nil {
		return nil, ErrCiphertextMissing
	}

	rawSalt, err := hex.DecodeString(content.Salt)
	if err != nil || len(rawSalt) != kdf.SaltSize {
		return nil, ErrCiphertextMissing
	}
	var salt [kdf.SaltSize]byte
	copy(salt[:], rawSalt)

	key, err := kdf.Derive(password, salt, content.Iterations)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	ct, err := hex.DecodeString(content.Ciphertext)
	if err != nil {
		return nil, ErrCiphertextMissing
	}
	iv, err := hex.DecodeString(content.IV)
	if err != nil {
		return nil, ErrCiphertextMissing
	}
	tag, err := hex.DecodeString(content.AuthTag)
	if err != nil {
		return nil, ErrCiphertextMissing
	}

	return cipher.Decrypt(cipher.Join(ct, tag), key[:], iv)
}

// matchesSwitch reports whether a release event's "d" tag
// ("switchId:index") belongs to switchID.
func matchesSwitch(d, switchID string) bool {
	return len(d) > len(switchID) && d[:len(switchID)] == switchID && d[len(switchID)] == ':'
}
