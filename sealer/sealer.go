// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sealer orchestrates the sender side of a switch: derive a key
// from the passphrase, encrypt the message under it, split the key into
// shares, wrap one share per guardian, and publish the ciphertext record
// and the share records onto the relay set. The derived key and the share
// plaintexts exist only for the duration of Seal and are zeroed on every
// exit path.
package sealer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/errgroup"

	"github.com/deadswitch/deadswitch/cipher"
	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/envelope"
	"github.com/deadswitch/deadswitch/identity"
	"github.com/deadswitch/deadswitch/kdf"
	"github.com/deadswitch/deadswitch/relay"
	"github.com/deadswitch/deadswitch/relayevent"
	"github.com/deadswitch/deadswitch/shamir"
	"github.com/deadswitch/deadswitch/switchstate"
)

const idSealer = 1

var (
	// ErrPublishUnderReplicated is returned when the ciphertext record
	// (or one of the share records) was not accepted by a single relay.
	// With at least one ack the publication is considered durable, since
	// every relay holds the complete event set.
	ErrPublishUnderReplicated = errors.New("sealer: record not accepted by any relay")
)

// Receipt is what the caller gets back from a successful Seal: where
// everything was published and the public parameters needed to describe
// the sealed record. It carries no key material.
type Receipt struct {
	SwitchID          string
	PublishedEventIDs []string
	IV                []byte
	Tag               []byte
	Salt              [kdf.SaltSize]byte
	TimeSealed        int64
}

// Sealer publishes sealed switches through a relay client.
type Sealer struct {
	rc  *relay.Client
	dbg *debug.Debug
}

// New returns a Sealer publishing through rc.
func New(rc *relay.Client, dbg *debug.Debug) *Sealer {
	return &Sealer{rc: rc, dbg: dbg}
}

// Seal performs the full sealing sequence for sw: KDF, AEAD encrypt,
// Shamir split, envelope wrap per guardian, publish. The ciphertext
// record is published first; if no relay accepts it the seal fails with
// ErrPublishUnderReplicated and no share records are published. Share
// records are then published concurrently, one event per guardian.
func (s *Sealer) Seal(ctx context.Context, sw *switchstate.Switch, owner *identity.FullIdentity, message []byte, password string, now int64) (*Receipt, error) {
	if len(sw.Guardians) == 0 {
		return nil, fmt.Errorf("sealer: switch has no guardians")
	}

	key, salt, err := kdf.NewKey(password)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	ck := cipher.Key(*key)
	defer ck.Zero()
	sealed, nonce, err := cipher.Encrypt(message, &ck)
	if err != nil {
		return nil, err
	}
	ct, tag, err := cipher.Split(sealed)
	if err != nil {
		return nil, err
	}

	shares, err := shamir.Split([shamir.SecretSize]byte(*key), len(sw.Guardians), sw.K)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range shares {
			for b := range shares[i].Payload {
				shares[i].Payload[b] = 0
			}
		}
	}()

	switchID := sw.ID.String()

	ctEvent, err := s.ciphertextEvent(owner, switchID, ct, nonce, tag, salt, now)
	if err != nil {
		return nil, err
	}
	s.dbg.T(idSealer, "ciphertext event: %v", spew.Sdump(ctEvent))

	shareEvents := make([]relayevent.Event, 0, len(sw.Guardians))
	ownerSk := owner.EnvelopePrivateKey()
	defer ownerSk.Zero()
	for i, g := range sw.Guardians {
		if g.Index != i+1 {
			return nil, fmt.Errorf("sealer: guardian %v has index %v", i, g.Index)
		}
		e, err := s.shareEvent(owner, ownerSk, switchID, shares[i], sw.K, g, now)
		if err != nil {
			return nil, err
		}
		shareEvents = append(shareEvents, e)
	}

	// the ciphertext record goes first; share records referencing a
	// ciphertext nobody can fetch are useless.
	if _, err := s.rc.Publish(ctx, ctEvent); err != nil {
		if errors.Is(err, relay.ErrAllRelaysFailed) {
			return nil, fmt.Errorf("%w: ciphertext record", ErrPublishUnderReplicated)
		}
		return nil, err
	}
	s.dbg.Info(idSealer, "switch %v: ciphertext record %v published", switchID, ctEvent.ID)

	var eg errgroup.Group
	for i := range shareEvents {
		i := i
		eg.Go(func() error {
			if _, err := s.rc.Publish(ctx, shareEvents[i]); err != nil {
				return fmt.Errorf("share record %v: %v", i+1, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublishUnderReplicated, err)
	}

	ids := []string{ctEvent.ID}
	for _, e := range shareEvents {
		ids = append(ids, e.ID)
	}
	s.dbg.Info(idSealer, "switch %v: sealed, %v share records published",
		switchID, len(shareEvents))

	return &Receipt{
		SwitchID:          switchID,
		PublishedEventIDs: ids,
		IV:                nonce,
		Tag:               tag,
		Salt:              salt,
		TimeSealed:        now,
	}, nil
}

func (s *Sealer) ciphertextEvent(owner *identity.FullIdentity, switchID string, ct, nonce, tag []byte, salt [kdf.SaltSize]byte, now int64) (relayevent.Event, error) {
	content := relayevent.CiphertextContent{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(nonce),
		AuthTag:    hex.EncodeToString(tag),
		Salt:       hex.EncodeToString(salt[:]),
		Iterations: kdf.Iterations(),
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return relayevent.Event{}, err
	}
	e := relayevent.Event{
		Pubkey:    owner.Public.String(),
		CreatedAt: now,
		Kind:      relayevent.KindCiphertext,
		Tags:      [][2]string{{"d", relayevent.SwitchTag(switchID)}},
		Content:   string(contentBytes),
	}
	sign(&e, owner)
	return e, nil
}

// shareEvent wraps one share under guardian g's envelope key and builds
// the signed initial share record for it.
func (s *Sealer) shareEvent(owner *identity.FullIdentity, ownerSk *secp256k1.PrivateKey, switchID string, share shamir.Share, k int, g switchstate.Guardian, now int64) (relayevent.Event, error) {
	gpk, err := secp256k1.ParsePubKey(g.EnvelopePubkey[:])
	if err != nil {
		return relayevent.Event{}, fmt.Errorf("sealer: guardian %v envelope key: %v", g.Index, err)
	}

	blob, err := envelope.Seal([]byte(shamir.Encode(share)), ownerSk, gpk)
	if err != nil {
		return relayevent.Event{}, err
	}

	content := relayevent.ShareInitialContent{
		ShareIndex:  g.Index,
		Threshold:   k,
		WrappedBlob: hex.EncodeToString(blob),
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return relayevent.Event{}, err
	}
	e := relayevent.Event{
		Pubkey:    owner.Public.String(),
		CreatedAt: now,
		Kind:      relayevent.KindShareInitial,
		Tags: [][2]string{
			{"d", relayevent.ShareTag(switchID, g.Index)},
			{"p", g.RelayPubkey},
		},
		Content: string(contentBytes),
	}
	sign(&e, owner)
	return e, nil
}

// sign computes e's content-addressed id and signs it with fi's long-term
// signing key.
func sign(e *relayevent.Event, fi *identity.FullIdentity) {
	e.ID = relayevent.ComputeID(*e)
	sig := fi.SignMessage([]byte(e.ID))
	e.Sig = hex.EncodeToString(sig[:])
}

// CheckInEvent builds the signed heartbeat event an owner posts to reset
// a switch's deadline. The deadline guardians act on is recomputed from
// the maximum createdAt among these events, so posting one through any
// subset of relays is sufficient.
func CheckInEvent(owner *identity.FullIdentity, switchID string, now int64) relayevent.Event {
	e := relayevent.Event{
		Pubkey:    owner.Public.String(),
		CreatedAt: now,
		Kind:      relayevent.KindCheckIn,
		Tags:      [][2]string{{"d", relayevent.SwitchTag(switchID)}},
		Content:   "{}",
	}
	sign(&e, owner)
	return e
}

// CancelEvent builds the signed cancel marker that permanently stands a
// switch down. Guardians refuse to release once a valid one is observed.
func CancelEvent(owner *identity.FullIdentity, switchID string, now int64) relayevent.Event {
	e := relayevent.Event{
		Pubkey:    owner.Public.String(),
		CreatedAt: now,
		Kind:      relayevent.KindCancel,
		Tags:      [][2]string{{"d", relayevent.SwitchTag(switchID)}},
		Content:   "{}",
	}
	sign(&e, owner)
	return e
}
