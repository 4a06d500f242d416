// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package guardian

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/agl/ed25519"

	"github.com/deadswitch/deadswitch/debug"
	"github.com/deadswitch/deadswitch/identity"
	"github.com/deadswitch/deadswitch/relay"
	"github.com/deadswitch/deadswitch/relayevent"
)

const idGuardian = 2

// ErrShareNotFound is returned when no valid initial share record
// addressed to this guardian can be found on any relay.
var ErrShareNotFound = errors.New("guardian: initial share record not found")

// Observation is what one poll of the relay set yielded for a switch:
// the freshest valid owner check-in and whether a valid cancel marker is
// present. Events that fail id or signature verification are skipped, so
// a relay cannot forge a check-in or a cancellation.
type Observation struct {
	LastCheckIn int64
	Cancelled   bool
}

// Observe polls the relay set for the owner's check-in and cancel events
// on switchID. Only events whose id recomputes and whose signature
// verifies against owner's signing key count; the maximum createdAt among
// valid check-ins wins, never a locally stored counter.
func Observe(ctx context.Context, rc *relay.Client, owner *identity.PublicIdentity, switchID string) (Observation, error) {
	events, err := rc.Query(ctx, relay.Filter{
		Kinds:   []int{relayevent.KindCheckIn, relayevent.KindCancel},
		Authors: []string{owner.String()},
		Tags:    map[string]string{"d": switchID},
	})
	if err != nil {
		return Observation{}, err
	}

	var obs Observation
	for _, e := range events {
		if !validOwnerEvent(e, owner) {
			continue
		}
		switch e.Kind {
		case relayevent.KindCheckIn:
			if e.CreatedAt > obs.LastCheckIn {
				obs.LastCheckIn = e.CreatedAt
			}
		case relayevent.KindCancel:
			obs.Cancelled = true
		}
	}
	return obs, nil
}

// validOwnerEvent checks that e's id is the hash of its contents and that
// its signature over the id verifies against owner's signing key.
func validOwnerEvent(e relayevent.Event, owner *identity.PublicIdentity) bool {
	if e.Pubkey != owner.String() {
		return false
	}
	if relayevent.ComputeID(e) != e.ID {
		return false
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], rawSig)
	return owner.VerifyMessage([]byte(e.ID), sig)
}

// FetchInitialShare finds this guardian's own wrapped share record for
// switchID on the relay set. The record's "d" tag is switchID:index, so
// the guardian does not need to know its index up front.
func FetchInitialShare(ctx context.Context, rc *relay.Client, switchID, guardianPubkey string) (relayevent.ShareInitialContent, error) {
	events, err := rc.Query(ctx, relay.Filter{
		Kinds: []int{relayevent.KindShareInitial},
		Tags:  map[string]string{"p": guardianPubkey},
	})
	if err != nil {
		return relayevent.ShareInitialContent{}, err
	}

	for _, e := range events {
		d, ok := e.Tag("d")
		if !ok || !strings.HasPrefix(d, switchID+":") {
			continue
		}
		content, err := relayevent.ParseShareInitial(e)
		if err != nil {
			continue
		}
		return content, nil
	}
	return relayevent.ShareInitialContent{}, ErrShareNotFound
}

// ReleasedIndices returns the distinct share indices for which parseable
// release events exist on the relay set for switchID. Events are parsed
// but their signatures are not checked. The switchstate evaluator does
// not call it; a switch moves to RELEASED only through MarkReleased.
func ReleasedIndices(ctx context.Context, rc *relay.Client, switchID string) (map[int]bool, error) {
	events, err := rc.Query(ctx, relay.Filter{
		Kinds: []int{relayevent.KindShareRelease},
	})
	if err != nil {
		return nil, err
	}

	indices := make(map[int]bool)
	for _, e := range events {
		d, ok := e.Tag("d")
		if !ok || !strings.HasPrefix(d, switchID+":") {
			continue
		}
		content, err := relayevent.ParseShareRelease(e)
		if err != nil {
			continue
		}
		indices[content.ShareIndex] = true
	}
	return indices, nil
}

// Cycle runs one complete evaluation for one switch from this guardian's
// point of view: poll the relays, decide, and if the decision is to
// release, fetch the guardian's initial share record, re-seal it per
// recipient and publish the release event. prevObserved is the
// LastCheckIn from this guardian's previous cycle; a fresher check-in
// observed between the decision and the publish aborts the release for
// this cycle with ErrAbortRelease. The decision taken is recorded through
// dbg either way.
func Cycle(ctx context.Context, rc *relay.Client, dbg *debug.Debug, fi *identity.FullIdentity, owner *identity.PublicIdentity, switchID string, interval int64, recipients []RecipientKey, hook TimelockHook, prevObserved, now int64) (released bool, observed int64, err error) {
	obs, err := Observe(ctx, rc, owner, switchID)
	if err != nil {
		return false, prevObserved, err
	}
	if obs.LastCheckIn < prevObserved {
		obs.LastCheckIn = prevObserved
	}

	decision, err := Decide(obs.LastCheckIn, interval, now, obs.Cancelled, hook, switchID)
	if err != nil {
		return false, obs.LastCheckIn, err
	}
	if !decision.Release {
		dbg.Info(idGuardian, "switch %v: withheld: %v", switchID, decision.Reason)
		return false, obs.LastCheckIn, nil
	}

	share, err := FetchInitialShare(ctx, rc, switchID, fi.Public.String())
	if err != nil {
		return false, obs.LastCheckIn, err
	}

	e, err := Release(fi, owner, switchID, share.ShareIndex, share.Threshold, share.WrappedBlob, recipients, now)
	if err != nil {
		return false, obs.LastCheckIn, err
	}

	// look again before publishing; an owner check-in that landed while
	// this cycle was deciding voids the release.
	recheck, err := Observe(ctx, rc, owner, switchID)
	if err == nil && (recheck.LastCheckIn > obs.LastCheckIn || recheck.Cancelled) {
		dbg.Info(idGuardian, "switch %v: aborted: fresher check-in or cancel observed", switchID)
		return false, recheck.LastCheckIn, ErrAbortRelease
	}

	if _, err := rc.Publish(ctx, *e); err != nil {
		return false, obs.LastCheckIn, err
	}
	dbg.Info(idGuardian, "switch %v: released share %v to %v recipients",
		switchID, share.ShareIndex, len(recipients))
	return true, obs.LastCheckIn, nil
}
