// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package guardian implements the guardian side of the release protocol:
// polling the relay set for a switch's freshest check-in, the
// grace-window release decision, and the per-recipient re-sealing of a
// guardian's share once a switch is deemed expired.
package guardian

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/deadswitch/deadswitch/envelope"
	"github.com/deadswitch/deadswitch/identity"
	"github.com/deadswitch/deadswitch/relayevent"
	"github.com/deadswitch/deadswitch/shamir"
)

// GraceSeconds is the fixed grace window added to a switch's interval
// before a guardian is permitted to release its share.
const GraceSeconds = 3600

// TimelockHook is an optional, external release gate consulted alongside
// the grace-window check, e.g. an on-chain timelock. No implementation is
// required or provided in this module.
type TimelockHook interface {
	Satisfied(switchID string) (bool, error)
}

// ErrAbortRelease is returned when a fresher check-in has been observed
// since the guardian last looked and the current release decision must be
// abandoned for this cycle.
var ErrAbortRelease = errors.New("guardian: fresher check-in observed, aborting release")

// Decision is the outcome of one evaluation cycle.
type Decision struct {
	Release bool
	Reason  string
}

// Decide evaluates whether a guardian should release its share right now.
// lastCheckInObserved is the max createdAt among check-in events this
// guardian has seen for the switch; interval is the switch's check-in
// interval; cancelled reports whether a valid CANCELLED marker was
// observed. A guardian MUST NOT release before the grace window, and must
// never release once a CANCELLED marker is present.
func Decide(lastCheckInObserved, interval, now int64, cancelled bool, hook TimelockHook, switchID string) (Decision, error) {
	if cancelled {
		return Decision{Release: false, Reason: "switch cancelled"}, nil
	}

	elapsed := now - lastCheckInObserved
	deadlineReached := elapsed >= interval+GraceSeconds
	if !deadlineReached {
		return Decision{Release: false, Reason: "grace window not yet elapsed"}, nil
	}

	if hook != nil {
		ok, err := hook.Satisfied(switchID)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{Release: false, Reason: "timelock hook not satisfied"}, nil
		}
	}

	return Decision{Release: true, Reason: "grace window elapsed"}, nil
}

// Release unwraps this guardian's own share from wrappedBlob (sealed by
// the sender at seal time under this guardian's envelope key) and
// re-seals it once per recipient, returning one signed K_SHARE_RELEASE
// event ready for publication. The caller (the evaluator loop, or a test)
// is responsible for actually publishing it via the relay client.
func Release(guardianFI *identity.FullIdentity, ownerPublic *identity.PublicIdentity, switchID string, shareIndex, threshold int, wrappedBlobHex string, recipients []RecipientKey, now int64) (*relayevent.Event, error) {
	wrapped, err := hex.DecodeString(wrappedBlobHex)
	if err != nil {
		return nil, fmt.Errorf("guardian: invalid wrapped blob: %w", err)
	}

	ownerEnvPk, err := ownerPublic.EnvelopePublicKey()
	if err != nil {
		return nil, err
	}
	guardianSk := guardianFI.EnvelopePrivateKey()
	defer guardianSk.Zero()

	plaintext, err := envelope.Open(wrapped, ownerEnvPk, guardianSk)
	if err != nil {
		return nil, envelope.ErrAuthFailed
	}

	share, err := shamir.Decode(string(plaintext))
	if err != nil {
		return nil, err
	}
	if int(share.Index) != shareIndex {
		return nil, fmt.Errorf("guardian: wrapped share index %d does not match expected %d", share.Index, shareIndex)
	}

	encryptedShares := make(map[string]string, len(recipients))
	for _, r := range recipients {
		recipientPk, err := secp256k1.ParsePubKey(r.EnvelopePubkey[:])
		if err != nil {
			return nil, err
		}
		blob, err := envelope.Seal(plaintext, guardianSk, recipientPk)
		if err != nil {
			return nil, err
		}
		encryptedShares[r.RelayPubkeyHex] = hex.EncodeToString(blob)
	}

	content := relayevent.ShareReleaseContent{
		ShareIndex:      shareIndex,
		Threshold:       threshold,
		EncryptedShares: encryptedShares,
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	tags := [][2]string{{"d", relayevent.ShareTag(switchID, shareIndex)}}
	for _, r := range recipients {
		tags = append(tags, [2]string{"p", r.RelayPubkeyHex})
	}

	e := relayevent.Event{
		Pubkey:    guardianFI.Public.String(),
		CreatedAt: now,
		Kind:      relayevent.KindShareRelease,
		Tags:      tags,
		Content:   string(contentBytes),
	}
	e.ID = relayevent.ComputeID(e)
	sig := guardianFI.SignMessage([]byte(e.ID))
	e.Sig = hex.EncodeToString(sig[:])

	return &e, nil
}

// RecipientKey is the minimal addressing information Release needs for
// one recipient: its relay-level pubkey (used as the EncryptedShares map
// key so the recovery engine can find its own share) and its envelope
// public key (used to seal the share to it).
type RecipientKey struct {
	RelayPubkeyHex string
	EnvelopePubkey [33]byte
}
