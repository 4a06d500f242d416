// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relayevent defines the signed, append-only wire events the
// relay client publishes and queries, and the content kinds carried
// inside them: the ciphertext record, the guardian-held share record, the
// recipient-addressed release record, and the owner's check-in and cancel
// markers. Content is a JSON string; a parser that cannot validate every
// field rejects the event outright.
package relayevent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Event kinds.
const (
	KindCiphertext   = 30077
	KindShareInitial = 30078
	KindShareRelease = 30079
	KindCheckIn      = 30080
	KindCancel       = 30081
)

var (
	ErrInvalidEvent = errors.New("relayevent: event failed schema validation")
)

// Event is the generic signed envelope every relay event shares. A
// parser that cannot validate every field must reject the event outright;
// partially parsed events are never propagated.
type Event struct {
	ID        string // content-addressed id, e.g. hex(sha256(canonical bytes))
	Pubkey    string // hex-encoded signer public key
	CreatedAt int64  // unix seconds, signer-asserted
	Kind      int
	Tags      [][2]string // [key, value] pairs; "d" and "p" tags are used here
	Content   string      // JSON payload, kind-specific
	Sig       string      // hex-encoded signature over the event id
}

// Tag returns the first value for tag key, and whether it was present.
func (e Event) Tag(key string) (string, bool) {
	for _, t := range e.Tags {
		if t[0] == key {
			return t[1], true
		}
	}
	return "", false
}

// CiphertextContent is K_CIPHERTEXT's content payload.
type CiphertextContent struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// ShareInitialContent is K_SHARE_INITIAL's content payload: the share a
// single guardian holds, still addressed to that guardian.
type ShareInitialContent struct {
	ShareIndex  int    `json:"shareIndex"`
	Threshold   int    `json:"threshold"`
	WrappedBlob string `json:"wrappedBlob"`
}

// ShareReleaseContent is K_SHARE_RELEASE's content payload: one guardian's
// share, re-sealed for every recipient in a single event.
type ShareReleaseContent struct {
	ShareIndex      int               `json:"shareIndex"`
	Threshold       int               `json:"threshold"`
	EncryptedShares map[string]string `json:"encryptedShares"` // recipientPubkey(hex) -> blob(hex)
}

// ParseCiphertext validates and decodes e's content as a K_CIPHERTEXT
// payload, rejecting the event outright (rather than returning a
// partially populated struct) if any field fails validation.
func ParseCiphertext(e Event) (CiphertextContent, error) {
	if e.Kind != KindCiphertext {
		return CiphertextContent{}, ErrInvalidEvent
	}
	var c CiphertextContent
	if err := json.Unmarshal([]byte(e.Content), &c); err != nil {
		return CiphertextContent{}, ErrInvalidEvent
	}
	if c.Ciphertext == "" || c.IV == "" || c.AuthTag == "" || c.Salt == "" || c.Iterations <= 0 {
		return CiphertextContent{}, ErrInvalidEvent
	}
	if !isHex(c.Ciphertext) || !isHex(c.IV) || !isHex(c.AuthTag) || !isHex(c.Salt) {
		return CiphertextContent{}, ErrInvalidEvent
	}
	return c, nil
}

// ParseShareInitial validates and decodes e's content as a
// K_SHARE_INITIAL payload.
func ParseShareInitial(e Event) (ShareInitialContent, error) {
	if e.Kind != KindShareInitial {
		return ShareInitialContent{}, ErrInvalidEvent
	}
	var s ShareInitialContent
	if err := json.Unmarshal([]byte(e.Content), &s); err != nil {
		return ShareInitialContent{}, ErrInvalidEvent
	}
	if s.ShareIndex <= 0 || s.ShareIndex > 255 || s.Threshold < 2 || s.WrappedBlob == "" {
		return ShareInitialContent{}, ErrInvalidEvent
	}
	if !isHex(s.WrappedBlob) {
		return ShareInitialContent{}, ErrInvalidEvent
	}
	return s, nil
}

// ParseShareRelease validates and decodes e's content as a
// K_SHARE_RELEASE payload.
func ParseShareRelease(e Event) (ShareReleaseContent, error) {
	if e.Kind != KindShareRelease {
		return ShareReleaseContent{}, ErrInvalidEvent
	}
	var s ShareReleaseContent
	if err := json.Unmarshal([]byte(e.Content), &s); err != nil {
		return ShareReleaseContent{}, ErrInvalidEvent
	}
	if s.ShareIndex <= 0 || s.ShareIndex > 255 || s.Threshold < 2 || len(s.EncryptedShares) == 0 {
		return ShareReleaseContent{}, ErrInvalidEvent
	}
	for pk, blob := range s.EncryptedShares {
		if !isHex(pk) || blob == "" || !isHex(blob) {
			return ShareReleaseContent{}, ErrInvalidEvent
		}
	}
	return s, nil
}

// CanonicalBytes returns the byte string an event's id is the SHA-256 hash
// of (the signature is then computed over that id): every field but id and
// sig itself, in a fixed order, so that two independently-constructed events
// with identical semantic content always hash the same way.
func CanonicalBytes(e Event) []byte {
	var b []byte
	b = append(b, []byte(e.Pubkey)...)
	b = append(b, []byte(fmt.Sprintf(":%d:%d:", e.CreatedAt, e.Kind))...)
	for _, t := range e.Tags {
		b = append(b, []byte(t[0]+"="+t[1]+";")...)
	}
	b = append(b, []byte(e.Content)...)
	return b
}

// ComputeID returns the content-addressed id for e, per CanonicalBytes.
func ComputeID(e Event) string {
	sum := sha256.Sum256(CanonicalBytes(e))
	return hex.EncodeToString(sum[:])
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// SwitchTag returns the "d" tag convention used throughout: "switchId" for
// the ciphertext record, "switchId:i" for per-guardian share records.
func SwitchTag(switchID string) string {
	return switchID
}

// ShareTag returns the "d" tag for the i'th guardian's share record.
func ShareTag(switchID string, index int) string {
	return switchID + ":" + strconv.Itoa(index)
}
