// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package identity manages the long-term keypairs used throughout a
// switch's lifecycle: an ed25519 signing key (switch records, check-ins
// and release events are all signed) and a secp256k1 envelope key (the
// ECDH keypair the envelope package uses to wrap shares between guardians
// and recipients). It is deliberately independent of any account/session
// system; an identity is nothing more than a self-signed public key.
package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/agl/ed25519"
	"github.com/davecgh/go-xdr/xdr2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// IdentitySize is the length, in bytes, of the short handle used to
	// address a participant throughout the rest of this module.
	IdentitySize = sha256.Size

	envelopeKeySize = 33 // compressed secp256k1 public key
)

var (
	prng = rand.Reader

	ErrVerify = errors.New("identity: signature verification failed")
)

// PublicIdentity is everything one participant publishes about itself: a
// display name, an ed25519 signing key, a compressed secp256k1 envelope
// public key, a short Identity handle (the SHA-256 of the envelope key), and a
// self-signature over the lot.
type PublicIdentity struct {
	Name        string
	SigKey      [ed25519.PublicKeySize]byte
	EnvelopeKey [envelopeKeySize]byte
	Identity    [IdentitySize]byte
	Digest      [sha256.Size]byte
	Signature   [ed25519.SignatureSize]byte
}

// FullIdentity additionally carries the two private keys. It must never be
// persisted in cleartext; callers are expected to wrap Marshal's output
// with kdf+cipher before writing it to disk.
type FullIdentity struct {
	Public             PublicIdentity
	PrivateSigKey      [ed25519.PrivateKeySize]byte
	PrivateEnvelopeKey [32]byte
}

// New generates a fresh FullIdentity for name.
func New(name string) (*FullIdentity, error) {
	edPub, edPriv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}

	envPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	envPub := envPriv.PubKey().SerializeCompressed()

	identity := sha256.Sum256(envPub)

	fi := new(FullIdentity)
	fi.Public.Name = name
	copy(fi.Public.SigKey[:], edPub[:])
	copy(fi.Public.EnvelopeKey[:], envPub)
	copy(fi.Public.Identity[:], identity[:])
	copy(fi.PrivateSigKey[:], edPriv[:])
	copy(fi.PrivateEnvelopeKey[:], envPriv.Serialize())
	if err := fi.RecalculateDigest(); err != nil {
		return nil, err
	}

	zero(edPub[:])
	zero(edPriv[:])
	envPriv.Zero()

	return fi, nil
}

// EnvelopePrivateKey reconstructs the secp256k1 private key used by the
// envelope package. The caller is responsible for zeroing it when done.
func (fi *FullIdentity) EnvelopePrivateKey() *secp256k1.PrivateKey {
	return secp256k1.PrivKeyFromBytes(fi.PrivateEnvelopeKey[:])
}

// EnvelopePublicKey parses p's compressed envelope key.
func (p *PublicIdentity) EnvelopePublicKey() (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(p.EnvelopeKey[:])
}

func (fi *FullIdentity) RecalculateDigest() error {
	d := sha256.New()
	d.Write([]byte(fi.Public.Name))
	d.Write(fi.Public.SigKey[:])
	d.Write(fi.Public.EnvelopeKey[:])
	d.Write(fi.Public.Identity[:])
	copy(fi.Public.Digest[:], d.Sum(nil))

	signature := ed25519.Sign(&fi.PrivateSigKey, fi.Public.Digest[:])
	copy(fi.Public.Signature[:], signature[:])
	if !fi.Public.Verify() {
		return fmt.Errorf("identity: could not verify own signature")
	}

	return nil
}

// SignMessage signs an arbitrary message (a check-in event, a switch
// record, a release event) with the identity's long-term signing key.
func (fi *FullIdentity) SignMessage(message []byte) [ed25519.SignatureSize]byte {
	signature := ed25519.Sign(&fi.PrivateSigKey, message)
	return *signature
}

// VerifyMessage checks sig over msg against p's signing key.
func (p PublicIdentity) VerifyMessage(msg []byte, sig [ed25519.SignatureSize]byte) bool {
	return ed25519.Verify(&p.SigKey, msg, &sig)
}

func (p PublicIdentity) String() string {
	return hex.EncodeToString(p.Identity[:])
}

func (p PublicIdentity) Fingerprint() string {
	return base64.StdEncoding.EncodeToString(p.Identity[:])
}

// Verify checks p's self-signature and the Identity/Digest derivations.
func (p *PublicIdentity) Verify() bool {
	d := sha256.New()
	d.Write([]byte(p.Name))
	d.Write(p.SigKey[:])
	d.Write(p.EnvelopeKey[:])
	d.Write(p.Identity[:])
	if !bytes.Equal(p.Digest[:], d.Sum(nil)) {
		return false
	}
	return ed25519.Verify(&p.SigKey, p.Digest[:], &p.Signature)
}

func (fi *FullIdentity) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, fi); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func UnmarshalFullIdentity(data []byte) (*FullIdentity, error) {
	br := bytes.NewReader(data)
	fi := FullIdentity{}
	if _, err := xdr.Unmarshal(br, &fi); err != nil {
		return nil, err
	}
	return &fi, nil
}

func (p *PublicIdentity) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	if _, err := xdr.Marshal(b, p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func UnmarshalPublicIdentity(data []byte) (*PublicIdentity, error) {
	br := bytes.NewReader(data)
	pi := PublicIdentity{}
	if _, err := xdr.Unmarshal(br, &pi); err != nil {
		return nil, err
	}
	if !pi.Verify() {
		return nil, ErrVerify
	}
	return &pi, nil
}

// zero overwrites a byte slice in place; used on every exit path that
// handled private key material.
func zero(in []byte) {
	for i := range in {
		in[i] = 0
	}
}

// String2ID parses a hex-encoded short handle back into its fixed-size form.
func String2ID(s string) (*[IdentitySize]byte, error) {
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(id) != IdentitySize {
		return nil, fmt.Errorf("identity: invalid length")
	}
	var out [IdentitySize]byte
	copy(out[:], id)
	return &out, nil
}
