// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package envelope implements pairwise, authenticated encryption of a
// single share between a sealing party (a guardian or the sender, at seal
// time) and a recipient (a guardian or a named recipient). Seal/Open
// perform one ECDH, one HKDF expansion, and one AEAD operation, with no
// handshake or persistent connection, because shares travel through a
// store-and-forward relay rather than a live socket.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// saltSize is the length of the per-message HKDF salt. A fresh salt per
// message, rather than relying solely on the AEAD nonce, ensures distinct
// conversation keys even if two envelopes are ever sealed with the same
// ECDH shared point (e.g. a guardian processing two switches for the same
// recipient).
const saltSize = 32

const nonceSize = chacha20poly1305.NonceSize

// ErrAuthFailed is returned by Open when the blob fails to authenticate;
// no plaintext, partial or otherwise, is ever returned alongside it.
var ErrAuthFailed = errors.New("envelope: authentication failed")

// Seal encrypts plaintext from senderSk to recipientPk. The returned blob
// is self-contained: salt || nonce || sealed-ciphertext.
func Seal(plaintext []byte, senderSk *secp256k1.PrivateKey, recipientPk *secp256k1.PublicKey) ([]byte, error) {
	convKey, salt, err := deriveSend(senderSk, recipientPk)
	if err != nil {
		return nil, err
	}
	defer zero(convKey[:])

	aead, err := chacha20poly1305.New(convKey[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, saltSize+nonceSize+len(sealed))
	blob = append(blob, salt[:]...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Open decrypts a blob produced by Seal, where senderPk is the sealing
// party's long-term envelope public key and recipientSk is this party's
// own private key. It fails with ErrAuthFailed on any tamper, including a
// blob addressed to a different recipient.
func Open(blob []byte, senderPk *secp256k1.PublicKey, recipientSk *secp256k1.PrivateKey) ([]byte, error) {
	if len(blob) < saltSize+nonceSize+chacha20poly1305.Overhead {
		return nil, ErrAuthFailed
	}

	var salt [saltSize]byte
	copy(salt[:], blob[:saltSize])
	nonce := blob[saltSize : saltSize+nonceSize]
	sealed := blob[saltSize+nonceSize:]

	convKey, err := deriveRecv(recipientSk, senderPk, salt)
	if err != nil {
		return nil, ErrAuthFailed
	}
	defer zero(convKey[:])

	aead, err := chacha20poly1305.New(convKey[:])
	if err != nil {
		return nil, ErrAuthFailed
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// deriveSend performs the sealing side's ECDH + HKDF, drawing a fresh
// salt for this message.
func deriveSend(sk *secp256k1.PrivateKey, pk *secp256k1.PublicKey) (*[32]byte, [saltSize]byte, error) {
	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, salt, err
	}
	key, err := deriveConvKey(sk, pk, sk.PubKey(), pk, salt)
	return key, salt, err
}

func deriveRecv(sk *secp256k1.PrivateKey, pk *secp256k1.PublicKey, salt [saltSize]byte) (*[32]byte, error) {
	return deriveConvKey(sk, pk, pk, sk.PubKey(), salt)
}

// deriveConvKey computes the ECDH shared point between sk and pk and
// expands it, together with both public keys and salt, through
// HKDF-SHA256 into a 32-byte conversation key. The HKDF info binds both
// public keys in a fixed sealer-then-opener order so both sides derive
// the same key, and so the key cannot be confused with one where the
// parties play the opposite roles.
func deriveConvKey(sk *secp256k1.PrivateKey, pk, sealerPk, openerPk *secp256k1.PublicKey, salt [saltSize]byte) (*[32]byte, error) {
	shared := ecdh(sk, pk)
	defer zero(shared[:])

	info := append(append([]byte{}, sealerPk.SerializeCompressed()...), openerPk.SerializeCompressed()...)
	r := hkdf.New(sha256.New, shared[:], salt[:], info)

	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, err
	}
	return &key, nil
}

// ecdh multiplies pk by sk's scalar, returning the shared point's
// x-coordinate.
func ecdh(sk *secp256k1.PrivateKey, pk *secp256k1.PublicKey) [32]byte {
	var point secp256k1.JacobianPoint
	pk.AsJacobian(&point)

	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&sk.Key, &point, &result)
	result.ToAffine()

	var out [32]byte
	xBytes := result.X.Bytes()
	copy(out[:], xBytes[:])
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
