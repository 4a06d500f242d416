// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cipher implements the symmetric cipher: authenticated
// encryption and decryption of switch plaintext under a 256-bit key, with
// a fresh random 96-bit nonce drawn per call and a 128-bit tag appended
// to the sealed output. It is a thin, domain-named wrapper around
// ChaCha20-Poly1305.
package cipher

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length, in bytes, of the symmetric key Encrypt operates under.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the length, in bytes, of the per-encryption nonce.
const NonceSize = chacha20poly1305.NonceSize

// TagSize is the length, in bytes, of the authentication tag the AEAD
// appends to the ciphertext.
const TagSize = chacha20poly1305.Overhead

// ErrAuthFailed is returned by Decrypt when the authentication tag does
// not verify. No partial or tampered plaintext is ever returned alongside
// it.
var ErrAuthFailed = errors.New("cipher: authentication failed")

// Key is a 256-bit symmetric key. Callers must call Zero on every exit
// path once the key is no longer needed.
type Key [KeySize]byte

// Zero overwrites k in place.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Encrypt seals plaintext under key, returning the ciphertext (with the
// tag already appended) and the nonce drawn for this call. No associated
// data is bound.
func Encrypt(plaintext []byte, key *Key) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}

	n := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, nil, err
	}

	return aead.Seal(nil, n, plaintext, nil), n, nil
}

// Decrypt opens ciphertext (which must include its trailing tag, as
// returned by Encrypt) under key and nonce. It fails with ErrAuthFailed,
// and returns no plaintext at all, if authentication does not verify.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	if len(key) != KeySize || len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, ErrAuthFailed
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrAuthFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Split separates a sealed blob into its ciphertext body and trailing
// authentication tag, the shape the published ciphertext record carries
// ({ciphertext, iv, authTag, ...}).
func Split(sealed []byte) (ciphertext, tag []byte, err error) {
	if len(sealed) < TagSize {
		return nil, nil, ErrAuthFailed
	}
	body := len(sealed) - TagSize
	return sealed[:body], sealed[body:], nil
}

// Join reassembles a ciphertext body and tag into the single blob Decrypt
// expects, mirroring what Split tears apart.
func Join(ciphertext, tag []byte) []byte {
	out := make([]byte, 0, len(ciphertext)+len(tag))
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out
}
