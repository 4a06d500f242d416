// Copyright (c) 2026 The deadswitch Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kdf implements key derivation: turning a sender's passphrase
// into a 32-byte symmetric key via PBKDF2-HMAC-SHA256 under a random
// per-switch salt. Passwords are NFC-normalized before hashing, and the
// work factor is a package-level variable so tests can lower it.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// SaltSize is the length, in bytes, of a freshly generated salt.
const SaltSize = 16

// KeySize is the length, in bytes, of the derived key.
const KeySize = 32

// iterations is the PBKDF2 work factor. Tests lower it via SetIterations
// to keep suites fast; the CLI sets it from the configured value.
var iterations = 600000

// SetIterations overrides the PBKDF2 iteration count. Exists for tests
// and for config wiring; the package default is the required production
// work factor.
func SetIterations(n int) {
	iterations = n
}

// Iterations returns the iteration count that will be used by the next
// call to Derive, so callers can persist it alongside a salt.
func Iterations() int {
	return iterations
}

// Key is a derived 32-byte symmetric key. Zero must be called on every
// exit path once the key is no longer needed.
type Key [KeySize]byte

func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// NewKey draws a fresh random salt and derives a key from password under
// it, returning both. The caller owns persisting the salt (and the
// iteration count) alongside the ciphertext record; the password and the
// derived key must never be persisted.
func NewKey(password string) (*Key, [SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, salt, err
	}

	key, err := Derive(password, salt, iterations)
	return key, salt, err
}

// Derive deterministically derives a key from password and salt at the
// given iteration count. Passwords are NFC-normalized before hashing so
// that visually identical passwords typed on different input methods
// derive the same key.
func Derive(password string, salt [SaltSize]byte, iterations int) (*Key, error) {
	normalized := norm.NFC.String(password)

	dk := pbkdf2.Key([]byte(normalized), salt[:], iterations, KeySize, sha256.New)
	defer zero(dk)

	var key Key
	copy(key[:], dk)
	return &key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
