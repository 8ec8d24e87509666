// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"io"
)

// CryptoProvider supplies the cryptographic primitives consumed by the
// session core. Implementations must be safe for use from the single
// goroutine that owns a session; the random source must be cryptographic.
type CryptoProvider interface {
	// Hash computes the digest of data with the named algorithm.
	Hash(alg crypto.Hash, data []byte) []byte

	// HMAC computes a keyed hash of data with the named algorithm.
	HMAC(alg crypto.Hash, key, data []byte) []byte

	// RandomBytes fills out with random bytes.
	RandomBytes(out []byte) error
}

type stdCrypto struct {
	rand io.Reader
}

// StdCrypto returns a CryptoProvider backed by the Go standard library and
// crypto/rand. This is the provider production callers should use; a
// deterministic provider is only ever injected by tests.
func StdCrypto() CryptoProvider {
	return &stdCrypto{rand: rand.Reader}
}

// NewCryptoProvider returns a CryptoProvider drawing randomness from r.
// r must be a cryptographic source; substituting a deterministic reader
// outside of a test harness voids every freshness guarantee the
// authorization protocol provides.
func NewCryptoProvider(r io.Reader) CryptoProvider {
	return &stdCrypto{rand: r}
}

func (c *stdCrypto) Hash(alg crypto.Hash, data []byte) []byte {
	h := alg.New()
	h.Write(data)
	return h.Sum(nil)
}

func (c *stdCrypto) HMAC(alg crypto.Hash, key, data []byte) []byte {
	h := hmac.New(alg.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func (c *stdCrypto) RandomBytes(out []byte) error {
	_, err := io.ReadFull(c.rand, out)
	return err
}
