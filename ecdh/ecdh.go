// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package ecdh implements the out-of-TPM key agreement used for mutual-auth
handshakes: ephemeral elliptic-curve keypair generation, ECDH shared
secret computation, and an HKDF that stretches the shared secret into two
session keys bound to the handshake transcript.
*/
package ecdh

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	_ "crypto/sha512"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"

	"github.com/SociOS-Linux/kmyth/internal/wipe"
)

// hkdfSalt is the fixed extraction salt both peers use; key separation
// between handshakes comes from the transcript binding, not the salt.
const hkdfSalt = "kmyth"

var (
	// DefaultCurve is the curve both peers of a handshake must agree on.
	DefaultCurve = elliptic.P521()

	// DefaultHash is the digest used for key derivation and transcript
	// signatures.
	DefaultHash = crypto.SHA512
)

// InvalidPeerKeyError is returned when a peer public value is absent or
// not a point on the agreed curve. It is also returned when no curve is
// given for key generation and when the shared secret passed to key
// derivation is empty.
type InvalidPeerKeyError struct {
	msg string
}

func (e *InvalidPeerKeyError) Error() string {
	return fmt.Sprintf("invalid peer public key: %s", e.msg)
}

// KDFConfigurationError is returned when the KDF cannot produce enough
// output for the requested session key lengths. This is a programming
// error, not a runtime condition.
type KDFConfigurationError struct {
	Requested int
	Available int
}

func (e *KDFConfigurationError) Error() string {
	return fmt.Sprintf("KDF configuration error: %d bytes requested, %d available", e.Requested, e.Available)
}

// PublicPoint is an uncompressed elliptic-curve public value.
type PublicPoint struct {
	X *big.Int
	Y *big.Int
}

// KeyPair is an ephemeral key agreement keypair. The private scalar is
// sensitive; Wipe it once the shared secret has been derived.
type KeyPair struct {
	Curve   elliptic.Curve
	private []byte
	Public  PublicPoint
}

// GenerateEphemeralKeyPair creates a fresh keypair on curve using entropy
// from random (crypto/rand.Reader if nil).
func GenerateEphemeralKeyPair(curve elliptic.Curve, random io.Reader) (*KeyPair, error) {
	if curve == nil {
		return nil, &InvalidPeerKeyError{msg: "no curve specified"}
	}
	if random == nil {
		random = rand.Reader
	}

	priv, x, y, err := elliptic.GenerateKey(curve, random)
	if err != nil {
		return nil, fmt.Errorf("cannot generate ephemeral EC key: %v", err)
	}

	return &KeyPair{Curve: curve, private: priv, Public: PublicPoint{X: x, Y: y}}, nil
}

// Wipe clears the private scalar.
func (k *KeyPair) Wipe() {
	wipe.Bytes(k.private)
	k.private = nil
}

// SharedSecret computes the raw ECDH shared secret (the X coordinate of
// the scalar product) with the peer's public value. The caller owns the
// returned buffer and should wipe it after key derivation.
func (k *KeyPair) SharedSecret(peer PublicPoint) ([]byte, error) {
	if peer.X == nil || peer.Y == nil || (peer.X.Sign() == 0 && peer.Y.Sign() == 0) {
		return nil, &InvalidPeerKeyError{msg: "zero-length public value"}
	}
	if !k.Curve.IsOnCurve(peer.X, peer.Y) {
		return nil, &InvalidPeerKeyError{msg: "point is not on the agreed curve"}
	}
	if k.private == nil {
		return nil, fmt.Errorf("keypair private scalar has been wiped")
	}

	zX, _ := k.Curve.ScalarMult(peer.X, peer.Y, k.private)

	// Fixed-width encoding so both peers derive identical secrets even
	// when the X coordinate has leading zero octets.
	byteLen := (k.Curve.Params().BitSize + 7) / 8
	secret := make([]byte, byteLen)
	zX.FillBytes(secret)
	return secret, nil
}

// DeriveSessionKeys stretches an ECDH shared secret into two keyLen-byte
// session keys with HKDF: hash as configured (DefaultHash if zero), salt
// "kmyth", info msg1||msg2. The transcript messages tie the keys to this
// handshake, so replaying the secret under a different transcript yields
// unrelated keys. The first keyLen bytes of output become key1, the next
// keyLen bytes key2.
func DeriveSessionKeys(hash crypto.Hash, secret, msg1, msg2 []byte, keyLen int) (key1, key2 []byte, err error) {
	if hash == 0 {
		hash = DefaultHash
	}
	if len(secret) == 0 {
		return nil, nil, &InvalidPeerKeyError{msg: "empty shared secret"}
	}
	if keyLen <= 0 {
		return nil, nil, &KDFConfigurationError{Requested: 2 * keyLen, Available: 0}
	}
	if available := 255 * hash.Size(); 2*keyLen > available {
		return nil, nil, &KDFConfigurationError{Requested: 2 * keyLen, Available: available}
	}

	info := make([]byte, 0, len(msg1)+len(msg2))
	info = append(info, msg1...)
	info = append(info, msg2...)

	out := make([]byte, 2*keyLen)
	r := hkdf.New(hash.New, secret, []byte(hkdfSalt), info)
	if _, err := io.ReadFull(r, out); err != nil {
		wipe.Bytes(out)
		return nil, nil, &KDFConfigurationError{Requested: 2 * keyLen, Available: 0}
	}

	key1 = make([]byte, keyLen)
	key2 = make([]byte, keyLen)
	copy(key1, out[:keyLen])
	copy(key2, out[keyLen:])
	wipe.Bytes(out)
	return key1, key2, nil
}

// SignBuffer signs buf with the supplied EC signing key over the
// configured digest, for authenticating handshake transcripts.
func SignBuffer(key *ecdsa.PrivateKey, hash crypto.Hash, buf []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("no signing key supplied")
	}
	if hash == 0 {
		hash = DefaultHash
	}
	h := hash.New()
	h.Write(buf)
	return ecdsa.SignASN1(rand.Reader, key, h.Sum(nil))
}

// VerifyBuffer checks an ASN.1 ECDSA signature over buf.
func VerifyBuffer(key *ecdsa.PublicKey, hash crypto.Hash, buf, sig []byte) error {
	if key == nil {
		return fmt.Errorf("no verification key supplied")
	}
	if hash == 0 {
		hash = DefaultHash
	}
	h := hash.New()
	h.Write(buf)
	if !ecdsa.VerifyASN1(key, h.Sum(nil), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
