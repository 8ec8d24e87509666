// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/google/go-tpm/tpm2"
)

func TestComputeCpHash(t *testing.T) {
	c := StdCrypto()
	name := Name(append([]byte{0x00, 0x0b}, bytes.Repeat([]byte{0x11}, 32)...))
	params := []byte{0xde, 0xad, 0xbe, 0xef}

	got := cryptComputeCpHash(c, crypto.SHA256, tpm2.TPMCCUnseal, []Name{name}, params)

	hasher := sha256.New()
	binary.Write(hasher, binary.BigEndian, uint32(tpm2.TPMCCUnseal))
	hasher.Write(name)
	hasher.Write(params)
	if expected := hasher.Sum(nil); !bytes.Equal(got, expected) {
		t.Errorf("cpHash = %x, want %x", got, expected)
	}

	if len(got) != sha256.Size {
		t.Errorf("cpHash length %d, want %d", len(got), sha256.Size)
	}

	again := cryptComputeCpHash(c, crypto.SHA256, tpm2.TPMCCUnseal, []Name{name}, params)
	if !bytes.Equal(got, again) {
		t.Errorf("cpHash is not deterministic")
	}
}

func TestComputeRpHash(t *testing.T) {
	c := StdCrypto()
	params := []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}

	got := cryptComputeRpHash(c, crypto.SHA256, ResponseSuccess, tpm2.TPMCCUnseal, params)

	hasher := sha256.New()
	binary.Write(hasher, binary.BigEndian, uint32(0))
	binary.Write(hasher, binary.BigEndian, uint32(tpm2.TPMCCUnseal))
	hasher.Write(params)
	if expected := hasher.Sum(nil); !bytes.Equal(got, expected) {
		t.Errorf("rpHash = %x, want %x", got, expected)
	}
}

func TestComputeAuthHMAC(t *testing.T) {
	c := StdCrypto()

	sessionKey := bytes.Repeat([]byte{0x01}, 32)
	authValue := bytes.Repeat([]byte{0x02}, 32)
	pHash := bytes.Repeat([]byte{0x03}, 32)
	nonceNewer := bytes.Repeat([]byte{0x04}, 32)
	nonceOlder := bytes.Repeat([]byte{0x05}, 32)
	attrs := AttrContinueSession

	got := cryptComputeAuthHMAC(c, crypto.SHA256, sessionKey, authValue, pHash, nonceNewer, nonceOlder, attrs)

	mac := hmac.New(sha256.New, append(append([]byte{}, sessionKey...), authValue...))
	mac.Write(pHash)
	mac.Write(nonceNewer)
	mac.Write(nonceOlder)
	mac.Write([]byte{byte(attrs)})
	if expected := mac.Sum(nil); !bytes.Equal(got, expected) {
		t.Errorf("authHMAC = %x, want %x", got, expected)
	}

	// Either key fragment may be empty.
	gotNoKey := cryptComputeAuthHMAC(c, crypto.SHA256, nil, authValue, pHash, nonceNewer, nonceOlder, attrs)
	mac = hmac.New(sha256.New, authValue)
	mac.Write(pHash)
	mac.Write(nonceNewer)
	mac.Write(nonceOlder)
	mac.Write([]byte{byte(attrs)})
	if expected := mac.Sum(nil); !bytes.Equal(gotNoKey, expected) {
		t.Errorf("authHMAC without session key = %x, want %x", gotNoKey, expected)
	}

	// Swapping the nonce roles, as the response half does, changes the MAC.
	swapped := cryptComputeAuthHMAC(c, crypto.SHA256, sessionKey, authValue, pHash, nonceOlder, nonceNewer, attrs)
	if bytes.Equal(got, swapped) {
		t.Errorf("authHMAC must distinguish nonce roles")
	}
}

func TestCryptComputeNonceUsesProvider(t *testing.T) {
	c := newTestCrypto("nonce-stream")

	a := make(Nonce, 32)
	b := make(Nonce, 32)
	if err := cryptComputeNonce(c, a); err != nil {
		t.Fatalf("cryptComputeNonce failed: %v", err)
	}
	if err := cryptComputeNonce(c, b); err != nil {
		t.Fatalf("cryptComputeNonce failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Errorf("consecutive nonces must differ")
	}
	if bytes.Equal(a, make([]byte, 32)) {
		t.Errorf("nonce was not filled")
	}
}
