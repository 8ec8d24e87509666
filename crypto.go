// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"

	"github.com/google/go-tpm/tpm2"
)

func cryptGetHash(alg tpm2.TPMAlgID) (crypto.Hash, bool) {
	switch alg {
	case tpm2.TPMAlgSHA1:
		return crypto.SHA1, true
	case tpm2.TPMAlgSHA256:
		return crypto.SHA256, true
	case tpm2.TPMAlgSHA384:
		return crypto.SHA384, true
	case tpm2.TPMAlgSHA512:
		return crypto.SHA512, true
	}
	return 0, false
}

func cryptGetDigestSize(alg tpm2.TPMAlgID) (int, bool) {
	h, known := cryptGetHash(alg)
	if !known {
		return 0, false
	}
	return h.Size(), true
}

// cryptComputeCpHash computes the command parameter hash:
// H(commandCode || entityNames || cpBytes). The names of the command's
// entities are concatenated in handle-area order with no length prefixes.
func cryptComputeCpHash(c CryptoProvider, hashAlg crypto.Hash, commandCode tpm2.TPMCC, names []Name, cpBytes []byte) Digest {
	msg := make([]byte, 0, 4+len(cpBytes))
	msg = binary.BigEndian.AppendUint32(msg, uint32(commandCode))
	for _, name := range names {
		msg = append(msg, name...)
	}
	msg = append(msg, cpBytes...)
	return c.Hash(hashAlg, msg)
}

// cryptComputeRpHash computes the response parameter hash:
// H(responseCode || commandCode || rpBytes).
func cryptComputeRpHash(c CryptoProvider, hashAlg crypto.Hash, responseCode ResponseCode, commandCode tpm2.TPMCC, rpBytes []byte) Digest {
	msg := make([]byte, 0, 8+len(rpBytes))
	msg = binary.BigEndian.AppendUint32(msg, uint32(responseCode))
	msg = binary.BigEndian.AppendUint32(msg, uint32(commandCode))
	msg = append(msg, rpBytes...)
	return c.Hash(hashAlg, msg)
}

// cryptComputeAuthHMAC computes the authorization HMAC for one half of an
// exchange: HMAC(sessionKey || authValue, pHash || nonceNewer ||
// nonceOlder || attrs). For the command half nonceNewer is the caller's
// fresh nonce and nonceOlder the TPM's last nonce; for the response half
// the roles are swapped.
func cryptComputeAuthHMAC(c CryptoProvider, hashAlg crypto.Hash, sessionKey, authValue []byte, pHash Digest, nonceNewer, nonceOlder Nonce, attrs SessionAttributes) []byte {
	key := make([]byte, 0, len(sessionKey)+len(authValue))
	key = append(key, sessionKey...)
	key = append(key, authValue...)

	msg := make([]byte, 0, len(pHash)+len(nonceNewer)+len(nonceOlder)+1)
	msg = append(msg, pHash...)
	msg = append(msg, nonceNewer...)
	msg = append(msg, nonceOlder...)
	msg = append(msg, byte(attrs))

	return c.HMAC(hashAlg, key, msg)
}

// cryptComputeNonce fills nonce with fresh random bytes. A failure here is
// a failure of the platform's entropy source and is fatal to the exchange
// that needed the nonce.
func cryptComputeNonce(c CryptoProvider, nonce Nonce) error {
	return c.RandomBytes(nonce)
}
