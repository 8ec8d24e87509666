// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"crypto"

	"github.com/google/go-tpm/tpm2"
)

// DeriveAuthValue derives the authorization value used as the HMAC key
// fragment for TPM object authorization. Empty or absent authorization
// bytes yield the all-zero digest of the chosen algorithm, which is what
// the TPM uses for an object sealed with emptyAuth; anything else yields
// the digest of the bytes.
//
// The caller retains ownership of authBytes and should wipe it once the
// derived value is no longer needed.
func DeriveAuthValue(authBytes []byte, hashAlg tpm2.TPMAlgID) (Digest, error) {
	h, known := cryptGetHash(hashAlg)
	if !known {
		return nil, makeInvalidInputError("unsupported digest algorithm 0x%04x", uint16(hashAlg))
	}

	if len(authBytes) == 0 {
		return make(Digest, h.Size()), nil
	}

	hasher := h.New()
	hasher.Write(authBytes)
	return hasher.Sum(nil), nil
}

// authCommand is one entry of a command authorization area.
type authCommand struct {
	SessionHandle tpm2.TPMHandle
	Nonce         Nonce
	SessionAttrs  SessionAttributes
	HMAC          []byte
}

// authResponse is one entry of a response authorization area.
type authResponse struct {
	Nonce        Nonce
	SessionAttrs SessionAttributes
	HMAC         []byte
}

// buildPasswordAuth constructs the authorization-area entry for plaintext
// password authorization under TPM_RS_PW. The TPM compares the cleartext
// value directly; no session state or HMAC is involved.
func buildPasswordAuth(authValue Auth) *authCommand {
	return &authCommand{
		SessionHandle: tpm2.TPMRSPW,
		SessionAttrs:  AttrContinueSession,
		HMAC:          authValue,
	}
}

// buildSessionAuth constructs the authorization-area entry for one command
// issued under an HMAC-authorized session. cpHash must have been computed
// over exactly the bytes that will be transmitted.
func buildSessionAuth(c CryptoProvider, hashAlg crypto.Hash, s *Session, authValue Digest, cpHash Digest) *authCommand {
	hmac := cryptComputeAuthHMAC(c, hashAlg, s.sessionKey, authValue, cpHash,
		s.nonces.newer, s.nonceTPM, s.attrs)

	return &authCommand{
		SessionHandle: s.handle,
		Nonce:         s.nonces.newer,
		SessionAttrs:  s.attrs,
		HMAC:          hmac,
	}
}
