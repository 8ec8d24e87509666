// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package crypt implements the key derivation functions of TPM 2.0 part 1
// chapter 11.4.10 as used by session establishment.
package crypt

import (
	"bytes"
	"crypto"
	"encoding/binary"

	"github.com/canonical/go-sp800.108-kdf"
)

// KDFa performs SP800-108 counter-mode key derivation with the TPM's
// parameter layout: the two context values are concatenated. Session keys
// use label "ATH", contextU = nonceTPM, contextV = nonceCaller.
func KDFa(hashAlg crypto.Hash, key, label, contextU, contextV []byte, sizeInBits int) []byte {
	context := make([]byte, len(contextU)+len(contextV))
	copy(context, contextU)
	copy(context[len(contextU):], contextV)
	return kdf.CounterModeKey(kdf.NewHMACPRF(hashAlg), key, label, context, uint32(sizeInBits))
}

// KDFe performs the one-pass Diffie-Hellman KDF used when the salt of a
// session is protected with an ECC key.
func KDFe(hashAlg crypto.Hash, z, label, partyUInfo, partyVInfo []byte, sizeInBits int) []byte {
	digestSize := hashAlg.Size()

	counter := 0
	var res bytes.Buffer

	for remaining := (sizeInBits + 7) / 8; remaining > 0; remaining -= digestSize {
		counter++
		if remaining < digestSize {
			digestSize = remaining
		}

		h := hashAlg.New()
		binary.Write(h, binary.BigEndian, uint32(counter))
		h.Write(z)
		h.Write(label)
		h.Write([]byte{0})
		h.Write(partyUInfo)
		h.Write(partyVInfo)

		res.Write(h.Sum(nil)[0:digestSize])
	}

	outKey := res.Bytes()
	if sizeInBits%8 != 0 {
		outKey[0] &= (1 << uint(sizeInBits%8)) - 1
	}
	return outKey
}
