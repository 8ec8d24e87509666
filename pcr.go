// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"io"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// ReadPCRValues reads the PCR values named by sel, in selection order.
// The update counter and the selection actually read are discarded; a
// caller comparing selections should pass one bank at a time.
func ReadPCRValues(t transport.TPM, sel tpm2.TPMLPCRSelection) ([]Digest, error) {
	cmd := marshalCommand(tpm2.TPMCCPCRRead, nil, nil, tpm2.Marshal(sel))
	rsp, err := dispatch(t, tpm2.TPMCCPCRRead, cmd)
	if err != nil {
		return nil, err
	}
	body, err := unmarshalResponse(tpm2.TPMCCPCRRead, rsp, false)
	if err != nil {
		return nil, err
	}
	if err := DecodeResponseCode(tpm2.TPMCCPCRRead, body.Code); err != nil {
		return nil, err
	}

	r := bytes.NewReader(body.Params)
	var updateCounter uint32
	if err := binary.Read(r, binary.BigEndian, &updateCounter); err != nil {
		return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrUpdateCounter"}
	}

	// pcrSelectionOut
	var selCount uint32
	if err := binary.Read(r, binary.BigEndian, &selCount); err != nil {
		return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrSelectionOut"}
	}
	for i := uint32(0); i < selCount; i++ {
		var alg uint16
		if err := binary.Read(r, binary.BigEndian, &alg); err != nil {
			return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrSelectionOut"}
		}
		size, err := r.ReadByte()
		if err != nil {
			return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrSelectionOut"}
		}
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrSelectionOut"}
		}
	}

	var valueCount uint32
	if err := binary.Read(r, binary.BigEndian, &valueCount); err != nil {
		return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrValues"}
	}
	values := make([]Digest, 0, valueCount)
	for i := uint32(0); i < valueCount; i++ {
		v, err := read2B(r)
		if err != nil {
			return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "cannot unmarshal pcrValues"}
		}
		values = append(values, v)
	}
	if r.Len() != 0 {
		return nil, &InvalidResponseError{tpm2.TPMCCPCRRead, "trailing bytes after pcrValues"}
	}

	return values, nil
}

// ExtendPCR extends one PCR in one bank with the supplied digest, using
// the empty password authorization the platform leaves on PCRs.
func ExtendPCR(t transport.TPM, pcr tpm2.TPMHandle, hashAlg tpm2.TPMAlgID, digest Digest) error {
	size, known := cryptGetDigestSize(hashAlg)
	if !known {
		return makeInvalidInputError("unsupported digest algorithm 0x%04x", uint16(hashAlg))
	}
	if len(digest) != size {
		return makeInvalidInputError("digest length does not match algorithm")
	}

	// TPML_DIGEST_VALUES with one TPMT_HA
	params := new(bytes.Buffer)
	binary.Write(params, binary.BigEndian, uint32(1))
	writeAlg(params, hashAlg)
	params.Write(digest)

	_, err := RunWithPasswordAuth(t, tpm2.TPMCCPCRExtend, PermanentEntity(pcr), nil, params.Bytes())
	return err
}

// ComputePCRDigest hashes a run of PCR values the way PolicyPCR does: the
// raw values concatenated in selection order, no length prefixes.
func ComputePCRDigest(c CryptoProvider, hashAlg crypto.Hash, values []Digest) Digest {
	var msg []byte
	for _, v := range values {
		msg = append(msg, v...)
	}
	return c.Hash(hashAlg, msg)
}
