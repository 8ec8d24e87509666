// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/go-tpm/tpm2"
)

// fakeTPM is a scripted TPM good for exactly one unsalted, unbound
// authorization session and one loaded sealed object. It implements the
// command subset the session core speaks, with real nonce rolling and
// authorization HMACs, so protocol-level behavior (rolls, tamper
// detection, retries, policy digests) can be tested deterministically.
type fakeTPM struct {
	t *testing.T
	c CryptoProvider

	hashAlg    crypto.Hash
	digestSize int

	sessionHandle  tpm2.TPMHandle
	sessionType    byte
	sessionStarted bool
	nonceTPM       Nonce
	nonceCaller    Nonce
	policyDigest   Digest

	object fakeObject

	pcrs map[uint8]Digest

	flushCalls int

	// Fault injection
	retriesBeforeSuccess int
	tamperResponseNonce  bool
}

type fakeObject struct {
	handle    tpm2.TPMHandle
	name      Name
	authValue Digest
	policy    Digest
	data      []byte
}

func newFakeTPM(t *testing.T, c CryptoProvider) *fakeTPM {
	f := &fakeTPM{
		t:             t,
		c:             c,
		hashAlg:       crypto.SHA256,
		digestSize:    crypto.SHA256.Size(),
		sessionHandle: tpm2.TPMHandle(0x03000000),
		pcrs:          make(map[uint8]Digest),
	}
	f.object = fakeObject{
		handle:    tpm2.TPMHandle(0x80000001),
		name:      append(Name{0x00, 0x0b}, bytes.Repeat([]byte{0x5a}, 32)...),
		authValue: make(Digest, 32),
		data:      []byte("fake sealed secret"),
	}
	return f
}

func (f *fakeTPM) entity() Entity {
	return Entity{Handle: f.object.handle, Name: f.object.name}
}

func (f *fakeTPM) pcrValue(index uint8) Digest {
	if v, ok := f.pcrs[index]; ok {
		return v
	}
	return make(Digest, f.digestSize)
}

// extendPCR emulates a PCR extension with a digest of the supplied event.
func (f *fakeTPM) extendPCR(index uint8, event []byte) {
	old := f.pcrValue(index)
	msg := append(append([]byte{}, old...), f.c.Hash(f.hashAlg, event)...)
	f.pcrs[index] = f.c.Hash(f.hashAlg, msg)
}

// selectionDigest computes the PCR digest PolicyPCR binds for a
// marshalled TPML_PCR_SELECTION.
func (f *fakeTPM) selectionDigest(selBytes []byte) Digest {
	r := bytes.NewReader(selBytes)
	var count uint32
	binary.Read(r, binary.BigEndian, &count)

	var concat []byte
	for i := uint32(0); i < count; i++ {
		var alg uint16
		binary.Read(r, binary.BigEndian, &alg)
		size, _ := r.ReadByte()
		bitmap := make([]byte, size)
		io.ReadFull(r, bitmap)
		for octet, b := range bitmap {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					concat = append(concat, f.pcrValue(uint8(octet*8+bit))...)
				}
			}
		}
	}
	return f.c.Hash(f.hashAlg, concat)
}

func (f *fakeTPM) errorResponse(rc ResponseCode) []byte {
	rsp := new(bytes.Buffer)
	binary.Write(rsp, binary.BigEndian, uint16(tpm2.TPMSTNoSessions))
	binary.Write(rsp, binary.BigEndian, uint32(10))
	binary.Write(rsp, binary.BigEndian, uint32(rc))
	return rsp.Bytes()
}

func (f *fakeTPM) successResponse(handle *tpm2.TPMHandle, params []byte, auth *authResponse) []byte {
	payload := new(bytes.Buffer)
	if handle != nil {
		binary.Write(payload, binary.BigEndian, uint32(*handle))
	}
	if auth != nil {
		binary.Write(payload, binary.BigEndian, uint32(len(params)))
	}
	payload.Write(params)
	if auth != nil {
		write2B(payload, auth.Nonce)
		payload.WriteByte(byte(auth.SessionAttrs))
		write2B(payload, auth.HMAC)
	}

	tag := tpm2.TPMSTNoSessions
	if auth != nil {
		tag = tpm2.TPMSTSessions
	}
	rsp := new(bytes.Buffer)
	binary.Write(rsp, binary.BigEndian, uint16(tag))
	binary.Write(rsp, binary.BigEndian, uint32(10+payload.Len()))
	binary.Write(rsp, binary.BigEndian, uint32(ResponseSuccess))
	rsp.Write(payload.Bytes())
	return rsp.Bytes()
}

func (f *fakeTPM) Send(cmd []byte) ([]byte, error) {
	r := bytes.NewReader(cmd)
	var tag uint16
	var size, cc uint32
	binary.Read(r, binary.BigEndian, &tag)
	binary.Read(r, binary.BigEndian, &size)
	binary.Read(r, binary.BigEndian, &cc)
	if int(size) != len(cmd) {
		f.t.Fatalf("malformed command: size %d, packet %d", size, len(cmd))
	}

	switch tpm2.TPMCC(cc) {
	case tpm2.TPMCCStartAuthSession:
		return f.startAuthSession(r)
	case tpm2.TPMCCPolicyAuthValue:
		return f.policyAuthValue(r)
	case tpm2.TPMCCPolicyPCR:
		return f.policyPCR(r)
	case tpm2.TPMCCPolicyOR:
		return f.policyOR(r)
	case tpm2.TPMCCPolicyGetDigest:
		return f.policyGetDigest(r)
	case tpm2.TPMCCUnseal:
		return f.unseal(r, tag)
	case tpm2.TPMCCFlushContext:
		f.flushCalls++
		return f.successResponse(nil, nil, nil), nil
	case tpm2.TPMCCGetCapability:
		return f.getCapability(r)
	default:
		f.t.Fatalf("fake TPM received unexpected command 0x%08x", cc)
		return nil, nil
	}
}

func (f *fakeTPM) startAuthSession(r *bytes.Reader) ([]byte, error) {
	var tpmKey, bind uint32
	binary.Read(r, binary.BigEndian, &tpmKey)
	binary.Read(r, binary.BigEndian, &bind)

	nonceCaller, _ := read2B(r)
	salt, _ := read2B(r)
	sessionType, _ := r.ReadByte()

	if tpm2.TPMHandle(tpmKey) != tpm2.TPMRHNull || tpm2.TPMHandle(bind) != tpm2.TPMRHNull || len(salt) != 0 {
		f.t.Fatalf("fake TPM only models unsalted, unbound sessions")
	}
	if len(nonceCaller) != f.digestSize {
		return f.errorResponse(0x18F), nil // TPM_RC_NONCE, handle 1
	}

	f.sessionStarted = true
	f.sessionType = sessionType
	f.nonceCaller = nonceCaller
	f.nonceTPM = make(Nonce, f.digestSize)
	if err := f.c.RandomBytes(f.nonceTPM); err != nil {
		f.t.Fatalf("fake TPM cannot generate nonce: %v", err)
	}
	f.policyDigest = make(Digest, f.digestSize)

	params := new(bytes.Buffer)
	write2B(params, f.nonceTPM)
	return f.successResponse(&f.sessionHandle, params.Bytes(), nil), nil
}

func (f *fakeTPM) requireSessionHandle(r *bytes.Reader) bool {
	var h uint32
	binary.Read(r, binary.BigEndian, &h)
	return tpm2.TPMHandle(h) == f.sessionHandle && f.sessionStarted
}

func (f *fakeTPM) policyAuthValue(r *bytes.Reader) ([]byte, error) {
	if !f.requireSessionHandle(r) {
		return f.errorResponse(0x18F), nil
	}
	msg := new(bytes.Buffer)
	msg.Write(f.policyDigest)
	binary.Write(msg, binary.BigEndian, uint32(tpm2.TPMCCPolicyAuthValue))
	f.policyDigest = f.c.Hash(f.hashAlg, msg.Bytes())
	return f.successResponse(nil, nil, nil), nil
}

func (f *fakeTPM) policyPCR(r *bytes.Reader) ([]byte, error) {
	if !f.requireSessionHandle(r) {
		return f.errorResponse(0x18F), nil
	}
	pcrDigest, _ := read2B(r)
	selBytes := make([]byte, r.Len())
	io.ReadFull(r, selBytes)

	computed := f.selectionDigest(selBytes)
	if f.sessionType == byte(SessionTypePolicy) {
		if len(pcrDigest) > 0 && !bytes.Equal(pcrDigest, computed) {
			return f.errorResponse(0x2C4), nil // TPM_RC_VALUE, parameter 2
		}
		pcrDigest = computed
	} else if len(pcrDigest) == 0 {
		// A trial session assumes the selection is satisfied.
		pcrDigest = computed
	}

	msg := new(bytes.Buffer)
	msg.Write(f.policyDigest)
	binary.Write(msg, binary.BigEndian, uint32(tpm2.TPMCCPolicyPCR))
	msg.Write(selBytes)
	msg.Write(pcrDigest)
	f.policyDigest = f.c.Hash(f.hashAlg, msg.Bytes())

	return f.successResponse(nil, nil, nil), nil
}

func (f *fakeTPM) policyOR(r *bytes.Reader) ([]byte, error) {
	if !f.requireSessionHandle(r) {
		return f.errorResponse(0x18F), nil
	}
	var count uint32
	binary.Read(r, binary.BigEndian, &count)
	digests := make([]Digest, 0, count)
	for i := uint32(0); i < count; i++ {
		d, _ := read2B(r)
		digests = append(digests, d)
	}

	matched := false
	for _, d := range digests {
		if bytes.Equal(f.policyDigest, d) {
			matched = true
		}
	}
	if !matched {
		return f.errorResponse(0x1C4), nil // TPM_RC_VALUE, parameter 1
	}

	msg := new(bytes.Buffer)
	msg.Write(make([]byte, f.digestSize))
	binary.Write(msg, binary.BigEndian, uint32(tpm2.TPMCCPolicyOR))
	for _, d := range digests {
		msg.Write(d)
	}
	f.policyDigest = f.c.Hash(f.hashAlg, msg.Bytes())

	return f.successResponse(nil, nil, nil), nil
}

func (f *fakeTPM) policyGetDigest(r *bytes.Reader) ([]byte, error) {
	if !f.requireSessionHandle(r) {
		return f.errorResponse(0x18F), nil
	}
	params := new(bytes.Buffer)
	write2B(params, f.policyDigest)
	return f.successResponse(nil, params.Bytes(), nil), nil
}

func (f *fakeTPM) unseal(r *bytes.Reader, tag uint16) ([]byte, error) {
	if f.retriesBeforeSuccess > 0 {
		f.retriesBeforeSuccess--
		return f.errorResponse(0x922), nil // TPM_RC_RETRY
	}

	var h uint32
	binary.Read(r, binary.BigEndian, &h)
	if tpm2.TPMHandle(h) != f.object.handle {
		return f.errorResponse(0x18F), nil
	}
	if tpm2.TPMST(tag) != tpm2.TPMSTSessions {
		return f.errorResponse(0x98E), nil
	}

	var authSize uint32
	binary.Read(r, binary.BigEndian, &authSize)
	var sessionHandle uint32
	binary.Read(r, binary.BigEndian, &sessionHandle)
	nonceCaller, _ := read2B(r)
	attrs, _ := r.ReadByte()
	callerHMAC, _ := read2B(r)
	cpBytes := make([]byte, r.Len())
	io.ReadFull(r, cpBytes)

	if tpm2.TPMHandle(sessionHandle) != f.sessionHandle || !f.sessionStarted {
		return f.errorResponse(0x98E), nil
	}

	// The session's policy digest must equal the object's authPolicy.
	if len(f.object.policy) > 0 && !bytes.Equal(f.policyDigest, f.object.policy) {
		return f.errorResponse(0x99D), nil // TPM_RC_POLICY_FAIL, session 1
	}

	// Verify the command authorization HMAC the way the TPM does.
	cpHash := cryptComputeCpHash(f.c, f.hashAlg, tpm2.TPMCCUnseal, []Name{f.object.name}, cpBytes)
	expected := cryptComputeAuthHMAC(f.c, f.hashAlg, nil, f.object.authValue,
		cpHash, nonceCaller, f.nonceTPM, SessionAttributes(attrs))
	if !hmac.Equal(expected, callerHMAC) {
		return f.errorResponse(0x98E), nil // TPM_RC_AUTH_FAIL, session 1
	}
	f.nonceCaller = nonceCaller

	// Roll the TPM-side nonce and authorize the response.
	newNonce := make(Nonce, f.digestSize)
	if err := f.c.RandomBytes(newNonce); err != nil {
		f.t.Fatalf("fake TPM cannot generate nonce: %v", err)
	}
	f.nonceTPM = newNonce

	params := new(bytes.Buffer)
	write2B(params, f.object.data)

	rpHash := cryptComputeRpHash(f.c, f.hashAlg, ResponseSuccess, tpm2.TPMCCUnseal, params.Bytes())
	rspHMAC := cryptComputeAuthHMAC(f.c, f.hashAlg, nil, f.object.authValue,
		rpHash, f.nonceTPM, f.nonceCaller, SessionAttributes(attrs))

	auth := &authResponse{
		Nonce:        append(Nonce{}, f.nonceTPM...),
		SessionAttrs: SessionAttributes(attrs),
		HMAC:         rspHMAC,
	}
	if f.tamperResponseNonce {
		auth.Nonce[0] ^= 0x01
	}

	return f.successResponse(nil, params.Bytes(), auth), nil
}

func (f *fakeTPM) getCapability(r *bytes.Reader) ([]byte, error) {
	var capability, property, count uint32
	binary.Read(r, binary.BigEndian, &capability)
	binary.Read(r, binary.BigEndian, &property)
	binary.Read(r, binary.BigEndian, &count)

	params := new(bytes.Buffer)
	params.WriteByte(0) // moreData
	binary.Write(params, binary.BigEndian, capability)
	binary.Write(params, binary.BigEndian, uint32(1))
	binary.Write(params, binary.BigEndian, property)
	params.WriteString("MSFT")
	return f.successResponse(nil, params.Bytes(), nil), nil
}
