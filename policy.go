// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// runPolicyCommand issues a command on the session handle with no
// authorization area. The policy-shaping commands are all of this form.
func (s *Session) runPolicyCommand(commandCode tpm2.TPMCC, params []byte) ([]byte, error) {
	if s.state != sessionStateActive {
		return nil, &InternalError{msg: "policy command attempted on a session that is not active"}
	}
	cmd := marshalCommand(commandCode, []tpm2.TPMHandle{s.handle}, nil, params)
	body, err := s.submit(commandCode, cmd, false)
	if err != nil {
		s.closeOnError()
		return nil, err
	}
	return body.Params, nil
}

// PolicyPCR extends the session's policy digest with the supplied PCR
// selection. An empty pcrDigest leaves digest verification to the TPM: a
// trial session computes the digest as if the selected PCRs matched, a
// real session reads and binds the live PCR values.
func (s *Session) PolicyPCR(pcrDigest Digest, sel tpm2.TPMLPCRSelection) error {
	params := new(bytes.Buffer)
	write2B(params, pcrDigest)
	params.Write(tpm2.Marshal(sel))

	if _, err := s.runPolicyCommand(tpm2.TPMCCPolicyPCR, params.Bytes()); err != nil {
		var tpmErr *TPMError
		if errors.As(err, &tpmErr) && tpmErr.Code == ErrorValue {
			return &PolicyNotSatisfiedError{err: err}
		}
		return err
	}
	return nil
}

// PolicyOR asserts that the session's current policy digest equals one of
// the two branch digests, then replaces it with the compound digest. The
// branch order must match the order used when the compound digest was
// computed.
func (s *Session) PolicyOR(branches PolicyBranches) error {
	pHashList := tpm2.TPMLDigest{
		Digests: []tpm2.TPM2BDigest{
			{Buffer: branches.Branch1},
			{Buffer: branches.Branch2},
		},
	}

	if _, err := s.runPolicyCommand(tpm2.TPMCCPolicyOR, tpm2.Marshal(pHashList)); err != nil {
		var tpmErr *TPMError
		if errors.As(err, &tpmErr) && tpmErr.Code == ErrorValue {
			// The current policy digest matched neither branch.
			return &PolicyNotSatisfiedError{err: err}
		}
		return err
	}
	return nil
}

// PolicyAuthValue requires the authorization value of the object being
// authorized to be folded into the session HMAC. Every policy this
// package builds starts with this assertion, so sealed objects demand
// their auth value even when unsealed through a policy session.
func (s *Session) PolicyAuthValue() error {
	_, err := s.runPolicyCommand(tpm2.TPMCCPolicyAuthValue, nil)
	return err
}

// PolicyGetDigest reads back the session's current policy digest.
func (s *Session) PolicyGetDigest() (Digest, error) {
	params, err := s.runPolicyCommand(tpm2.TPMCCPolicyGetDigest, nil)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(params)
	digest, err := read2B(r)
	if err != nil || r.Len() != 0 {
		return nil, &InvalidResponseError{tpm2.TPMCCPolicyGetDigest, "cannot unmarshal policy digest"}
	}
	return digest, nil
}

// PolicyRestart resets the session's policy digest so the policy script
// can be re-run without starting a new session.
func (s *Session) PolicyRestart() error {
	_, err := s.runPolicyCommand(tpm2.TPMCCPolicyRestart, nil)
	return err
}

// ApplyPolicy runs the session's declared policy script: the auth-value
// assertion, the PCR assertion, then, for a compound policy, the
// PolicyOR step with the two branch digests in their original order.
// Exactly one branch is satisfiable at a time because the platform's PCR
// state determines which; there is no try-both fallback.
//
// Exchange runs this automatically before the first authorized command;
// callers only need it to satisfy the policy ahead of time.
func (s *Session) ApplyPolicy() error {
	if s.sessionType != SessionTypePolicy {
		return &InternalError{msg: "policy satisfaction attempted on a non-policy session"}
	}

	if err := s.PolicyAuthValue(); err != nil {
		return err
	}
	if len(s.pcrBinding.PCRSelections) > 0 {
		if err := s.PolicyPCR(nil, s.pcrBinding); err != nil {
			return err
		}
	}
	if s.orBranches != nil {
		if err := s.PolicyOR(*s.orBranches); err != nil {
			return err
		}
	}

	s.policyDone = true
	s.log.Debug("authorization policy applied to session")
	return nil
}

// BuildPolicyDigest computes the authorization-policy digest to bind to
// an object at seal time: a trial session runs the auth-value assertion
// and then the PCR assertion for the supplied selection, and the resulting
// digest is read back. An empty selection skips the PCR assertion and
// produces the digest of the auth-value assertion alone.
func BuildPolicyDigest(t transport.TPM, c CryptoProvider, sel tpm2.TPMLPCRSelection, opts ...SessionOption) (Digest, error) {
	session, err := StartSession(t, c, SessionTypeTrial, opts...)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.PolicyAuthValue(); err != nil {
		return nil, err
	}
	if len(sel.PCRSelections) > 0 {
		if err := session.PolicyPCR(nil, sel); err != nil {
			return nil, err
		}
	}

	return session.PolicyGetDigest()
}

// CombinePolicyOr computes the compound policy digest satisfied by either
// of two branch digests: H(0..0 || TPM_CC_PolicyOR || branch1 || branch2),
// where the leading zero block is a digest-sized reset value. The
// operation is position sensitive; swapping the branches yields a
// different policy.
func CombinePolicyOr(hashAlg tpm2.TPMAlgID, branch1, branch2 Digest) (Digest, error) {
	h, known := cryptGetHash(hashAlg)
	if !known {
		return nil, makeInvalidInputError("unsupported digest algorithm 0x%04x", uint16(hashAlg))
	}
	if len(branch1) != h.Size() || len(branch2) != h.Size() {
		return nil, makeInvalidInputError("policy branch length does not match digest algorithm")
	}

	hasher := h.New()
	hasher.Write(make([]byte, h.Size()))
	binary.Write(hasher, binary.BigEndian, uint32(tpm2.TPMCCPolicyOR))
	hasher.Write(branch1)
	hasher.Write(branch2)
	return hasher.Sum(nil), nil
}
