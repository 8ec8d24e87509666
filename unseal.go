// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"errors"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/SociOS-Linux/kmyth/internal/wipe"
)

// Unseal recovers the sensitive data of a loaded sealed object. A policy
// session bound to the supplied PCR selection (and, for objects sealed
// under a compound policy, the two policy-OR branches) is started, the
// PCR policy script is applied, and TPM2_Unseal is issued under it with
// the authorization value derived from authBytes.
//
// The caller owns the returned plaintext and is responsible for wiping
// it. Every intermediate sensitive buffer is wiped before return,
// whether the unseal succeeds or fails.
func Unseal(t transport.TPM, c CryptoProvider, object Entity, authBytes []byte, pcrSel tpm2.TPMLPCRSelection, branches *PolicyBranches, opts ...SessionOption) ([]byte, error) {
	sessionOpts := append([]SessionOption{WithPCRBinding(pcrSel)}, opts...)
	if branches != nil {
		sessionOpts = append(sessionOpts, WithPolicyOr(*branches))
	}

	session, err := StartSession(t, c, SessionTypePolicy, sessionOpts...)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	authValue, err := DeriveAuthValue(authBytes, session.hashAlgID)
	if err != nil {
		return nil, err
	}
	defer wipe.Bytes(authValue)

	params, err := session.Exchange(tpm2.TPMCCUnseal, object, authValue, nil)
	if err != nil {
		var tpmErr *TPMError
		if errors.As(err, &tpmErr) {
			switch tpmErr.Code {
			case ErrorPolicyFail, ErrorPolicy:
				return nil, &PolicyNotSatisfiedError{err: err}
			}
		}
		return nil, err
	}
	defer wipe.Bytes(params)

	r := bytes.NewReader(params)
	outData, err := read2B(r)
	if err != nil || r.Len() != 0 {
		return nil, &InvalidResponseError{tpm2.TPMCCUnseal, "cannot unmarshal unsealed data"}
	}

	return outData, nil
}
