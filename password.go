// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// RunWithPasswordAuth issues a single command authorized with a plaintext
// password under TPM_RS_PW, the authorization used for storage-hierarchy
// commands where the owner authorization is presented directly instead of
// being proven through a session. The TPM must return an empty HMAC in
// the password slot of the response authorization area.
func RunWithPasswordAuth(t transport.TPM, commandCode tpm2.TPMCC, entity Entity, authValue Auth, paramsIn []byte) ([]byte, error) {
	if t == nil {
		return nil, makeInvalidInputError("transport must be supplied")
	}

	auth := buildPasswordAuth(authValue)
	cmd := marshalCommand(commandCode, []tpm2.TPMHandle{entity.Handle}, []*authCommand{auth}, paramsIn)

	rsp, err := dispatch(t, commandCode, cmd)
	if err != nil {
		return nil, err
	}
	body, err := unmarshalResponse(commandCode, rsp, false)
	if err != nil {
		return nil, err
	}
	if err := DecodeResponseCode(commandCode, body.Code); err != nil {
		return nil, err
	}

	if len(body.Auths) != 1 {
		return nil, &InvalidResponseError{commandCode, "response carries no authorization area"}
	}
	if len(body.Auths[0].HMAC) != 0 {
		return nil, &InvalidResponseError{commandCode, "non-zero length HMAC for password auth"}
	}

	return body.Params, nil
}
