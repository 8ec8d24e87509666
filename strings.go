// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"fmt"
)

var errorCodeDescriptions = map[ErrorCode]string{
	0x00:                     "TPM_RC_INITIALIZE: commands not being accepted because of a TPM failure",
	0x20:                     "TPM_RC_DISABLED: the command is disabled",
	ErrorPolicy:              "TPM_RC_POLICY: authorization policy is not available for this object",
	errorCode1Start + 0x01:   "TPM_RC_ASYMMETRIC: asymmetric algorithm not supported or not correct",
	ErrorValue:               "TPM_RC_VALUE: value is out of range or is not correct for the context",
	errorCode1Start + 0x1a:   "TPM_RC_INSUFFICIENT: the TPM was unable to unmarshal a value because there were not enough octets in the input buffer",
	ErrorAuthFail:            "TPM_RC_AUTH_FAIL: the authorization HMAC check failed and DA counter incremented",
	errorCode1Start + 0x0f:   "TPM_RC_NONCE: invalid nonce size or nonce value mismatch",
	errorCode1Start + 0x15:   "TPM_RC_SIZE: structure is the wrong size",
	errorCode1Start + 0x0b:   "TPM_RC_HANDLE: handle is not correct for the use",
	ErrorPolicyFail:          "TPM_RC_POLICY_FAIL: a policy check failed",
	ErrorBadAuth:             "TPM_RC_BAD_AUTH: authorization failure without DA implications",
	errorCode1Start + 0x24:   "TPM_RC_POLICY_CC: commandCode in the policy is not the commandCode of the command",
}

var warningCodeDescriptions = map[WarningCode]string{
	0x01:                "TPM_RC_CONTEXT_GAP: gap for context ID is too large",
	WarningObjectMemory: "TPM_RC_OBJECT_MEMORY: out of memory for object contexts",
	0x03:                "TPM_RC_SESSION_MEMORY: out of memory for session contexts",
	0x07:                "TPM_RC_SESSION_HANDLES: out of session handles",
	WarningYielded:      "TPM_RC_YIELDED: the TPM has suspended operation on the command; forward progress was made and the command may be retried",
	0x09:                "TPM_RC_CANCELED: the command was canceled",
	WarningTesting:      "TPM_RC_TESTING: TPM is performing self-tests",
	WarningRetry:        "TPM_RC_RETRY: the TPM was not able to start the command",
	0x23:                "TPM_RC_NV_UNAVAILABLE: the command may require writing of NV and NV is not current accessible",
}

// GetErrorString renders a response code as a human readable string,
// including the TCG mnemonic where one is known.
func GetErrorString(rc ResponseCode) string {
	switch {
	case rc == ResponseSuccess:
		return "TPM_RC_SUCCESS"
	case rc&formatMask == 0:
		if rc&fmt0SeverityMask > 0 {
			if desc, ok := warningCodeDescriptions[WarningCode(rc&fmt0ErrorCodeMask)]; ok {
				return desc
			}
		} else if desc, ok := errorCodeDescriptions[ErrorCode(rc&fmt0ErrorCodeMask)]; ok {
			return desc
		}
	default:
		if desc, ok := errorCodeDescriptions[ErrorCode(rc&fmt1ErrorCodeMask)+errorCode1Start]; ok {
			return desc
		}
	}
	return fmt.Sprintf("unknown response code 0x%08x", uint32(rc))
}
