// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// ResponseCode is a verbatim TPM response code.
type ResponseCode uint32

// ResponseSuccess is the response code of a successful command.
const ResponseSuccess ResponseCode = 0

// ErrorCode is the error number extracted from a response code. Format-one
// error numbers are offset by errorCode1Start so that the two formats share
// one namespace.
type ErrorCode uint16

// WarningCode is the warning number extracted from a format-zero response
// code with the severity bit set.
type WarningCode uint16

const (
	errorCode1Start ErrorCode = 0x80

	// ErrorValue corresponds to TPM_RC_VALUE.
	ErrorValue ErrorCode = errorCode1Start + 0x04
	// ErrorAuthFail corresponds to TPM_RC_AUTH_FAIL.
	ErrorAuthFail ErrorCode = errorCode1Start + 0x0e
	// ErrorPolicyFail corresponds to TPM_RC_POLICY_FAIL.
	ErrorPolicyFail ErrorCode = errorCode1Start + 0x1d
	// ErrorBadAuth corresponds to TPM_RC_BAD_AUTH.
	ErrorBadAuth ErrorCode = errorCode1Start + 0x22
	// ErrorPolicy corresponds to TPM_RC_POLICY.
	ErrorPolicy ErrorCode = 0x26

	// WarningObjectMemory corresponds to TPM_RC_OBJECT_MEMORY.
	WarningObjectMemory WarningCode = 0x02
	// WarningYielded corresponds to TPM_RC_YIELDED.
	WarningYielded WarningCode = 0x08
	// WarningTesting corresponds to TPM_RC_TESTING.
	WarningTesting WarningCode = 0x0a
	// WarningRetry corresponds to TPM_RC_RETRY.
	WarningRetry WarningCode = 0x22
)

// InvalidInputError is returned for caller-fixable argument problems that
// are detected before any TPM state is created.
type InvalidInputError struct {
	msg string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.msg)
}

func makeInvalidInputError(format string, args ...interface{}) error {
	return &InvalidInputError{msg: fmt.Sprintf(format, args...)}
}

// ProtocolViolationError is returned when session state violates the
// authorization protocol, such as a nonce whose length does not match the
// session digest size.
type ProtocolViolationError struct {
	msg string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("authorization protocol violation: %s", e.msg)
}

// InternalError is returned on invariant violations within this package,
// such as an exchange attempted on a closed session.
type InternalError struct {
	msg string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.msg)
}

// TPMError is returned when the TPM responds to a command with an error
// that is not retried at this layer. Raw carries the response code
// verbatim for caller diagnosis.
type TPMError struct {
	Command tpm2.TPMCC
	Code    ErrorCode
	Raw     ResponseCode
}

func (e *TPMError) Error() string {
	if desc, hasDesc := errorCodeDescriptions[e.Code]; hasDesc {
		return fmt.Sprintf("TPM returned an error whilst executing command 0x%08x: 0x%03x (%s)", uint32(e.Command), uint32(e.Raw), desc)
	}
	return fmt.Sprintf("TPM returned an error whilst executing command 0x%08x: 0x%03x", uint32(e.Command), uint32(e.Raw))
}

// TPMSessionError is a TPMError associated with a session slot in the
// authorization area. It wraps a *TPMError.
type TPMSessionError struct {
	*TPMError
	Index int
}

func (e *TPMSessionError) Error() string {
	return fmt.Sprintf("TPM returned an error for session %d whilst executing command 0x%08x: 0x%03x", e.Index, uint32(e.Command), uint32(e.Raw))
}

func (e *TPMSessionError) Unwrap() error {
	return e.TPMError
}

// TPMParameterError is a TPMError associated with a command parameter. It
// wraps a *TPMError.
type TPMParameterError struct {
	*TPMError
	Index int
}

func (e *TPMParameterError) Error() string {
	return fmt.Sprintf("TPM returned an error for parameter %d whilst executing command 0x%08x: 0x%03x", e.Index, uint32(e.Command), uint32(e.Raw))
}

func (e *TPMParameterError) Unwrap() error {
	return e.TPMError
}

// TPMHandleError is a TPMError associated with a command handle. It wraps
// a *TPMError.
type TPMHandleError struct {
	*TPMError
	Index int
}

func (e *TPMHandleError) Error() string {
	return fmt.Sprintf("TPM returned an error for handle %d whilst executing command 0x%08x: 0x%03x", e.Index, uint32(e.Command), uint32(e.Raw))
}

func (e *TPMHandleError) Unwrap() error {
	return e.TPMError
}

// TPMWarning is returned when the TPM responds with a format-zero warning
// code that this layer does not retry.
type TPMWarning struct {
	Command tpm2.TPMCC
	Code    WarningCode
	Raw     ResponseCode
}

func (e *TPMWarning) Error() string {
	return fmt.Sprintf("TPM returned a warning whilst executing command 0x%08x: 0x%03x", uint32(e.Command), uint32(e.Raw))
}

// TPMVendorError is returned when the TPM responds with a vendor-defined
// response code.
type TPMVendorError struct {
	Command tpm2.TPMCC
	Raw     ResponseCode
}

func (e *TPMVendorError) Error() string {
	return fmt.Sprintf("TPM returned a vendor defined error whilst executing command 0x%08x: 0x%08x", uint32(e.Command), uint32(e.Raw))
}

// TPMRetryError is returned when a retry-class response code persists
// after the bounded number of submissions.
type TPMRetryError struct {
	Command  tpm2.TPMCC
	Raw      ResponseCode
	Attempts int
}

func (e *TPMRetryError) Error() string {
	return fmt.Sprintf("TPM still responding 0x%03x to command 0x%08x after %d submissions", uint32(e.Raw), uint32(e.Command), e.Attempts)
}

// AuthVerificationError is returned when the HMAC in a response
// authorization area does not match the locally computed value. The
// response cannot be trusted and the session is closed.
type AuthVerificationError struct {
	Command tpm2.TPMCC
}

func (e *AuthVerificationError) Error() string {
	return fmt.Sprintf("response HMAC check failed for command 0x%08x", uint32(e.Command))
}

// PolicyNotSatisfiedError is returned when the PCR state does not match a
// simple policy, or neither branch of a compound policy-OR applies. It
// wraps the underlying TPM error.
type PolicyNotSatisfiedError struct {
	err error
}

func (e *PolicyNotSatisfiedError) Error() string {
	return fmt.Sprintf("authorization policy cannot be satisfied in the current platform state: %v", e.err)
}

func (e *PolicyNotSatisfiedError) Unwrap() error {
	return e.err
}

// InvalidResponseError is returned when a response packet from the TPM is
// malformed: truncated, carrying an inconsistent size field, or missing
// the expected authorization area.
type InvalidResponseError struct {
	Command tpm2.TPMCC
	msg     string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("TPM returned an invalid response for command 0x%08x: %s", uint32(e.Command), e.msg)
}

// TransportError is returned when the underlying transport fails to carry
// a command or response.
type TransportError struct {
	Op  string
	err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cannot complete %s operation on transport: %v", e.Op, e.err)
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// Timeout reports whether the transport failure was a timeout. The session
// that hit it is in an indeterminate nonce state and must be closed.
func (e *TransportError) Timeout() bool {
	type timeouter interface {
		Timeout() bool
	}
	if t, ok := e.err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

const (
	formatMask ResponseCode = 1 << 7

	fmt0ErrorCodeMask ResponseCode = 0x7f
	fmt0VersionMask   ResponseCode = 1 << 8
	fmt0VendorMask    ResponseCode = 1 << 10
	fmt0SeverityMask  ResponseCode = 1 << 11

	fmt1ErrorCodeMask            ResponseCode = 0x3f
	fmt1IndexShift               uint         = 8
	fmt1ParameterIndexMask       ResponseCode = 0xf << fmt1IndexShift
	fmt1HandleOrSessionIndexMask ResponseCode = 0x7 << fmt1IndexShift
	fmt1ParameterMask            ResponseCode = 1 << 6
	fmt1SessionMask              ResponseCode = 1 << 11
)

// retryable reports whether rc belongs to the class of response codes that
// indicate the command was not executed and may be resubmitted verbatim.
func (rc ResponseCode) retryable() bool {
	if rc&formatMask != 0 || rc&fmt0VersionMask == 0 || rc&fmt0VendorMask != 0 || rc&fmt0SeverityMask == 0 {
		return false
	}
	switch WarningCode(rc & fmt0ErrorCodeMask) {
	case WarningRetry, WarningYielded, WarningTesting:
		return true
	}
	return false
}

// DecodeResponseCode turns a non-success response code into the
// appropriate error for the command that produced it. A success code
// decodes to nil.
func DecodeResponseCode(command tpm2.TPMCC, rc ResponseCode) error {
	switch {
	case rc == ResponseSuccess:
		return nil
	case rc&formatMask == 0:
		// Format-zero codes
		switch {
		case rc&fmt0VersionMask == 0:
			// TPM 1.2 codes have no business on this transport
			return &InvalidResponseError{command, fmt.Sprintf("TPM1.2 response code 0x%08x", uint32(rc))}
		case rc&fmt0VendorMask > 0:
			return &TPMVendorError{command, rc}
		case rc&fmt0SeverityMask > 0:
			return &TPMWarning{command, WarningCode(rc & fmt0ErrorCodeMask), rc}
		default:
			return &TPMError{command, ErrorCode(rc & fmt0ErrorCodeMask), rc}
		}
	default:
		// Format-one codes
		err := &TPMError{command, ErrorCode(rc&fmt1ErrorCodeMask) + errorCode1Start, rc}
		switch {
		case rc&fmt1ParameterMask > 0:
			return &TPMParameterError{err, int((rc & fmt1ParameterIndexMask) >> fmt1IndexShift)}
		case rc&fmt1SessionMask > 0:
			return &TPMSessionError{err, int((rc & fmt1HandleOrSessionIndexMask) >> fmt1IndexShift)}
		case rc&fmt1HandleOrSessionIndexMask > 0:
			return &TPMHandleError{err, int((rc & fmt1HandleOrSessionIndexMask) >> fmt1IndexShift)}
		default:
			return err
		}
	}
}
