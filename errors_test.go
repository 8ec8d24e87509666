// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-tpm/tpm2"
)

func TestDecodeResponseCodeSuccess(t *testing.T) {
	if err := DecodeResponseCode(tpm2.TPMCCUnseal, ResponseSuccess); err != nil {
		t.Errorf("success must decode to nil, got %v", err)
	}
}

func TestDecodeResponseCode(t *testing.T) {
	for _, data := range []struct {
		desc string
		rc   ResponseCode
		test func(t *testing.T, err error)
	}{
		{
			desc: "SessionAuthFail",
			rc:   0x98E,
			test: func(t *testing.T, err error) {
				var e *TPMSessionError
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
				if e.Code != ErrorAuthFail || e.Index != 1 || e.Raw != 0x98E {
					t.Errorf("bad decode: %+v", e)
				}
			},
		},
		{
			desc: "SessionPolicyFail",
			rc:   0x99D,
			test: func(t *testing.T, err error) {
				var e *TPMSessionError
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
				if e.Code != ErrorPolicyFail || e.Index != 1 {
					t.Errorf("bad decode: %+v", e)
				}
			},
		},
		{
			desc: "ParameterValue",
			rc:   0x1C4,
			test: func(t *testing.T, err error) {
				var e *TPMParameterError
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
				if e.Code != ErrorValue || e.Index != 1 {
					t.Errorf("bad decode: %+v", e)
				}
			},
		},
		{
			desc: "HandleError",
			rc:   0x18B,
			test: func(t *testing.T, err error) {
				var e *TPMHandleError
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
				if e.Index != 1 {
					t.Errorf("bad decode: %+v", e)
				}
			},
		},
		{
			desc: "Format0Error",
			rc:   0x120, // TPM_RC_DISABLED
			test: func(t *testing.T, err error) {
				var e *TPMError
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
				if e.Code != 0x20 {
					t.Errorf("bad decode: %+v", e)
				}
			},
		},
		{
			desc: "Warning",
			rc:   0x902, // TPM_RC_OBJECT_MEMORY
			test: func(t *testing.T, err error) {
				var e *TPMWarning
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
				if e.Code != WarningObjectMemory {
					t.Errorf("bad decode: %+v", e)
				}
			},
		},
		{
			desc: "VendorError",
			rc:   0x57E,
			test: func(t *testing.T, err error) {
				var e *TPMVendorError
				if !errors.As(err, &e) {
					t.Fatalf("wrong type %T", err)
				}
			},
		},
	} {
		t.Run(data.desc, func(t *testing.T) {
			err := DecodeResponseCode(tpm2.TPMCCUnseal, data.rc)
			if err == nil {
				t.Fatalf("expected an error for rc 0x%03x", uint32(data.rc))
			}
			data.test(t, err)
		})
	}
}

func TestSessionAndParameterErrorsUnwrapToTPMError(t *testing.T) {
	err := DecodeResponseCode(tpm2.TPMCCUnseal, 0x98E)
	var e *TPMError
	if !errors.As(err, &e) {
		t.Fatalf("session error does not unwrap to *TPMError")
	}
	if e.Raw != 0x98E {
		t.Errorf("unwrapped error lost the verbatim response code")
	}

	err = DecodeResponseCode(tpm2.TPMCCUnseal, 0x1C4)
	e = nil
	if !errors.As(err, &e) {
		t.Fatalf("parameter error does not unwrap to *TPMError")
	}
	if e.Raw != 0x1C4 {
		t.Errorf("unwrapped error lost the verbatim response code")
	}
}

func TestRetryableClassification(t *testing.T) {
	for _, data := range []struct {
		rc        ResponseCode
		retryable bool
	}{
		{0x922, true},  // TPM_RC_RETRY
		{0x908, true},  // TPM_RC_YIELDED
		{0x90A, true},  // TPM_RC_TESTING
		{0x902, false}, // TPM_RC_OBJECT_MEMORY: transient load pressure is not retried here
		{0x98E, false}, // session auth failure
		{0x120, false}, // format-zero error
		{0x000, false},
	} {
		if got := data.rc.retryable(); got != data.retryable {
			t.Errorf("retryable(0x%03x) = %v, want %v", uint32(data.rc), got, data.retryable)
		}
	}
}

func TestGetErrorString(t *testing.T) {
	if s := GetErrorString(ResponseSuccess); s != "TPM_RC_SUCCESS" {
		t.Errorf("unexpected success string %q", s)
	}
	if s := GetErrorString(0x98E); !strings.Contains(s, "TPM_RC_AUTH_FAIL") {
		t.Errorf("unexpected string for 0x98E: %q", s)
	}
	if s := GetErrorString(0x922); !strings.Contains(s, "TPM_RC_RETRY") {
		t.Errorf("unexpected string for 0x922: %q", s)
	}
	if s := GetErrorString(0x7FFFFFFF); !strings.Contains(s, "unknown") {
		t.Errorf("unexpected string for garbage rc: %q", s)
	}
}
