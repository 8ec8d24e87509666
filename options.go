// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/sirupsen/logrus"
)

// SymDef mirrors TPMT_SYM_DEF, the symmetric algorithm negotiated for a
// session at start. This package defines only SymDefNull; any other
// definition given to WithSymmetric is sent to the TPM as supplied.
type SymDef struct {
	Algorithm tpm2.TPMAlgID
	KeyBits   uint16
	Mode      tpm2.TPMAlgID
}

// SymDefNull is the TPM_ALG_NULL symmetric definition used by unencrypted
// sessions.
var SymDefNull = SymDef{Algorithm: tpm2.TPMAlgNull}

// SessionOption adjusts session construction.
type SessionOption func(*Session)

// WithLogger injects the logger used for session lifecycle tracing. The
// default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		s.log = log
	}
}

// WithAuthHash selects the session digest algorithm. The default is
// TPM_ALG_SHA256. Every nonce and digest of the session has this
// algorithm's output length.
func WithAuthHash(alg tpm2.TPMAlgID) SessionOption {
	return func(s *Session) {
		s.hashAlgID = alg
	}
}

// WithSymmetric selects the symmetric algorithm communicated at session
// start. The default is TPM_ALG_NULL.
func WithSymmetric(sym SymDef) SessionOption {
	return func(s *Session) {
		s.symmetric = sym
	}
}

// WithBind binds the session to an entity. The entity's authorization
// value is folded into the session key, so commands authorized with this
// session prove knowledge of it without transmitting it.
func WithBind(bind Entity, bindAuthValue Digest) SessionOption {
	return func(s *Session) {
		s.bind = bind.Handle
		s.authValueBind = append(Digest(nil), bindAuthValue...)
	}
}

// WithSalt makes the session salted: a random digest-sized salt is
// encrypted to tpmKey, a loaded decrypt key whose public area must be
// supplied, and folded into the session key.
func WithSalt(tpmKey tpm2.TPMHandle, public *tpm2.TPMTPublic) SessionOption {
	return func(s *Session) {
		s.tpmKey = tpmKey
		s.tpmKeyPublic = public
	}
}

// WithAttributes replaces the default session attributes
// (AttrContinueSession).
func WithAttributes(attrs SessionAttributes) SessionOption {
	return func(s *Session) {
		s.attrs = attrs
	}
}

// WithPCRBinding records the PCR selection the session's policy is bound
// to. The PCR policy script runs on the live session before the first
// authorized command.
func WithPCRBinding(sel tpm2.TPMLPCRSelection) SessionOption {
	return func(s *Session) {
		s.pcrBinding = sel
	}
}

// WithPolicyOr records the two branches of a compound policy-OR
// authorization. The PCR script that satisfies one branch runs first,
// then PolicyOR is issued with both branch digests in their original
// order.
func WithPolicyOr(branches PolicyBranches) SessionOption {
	return func(s *Session) {
		b := branches
		s.orBranches = &b
	}
}

// WithMaxSubmissions bounds how many times a command is submitted when
// the TPM keeps answering with a retry-class response code. The default
// is 3.
func WithMaxSubmissions(n int) SessionOption {
	return func(s *Session) {
		s.maxSubmissions = n
	}
}

// WithRetryInterval sets the back-off between resubmissions of a command
// that drew a retry-class response code. The default is 10ms.
func WithRetryInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		s.retryInterval = d
	}
}
