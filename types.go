// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"github.com/google/go-tpm/tpm2"
)

// Digest corresponds to the TPM2B_DIGEST type, without the size prefix.
type Digest []byte

// Nonce corresponds to the TPM2B_NONCE type, without the size prefix.
type Nonce []byte

// Auth corresponds to the TPM2B_AUTH type, without the size prefix.
type Auth []byte

// Name corresponds to the TPM2B_NAME type, without the size prefix. For
// transient and persistent objects this is the object's name algorithm
// followed by the digest of its public area; for permanent entities it is
// the big-endian encoding of the handle.
type Name []byte

// Entity identifies a TPM entity targeted by an authorized command: its
// handle, as placed in the command handle area, and its name, as folded
// into the command parameter hash.
type Entity struct {
	Handle tpm2.TPMHandle
	Name   Name
}

// PermanentEntity returns an Entity for a permanent handle (hierarchies,
// TPM_RH_NULL, PCRs). The name of a permanent entity is its handle.
func PermanentEntity(handle tpm2.TPMHandle) Entity {
	return Entity{Handle: handle, Name: handleName(handle)}
}

// SessionType distinguishes the two session flavors this package creates.
// The values are the TPM2_SE wire encodings.
type SessionType uint8

const (
	// SessionTypePolicy sessions authorize commands by satisfying the
	// authorization policy of the target object.
	SessionTypePolicy SessionType = 0x01

	// SessionTypeTrial sessions compute a policy digest without being able
	// to authorize anything.
	SessionTypeTrial SessionType = 0x03
)

func (t SessionType) String() string {
	switch t {
	case SessionTypePolicy:
		return "policy"
	case SessionTypeTrial:
		return "trial"
	default:
		return "unknown"
	}
}

// SessionAttributes is the TPMA_SESSION octet carried in an authorization
// area and folded into the authorization HMAC.
type SessionAttributes uint8

const (
	AttrContinueSession SessionAttributes = 1 << 0
	AttrAuditExclusive  SessionAttributes = 1 << 1
	AttrAuditReset      SessionAttributes = 1 << 2
	AttrDecrypt         SessionAttributes = 1 << 5
	AttrEncrypt         SessionAttributes = 1 << 6
	AttrAudit           SessionAttributes = 1 << 7
)

// PolicyBranches holds the two pre-computed policy digests of a compound
// policy-OR authorization, in the order they were combined.
type PolicyBranches struct {
	Branch1 Digest
	Branch2 Digest
}

type sessionState uint8

const (
	sessionStateInit sessionState = iota
	sessionStateActive
	sessionStateClosed
)
