// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package kmyth implements the TPM 2.0 authorization-session protocol used to
recover data that was previously sealed to a TPM: session establishment and
nonce bookkeeping, command and response parameter hashing, authorization HMAC
computation and verification, and construction and satisfaction of PCR-bound
(optionally compound policy-OR) authorization policies.

The package speaks to a TPM through an injected transport
(github.com/google/go-tpm/tpm2/transport), which may be a character device,
a resource manager, or a simulator. It owns no global state; callers own the
transport and are responsible for serializing access to it if several
sessions share one connection.

Sensitive material (authorization values, session keys, intermediate copies
of recovered plaintext) is held in buffers that are zeroed when a session is
closed or an operation fails. The plaintext returned by Unseal belongs to the
caller, who is responsible for wiping it.
*/
package kmyth
