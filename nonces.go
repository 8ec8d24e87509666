// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"github.com/SociOS-Linux/kmyth/internal/wipe"
)

// nonceBook holds the caller's rolling (newer, older) nonce pair for one
// authorization session. Each party to an exchange generates a fresh
// "newer" nonce before speaking and remembers the last nonce it received
// from the other party as "older".
type nonceBook struct {
	newer Nonce
	older Nonce
	size  int
}

func (n *nonceBook) init(firstNewer Nonce, digestSize int) error {
	if len(firstNewer) != digestSize {
		return &ProtocolViolationError{msg: "initial caller nonce length does not match session digest size"}
	}
	n.newer = firstNewer
	n.older = nil
	n.size = digestSize
	return nil
}

// roll demotes the current newer nonce to older and installs the incoming
// nonce as newer. Both nonces of an established session are digest-sized.
func (n *nonceBook) roll(incoming Nonce) error {
	if len(incoming) != n.size {
		return &ProtocolViolationError{msg: "incoming nonce length does not match session digest size"}
	}
	if len(n.newer) != n.size {
		return &ProtocolViolationError{msg: "session nonce state corrupted"}
	}
	n.older = n.newer
	n.newer = incoming
	return nil
}

func (n *nonceBook) wipe() {
	wipe.Bytes(n.newer)
	wipe.Bytes(n.older)
	n.newer = nil
	n.older = nil
}
