// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package wipe is the single chokepoint through which sensitive buffers
// are cleared before release. Callers must not copy sensitive material
// into containers that may reallocate their backing storage, or the copy
// escapes this package's reach.
package wipe

// Bytes overwrites b with zeroes. Safe on nil and empty slices.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// All wipes every supplied buffer.
func All(bufs ...[]byte) {
	for _, b := range bufs {
		Bytes(b)
	}
}
