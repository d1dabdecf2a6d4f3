package krypto

import "runtime"

// Wipe overwrites b with zeros.
//
// This is best effort only: the Go runtime may already have copied the bytes
// (string conversions, slice growth, GC moves), so Wipe shortens the lifetime of
// the buffer it is handed and guarantees nothing about other copies.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
