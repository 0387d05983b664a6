package util

import "runtime"

// Wipe zeroes key material in place. KeepAlive stops the compiler from
// eliding the writes when b is about to go out of scope.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
