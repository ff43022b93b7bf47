package wsproto

import "crypto/rand"

// newMaskKey generates a fresh client masking key. RFC 6455 §5.3
// requires it be unpredictable; crypto/rand is the only source in the
// standard library suitable for that.
func newMaskKey() [4]byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	return key
}
