// Package utils holds small, dependency-free helpers shared across the
// relay's packages.
package utils

// FastEqual does a constant-shape byte-for-byte comparison of two
// string-or-[]byte values, used for comparing tag keys and values and
// capability-token pubkeys without forcing a conversion at every call
// site.
func FastEqual[A string | []byte, B string | []byte](a A, b B) (same bool) {
	if len(a) != len(b) {
		return
	}
	ab := []byte(a)
	bb := []byte(b)
	for i, v := range ab {
		if v != bb[i] {
			return
		}
	}
	return true
}
