// Package crypto wraps the relay's fixed cryptographic primitives:
// content hashing, Ed25519 signing/verification, and proof-of-work
// difficulty checks. Kept as one small package (rather than spread across
// call sites) so the primitives stay swappable in one place — see
// DESIGN.md for why this is one of the few packages built directly on the
// standard library instead of a pack dependency.
package crypto

import "crypto/sha256"

// HashSize is the length in bytes of the relay's content-addressing hash.
const HashSize = sha256.Size

// Hash returns the SHA-256 digest of in, used both as the event content
// hash and as the capability token id hash.
func Hash(in []byte) []byte {
	h := sha256.Sum256(in)
	return h[:]
}
