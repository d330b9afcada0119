package crypto

import (
	"crypto/ed25519"

	"lol.mleku.dev/errorf"
)

// PubkeySize and SigSize are the fixed Ed25519 key/signature lengths the
// relay expects everywhere a pubkey or sig field appears on the wire.
const (
	PubkeySize = ed25519.PublicKeySize
	SigSize    = ed25519.SignatureSize
	PrivSize   = ed25519.PrivateKeySize
)

// Sign produces the 64-byte signature over id (an event_id or token_id)
// under the given Ed25519 private key.
func Sign(id []byte, priv []byte) (sig []byte, err error) {
	if len(priv) != PrivSize {
		err = errorf.E("crypto: invalid private key length %d", len(priv))
		return
	}
	sig = ed25519.Sign(ed25519.PrivateKey(priv), id)
	return
}

// Verify reports whether sig is a valid Ed25519 signature over id under
// pubkey. Malformed key/sig lengths are reported as a returned error
// rather than panicking.
func Verify(id, sig, pubkey []byte) (ok bool, err error) {
	if len(pubkey) != PubkeySize {
		err = errorf.E("crypto: invalid pubkey length %d", len(pubkey))
		return
	}
	if len(sig) != SigSize {
		err = errorf.E("crypto: invalid signature length %d", len(sig))
		return
	}
	ok = ed25519.Verify(ed25519.PublicKey(pubkey), id, sig)
	return
}
