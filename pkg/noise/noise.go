// Package noise implements the relay's encrypted channel overlay: an
// X25519 ECDH handshake, HKDF-SHA256 key derivation, and per-frame
// ChaCha20-Poly1305 sealing (§4.9). This is an interoperable
// confidentiality overlay, not a mutual-authentication handshake — see
// the caveats on Session below.
package noise

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lol.mleku.dev/errorf"
)

// Info is the fixed HKDF info string required by §4.9.
const Info = "aether-noise"

// KeySize is the X25519 public/private key size in bytes.
const KeySize = curve25519.ScalarSize

// GenerateKeypair produces a fresh X25519 ephemeral keypair.
func GenerateKeypair() (priv, pub [KeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	var pubSlice []byte
	if pubSlice, err = curve25519.X25519(priv[:], curve25519.Basepoint); err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

// DeriveKey performs X25519 ECDH between ourPriv and theirPub, then
// derives a 256-bit symmetric key via HKDF-SHA256 with an empty salt and
// the "aether-noise" info string (§4.9).
func DeriveKey(ourPriv, theirPub [KeySize]byte) (key [32]byte, err error) {
	shared, err := curve25519.X25519(ourPriv[:], theirPub[:])
	if err != nil {
		return
	}
	r := hkdf.New(sha256.New, shared, nil, []byte(Info))
	if _, err = io.ReadFull(r, key[:]); err != nil {
		return
	}
	return
}

// Session wraps an established noise channel: a sealing AEAD and a
// monotonic per-frame send counter. Counter is incremented by the sender
// per frame; the receiver accepts any counter value and does not enforce
// strict ordering, a documented weakness (§4.9, §9 noise overlay caveat).
type Session struct {
	aead        cipher.AEAD
	sendCounter uint64
}

// NewSession constructs a Session from a derived symmetric key.
func NewSession(key [32]byte) (*Session, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Session{aead: aead}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Seal encrypts plaintext under the next send counter value, returning
// the ciphertext (with the 16-byte Poly1305 tag appended) and the
// counter used, which the caller includes alongside the ciphertext on
// the wire so the receiver can construct the matching nonce.
func (s *Session) Seal(plaintext []byte) (ciphertext []byte, counter uint64, err error) {
	counter = atomic.AddUint64(&s.sendCounter, 1) - 1
	nonce := nonceFor(counter)
	ciphertext = s.aead.Seal(nil, nonce, plaintext, nil)
	return
}

// Open decrypts ciphertext sealed under counter. No ordering check is
// performed on counter (§4.9).
func (s *Session) Open(ciphertext []byte, counter uint64) ([]byte, error) {
	nonce := nonceFor(counter)
	pt, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errorf.E("noise: decryption failed: %w", err)
	}
	return pt, nil
}
