package event

import (
	"encoding/binary"

	"aether.relay.dev/pkg/crypto"
	"lol.mleku.dev/errorf"
)

// ToCanonical appends the canonical serialization used to derive the
// event id: pubkey (32B) || be u64 created_at || be u16 kind || canonical
// tags || content bytes (§4.1).
func (e *E) ToCanonical(dst []byte) (b []byte, err error) {
	if len(e.Pubkey) != crypto.PubkeySize {
		err = errorf.E("event: invalid pubkey length %d", len(e.Pubkey))
		return
	}
	b = dst
	b = append(b, e.Pubkey...)
	b = appendU64(b, e.CreatedAt)
	b = appendU16(b, e.Kind)
	if b, err = e.Tags.MarshalCanonical(b); err != nil {
		return
	}
	b = append(b, e.Content...)
	return
}

// ComputeID returns the content hash of the event's canonical
// serialization, i.e. the value ID should equal for a well-formed event.
func (e *E) ComputeID() (id []byte, err error) {
	var canon []byte
	if canon, err = e.ToCanonical(nil); err != nil {
		return
	}
	id = crypto.Hash(canon)
	return
}

// VerifyID reports whether e.ID matches the recomputed content hash.
func (e *E) VerifyID() (ok bool, err error) {
	var id []byte
	if id, err = e.ComputeID(); err != nil {
		return
	}
	ok = bytesEqual(id, e.ID)
	return
}

// VerifySignature reports whether e.Sig validates e.ID under e.Pubkey.
func (e *E) VerifySignature() (ok bool, err error) {
	return crypto.Verify(e.ID, e.Sig, e.Pubkey)
}

// Sign computes the event id from the canonical serialization, signs it
// under priv, and sets both ID and Sig on the event.
func (e *E) Sign(priv []byte) (err error) {
	var id []byte
	if id, err = e.ComputeID(); err != nil {
		return
	}
	e.ID = id
	e.Sig, err = crypto.Sign(id, priv)
	return
}

// MeetsDifficulty reports whether the event's id satisfies the given
// proof-of-work bit count.
func (e *E) MeetsDifficulty(bits int) bool {
	return crypto.MeetsDifficulty(e.ID, bits)
}

// MinePoW mines a nonce by appending it as 8 raw bytes to the already
// serialized canonical message and rehashing until the event id meets
// bits of difficulty, then sets ID and leaves Sig for the caller to
// produce. The nonce is not a stored field of the event, so the mined
// ID does not survive VerifyID's recomputation from the event's actual
// fields; it exists only to prove the work was done at mining time.
func (e *E) MinePoW(bits int) (nonce uint64, err error) {
	var canon []byte
	if canon, err = e.ToCanonical(nil); err != nil {
		return
	}
	nonce, e.ID = crypto.MinePoW(canon, bits, crypto.Hash)
	return
}

func appendU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func appendU16(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
