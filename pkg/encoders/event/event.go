// Package event implements the relay's atomic unit: a signed,
// content-addressed record, its canonical serialization, and the
// identity/signature invariants that every stored or dispatched event
// must satisfy.
package event

import "aether.relay.dev/pkg/encoders/tag"

// E is the primary datatype of the relay. Binary fields (ID, Pubkey, Sig)
// hold raw bytes here; the wire boundary is solely responsible for the
// hex/binary conversion in and out of this form (§9 event field variance).
type E struct {
	// ID is the content hash of the canonical encoding of the event.
	ID []byte

	// Pubkey is the 32-byte public key of the event's author.
	Pubkey []byte

	// CreatedAt is the author-supplied nanosecond-granularity timestamp.
	CreatedAt uint64

	// Kind selects the event's storage class and application semantics.
	Kind uint16

	// Tags is the event's ordered tag sequence.
	Tags tag.List

	// Content is the event's opaque payload.
	Content []byte

	// Sig is the 64-byte Ed25519 signature over ID under Pubkey.
	Sig []byte
}

// S is a slice of events that sorts newest-first by the replacement
// ordering key: (created_at, event_id) with created_at dominant and ties
// broken by event_id byte order (§3 ordering key).
type S []*E

func (s S) Len() int      { return len(s) }
func (s S) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s S) Less(i, j int) bool {
	if s[i].CreatedAt != s[j].CreatedAt {
		return s[i].CreatedAt > s[j].CreatedAt
	}
	return compareBytes(s[i].ID, s[j].ID) > 0
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Newer reports whether e supersedes o under the replacement ordering key:
// greater created_at wins, ties broken by event_id byte order.
func (e *E) Newer(o *E) bool {
	if e.CreatedAt != o.CreatedAt {
		return e.CreatedAt > o.CreatedAt
	}
	return compareBytes(e.ID, o.ID) > 0
}

// DTagValue returns the "d" tag value used as the secondary key for
// parameterized-replaceable events.
func (e *E) DTagValue() []byte { return e.Tags.DTagValue() }
