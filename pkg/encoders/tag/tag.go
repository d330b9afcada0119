// Package tag implements a single relay tag: an ASCII key followed by an
// ordered list of UTF-8 values, its canonical binary encoding, and the
// permissive normalization of the shapes a client may send it in over the
// wire (record, positional sequence, or already-normalized).
package tag

import (
	"bytes"

	"aether.relay.dev/pkg/utils/bufpool"
	"lol.mleku.dev/errorf"
)

// T is a single normalized tag: a key and its ordered values. Internal
// code only ever operates on this form; the wire boundary is responsible
// for folding the permissive input shapes into it.
type T struct {
	Key    []byte
	Values [][]byte
	b      bufpool.B
}

// New allocates an empty tag backed by a pooled scratch buffer.
func New() *T { return &T{b: bufpool.Get()} }

// NewFromKeyValues builds a normalized tag directly from a key and values.
func NewFromKeyValues(key []byte, values ...[]byte) *T {
	return &T{Key: key, Values: values, b: bufpool.Get()}
}

// NewFromStrings is a convenience constructor for literal key/value pairs
// used by tests and internal call sites.
func NewFromStrings(key string, values ...string) *T {
	t := &T{Key: []byte(key), b: bufpool.Get()}
	for _, v := range values {
		t.Values = append(t.Values, []byte(v))
	}
	return t
}

// Free returns the tag's pooled scratch buffer to the pool.
func (t *T) Free() {
	if t == nil {
		return
	}
	bufpool.Put(t.b)
	t.b = nil
}

// NormalizeSequence accepts the positional-sequence shape [key, v1, v2, ...]
// and folds it into the canonical record form. An empty key is rejected, as
// is an empty sequence.
func NormalizeSequence(fields [][]byte) (t *T, err error) {
	if len(fields) == 0 || len(fields[0]) == 0 {
		err = errorf.E("tag: empty key is rejected")
		return
	}
	t = NewFromKeyValues(fields[0], fields[1:]...)
	return
}

// NormalizeAny accepts fields coerced from JSON decoding — strings, or
// numeric values the caller has already rendered as strings — and folds
// them into a single positional sequence before normalizing. Any other
// field type is rejected with an error.
func NormalizeAny(fields ...any) (t *T, err error) {
	raw := make([][]byte, 0, len(fields))
	for _, f := range fields {
		switch v := f.(type) {
		case []byte:
			raw = append(raw, v)
		case string:
			raw = append(raw, []byte(v))
		default:
			err = errorf.E("tag: unsupported field type %T", f)
			return
		}
	}
	return NormalizeSequence(raw)
}

// Len returns the number of values (not counting the key).
func (t *T) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Values)
}

// Value returns the first value, or nil if the tag has none.
func (t *T) Value() []byte {
	if t == nil || len(t.Values) == 0 {
		return nil
	}
	return t.Values[0]
}

// Equal reports whether two tags have the same key and value sequence.
func (t *T) Equal(o *T) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !bytes.Equal(t.Key, o.Key) {
		return false
	}
	if len(t.Values) != len(o.Values) {
		return false
	}
	for i := range t.Values {
		if !bytes.Equal(t.Values[i], o.Values[i]) {
			return false
		}
	}
	return true
}

// MarshalCanonical appends this tag's canonical binary form (u8 key
// length, key bytes, u16 value count, then each value as a u16 length
// followed by its bytes) to dst.
func (t *T) MarshalCanonical(dst []byte) (b []byte, err error) {
	if len(t.Key) == 0 {
		err = errorf.E("tag: empty key is rejected during serialization")
		return
	}
	if len(t.Key) > 255 {
		err = errorf.E("tag: key too long: %d bytes", len(t.Key))
		return
	}
	b = dst
	b = append(b, byte(len(t.Key)))
	b = append(b, t.Key...)
	if len(t.Values) > 0xffff {
		err = errorf.E("tag: too many values: %d", len(t.Values))
		return
	}
	b = appendU16(b, uint16(len(t.Values)))
	for _, v := range t.Values {
		if len(v) > 0xffff {
			err = errorf.E("tag: value too long: %d bytes", len(v))
			return
		}
		b = appendU16(b, uint16(len(v)))
		b = append(b, v...)
	}
	return
}

// UnmarshalCanonical decodes a single tag from its canonical binary form,
// returning the remainder of b.
func UnmarshalCanonical(b []byte) (t *T, rest []byte, err error) {
	if len(b) < 1 {
		err = errorf.E("tag: truncated key length")
		return
	}
	keyLen := int(b[0])
	b = b[1:]
	if len(b) < keyLen {
		err = errorf.E("tag: truncated key")
		return
	}
	key := b[:keyLen]
	b = b[keyLen:]
	if len(key) == 0 {
		err = errorf.E("tag: empty key is rejected")
		return
	}
	if len(b) < 2 {
		err = errorf.E("tag: truncated value count")
		return
	}
	valueCount := int(readU16(b))
	b = b[2:]
	t = &T{Key: key}
	for i := 0; i < valueCount; i++ {
		if len(b) < 2 {
			err = errorf.E("tag: truncated value length")
			return
		}
		vLen := int(readU16(b))
		b = b[2:]
		if len(b) < vLen {
			err = errorf.E("tag: truncated value")
			return
		}
		t.Values = append(t.Values, b[:vLen])
		b = b[vLen:]
	}
	rest = b
	return
}

func appendU16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func readU16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
