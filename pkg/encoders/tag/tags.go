package tag

import (
	"aether.relay.dev/pkg/utils"
	"lol.mleku.dev/errorf"
)

// List is an ordered sequence of tags with no uniqueness constraint (not
// a set), carrying the u16 length prefix defined for an event's tag
// sequence in the canonical encoding.
type List []*T

// NewList builds a List from zero or more already-normalized tags.
func NewList(t ...*T) List { return List(t) }

// Append adds tags to the list in place.
func (s *List) Append(t ...*T) { *s = append(*s, t...) }

// GetFirst returns the first tag in the list whose key equals k, or nil.
func (s List) GetFirst(k []byte) *T {
	for _, t := range s {
		if utils.FastEqual(t.Key, k) {
			return t
		}
	}
	return nil
}

// DTagValue returns the value used as the secondary key for
// parameterized-replaceable events: the first value of the first tag
// whose key equals "d", or the empty string if there is no such tag.
func (s List) DTagValue() []byte {
	t := s.GetFirst([]byte("d"))
	if t == nil {
		return nil
	}
	return t.Value()
}

// Contains reports whether any tag in the list has exactly the given key
// and carries the given value at any position among its values — used by
// the filter matcher's tag clause.
func (s List) Contains(key, value []byte) bool {
	for _, t := range s {
		if !utils.FastEqual(t.Key, key) {
			continue
		}
		for _, v := range t.Values {
			if utils.FastEqual(v, value) {
				return true
			}
		}
	}
	return false
}

// MarshalCanonical appends the list's canonical binary form (u16 tag
// count, then each tag's own canonical encoding) to dst.
func (s List) MarshalCanonical(dst []byte) (b []byte, err error) {
	if len(s) > 0xffff {
		err = errorf.E("tag: too many tags: %d", len(s))
		return
	}
	b = dst
	b = appendU16(b, uint16(len(s)))
	for _, t := range s {
		if b, err = t.MarshalCanonical(b); err != nil {
			return
		}
	}
	return
}

// UnmarshalCanonicalList decodes a tag list from its canonical binary
// form, returning the remainder of b.
func UnmarshalCanonicalList(b []byte) (s List, rest []byte, err error) {
	if len(b) < 2 {
		err = errorf.E("tag: truncated tag count")
		return
	}
	count := int(readU16(b))
	b = b[2:]
	for i := 0; i < count; i++ {
		var t *T
		if t, b, err = UnmarshalCanonical(b); err != nil {
			return
		}
		s = append(s, t)
	}
	rest = b
	return
}
