// Package filter implements the relay's query/subscription predicate: a
// conjunction of optional clauses over kind, author prefix, tag pairs and
// time window, matched against an event.
package filter

import (
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/kind"
	"lol.mleku.dev/errorf"
)

// TagPair is a single (key, value) the Tags clause requires to be present
// somewhere in an event's tag list.
type TagPair struct {
	Key, Value []byte
}

// F is a single filter: every present clause is AND'ed together to decide
// whether an event matches (§3 Filter).
type F struct {
	Kinds          kind.Set
	PubkeyPrefixes [][]byte // each exactly 16 bytes
	Tags           []TagPair
	Since, Until   *uint64
}

// PrefixLen is the required length of a pubkey_prefixes entry.
const PrefixLen = 16

// Validate rejects malformed prefixes before the filter is ever matched.
func (f *F) Validate() error {
	for _, p := range f.PubkeyPrefixes {
		if len(p) != PrefixLen {
			return errorf.E("filter: pubkey prefix must be %d bytes, got %d", PrefixLen, len(p))
		}
	}
	return nil
}

// Match reports whether ev satisfies every present clause of f. The
// matcher is read-only and pure in its inputs: identical events and
// filters always produce identical results, and it performs no I/O, so it
// is safe to call concurrently with any number of other Match calls
// (§5 ordering guarantees; §8 determinism property).
func (f *F) Match(ev *event.E) bool {
	if f.Kinds.Len() > 0 && !f.Kinds.Contains(ev.Kind) {
		return false
	}
	if len(f.PubkeyPrefixes) > 0 && !matchesAnyPrefix(ev.Pubkey, f.PubkeyPrefixes) {
		return false
	}
	for _, tp := range f.Tags {
		if !ev.Tags.Contains(tp.Key, tp.Value) {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func matchesAnyPrefix(pubkey []byte, prefixes [][]byte) bool {
	for _, p := range prefixes {
		if hasPrefix(pubkey, p) {
			return true
		}
	}
	return false
}

func hasPrefix(pubkey, prefix []byte) bool {
	if len(pubkey) < len(prefix) {
		return false
	}
	for i := range prefix {
		if pubkey[i] != prefix[i] {
			return false
		}
	}
	return true
}

// S is a non-empty sequence of filters; a subscription matches an event
// iff any of its filters matches (OR across filters, §3 Subscription).
type S []*F

// Match reports whether any filter in the sequence matches ev.
func (s S) Match(ev *event.E) bool {
	for _, f := range s {
		if f.Match(ev) {
			return true
		}
	}
	return false
}

// Validate rejects an empty filter sequence or any malformed filter in it.
func (s S) Validate() error {
	if len(s) == 0 {
		return errorf.E("filter: subscription must have at least one filter")
	}
	for _, f := range s {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}
