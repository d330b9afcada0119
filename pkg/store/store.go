// Package store implements the relay's storage engine: kind-class-aware
// insertion, secondary indexing, retention sweeping, and filter-driven
// query, against either an in-memory or a badger-backed implementation of
// the same Engine contract (§4.4).
package store

import (
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
)

// Reason names why an insert was rejected, mirroring the relay's
// storage-level error taxonomy (§4.4, §7 StorageError).
type Reason string

const (
	// InvalidField covers malformed events that should never reach the
	// storage engine if the validator ran first; the engine still guards
	// against it defensively.
	InvalidField Reason = "invalid_field"
	// Duplicate is returned for a re-insertion of an already-stored
	// immutable event; index state is left unchanged.
	Duplicate Reason = "duplicate"
	// Ephemeral is returned for every ephemeral-kind insert; the caller
	// still fans the event out, it is simply never persisted.
	Ephemeral Reason = "ephemeral"
	// Superseded is returned when a replaceable or parameterized-
	// replaceable insert is not newer than the event it would replace.
	Superseded Reason = "superseded"
	// Expired is returned when an immutable event falls outside the
	// configured retention window at insert time.
	Expired Reason = "expired"
	// KindOutOfRange is returned for a kind outside the representable
	// kind-class ranges.
	KindOutOfRange Reason = "kind_out_of_range"
)

// Result is the outcome of an Engine.Insert call: either Admitted is true
// and Reason is empty, or Admitted is false and Reason names why.
type Result struct {
	Admitted bool
	Reason   Reason
}

func admitted() Result         { return Result{Admitted: true} }
func rejected(r Reason) Result { return Result{Admitted: false, Reason: r} }

// Engine is the storage contract every backend (in-memory, badger)
// implements identically from the caller's perspective.
type Engine interface {
	// Insert applies kind-class dispatch and index maintenance for ev,
	// evaluated against now (nanoseconds since epoch, for retention).
	Insert(ev *event.E, now uint64) (Result, error)
	// Query returns every stored event matching f, newest first.
	Query(f *filter.F) ([]*event.E, error)
	// Close releases any backend resources.
	Close() error
}

// Config parameterizes retention and bloom-filter sizing shared by every
// Engine implementation.
type Config struct {
	// RetentionNs is the maximum age an immutable event may have at
	// insert time before it is rejected as Expired. Zero disables the
	// check.
	RetentionNs uint64
	// BloomBits and BloomHashes size the duplicate pre-check filter
	// (§4.3); zero selects a default sized for moderate event volume.
	BloomBits   uint64
	BloomHashes int
}

func (c Config) withDefaults() Config {
	if c.BloomBits == 0 {
		c.BloomBits = 1 << 20
	}
	if c.BloomHashes == 0 {
		c.BloomHashes = 5
	}
	return c
}
