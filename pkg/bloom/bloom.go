// Package bloom implements a configurable Bloom filter used as a fast
// negative-lookup hint before the storage engine's definitive duplicate
// check on insert (§4.3).
package bloom

import (
	"encoding/binary"
	"sync"

	"aether.relay.dev/pkg/crypto"
)

// Filter is a fixed-size bit array with k independent hash slots, each
// derived by hashing data together with a big-endian u16 slot index.
type Filter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64 // number of bits
	k    int
}

// New allocates a Filter with m bits and k hash slots.
func New(m uint64, k int) *Filter {
	if m == 0 {
		m = 1
	}
	if k <= 0 {
		k = 1
	}
	words := (m + 63) / 64
	return &Filter{bits: make([]uint64, words), m: m, k: k}
}

func (f *Filter) slot(data []byte, i int) uint64 {
	var idxBuf [2]byte
	binary.BigEndian.PutUint16(idxBuf[:], uint16(i))
	h := crypto.Hash(append(append([]byte{}, data...), idxBuf[:]...))
	var v uint64
	for i := 0; i < 8 && i < len(h); i++ {
		v = v<<8 | uint64(h[i])
	}
	return v % f.m
}

// Add sets the k bits derived from data.
func (f *Filter) Add(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < f.k; i++ {
		bit := f.slot(data, i)
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MightContain returns true iff all k bits derived from data are set. A
// false result is a definitive negative; a true result must still be
// confirmed against the authoritative index.
func (f *Filter) MightContain(data []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := 0; i < f.k; i++ {
		bit := f.slot(data, i)
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}
