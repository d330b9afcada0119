package store

import (
	"sort"
	"sync"

	"aether.relay.dev/pkg/bloom"
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/encoders/kind"
	"lol.mleku.dev/errorf"
)

// Memory is an in-memory Engine: the primary store plus three secondary
// indexes (by_pubkey, by_kind, by_tag), all mutated under a single lock
// to preserve index-parity with the primary store (§4.4, §5 shared-
// resource policy).
type Memory struct {
	mu  sync.Mutex
	cfg Config

	bloom *bloom.Filter

	byID        map[string]*event.E
	byPubkey    map[string]map[string]struct{}
	byKind      map[uint16]map[string]struct{}
	byTag       map[string]map[string]struct{}
	replaceable map[string]string // (pubkey,kind) -> event id
	parameterized map[string]string // (pubkey,kind,d) -> event id
}

// NewMemory constructs an empty in-memory storage engine.
func NewMemory(cfg Config) *Memory {
	cfg = cfg.withDefaults()
	return &Memory{
		cfg:           cfg,
		bloom:         bloom.New(cfg.BloomBits, cfg.BloomHashes),
		byID:          make(map[string]*event.E),
		byPubkey:      make(map[string]map[string]struct{}),
		byKind:        make(map[uint16]map[string]struct{}),
		byTag:         make(map[string]map[string]struct{}),
		replaceable:   make(map[string]string),
		parameterized: make(map[string]string),
	}
}

func tagIndexKey(k, v []byte) string {
	return string(k) + "\x00" + string(v)
}

func replaceableIndexKey(pubkey []byte, k uint16) string {
	b := make([]byte, 0, len(pubkey)+2)
	b = append(b, pubkey...)
	b = append(b, byte(k>>8), byte(k))
	return string(b)
}

func parameterizedIndexKey(pubkey []byte, k uint16, d []byte) string {
	return replaceableIndexKey(pubkey, k) + "\x00" + string(d)
}

func (m *Memory) addToIndexes(ev *event.E) {
	id := string(ev.ID)
	pk := string(ev.Pubkey)
	if m.byPubkey[pk] == nil {
		m.byPubkey[pk] = make(map[string]struct{})
	}
	m.byPubkey[pk][id] = struct{}{}
	if m.byKind[ev.Kind] == nil {
		m.byKind[ev.Kind] = make(map[string]struct{})
	}
	m.byKind[ev.Kind][id] = struct{}{}
	for _, t := range ev.Tags {
		for _, v := range t.Values {
			tk := tagIndexKey(t.Key, v)
			if m.byTag[tk] == nil {
				m.byTag[tk] = make(map[string]struct{})
			}
			m.byTag[tk][id] = struct{}{}
		}
	}
}

func (m *Memory) removeFromIndexes(ev *event.E) {
	id := string(ev.ID)
	pk := string(ev.Pubkey)
	delete(m.byPubkey[pk], id)
	if len(m.byPubkey[pk]) == 0 {
		delete(m.byPubkey, pk)
	}
	delete(m.byKind[ev.Kind], id)
	if len(m.byKind[ev.Kind]) == 0 {
		delete(m.byKind, ev.Kind)
	}
	for _, t := range ev.Tags {
		for _, v := range t.Values {
			tk := tagIndexKey(t.Key, v)
			delete(m.byTag[tk], id)
			if len(m.byTag[tk]) == 0 {
				delete(m.byTag, tk)
			}
		}
	}
	delete(m.byID, id)
}

// sweepExpiredImmutable purges immutable events that have aged past the
// retention window. Called opportunistically on every immutable insert,
// never on a schedule (§4.4 retention sweeper).
func (m *Memory) sweepExpiredImmutable(now uint64) {
	if m.cfg.RetentionNs == 0 {
		return
	}
	for _, ev := range m.byID {
		if kind.ClassOf(ev.Kind) != kind.Immutable {
			continue
		}
		if now > ev.CreatedAt && now-ev.CreatedAt > m.cfg.RetentionNs {
			m.removeFromIndexes(ev)
		}
	}
}

// Insert implements Engine.Insert (§4.4 insertion dispatch).
func (m *Memory) Insert(ev *event.E, now uint64) (Result, error) {
	if ev == nil || len(ev.ID) == 0 || len(ev.Pubkey) == 0 {
		return rejected(InvalidField), nil
	}
	class := kind.ClassOf(ev.Kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch class {
	case kind.OutOfRange:
		return rejected(KindOutOfRange), nil

	case kind.Ephemeral:
		return rejected(Ephemeral), nil

	case kind.Immutable:
		id := string(ev.ID)
		if m.bloom.MightContain(ev.ID) {
			if _, exists := m.byID[id]; exists {
				return rejected(Duplicate), nil
			}
		}
		if m.cfg.RetentionNs > 0 && now > ev.CreatedAt && now-ev.CreatedAt > m.cfg.RetentionNs {
			return rejected(Expired), nil
		}
		m.byID[id] = ev
		m.bloom.Add(ev.ID)
		m.addToIndexes(ev)
		m.sweepExpiredImmutable(now)
		return admitted(), nil

	case kind.Replaceable:
		key := replaceableIndexKey(ev.Pubkey, ev.Kind)
		if existingID, ok := m.replaceable[key]; ok {
			existing := m.byID[existingID]
			if existing != nil && existing.CreatedAt >= ev.CreatedAt {
				return rejected(Superseded), nil
			}
			if existing != nil {
				m.removeFromIndexes(existing)
			}
		}
		m.byID[string(ev.ID)] = ev
		m.addToIndexes(ev)
		m.replaceable[key] = string(ev.ID)
		return admitted(), nil

	case kind.ParameterizedReplaceable:
		// A missing "d" tag defaults to the empty-string key, not a
		// rejection (§3, §4.4): DTagValue's nil return already becomes
		// "" through parameterizedIndexKey's string(d) conversion.
		key := parameterizedIndexKey(ev.Pubkey, ev.Kind, ev.DTagValue())
		if existingID, ok := m.parameterized[key]; ok {
			existing := m.byID[existingID]
			if existing != nil && existing.CreatedAt >= ev.CreatedAt {
				return rejected(Superseded), nil
			}
			if existing != nil {
				m.removeFromIndexes(existing)
			}
		}
		m.byID[string(ev.ID)] = ev
		m.addToIndexes(ev)
		m.parameterized[key] = string(ev.ID)
		return admitted(), nil
	}
	return rejected(KindOutOfRange), nil
}

// Query implements Engine.Query: intersect candidate sets in order of
// likely selectivity (tag ∩ pubkey ∩ kind), then apply since/until
// linearly (§4.4).
func (m *Memory) Query(f *filter.F) ([]*event.E, error) {
	if f == nil {
		return nil, errorf.E("store: nil filter")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates map[string]struct{}
	narrow := func(next map[string]struct{}) {
		if candidates == nil {
			candidates = next
			return
		}
		for id := range candidates {
			if _, ok := next[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	if len(f.Tags) > 0 {
		for _, tp := range f.Tags {
			set := m.byTag[tagIndexKey(tp.Key, tp.Value)]
			hits := make(map[string]struct{}, len(set))
			for id := range set {
				hits[id] = struct{}{}
			}
			narrow(hits)
		}
	}
	if len(f.PubkeyPrefixes) > 0 {
		set := make(map[string]struct{})
		for id, ev := range m.byID {
			if matchesAnyPrefix(ev.Pubkey, f.PubkeyPrefixes) {
				set[id] = struct{}{}
			}
		}
		narrow(set)
	}
	if f.Kinds.Len() > 0 {
		set := make(map[string]struct{})
		for _, k := range f.Kinds {
			for id := range m.byKind[k] {
				set[id] = struct{}{}
			}
		}
		narrow(set)
	}

	var out []*event.E
	if candidates == nil {
		for _, ev := range m.byID {
			out = append(out, ev)
		}
	} else {
		for id := range candidates {
			if ev, ok := m.byID[id]; ok {
				out = append(out, ev)
			}
		}
	}

	final := out[:0]
	for _, ev := range out {
		if f.Since != nil && ev.CreatedAt < *f.Since {
			continue
		}
		if f.Until != nil && ev.CreatedAt > *f.Until {
			continue
		}
		final = append(final, ev)
	}
	sort.Sort(event.S(final))
	return final, nil
}

func matchesAnyPrefix(pubkey []byte, prefixes [][]byte) bool {
	for _, p := range prefixes {
		if len(pubkey) < len(p) {
			continue
		}
		match := true
		for i := range p {
			if pubkey[i] != p[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Close is a no-op for the in-memory engine.
func (m *Memory) Close() error { return nil }
