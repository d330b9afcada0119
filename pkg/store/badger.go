package store

import (
	"encoding/binary"
	"sort"

	"aether.relay.dev/pkg/bloom"
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/encoders/kind"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"
)

// Key prefixes for the single badger keyspace. Each index entry's key
// ends with the event's serial so a prefix scan yields candidate serials
// directly, mirroring the primary-store-plus-secondary-index layout of
// §4.4 against a persistent backend.
const (
	prefixEvent         = 'e'
	prefixByID          = 'i'
	prefixByPubkey      = 'p'
	prefixByKind        = 'k'
	prefixByTag         = 't'
	prefixReplaceable   = 'r'
	prefixParameterized = 'd'
)

// Badger is a persistent Engine backed by github.com/dgraph-io/badger/v4,
// trading the in-memory engine's index sets for backend-native prefix
// scans and atomic per-insert transactions (§4.4).
type Badger struct {
	db    *badger.DB
	seq   *badger.Sequence
	cfg   Config
	bloom *bloom.Filter
}

// OpenBadger opens (creating if absent) a badger database at dir.
func OpenBadger(dir string, cfg Config) (b *Badger, err error) {
	cfg = cfg.withDefaults()
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	var db *badger.DB
	if db, err = badger.Open(opts); chk.E(err) {
		return
	}
	var seq *badger.Sequence
	if seq, err = db.GetSequence([]byte("EVENTS"), 1000); chk.E(err) {
		return
	}
	b = &Badger{db: db, seq: seq, cfg: cfg, bloom: bloom.New(cfg.BloomBits, cfg.BloomHashes)}
	return
}

func serialKey(prefix byte, serial uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], serial)
	return k
}

func idKey(id []byte) []byte {
	return append([]byte{prefixByID}, id...)
}

func pubkeyPrefix(pubkey []byte) []byte {
	return append([]byte{prefixByPubkey}, pubkey...)
}

func pubkeyKey(pubkey []byte, serial uint64) []byte {
	k := pubkeyPrefix(pubkey)
	return binary.BigEndian.AppendUint64(k, serial)
}

func kindPrefix(k uint16) []byte {
	b := []byte{prefixByKind, byte(k >> 8), byte(k)}
	return b
}

func kindKey(k uint16, serial uint64) []byte {
	return binary.BigEndian.AppendUint64(kindPrefix(k), serial)
}

func tagPrefix(key, value []byte) []byte {
	b := []byte{prefixByTag, byte(len(key))}
	b = append(b, key...)
	b = append(b, byte(len(value)>>8), byte(len(value)))
	b = append(b, value...)
	return b
}

func tagKey(key, value []byte, serial uint64) []byte {
	return binary.BigEndian.AppendUint64(tagPrefix(key, value), serial)
}

func replaceableKeyFor(pubkey []byte, k uint16) []byte {
	b := append([]byte{prefixReplaceable}, pubkey...)
	return append(b, byte(k>>8), byte(k))
}

func parameterizedKeyFor(pubkey []byte, k uint16, d []byte) []byte {
	b := append([]byte{prefixParameterized}, pubkey...)
	b = append(b, byte(k>>8), byte(k))
	return append(b, d...)
}

func marshalEvent(ev *event.E) ([]byte, error) {
	return msgpack.Marshal(ev)
}

func unmarshalEvent(b []byte) (*event.E, error) {
	var ev event.E
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (b *Badger) fetchBySerial(txn *badger.Txn, serial uint64) (*event.E, error) {
	item, err := txn.Get(serialKey(prefixEvent, serial))
	if err != nil {
		return nil, err
	}
	var ev *event.E
	err = item.Value(func(val []byte) error {
		var uerr error
		ev, uerr = unmarshalEvent(val)
		return uerr
	})
	return ev, err
}

func (b *Badger) serialForID(txn *badger.Txn, id []byte) (uint64, bool, error) {
	item, err := txn.Get(idKey(id))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var serial uint64
	err = item.Value(func(val []byte) error {
		serial = binary.BigEndian.Uint64(val)
		return nil
	})
	return serial, true, err
}

func (b *Badger) indexKeysFor(ev *event.E, serial uint64) [][]byte {
	keys := [][]byte{pubkeyKey(ev.Pubkey, serial), kindKey(ev.Kind, serial)}
	for _, t := range ev.Tags {
		for _, v := range t.Values {
			keys = append(keys, tagKey(t.Key, v, serial))
		}
	}
	return keys
}

func (b *Badger) removeBySerial(txn *badger.Txn, serial uint64, ev *event.E) error {
	if err := txn.Delete(serialKey(prefixEvent, serial)); err != nil {
		return err
	}
	if err := txn.Delete(idKey(ev.ID)); err != nil {
		return err
	}
	for _, k := range b.indexKeysFor(ev, serial) {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// sweepExpiredImmutable purges immutable events that have aged past the
// retention window, mirroring Memory.sweepExpiredImmutable. Called
// opportunistically on every immutable insert, never on a schedule
// (§4.4 persistent-backend parity).
func (b *Badger) sweepExpiredImmutable(txn *badger.Txn, now uint64) error {
	if b.cfg.RetentionNs == 0 {
		return nil
	}
	type expired struct {
		serial uint64
		ev     *event.E
	}
	var victims []expired
	prefix := []byte{prefixEvent}
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		serial := binary.BigEndian.Uint64(key[1:])
		var ev *event.E
		if err := item.Value(func(val []byte) error {
			var uerr error
			ev, uerr = unmarshalEvent(val)
			return uerr
		}); err != nil {
			it.Close()
			return err
		}
		if kind.ClassOf(ev.Kind) != kind.Immutable {
			continue
		}
		if now > ev.CreatedAt && now-ev.CreatedAt > b.cfg.RetentionNs {
			victims = append(victims, expired{serial: serial, ev: ev})
		}
	}
	it.Close()
	for _, v := range victims {
		if err := b.removeBySerial(txn, v.serial, v.ev); err != nil {
			return err
		}
	}
	return nil
}

// Insert implements Engine.Insert against the persistent backend,
// performing the same kind-class dispatch as Memory but via a single
// badger transaction per call (§4.4 persistent-backend parity).
func (b *Badger) Insert(ev *event.E, now uint64) (Result, error) {
	if ev == nil || len(ev.ID) == 0 || len(ev.Pubkey) == 0 {
		return rejected(InvalidField), nil
	}
	class := kind.ClassOf(ev.Kind)

	switch class {
	case kind.OutOfRange:
		return rejected(KindOutOfRange), nil
	case kind.Ephemeral:
		return rejected(Ephemeral), nil
	}

	var result Result
	err := b.db.Update(func(txn *badger.Txn) error {
		switch class {
		case kind.Immutable:
			if b.bloom.MightContain(ev.ID) {
				if _, exists, err := b.serialForID(txn, ev.ID); err != nil {
					return err
				} else if exists {
					result = rejected(Duplicate)
					return nil
				}
			}
			if b.cfg.RetentionNs > 0 && now > ev.CreatedAt && now-ev.CreatedAt > b.cfg.RetentionNs {
				result = rejected(Expired)
				return nil
			}
			if serr := b.store(txn, ev); serr != nil {
				return serr
			}
			return b.sweepExpiredImmutable(txn, now)

		case kind.Replaceable:
			key := replaceableKeyFor(ev.Pubkey, ev.Kind)
			item, err := txn.Get(key)
			if err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err == nil {
				var existingSerial uint64
				if verr := item.Value(func(val []byte) error {
					existingSerial = binary.BigEndian.Uint64(val)
					return nil
				}); verr != nil {
					return verr
				}
				existing, ferr := b.fetchBySerial(txn, existingSerial)
				if ferr != nil {
					return ferr
				}
				if existing.CreatedAt >= ev.CreatedAt {
					result = rejected(Superseded)
					return nil
				}
				if rerr := b.removeBySerial(txn, existingSerial, existing); rerr != nil {
					return rerr
				}
			}
			if serr := b.store(txn, ev); serr != nil {
				return serr
			}
			serial, _, _ := b.serialForID(txn, ev.ID)
			return txn.Set(key, binary.BigEndian.AppendUint64(nil, serial))

		case kind.ParameterizedReplaceable:
			// A missing "d" tag defaults to the empty-string key, not a
			// rejection (§3, §4.4): DTagValue's nil return appends no
			// bytes in parameterizedKeyFor, giving the same key as "".
			key := parameterizedKeyFor(ev.Pubkey, ev.Kind, ev.DTagValue())
			item, err := txn.Get(key)
			if err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err == nil {
				var existingSerial uint64
				if verr := item.Value(func(val []byte) error {
					existingSerial = binary.BigEndian.Uint64(val)
					return nil
				}); verr != nil {
					return verr
				}
				existing, ferr := b.fetchBySerial(txn, existingSerial)
				if ferr != nil {
					return ferr
				}
				if existing.CreatedAt >= ev.CreatedAt {
					result = rejected(Superseded)
					return nil
				}
				if rerr := b.removeBySerial(txn, existingSerial, existing); rerr != nil {
					return rerr
				}
			}
			if serr := b.store(txn, ev); serr != nil {
				return serr
			}
			serial, _, _ := b.serialForID(txn, ev.ID)
			return txn.Set(key, binary.BigEndian.AppendUint64(nil, serial))
		}
		return errorf.E("store: unreachable kind class %v", class)
	})
	if err != nil {
		return Result{}, err
	}
	if result == (Result{}) {
		result = admitted()
	}
	log.T.F("store: insert id=%x result=%v", ev.ID, result)
	return result, nil
}

func (b *Badger) store(txn *badger.Txn, ev *event.E) error {
	serial, err := b.seq.Next()
	if err != nil {
		return err
	}
	data, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	if err := txn.Set(serialKey(prefixEvent, serial), data); err != nil {
		return err
	}
	if err := txn.Set(idKey(ev.ID), binary.BigEndian.AppendUint64(nil, serial)); err != nil {
		return err
	}
	for _, k := range b.indexKeysFor(ev, serial) {
		if err := txn.Set(k, nil); err != nil {
			return err
		}
	}
	b.bloom.Add(ev.ID)
	return nil
}

// Query implements Engine.Query against the persistent backend using
// prefix scans in place of the in-memory engine's index maps.
func (b *Badger) Query(f *filter.F) ([]*event.E, error) {
	if f == nil {
		return nil, errorf.E("store: nil filter")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var serials map[uint64]struct{}
	narrow := func(next map[uint64]struct{}) {
		if serials == nil {
			serials = next
			return
		}
		for s := range serials {
			if _, ok := next[s]; !ok {
				delete(serials, s)
			}
		}
	}

	var out []*event.E
	err := b.db.View(func(txn *badger.Txn) error {
		scan := func(prefix []byte) map[uint64]struct{} {
			set := make(map[uint64]struct{})
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				serial := binary.BigEndian.Uint64(key[len(key)-8:])
				set[serial] = struct{}{}
			}
			return set
		}

		for _, tp := range f.Tags {
			narrow(scan(tagPrefix(tp.Key, tp.Value)))
		}
		if len(f.Kinds) > 0 {
			union := make(map[uint64]struct{})
			for _, k := range f.Kinds {
				for s := range scan(kindPrefix(k)) {
					union[s] = struct{}{}
				}
			}
			narrow(union)
		}

		var candidateSerials map[uint64]struct{}
		if serials != nil {
			candidateSerials = serials
		} else {
			candidateSerials = make(map[uint64]struct{})
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixEvent}})
			defer it.Close()
			prefix := []byte{prefixEvent}
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				serial := binary.BigEndian.Uint64(key[1:])
				candidateSerials[serial] = struct{}{}
			}
		}

		for serial := range candidateSerials {
			ev, err := b.fetchBySerial(txn, serial)
			if err != nil {
				continue
			}
			if len(f.PubkeyPrefixes) > 0 {
				matched := false
				for _, p := range f.PubkeyPrefixes {
					if len(ev.Pubkey) >= len(p) && equalPrefix(ev.Pubkey, p) {
						matched = true
						break
					}
				}
				if !matched {
					continue
				}
			}
			if f.Since != nil && ev.CreatedAt < *f.Since {
				continue
			}
			if f.Until != nil && ev.CreatedAt > *f.Until {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Sort(event.S(out))
	return out, nil
}

func equalPrefix(pubkey, prefix []byte) bool {
	for i := range prefix {
		if pubkey[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Close releases the sequence lease and closes the underlying database.
func (b *Badger) Close() error {
	if b.seq != nil {
		if err := b.seq.Release(); chk.E(err) {
			return err
		}
	}
	return b.db.Close()
}
