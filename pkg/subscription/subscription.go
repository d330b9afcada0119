// Package subscription implements the relay's subscription manager: a
// concurrency-safe registry of (connection, subscription) → filter sets,
// matched against incoming events and dispatched as asynchronous sends
// (§4.6).
package subscription

import (
	"sync"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"github.com/puzpuzpuz/xsync/v3"
)

// Key identifies a single subscription by the connection that owns it and
// the subscription id the connection assigned it.
type Key struct {
	ConnID string
	SubID  string
}

// SendFunc delivers a matched event to the subscription identified by
// key. A non-nil error is treated as a no-op by the caller: a send
// failure usually just means the connection is already tearing down
// (§5 cancellation & timeouts).
type SendFunc func(key Key, ev *event.E) error

// Manager holds every live subscription. Add/Remove/Clear mutate the
// underlying map; Matches is read-only and safe to call concurrently with
// other Matches calls, but must not interleave with a mutation mid-scan
// for the same event (§4.6, §5 shared-resource policy).
type Manager struct {
	subs *xsync.MapOf[Key, filter.S]
}

// New constructs an empty subscription manager.
func New() *Manager {
	return &Manager{subs: xsync.NewMapOf[Key, filter.S]()}
}

// Add registers filters for (connID, subID), overwriting any prior
// subscription under the same key.
func (m *Manager) Add(connID, subID string, filters filter.S) {
	m.subs.Store(Key{ConnID: connID, SubID: subID}, filters)
}

// Remove drops the subscription for (connID, subID); idempotent.
func (m *Manager) Remove(connID, subID string) {
	m.subs.Delete(Key{ConnID: connID, SubID: subID})
}

// Clear drops every subscription owned by connID, called at connection
// teardown.
func (m *Manager) Clear(connID string) {
	m.subs.Range(func(k Key, _ filter.S) bool {
		if k.ConnID == connID {
			m.subs.Delete(k)
		}
		return true
	})
}

// Matches returns the keys of every subscription with at least one
// filter matching ev. The scan is read-only and pure given its inputs, so
// it is safe to run concurrently with other Matches calls (§4.6).
func (m *Manager) Matches(ev *event.E) []Key {
	var out []Key
	m.subs.Range(func(k Key, filters filter.S) bool {
		if filters.Match(ev) {
			out = append(out, k)
		}
		return true
	})
	return out
}

// Dispatch spawns one send per matching subscription in parallel and
// blocks until every send has completed, returning the per-key errors
// for any sends that failed (§4.6, §4.7 step 3: "schedule sends in
// parallel; await completion so the caller observes send failures").
func Dispatch(keys []Key, ev *event.E, send SendFunc) map[Key]error {
	if len(keys) == 0 {
		return nil
	}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errors = make(map[Key]error)
	)
	for _, k := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			if err := send(k, ev); err != nil {
				mu.Lock()
				errors[k] = err
				mu.Unlock()
			}
		}(k)
	}
	wg.Wait()
	if len(errors) == 0 {
		return nil
	}
	return errors
}
