package relay

import (
	"sync"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/subscription"
)

// BufferedSend wraps a connection's real send function so that any
// matching-event echo destined for selfConnID is held back instead of
// sent immediately. The connection dispatcher emits the publish ack,
// then calls Flush, preserving the ack-before-echo ordering guarantee
// for self-delivery (§4.7 design note, §4.11, §5 ordering guarantees).
type BufferedSend struct {
	selfConnID string
	real       subscription.SendFunc

	mu       sync.Mutex
	buffered []func() error
}

// NewBufferedSend constructs a BufferedSend for connID, delegating
// non-self sends directly to real.
func NewBufferedSend(connID string, real subscription.SendFunc) *BufferedSend {
	return &BufferedSend{selfConnID: connID, real: real}
}

// Send implements subscription.SendFunc. Sends targeting selfConnID are
// queued rather than delivered; everything else is delivered
// immediately.
func (b *BufferedSend) Send(key subscription.Key, ev *event.E) error {
	if key.ConnID != b.selfConnID {
		return b.real(key, ev)
	}
	b.mu.Lock()
	b.buffered = append(b.buffered, func() error { return b.real(key, ev) })
	b.mu.Unlock()
	return nil
}

// Flush delivers every buffered self-delivery send in the order it was
// queued and clears the buffer. Call after the publish ack has been
// written.
func (b *BufferedSend) Flush() []error {
	b.mu.Lock()
	pending := b.buffered
	b.buffered = nil
	b.mu.Unlock()

	var errs []error
	for _, f := range pending {
		if err := f(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
