// Package gossip publishes admitted events to a NATS subject so that
// other relay processes sharing the same mesh can echo them in (§4.7
// step 4, §4.13 domain stack).
package gossip

import (
	"encoding/json"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/wire"
	"github.com/nats-io/nats.go"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"
)

// Publisher wraps a NATS connection bound to a single subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// Connect dials url and returns a Publisher bound to subject. Passing an
// empty url connects to the default local NATS server address.
func Connect(url, subject string) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, errorf.E("gossip: connect to %s: %w", url, err)
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

// Publish implements relay.GossipFunc: it re-publishes ev, wire-encoded
// so a receiving relay can fully reconstruct and verify it, to the
// configured subject for other relay processes to consume.
func (p *Publisher) Publish(ev *event.E) error {
	w, err := wire.EventToWire(ev)
	if err != nil {
		return errorf.E("gossip: encode event %x: %w", ev.ID, err)
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return errorf.E("gossip: marshal event %x: %w", ev.ID, err)
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		return errorf.E("gossip: publish to %s: %w", p.subject, err)
	}
	return nil
}

// Subscribe registers handler to be called with the decoded event of
// every message received on the configured subject, for wiring into a
// local relay.Core.Publish call with originConn set to
// relay.GossipOriginConn. Messages that fail to decode are logged and
// dropped rather than handed to handler.
func (p *Publisher) Subscribe(handler func(ev *event.E)) (*nats.Subscription, error) {
	sub, err := p.nc.Subscribe(p.subject, func(m *nats.Msg) {
		var w wire.EventWire
		if err := json.Unmarshal(m.Data, &w); err != nil {
			log.E.F("gossip: malformed message on %s: %v", p.subject, err)
			return
		}
		ev, err := wire.EventFromWire(&w)
		if err != nil {
			log.E.F("gossip: invalid event on %s: %v", p.subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, errorf.E("gossip: subscribe to %s: %w", p.subject, err)
	}
	return sub, nil
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.E.F("gossip: drain error: %v", err)
	}
}
