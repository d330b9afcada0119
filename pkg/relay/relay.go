// Package relay implements the core publish/subscribe pipeline: validate,
// store, match, dispatch, and optionally gossip an event, in that order
// (§4.7).
package relay

import (
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/ratelimit"
	"aether.relay.dev/pkg/store"
	"aether.relay.dev/pkg/subscription"
	"aether.relay.dev/pkg/validator"
	"lol.mleku.dev/log"
)

// Reason unifies the validator and storage rejection reasons into the
// single `() | Reason` result shape publish returns (§4.7).
type Reason string

// Empty is the zero Reason: the publish succeeded.
const Empty Reason = ""

// GossipOriginConn is the origin_conn value used for events arriving over
// the gossip channel, so a publish cannot be re-echoed back out to
// gossip (§4.7 step 4).
const GossipOriginConn = "gossip"

// GossipFunc hands a fully signed event to the gossip transport; it is
// the sending side's responsibility to serialize ev for the wire (§4.13
// wires this to NATS via the full wire event shape, since the bare
// canonical encoding carries no id/sig and couldn't be re-verified by a
// receiving relay).
type GossipFunc func(ev *event.E) error

// Config parameterizes a Core: the injected clock shared by the
// validator and the storage engine's retention logic, validation limits,
// and an optional gossip publisher.
type Config struct {
	Now           func() uint64
	WindowNs      uint64
	MaxSizeBytes  int
	PowBits       int
	Gossip        GossipFunc
}

// Core wires the validator, storage engine, and subscription manager
// into the publish/subscribe pipeline (§4.7).
type Core struct {
	engine  store.Engine
	subs    *subscription.Manager
	limiter *ratelimit.Limiter
	cfg     Config
}

// New constructs a Core. limiter may be nil to disable rate limiting.
func New(engine store.Engine, subs *subscription.Manager, limiter *ratelimit.Limiter, cfg Config) *Core {
	return &Core{engine: engine, subs: subs, limiter: limiter, cfg: cfg}
}

type limiterAdapter struct{ l *ratelimit.Limiter }

func (a limiterAdapter) Consume(pubkey string) bool { return a.l.Consume(pubkey) }

// Publish runs the full pipeline for ev, originating from originConn.
// send is invoked once per matching subscription; callers that need
// ack-before-echo ordering for the publishing connection itself should
// pass a *BufferedSend wrapping their real send function (§4.11).
func (c *Core) Publish(originConn string, ev *event.E, send subscription.SendFunc) (Reason, error) {
	return c.publish(originConn, ev, send, false)
}

// PublishPrivileged runs the same pipeline as Publish but skips the rate
// limiter and the size guard, for events whose pubkey is an admin or owner
// (§4.14 admin/owner bypass).
func (c *Core) PublishPrivileged(originConn string, ev *event.E, send subscription.SendFunc) (Reason, error) {
	return c.publish(originConn, ev, send, true)
}

func (c *Core) publish(originConn string, ev *event.E, send subscription.SendFunc, privileged bool) (Reason, error) {
	vcfg := validator.Config{
		Now:          c.cfg.Now,
		WindowNs:     c.cfg.WindowNs,
		MaxSizeBytes: c.cfg.MaxSizeBytes,
		PowBits:      c.cfg.PowBits,
	}
	if privileged {
		vcfg.MaxSizeBytes = 0 // 0 disables the size guard (§4.14 admin/owner bypass)
	}
	if c.limiter != nil && !privileged {
		vcfg.RateLimiter = limiterAdapter{c.limiter}
	}
	if reason := validator.Validate(ev, vcfg); reason != validator.Empty {
		return Reason(reason), nil
	}

	var now uint64
	if c.cfg.Now != nil {
		now = c.cfg.Now()
	}
	res, err := c.engine.Insert(ev, now)
	if err != nil {
		return Empty, err
	}
	if !res.Admitted && res.Reason != store.Ephemeral {
		return Reason(res.Reason), nil
	}

	keys := c.subs.Matches(ev)
	if errs := subscription.Dispatch(keys, ev, send); len(errs) > 0 {
		log.D.F("relay: %d of %d subscription sends failed for event %x", len(errs), len(keys), ev.ID)
	}

	if c.cfg.Gossip != nil && originConn != GossipOriginConn {
		if gerr := c.cfg.Gossip(ev); gerr != nil {
			log.E.F("relay: gossip publish failed for event %x: %v", ev.ID, gerr)
		}
	}

	if !res.Admitted {
		// Ephemeral: fanned out above, never persisted, reported to the
		// caller as the informational Ephemeral reason (§7).
		return Reason(store.Ephemeral), nil
	}
	return Empty, nil
}

// Subscribe validates filters and registers them under (connID, subID),
// overwriting any prior subscription at that key.
func (c *Core) Subscribe(connID, subID string, filters filter.S) error {
	if err := filters.Validate(); err != nil {
		return err
	}
	c.subs.Add(connID, subID, filters)
	return nil
}

// Unsubscribe is a direct passthrough to the subscription manager.
func (c *Core) Unsubscribe(connID, subID string) {
	c.subs.Remove(connID, subID)
}

// Clear is a direct passthrough to the subscription manager, called at
// connection teardown.
func (c *Core) Clear(connID string) {
	c.subs.Clear(connID)
}

// Query is a direct passthrough to the storage engine for request/
// response style reads (outside the publish/subscribe path).
func (c *Core) Query(f *filter.F) ([]*event.E, error) {
	return c.engine.Query(f)
}
