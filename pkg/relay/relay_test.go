package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/encoders/kind"
	"aether.relay.dev/pkg/encoders/tag"
	"aether.relay.dev/pkg/ratelimit"
	"aether.relay.dev/pkg/store"
	"aether.relay.dev/pkg/subscription"
	"github.com/stretchr/testify/require"
)

func newCore(t *testing.T) (*Core, *subscription.Manager) {
	t.Helper()
	engine := store.NewMemory(store.Config{})
	subs := subscription.New()
	return New(engine, subs, nil, Config{Now: func() uint64 { return 1_000_000_000_000 }}), subs
}

func signed(t *testing.T, k uint16, createdAt uint64, tags tag.List, content string) *event.E {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ev := &event.E{Pubkey: pub, CreatedAt: createdAt, Kind: k, Tags: tags, Content: []byte(content)}
	require.NoError(t, ev.Sign(priv))
	return ev
}

func signedWithPubkey(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, k uint16, createdAt uint64, tags tag.List) *event.E {
	t.Helper()
	ev := &event.E{Pubkey: pub, CreatedAt: createdAt, Kind: k, Tags: tags}
	require.NoError(t, ev.Sign(priv))
	return ev
}

// Scenario 1 (§8): publish then subscribe; a matching subscriber on
// another connection receives the event. Ack-before-echo ordering for the
// publishing connection itself is covered by
// TestSelfDeliveryBufferedUntilFlush.
func TestPublishThenSubscribeDeliversToMatchingSubscriber(t *testing.T) {
	core, subs := newCore(t)
	subs.Add("connB", "s1", filter.S{&filter.F{Kinds: kind.NewSet(1)}})

	ev := signed(t, 1, 1_000_000_000_000, nil, "hello")

	var delivered []subscription.Key
	var mu sync.Mutex
	reason, err := core.Publish("connA", ev, func(k subscription.Key, e *event.E) error {
		mu.Lock()
		delivered = append(delivered, k)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Empty, reason)
	require.Len(t, delivered, 1)
	require.Equal(t, "connB", delivered[0].ConnID)
}

func TestSelfDeliveryBufferedUntilFlush(t *testing.T) {
	core, subs := newCore(t)
	subs.Add("connA", "s1", filter.S{&filter.F{Kinds: kind.NewSet(1)}})

	ev := signed(t, 1, 1_000_000_000_000, nil, "hello")

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	buf := NewBufferedSend("connA", func(k subscription.Key, e *event.E) error {
		record("echo")
		return nil
	})
	reason, err := core.Publish("connA", ev, buf.Send)
	require.NoError(t, err)
	require.Equal(t, Empty, reason)

	// ack emitted here, before the echo is flushed
	record("ack")
	require.Equal(t, []string{"ack"}, order)

	buf.Flush()
	require.Equal(t, []string{"ack", "echo"}, order)
}

// Scenario 2 (§8): replaceable overwrite.
func TestReplaceableOverwriteQueryReturnsLatest(t *testing.T) {
	core, _ := newCore(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	// created_at values sit next to the core's fixed clock so they pass
	// the validator's default 60 s window.
	e1 := signedWithPubkey(t, pub, priv, 10000, 1_000_000_000_100, nil)
	_, err = core.Publish("", e1, noopSend)
	require.NoError(t, err)

	e2 := signedWithPubkey(t, pub, priv, 10000, 1_000_000_000_200, nil)
	_, err = core.Publish("", e2, noopSend)
	require.NoError(t, err)

	out, err := core.Query(&filter.F{Kinds: kind.NewSet(10000)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, e2.ID, out[0].ID)
}

// Scenario 3 (§8): parameterized-replaceable keyed by (pubkey, kind, d).
func TestParameterizedDTagScenario(t *testing.T) {
	core, _ := newCore(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	alpha1 := signedWithPubkey(t, pub, priv, 30000, 1_000_000_000_100, tag.NewList(tag.NewFromStrings("d", "alpha")))
	beta := signedWithPubkey(t, pub, priv, 30000, 1_000_000_000_150, tag.NewList(tag.NewFromStrings("d", "beta")))
	alpha2 := signedWithPubkey(t, pub, priv, 30000, 1_000_000_000_200, tag.NewList(tag.NewFromStrings("d", "alpha")))

	for _, ev := range []*event.E{alpha1, beta, alpha2} {
		_, err := core.Publish("", ev, noopSend)
		require.NoError(t, err)
	}

	out, err := core.Query(&filter.F{Kinds: kind.NewSet(30000)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	ids := map[string]bool{string(out[0].ID): true, string(out[1].ID): true}
	require.True(t, ids[string(beta.ID)])
	require.True(t, ids[string(alpha2.ID)])
}

// Scenario 4 (§8): ephemeral events fan out but are never queryable.
func TestEphemeralFansOutButIsNeverStored(t *testing.T) {
	core, subs := newCore(t)
	subs.Add("connB", "s1", filter.S{&filter.F{Kinds: kind.NewSet(20000)}})

	ev := signed(t, 20000, 1_000_000_000_000, nil, "")
	var delivered int
	reason, err := core.Publish("connA", ev, func(k subscription.Key, e *event.E) error {
		delivered++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Reason("ephemeral"), reason)
	require.Equal(t, 1, delivered)

	out, err := core.Query(&filter.F{Kinds: kind.NewSet(20000)})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestGossipNotReEchoedWhenOriginIsGossip(t *testing.T) {
	engine := store.NewMemory(store.Config{})
	subs := subscription.New()
	var gossipCalls int
	core := New(engine, subs, nil, Config{
		Now: func() uint64 { return 1_000_000_000_000 },
		Gossip: func(ev *event.E) error {
			gossipCalls++
			return nil
		},
	})

	ev := signed(t, 1, 1_000_000_000_000, nil, "hello")
	_, err := core.Publish(GossipOriginConn, ev, noopSend)
	require.NoError(t, err)
	require.Equal(t, 0, gossipCalls, "an event that arrived via gossip must not be re-published to gossip")
}

func TestGossipCalledForLocalOrigin(t *testing.T) {
	engine := store.NewMemory(store.Config{})
	subs := subscription.New()
	var gossipCalls int
	core := New(engine, subs, nil, Config{
		Now: func() uint64 { return 1_000_000_000_000 },
		Gossip: func(ev *event.E) error {
			gossipCalls++
			return nil
		},
	})

	ev := signed(t, 1, 1_000_000_000_000, nil, "hello")
	_, err := core.Publish("connA", ev, noopSend)
	require.NoError(t, err)
	require.Equal(t, 1, gossipCalls)
}

func TestClearRemovesConnectionSubscriptions(t *testing.T) {
	core, subs := newCore(t)
	require.NoError(t, core.Subscribe("connA", "s1", filter.S{&filter.F{Kinds: kind.NewSet(1)}}))
	core.Clear("connA")

	ev := signed(t, 1, 1_000_000_000_000, nil, "")
	var delivered int
	_, err := core.Publish("connB", ev, func(k subscription.Key, e *event.E) error {
		delivered++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	_ = subs
}

// Scenario (§4.14): a privileged publisher bypasses both the rate
// limiter and the max-size guard.
func TestPublishPrivilegedBypassesLimiterAndSizeGuard(t *testing.T) {
	engine := store.NewMemory(store.Config{})
	subs := subscription.New()
	limiter := ratelimit.New(ratelimit.Config{RatePerSec: 0, Burst: 0})
	core := New(engine, subs, limiter, Config{
		Now:          func() uint64 { return 1_000_000_000_000 },
		MaxSizeBytes: 8,
	})

	ev := signed(t, 1, 1_000_000_000_000, nil, "this content is far longer than eight bytes")

	reason, err := core.Publish("connA", ev, noopSend)
	require.NoError(t, err)
	require.NotEqual(t, Empty, reason, "an ordinary publish must be rejected by the size guard")

	reason, err = core.PublishPrivileged("connA", ev, noopSend)
	require.NoError(t, err)
	require.Equal(t, Empty, reason, "a privileged publish must bypass both the limiter and the size guard")
}

func noopSend(subscription.Key, *event.E) error { return nil }
