package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/encoders/kind"
	"aether.relay.dev/pkg/encoders/tag"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, k uint16, createdAt uint64, tags tag.List, content string) *event.E {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ev := &event.E{Pubkey: pub, CreatedAt: createdAt, Kind: k, Tags: tags, Content: []byte(content)}
	require.NoError(t, ev.Sign(priv))
	return ev
}

func signedEventSamePubkey(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, k uint16, createdAt uint64, tags tag.List) *event.E {
	t.Helper()
	ev := &event.E{Pubkey: pub, CreatedAt: createdAt, Kind: k, Tags: tags}
	require.NoError(t, ev.Sign(priv))
	return ev
}

func TestInsertImmutableAndDuplicate(t *testing.T) {
	m := NewMemory(Config{})
	ev := signedEvent(t, 1, 100, nil, "hello")

	res, err := m.Insert(ev, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res2, err := m.Insert(ev, 101)
	require.NoError(t, err)
	require.False(t, res2.Admitted)
	require.Equal(t, Duplicate, res2.Reason)
}

func TestInsertEphemeralNeverStored(t *testing.T) {
	m := NewMemory(Config{})
	ev := signedEvent(t, 20001, 100, nil, "")
	res, err := m.Insert(ev, 100)
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, Ephemeral, res.Reason)

	out, err := m.Query(&filter.F{Kinds: kind.NewSet(20001)})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestInsertKindOutOfRange(t *testing.T) {
	m := NewMemory(Config{})
	ev := signedEvent(t, 40000, 100, nil, "")
	res, err := m.Insert(ev, 100)
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, KindOutOfRange, res.Reason)
}

func TestInsertImmutableExpired(t *testing.T) {
	m := NewMemory(Config{RetentionNs: 1000})
	ev := signedEvent(t, 1, 100, nil, "")
	res, err := m.Insert(ev, 100+2000)
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, Expired, res.Reason)
}

func TestReplaceableSupersededAndReplaced(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	m := NewMemory(Config{})

	first := signedEventSamePubkey(t, priv, pub, 10000, 100, nil)
	res, err := m.Insert(first, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	older := signedEventSamePubkey(t, priv, pub, 10000, 50, nil)
	res2, err := m.Insert(older, 100)
	require.NoError(t, err)
	require.False(t, res2.Admitted)
	require.Equal(t, Superseded, res2.Reason)

	equal := signedEventSamePubkey(t, priv, pub, 10000, 100, nil)
	res3, err := m.Insert(equal, 100)
	require.NoError(t, err)
	require.False(t, res3.Admitted)
	require.Equal(t, Superseded, res3.Reason)

	newer := signedEventSamePubkey(t, priv, pub, 10000, 200, nil)
	res4, err := m.Insert(newer, 200)
	require.NoError(t, err)
	require.True(t, res4.Admitted)

	out, err := m.Query(&filter.F{Kinds: kind.NewSet(10000)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, newer.ID, out[0].ID)
}

func TestParameterizedReplaceableKeyedByDTag(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	m := NewMemory(Config{})

	a := signedEventSamePubkey(t, priv, pub, 30000, 100, tag.NewList(tag.NewFromStrings("d", "alpha")))
	res, err := m.Insert(a, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	b := signedEventSamePubkey(t, priv, pub, 30000, 100, tag.NewList(tag.NewFromStrings("d", "beta")))
	res2, err := m.Insert(b, 100)
	require.NoError(t, err)
	require.True(t, res2.Admitted)

	out, err := m.Query(&filter.F{Kinds: kind.NewSet(30000)})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

// A parameterized-replaceable event with no "d" tag defaults to the
// empty-string key (§3, §4.4) instead of being rejected.
func TestParameterizedReplaceableMissingDTagDefaultsToEmptyKey(t *testing.T) {
	m := NewMemory(Config{})
	ev := signedEvent(t, 30000, 100, nil, "")
	res, err := m.Insert(ev, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	out, err := m.Query(&filter.F{Kinds: kind.NewSet(30000)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ev.ID, out[0].ID)
}

func TestQueryByTag(t *testing.T) {
	m := NewMemory(Config{})
	evA := signedEvent(t, 1, 100, tag.NewList(tag.NewFromStrings("t", "nostr")), "a")
	evB := signedEvent(t, 1, 100, tag.NewList(tag.NewFromStrings("t", "bitcoin")), "b")
	_, err := m.Insert(evA, 100)
	require.NoError(t, err)
	_, err = m.Insert(evB, 100)
	require.NoError(t, err)

	out, err := m.Query(&filter.F{Tags: []filter.TagPair{{Key: []byte("t"), Value: []byte("nostr")}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, evA.ID, out[0].ID)
}

func TestQueryWithNoClausesReturnsAll(t *testing.T) {
	m := NewMemory(Config{})
	_, err := m.Insert(signedEvent(t, 1, 100, nil, "a"), 100)
	require.NoError(t, err)
	_, err = m.Insert(signedEvent(t, 1, 200, nil, "b"), 200)
	require.NoError(t, err)

	out, err := m.Query(&filter.F{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.True(t, out[0].CreatedAt >= out[1].CreatedAt)
}

func TestIndexParityAfterReplace(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	m := NewMemory(Config{})

	old := signedEventSamePubkey(t, priv, pub, 10000, 100, tag.NewList(tag.NewFromStrings("t", "x")))
	_, err = m.Insert(old, 100)
	require.NoError(t, err)

	newer := signedEventSamePubkey(t, priv, pub, 10000, 200, tag.NewList(tag.NewFromStrings("t", "y")))
	_, err = m.Insert(newer, 200)
	require.NoError(t, err)

	out, err := m.Query(&filter.F{Tags: []filter.TagPair{{Key: []byte("t"), Value: []byte("x")}}})
	require.NoError(t, err)
	require.Empty(t, out, "old event's tag index entry must be removed on replace")
}
