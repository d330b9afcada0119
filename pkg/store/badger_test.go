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

func openTestBadger(t *testing.T, cfg Config) *Badger {
	t.Helper()
	b, err := OpenBadger(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBadgerInsertImmutableAndDuplicate(t *testing.T) {
	b := openTestBadger(t, Config{})
	ev := signedEvent(t, 1, 100, nil, "hello")

	res, err := b.Insert(ev, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res2, err := b.Insert(ev, 101)
	require.NoError(t, err)
	require.False(t, res2.Admitted)
	require.Equal(t, Duplicate, res2.Reason)
}

func TestBadgerReplaceableSupersededAndReplaced(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	b := openTestBadger(t, Config{})

	first := signedEventSamePubkey(t, priv, pub, 10000, 100, nil)
	res, err := b.Insert(first, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	older := signedEventSamePubkey(t, priv, pub, 10000, 50, nil)
	res2, err := b.Insert(older, 100)
	require.NoError(t, err)
	require.False(t, res2.Admitted)
	require.Equal(t, Superseded, res2.Reason)

	newer := signedEventSamePubkey(t, priv, pub, 10000, 200, nil)
	res3, err := b.Insert(newer, 200)
	require.NoError(t, err)
	require.True(t, res3.Admitted)

	out, err := b.Query(&filter.F{Kinds: kind.NewSet(10000)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, newer.ID, out[0].ID)
}

// A parameterized-replaceable event with no "d" tag defaults to the
// empty-string key (§3, §4.4) instead of being rejected.
func TestBadgerParameterizedReplaceableMissingDTagDefaultsToEmptyKey(t *testing.T) {
	b := openTestBadger(t, Config{})
	ev := signedEvent(t, 30000, 100, nil, "")
	res, err := b.Insert(ev, 100)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	out, err := b.Query(&filter.F{Kinds: kind.NewSet(30000)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ev.ID, out[0].ID)
}

func TestBadgerQueryByTag(t *testing.T) {
	b := openTestBadger(t, Config{})
	evA := signedEvent(t, 1, 100, tag.NewList(tag.NewFromStrings("t", "nostr")), "a")
	evB := signedEvent(t, 1, 100, tag.NewList(tag.NewFromStrings("t", "bitcoin")), "b")
	_, err := b.Insert(evA, 100)
	require.NoError(t, err)
	_, err = b.Insert(evB, 100)
	require.NoError(t, err)

	out, err := b.Query(&filter.F{Tags: []filter.TagPair{{Key: []byte("t"), Value: []byte("nostr")}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, evA.ID, out[0].ID)
}

func TestBadgerEphemeralNotPersisted(t *testing.T) {
	b := openTestBadger(t, Config{})
	ev := signedEvent(t, 20001, 100, nil, "")
	res, err := b.Insert(ev, 100)
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, Ephemeral, res.Reason)

	out, err := b.Query(&filter.F{})
	require.NoError(t, err)
	require.Empty(t, out)
}
