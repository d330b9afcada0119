package tag

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := rng.Intn(8)
		tg := NewFromKeyValues([]byte("k"))
		for j := 0; j < n; j++ {
			v := make([]byte, rng.Intn(8))
			rng.Read(v)
			tg.Values = append(tg.Values, v)
		}
		b, err := tg.MarshalCanonical(nil)
		require.NoError(t, err)

		got, rest, err := UnmarshalCanonical(b)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.True(t, tg.Equal(got))
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := NormalizeSequence([][]byte{})
	require.Error(t, err)

	_, err = NormalizeSequence([][]byte{{}})
	require.Error(t, err)

	tg := NewFromKeyValues(nil, []byte("v"))
	_, err = tg.MarshalCanonical(nil)
	require.Error(t, err)
}

func TestNormalizeSequence(t *testing.T) {
	tg, err := NormalizeSequence([][]byte{[]byte("p"), []byte("abc"), []byte("def")})
	require.NoError(t, err)
	require.True(t, bytes.Equal(tg.Key, []byte("p")))
	require.Equal(t, 2, tg.Len())
}

func TestListCanonicalRoundTrip(t *testing.T) {
	list := NewList(
		NewFromStrings("d", "alpha"),
		NewFromStrings("p", "abc", "def"),
	)
	b, err := list.MarshalCanonical(nil)
	require.NoError(t, err)

	got, rest, err := UnmarshalCanonicalList(b)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Len(t, got, 2)
	require.Equal(t, []byte("alpha"), got.DTagValue())
}

func TestListContains(t *testing.T) {
	list := NewList(NewFromStrings("t", "bitcoin", "nostr"))
	require.True(t, list.Contains([]byte("t"), []byte("nostr")))
	require.False(t, list.Contains([]byte("t"), []byte("ethereum")))
}
