package event

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"aether.relay.dev/pkg/encoders/tag"
	"github.com/stretchr/testify/require"
)

func newSignedEvent(t *testing.T, kind uint16, createdAt uint64, tags tag.List, content string) (*E, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	e := &E{
		Pubkey:    pub,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   []byte(content),
	}
	require.NoError(t, e.Sign(priv))
	return e, pub
}

func TestCanonicalIDIsDeterministic(t *testing.T) {
	e, _ := newSignedEvent(t, 1, 100, tag.NewList(tag.NewFromStrings("t", "nostr")), "hello")
	id1, err := e.ComputeID()
	require.NoError(t, err)
	id2, err := e.ComputeID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestVerifyIDAndSignature(t *testing.T) {
	e, _ := newSignedEvent(t, 1, 100, nil, "hello")
	ok, err := e.VerifyID()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.VerifySignature()
	require.NoError(t, err)
	require.True(t, ok)

	// mutate content without re-signing: id mismatch
	e.Content = []byte("tampered")
	ok, err = e.VerifyID()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMeetsDifficulty(t *testing.T) {
	e, _ := newSignedEvent(t, 1, 100, nil, "hello")
	require.True(t, e.MeetsDifficulty(0))
	require.True(t, e.MeetsDifficulty(-5))
}

func TestDTagValue(t *testing.T) {
	e, _ := newSignedEvent(t, 30000, 100, tag.NewList(tag.NewFromStrings("d", "alpha")), "")
	require.Equal(t, []byte("alpha"), e.DTagValue())

	e2, _ := newSignedEvent(t, 30000, 100, nil, "")
	require.Nil(t, e2.DTagValue())
}

func TestSortNewestFirst(t *testing.T) {
	e1, _ := newSignedEvent(t, 1, 100, nil, "a")
	e2, _ := newSignedEvent(t, 1, 200, nil, "b")
	s := S{e1, e2}
	require.True(t, s.Less(1, 0))
}
