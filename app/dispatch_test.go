package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"aether.relay.dev/app/config"
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/tag"
	"aether.relay.dev/pkg/ratelimit"
	"aether.relay.dev/pkg/relay"
	"aether.relay.dev/pkg/store"
	"aether.relay.dev/pkg/subscription"
	"aether.relay.dev/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestServerAndListener(t *testing.T) (*Server, *Listener) {
	t.Helper()
	engine := store.NewMemory(store.Config{})
	subs := subscription.New()
	limiter := ratelimit.New(ratelimit.Config{RatePerSec: 1000, Burst: 1000})
	core := relay.New(engine, subs, limiter, relay.Config{
		Now: func() uint64 { return uint64(time.Now().UnixNano()) },
	})
	s := &Server{
		Ctx:     context.Background(),
		Config:  &config.C{SubscriptionQueueSize: 1024},
		core:    core,
		engine:  engine,
		metrics: newMetrics(),
		conns:   make(map[string]*Listener),
	}
	l := &Listener{
		Server:     s,
		ctx:        context.Background(),
		connID:     "conn-test",
		format:     wire.FormatJSON,
		queueCap:   1024,
		writerWake: make(chan struct{}, 1),
	}
	s.registerConn(l)
	return s, l
}

func signedWireEvent(t *testing.T) *wire.EventWire {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ev := &event.E{
		Pubkey:    pub,
		CreatedAt: uint64(time.Now().UnixNano()),
		Kind:      1,
		Tags:      tag.NewList(tag.NewFromStrings("t", "aether")),
		Content:   []byte("hello"),
	}
	require.NoError(t, ev.Sign(priv))
	w, err := wire.EventToWire(ev)
	require.NoError(t, err)
	return w
}

func lastQueued(t *testing.T, l *Listener) []byte {
	t.Helper()
	require.NotEmpty(t, l.queue)
	return l.queue[len(l.queue)-1]
}

func TestHandlePublishAcksCleanEvent(t *testing.T) {
	_, l := newTestServerAndListener(t)
	msg := &wire.PublishMsg{Type: "publish", Event: signedWireEvent(t)}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	l.handlePublish(raw)

	var ack wire.AckMsg
	require.NoError(t, json.Unmarshal(lastQueued(t, l), &ack))
	require.Equal(t, "ack", ack.Type)
}

func TestHandlePublishRejectsMalformedEvent(t *testing.T) {
	_, l := newTestServerAndListener(t)
	w := signedWireEvent(t)
	w.Sig = "not-hex!!"
	msg := &wire.PublishMsg{Type: "publish", Event: w}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	l.handlePublish(raw)

	var errMsg wire.ErrorMsg
	require.NoError(t, json.Unmarshal(lastQueued(t, l), &errMsg))
	require.Equal(t, "error", errMsg.Type)
}

func TestHandleSubscribeThenUnsubscribe(t *testing.T) {
	s, l := newTestServerAndListener(t)
	sub := &wire.SubscribeMsg{Type: "subscribe", SubID: "sub1", Filters: []*wire.FilterWire{{}}}
	raw, err := json.Marshal(sub)
	require.NoError(t, err)

	l.handleSubscribe(raw)
	var subAck wire.AckMsg
	require.NoError(t, json.Unmarshal(lastQueued(t, l), &subAck))
	require.Equal(t, "ack", subAck.Type)
	require.Equal(t, uint64(1), uint64(readGauge(s.metrics.activeSubs)))

	unsub := &wire.UnsubscribeMsg{Type: "unsubscribe", SubID: "sub1"}
	raw2, err := json.Marshal(unsub)
	require.NoError(t, err)
	l.handleUnsubscribe(raw2)

	var ack wire.AckMsg
	require.NoError(t, json.Unmarshal(lastQueued(t, l), &ack))
	require.Equal(t, "ack", ack.Type)
}

func TestHandleHelloNegotiatesBinaryFormat(t *testing.T) {
	_, l := newTestServerAndListener(t)
	hello := &wire.HelloMsg{Type: "hello", Version: 1, Formats: []string{"json", "binary"}}
	raw, err := json.Marshal(hello)
	require.NoError(t, err)

	l.handleHello(raw)
	require.Equal(t, wire.FormatBinary, l.format)
}

func TestHandleFrameRoutesUnknownTypeToError(t *testing.T) {
	_, l := newTestServerAndListener(t)
	l.handleFrame([]byte(`{"type":"bogus"}`))

	var errMsg wire.ErrorMsg
	require.NoError(t, json.Unmarshal(lastQueued(t, l), &errMsg))
	require.Equal(t, "error", errMsg.Type)
	require.Equal(t, "unknown_type", errMsg.Error)
}
