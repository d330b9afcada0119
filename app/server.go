// Package app wires the relay core (pkg/relay) to a WebSocket transport:
// connection accept/teardown, the framed wire protocol, an optional
// noise overlay, and the health/metrics HTTP surface (§4.11, §6).
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"encoding/json"

	"aether.relay.dev/app/config"
	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/gossip"
	"aether.relay.dev/pkg/ratelimit"
	"aether.relay.dev/pkg/relay"
	"aether.relay.dev/pkg/store"
	"aether.relay.dev/pkg/subscription"
	"aether.relay.dev/pkg/wire"
	"github.com/coder/websocket"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
)

var wireTypeByName = map[string]wire.Type{
	"hello":       wire.TypeHello,
	"welcome":     wire.TypeWelcome,
	"publish":     wire.TypePublish,
	"subscribe":   wire.TypeSubscribe,
	"unsubscribe": wire.TypeUnsubscribe,
	"event":       wire.TypeEvent,
	"ack":         wire.TypeAck,
	"error":       wire.TypeError,
	"noise":       wire.TypeNoise,
}

// encodeForFormat marshals msg as JSON, or as the compact binary
// envelope when format is wire.FormatBinary (§4.8, §6).
func encodeForFormat(format, msgType string, msg any) ([]byte, error) {
	if format == wire.FormatBinary {
		t, ok := wireTypeByName[msgType]
		if !ok {
			t = wire.TypeError
		}
		return wire.EncodeBinary(t, msg)
	}
	return json.Marshal(msg)
}

// Server owns the storage engine, subscription manager, and relay core
// shared across every connection, plus the connection table used to
// route subscription deliveries back to the right websocket (§4.11).
type Server struct {
	Ctx    context.Context
	Config *config.C

	core    *relay.Core
	engine  store.Engine
	metrics *metrics
	gossip  *gossip.Publisher

	connsMu sync.RWMutex
	conns   map[string]*Listener

	connSeq uint64
}

// New builds a Server from cfg, opening the configured storage engine and
// wiring the rate limiter, subscription manager, and optional gossip
// publisher into a relay.Core.
func New(ctx context.Context, cfg *config.C) (*Server, error) {
	var engine store.Engine
	var err error
	switch cfg.Engine {
	case "badger":
		engine, err = store.OpenBadger(cfg.DataDir, store.Config{
			RetentionNs: cfg.RetentionSeconds * uint64(time.Second),
		})
	default:
		engine = store.NewMemory(store.Config{
			RetentionNs: cfg.RetentionSeconds * uint64(time.Second),
		})
	}
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		RatePerSec: cfg.RateLimitPerSec,
		Burst:      cfg.RateLimitBurst,
	})
	subs := subscription.New()

	s := &Server{
		Ctx:     ctx,
		Config:  cfg,
		engine:  engine,
		metrics: newMetrics(),
		conns:   make(map[string]*Listener),
	}

	rcfg := relay.Config{
		Now:          nowNs,
		WindowNs:     cfg.ValidationWindowSeconds * uint64(time.Second),
		MaxSizeBytes: cfg.MaxEventBytes,
		PowBits:      cfg.PowBits,
	}
	if cfg.GossipURL != "" {
		if pub, gerr := gossip.Connect(cfg.GossipURL, cfg.GossipTopic); gerr == nil {
			s.gossip = pub
			rcfg.Gossip = pub.Publish
			if _, gerr := pub.Subscribe(func(ev *event.E) {
				// Gossip-originated events re-enter the pipeline with
				// relay.GossipOriginConn so they are never re-echoed
				// back out to gossip (§4.7 step 4). Storage-level
				// duplicate suppression (§4.4) handles a copy of an
				// event this relay already admitted.
				if _, err := s.core.Publish(relay.GossipOriginConn, ev, s.deliverEvent); err != nil {
					log.E.F("gossip: re-admitting event %x failed: %v", ev.ID, err)
				}
			}); gerr != nil {
				log.E.F("gossip: subscribe failed: %v", gerr)
			}
		} else {
			log.E.F("gossip: connect failed, continuing without gossip echo: %v", gerr)
		}
	}
	s.core = relay.New(engine, subs, limiter, rcfg)
	return s, nil
}

func nowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// ServeHTTP routes WebSocket upgrade requests to the connection handler
// and everything else to the health/metrics surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Header.Get("Upgrade") == "websocket":
		s.HandleWebsocket(w, r)
	case r.URL.Path == "/healthz":
		s.handleHealthz(w, r)
	case r.URL.Path == "/metrics":
		s.metricsHandler().ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

// HandleWebsocket accepts a websocket connection, registers a Listener
// for it, and runs its read loop until the connection closes.
func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	remote := remoteAddr(r)
	if len(s.Config.IPWhitelist) > 0 && !ipWhitelisted(remote, s.Config.IPWhitelist) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if chk.E(err) {
		return
	}
	conn.SetReadLimit(int64(DefaultMaxMessageSize))
	defer conn.CloseNow()

	connID := s.nextConnID()
	l := newListener(s.Ctx, s, conn, remote, connID)
	s.registerConn(l)
	defer s.teardownConn(l)

	go l.drainQueue()
	ticker := time.NewTicker(DefaultPingWait)
	defer ticker.Stop()
	go s.pinger(l.ctx, conn, ticker, l.cancel)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		_, msg, err := conn.Read(l.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch status {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway,
				websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure:
			default:
				if !strings.Contains(err.Error(), "use of closed network connection") {
					log.D.F("ws<-%s read error: %v", remote, err)
				}
			}
			return
		}
		l.handleFrame(msg)
	}
}

func (s *Server) pinger(ctx context.Context, conn *websocket.Conn, ticker *time.Ticker, cancel context.CancelFunc) {
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(ctx); chk.E(err) {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) nextConnID() string {
	n := atomic.AddUint64(&s.connSeq, 1)
	var r [8]byte
	_, _ = rand.Read(r[:])
	return fmt.Sprintf("conn-%d-%s", n, hex.EncodeToString(r[:]))
}

func (s *Server) registerConn(l *Listener) {
	s.connsMu.Lock()
	s.conns[l.connID] = l
	s.connsMu.Unlock()
}

func (s *Server) teardownConn(l *Listener) {
	s.connsMu.Lock()
	delete(s.conns, l.connID)
	s.connsMu.Unlock()
	s.core.Clear(l.connID)
	l.cancel()
}

func (s *Server) connByID(connID string) *Listener {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return s.conns[connID]
}

// Close releases the storage engine and any gossip connection.
func (s *Server) Close() error {
	if s.gossip != nil {
		s.gossip.Close()
	}
	return s.engine.Close()
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

func ipWhitelisted(remote string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(remote, p) {
			return true
		}
	}
	return false
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

// isPrivilegedPubkey reports whether pub is configured as an admin or
// owner, bypassing the rate limiter and size guard on publish (§4.14).
func (l *Listener) isPrivilegedPubkey(pub []byte) bool {
	hexPub := hexEncode(pub)
	for _, p := range l.Config.Admins {
		if p == hexPub {
			return true
		}
	}
	for _, p := range l.Config.Owners {
		if p == hexPub {
			return true
		}
	}
	return false
}

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// writeMessage encodes msg per the connection's negotiated format and
// enqueues it; write errors are logged, not returned, matching the
// relay's no-blocking-on-a-stalled-peer policy (§5).
func (l *Listener) writeMessage(msgType string, msg any) {
	if err := l.writeMessageErr(msgType, msg); chk.E(err) {
		log.D.F("ws->%s encode failed for %s: %v", l.remote, msgType, err)
	}
}

func (l *Listener) writeMessageErr(msgType string, msg any) error {
	payload, err := encodeForFormat(l.format, msgType, msg)
	if err != nil {
		return err
	}
	l.noiseMu.Lock()
	sess := l.noise
	l.noiseMu.Unlock()
	if sess != nil {
		ct, counter, err := sess.Seal(payload)
		if err != nil {
			return err
		}
		wrapped, err := encodeForFormat(l.format, "noise", &wire.NoiseMsg{
			Type:       "noise",
			PayloadHex: hexEncode(ct),
			Counter:    counter,
		})
		if err != nil {
			return err
		}
		l.enqueue(wrapped)
		return nil
	}
	l.enqueue(payload)
	return nil
}

// portString renders an int port as its default string form, matching
// the teacher's "%s:%d" listen-address assembly style.
func portString(port int) string { return strconv.Itoa(port) }
