package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"aether.relay.dev/pkg/noise"
	"github.com/coder/websocket"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
)

const (
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultPingWait       = DefaultPongWait / 2
	DefaultMaxMessageSize = 16 << 20
)

// Listener holds per-connection state: the websocket, the connection's
// id (used as subscription.Key.ConnID and relay.Core's origin_conn), the
// negotiated wire format, an optional established noise session, and the
// bounded outbound queue implementing §5's backpressure policy.
type Listener struct {
	*Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	remote string
	connID string
	req    *http.Request

	format string // wire.FormatJSON or wire.FormatBinary

	noiseMu sync.Mutex
	noise   *noise.Session

	queueMu      sync.Mutex
	queue        [][]byte
	queueCap     int
	droppedTotal *uint64
	writerWake   chan struct{}
}

// newListener constructs a Listener with its bounded outbound queue
// ready to accept frames.
func newListener(ctx context.Context, s *Server, conn *websocket.Conn, remote, connID string) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	return &Listener{
		Server:       s,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		remote:       remote,
		connID:       connID,
		format:       "json",
		queueCap:     s.Config.SubscriptionQueueSize,
		droppedTotal: &s.metrics.droppedMessages,
		writerWake:   make(chan struct{}, 1),
	}
}

// enqueue appends payload to the connection's bounded outbound queue. A
// full queue drops the oldest queued frame and increments the relay's
// dropped_messages counter (§5, §8 seed scenario 6).
func (l *Listener) enqueue(payload []byte) {
	l.queueMu.Lock()
	if l.queueCap > 0 && len(l.queue) >= l.queueCap {
		l.queue = l.queue[1:]
		l.metrics.incDropped()
	}
	l.queue = append(l.queue, payload)
	l.queueMu.Unlock()
	select {
	case l.writerWake <- struct{}{}:
	default:
	}
}

// drainQueue runs in its own goroutine, writing queued frames to the
// websocket in FIFO order until the connection's context is cancelled.
func (l *Listener) drainQueue() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.writerWake:
		}
		for {
			l.queueMu.Lock()
			if len(l.queue) == 0 {
				l.queueMu.Unlock()
				break
			}
			payload := l.queue[0]
			l.queue = l.queue[1:]
			l.queueMu.Unlock()

			writeCtx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
			err := l.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if chk.E(err) {
				log.D.F("ws->%s write failed: %v", l.remote, err)
				l.cancel()
				return
			}
		}
	}
}
