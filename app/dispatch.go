package app

import (
	"encoding/json"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/noise"
	"aether.relay.dev/pkg/relay"
	"aether.relay.dev/pkg/subscription"
	"aether.relay.dev/pkg/wire"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/errorf"
	"lol.mleku.dev/log"
)

type typeOnly struct {
	Type string `json:"type"`
}

// handleFrame decodes one wire frame and dispatches it by message type
// (§4.8, §6). Binary-format frames arrive msgpack-wrapped; this unwraps
// them to the inner JSON payload before probing the message type. A
// "noise" frame is handed to handleNoise, which decrypts it and feeds the
// plaintext back into handleFrame.
func (l *Listener) handleFrame(raw []byte) {
	if len(raw) > 0 && raw[0] != '{' {
		if _, payload, err := wire.DecodeBinary(raw); err == nil {
			raw = payload
		}
	}
	var probe typeOnly
	if err := json.Unmarshal(raw, &probe); chk.E(err) {
		l.sendError("bad_request", "malformed message")
		return
	}
	switch probe.Type {
	case "hello":
		l.handleHello(raw)
	case "publish":
		l.handlePublish(raw)
	case "subscribe":
		l.handleSubscribe(raw)
	case "unsubscribe":
		l.handleUnsubscribe(raw)
	case "noise":
		l.handleNoise(raw)
	default:
		l.sendError("unknown_type", probe.Type)
	}
}

func (l *Listener) handleHello(raw []byte) {
	var hello wire.HelloMsg
	if err := json.Unmarshal(raw, &hello); chk.E(err) {
		l.sendError("bad_request", "malformed hello")
		return
	}
	l.format = wire.NegotiateFormat(hello.Formats)

	welcome := &wire.WelcomeMsg{Type: "welcome", Version: 1, Format: l.format}
	if hello.Noise != nil && hello.Noise.Pubkey != "" && (hello.Noise.Required || l.Config.NoiseRequired) {
		if sess, serverPub, err := l.establishNoise(hello.Noise.Pubkey); err == nil {
			l.noiseMu.Lock()
			l.noise = sess
			l.noiseMu.Unlock()
			welcome.Noise = &wire.NoiseOffer{Required: true, Pubkey: serverPub}
		} else {
			log.E.F("ws->%s noise handshake failed: %v", l.remote, err)
		}
	}
	l.writeMessage("welcome", welcome)
}

func (l *Listener) establishNoise(clientPubHex string) (*noise.Session, string, error) {
	clientPubBytes, err := hexDecode(clientPubHex)
	if err != nil || len(clientPubBytes) != noise.KeySize {
		return nil, "", errorf.E("noise: invalid client pubkey")
	}
	var clientPub [noise.KeySize]byte
	copy(clientPub[:], clientPubBytes)

	serverPriv, serverPub, err := noise.GenerateKeypair()
	if err != nil {
		return nil, "", err
	}
	key, err := noise.DeriveKey(serverPriv, clientPub)
	if err != nil {
		return nil, "", err
	}
	sess, err := noise.NewSession(key)
	if err != nil {
		return nil, "", err
	}
	return sess, hexEncode(serverPub[:]), nil
}

func (l *Listener) handleNoise(raw []byte) {
	l.noiseMu.Lock()
	sess := l.noise
	l.noiseMu.Unlock()
	if sess == nil {
		l.sendError("noise_not_established", "no noise session on this connection")
		return
	}
	var msg wire.NoiseMsg
	if err := json.Unmarshal(raw, &msg); chk.E(err) {
		l.sendError("bad_request", "malformed noise frame")
		return
	}
	ct, err := hexDecode(msg.PayloadHex)
	if chk.E(err) {
		l.sendError("bad_request", "malformed noise payload")
		return
	}
	plaintext, err := sess.Open(ct, msg.Counter)
	if chk.E(err) {
		l.sendError("noise_decrypt_failed", "")
		return
	}
	l.handleFrame(plaintext)
}

func (l *Listener) handlePublish(raw []byte) {
	var msg wire.PublishMsg
	if err := json.Unmarshal(raw, &msg); chk.E(err) || msg.Event == nil {
		l.sendError("bad_request", "malformed publish")
		return
	}
	ev, err := wire.EventFromWire(msg.Event)
	if chk.E(err) {
		l.sendError("bad_request", err.Error())
		return
	}

	buffered := relay.NewBufferedSend(l.connID, l.deliverEvent)
	var reason relay.Reason
	if l.isPrivilegedPubkey(ev.Pubkey) {
		reason, err = l.core.PublishPrivileged(l.connID, ev, buffered.Send)
	} else {
		reason, err = l.core.Publish(l.connID, ev, buffered.Send)
	}
	if err != nil {
		l.sendError("internal_error", err.Error())
		buffered.Flush()
		return
	}
	if reason != relay.Empty && reason != relay.Reason(storeEphemeralReason) {
		l.metrics.recordRejected(string(reason))
		l.sendError(string(reason), "")
		buffered.Flush()
		return
	}
	l.metrics.recordAdmitted()
	l.writeMessage("ack", &wire.AckMsg{Type: "ack"})
	for _, err := range buffered.Flush() {
		if err != nil {
			log.D.F("ws->%s buffered echo send failed: %v", l.remote, err)
		}
	}
}

func (l *Listener) handleSubscribe(raw []byte) {
	var msg wire.SubscribeMsg
	if err := json.Unmarshal(raw, &msg); chk.E(err) {
		l.sendError("bad_request", "malformed subscribe")
		return
	}
	filters := make(filter.S, 0, len(msg.Filters))
	for _, fw := range msg.Filters {
		f, err := wire.FilterFromWire(fw)
		if chk.E(err) {
			l.sendError("bad_request", err.Error())
			return
		}
		filters = append(filters, f)
	}
	if err := l.core.Subscribe(l.connID, msg.SubID, filters); chk.E(err) {
		l.sendError("invalid_filter", err.Error())
		return
	}
	l.metrics.activeSubs.Inc()
	l.writeMessage("ack", &wire.AckMsg{Type: "ack"})
}

func (l *Listener) handleUnsubscribe(raw []byte) {
	var msg wire.UnsubscribeMsg
	if err := json.Unmarshal(raw, &msg); chk.E(err) {
		l.sendError("bad_request", "malformed unsubscribe")
		return
	}
	l.core.Unsubscribe(l.connID, msg.SubID)
	l.metrics.activeSubs.Dec()
	l.writeMessage("ack", &wire.AckMsg{Type: "ack"})
}

// deliverEvent implements subscription.SendFunc: it encodes ev for the
// subscription named by key and enqueues it on that connection's bounded
// outbound queue. This relay only dispatches to local connections, so
// key.ConnID always names a listener reachable through the server's
// connection table.
func (s *Server) deliverEvent(key subscription.Key, ev *event.E) error {
	target := s.connByID(key.ConnID)
	if target == nil {
		return nil // connection already torn down: treated as a no-op (§5)
	}
	w, err := wire.EventToWire(ev)
	if err != nil {
		return err
	}
	msg := &wire.EventDeliveryMsg{Type: "event", SubID: key.SubID, Event: w}
	return target.writeMessageErr("event", msg)
}

func (l *Listener) sendError(errName, message string) {
	l.writeMessage("error", &wire.ErrorMsg{Type: "error", Error: errName, Message: message})
}

// storeEphemeralReason mirrors store.Ephemeral without importing pkg/store
// into this file just for the one comparison.
const storeEphemeralReason = "ephemeral"
