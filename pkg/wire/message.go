// Package wire implements the relay's external framed protocol: the JSON
// and compact-binary message schemas, length-prefixed framing, and the
// HELLO/WELCOME format negotiation (§4.8, §6).
package wire

import (
	"encoding/hex"

	"aether.relay.dev/pkg/encoders/event"
	"aether.relay.dev/pkg/encoders/filter"
	"aether.relay.dev/pkg/encoders/kind"
	"aether.relay.dev/pkg/encoders/tag"
	"lol.mleku.dev/errorf"
)

// Type enumerates the wire message types (§4.8).
type Type uint8

const (
	TypeHello Type = iota
	TypeWelcome
	TypePublish
	TypeSubscribe
	TypeUnsubscribe
	TypeEvent
	TypeAck
	TypeError
	TypeNoise
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypePublish:
		return "publish"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeEvent:
		return "event"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypeNoise:
		return "noise"
	default:
		return "unknown"
	}
}

// FormatJSON and FormatBinary are the two encoding names a client may
// offer in HELLO.formats.
const (
	FormatJSON   = "json"
	FormatBinary = "binary"
)

// NoiseOffer is the optional noise negotiation block carried on HELLO and
// WELCOME.
type NoiseOffer struct {
	Required bool   `json:"required"`
	Pubkey   string `json:"pubkey,omitempty"`
}

// HelloMsg is the client's opening frame.
type HelloMsg struct {
	Type    string      `json:"type"`
	Version uint16      `json:"version"`
	Formats []string    `json:"formats"`
	Noise   *NoiseOffer `json:"noise,omitempty"`
}

// WelcomeMsg is the server's response to HelloMsg.
type WelcomeMsg struct {
	Type    string      `json:"type"`
	Version uint16      `json:"version"`
	Format  string      `json:"format"`
	Noise   *NoiseOffer `json:"noise,omitempty"`
}

// TagWire is a single tag in its wire shape: [key, v1, v2, ...].
type TagWire []string

// EventWire is the event shape as it appears on the wire: hex-encoded
// binary fields, decimal numeric fields, tags as a list of string lists
// (§6 Event wire shape).
type EventWire struct {
	ID        string    `json:"event_id"`
	Pubkey    string    `json:"pubkey"`
	Kind      uint16    `json:"kind"`
	CreatedAt uint64    `json:"created_at"`
	Tags      []TagWire `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// EventToWire converts a core event into its wire representation,
// performing the single hex conversion boundary crossing (§9 event field
// variance).
func EventToWire(ev *event.E) (*EventWire, error) {
	w := &EventWire{
		ID:        hex.EncodeToString(ev.ID),
		Pubkey:    hex.EncodeToString(ev.Pubkey),
		Kind:      ev.Kind,
		CreatedAt: ev.CreatedAt,
		Content:   string(ev.Content),
		Sig:       hex.EncodeToString(ev.Sig),
	}
	for _, t := range ev.Tags {
		tw := make(TagWire, 0, 1+len(t.Values))
		tw = append(tw, string(t.Key))
		for _, v := range t.Values {
			tw = append(tw, string(v))
		}
		w.Tags = append(w.Tags, tw)
	}
	return w, nil
}

// EventFromWire converts a wire event back into the core form.
func EventFromWire(w *EventWire) (*event.E, error) {
	id, err := hex.DecodeString(w.ID)
	if err != nil {
		return nil, errorf.E("wire: invalid event_id hex: %w", err)
	}
	pub, err := hex.DecodeString(w.Pubkey)
	if err != nil {
		return nil, errorf.E("wire: invalid pubkey hex: %w", err)
	}
	sig, err := hex.DecodeString(w.Sig)
	if err != nil {
		return nil, errorf.E("wire: invalid sig hex: %w", err)
	}
	var tags tag.List
	for _, tw := range w.Tags {
		if len(tw) == 0 || tw[0] == "" {
			return nil, errorf.E("wire: tag with empty key is rejected")
		}
		t := tag.NewFromKeyValues([]byte(tw[0]))
		for _, v := range tw[1:] {
			t.Values = append(t.Values, []byte(v))
		}
		tags = append(tags, t)
	}
	return &event.E{
		ID:        id,
		Pubkey:    pub,
		Kind:      w.Kind,
		CreatedAt: w.CreatedAt,
		Tags:      tags,
		Content:   []byte(w.Content),
		Sig:       sig,
	}, nil
}

// TagPairWire is a single (key, value) clause in a filter's tags list.
type TagPairWire struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FilterWire is a filter in its wire shape.
type FilterWire struct {
	Kinds          []uint16      `json:"kinds,omitempty"`
	PubkeyPrefixes []string      `json:"pubkey_prefixes,omitempty"`
	Tags           []TagPairWire `json:"tags,omitempty"`
	Since          *uint64       `json:"since,omitempty"`
	Until          *uint64       `json:"until,omitempty"`
}

// FilterToWire converts a core filter into its wire shape.
func FilterToWire(f *filter.F) *FilterWire {
	w := &FilterWire{Kinds: []uint16(f.Kinds), Since: f.Since, Until: f.Until}
	for _, p := range f.PubkeyPrefixes {
		w.PubkeyPrefixes = append(w.PubkeyPrefixes, hex.EncodeToString(p))
	}
	for _, tp := range f.Tags {
		w.Tags = append(w.Tags, TagPairWire{Key: string(tp.Key), Value: string(tp.Value)})
	}
	return w
}

// FilterFromWire converts a wire filter back into the core shape.
func FilterFromWire(w *FilterWire) (*filter.F, error) {
	f := &filter.F{Kinds: kind.NewSet(w.Kinds...), Since: w.Since, Until: w.Until}
	for _, p := range w.PubkeyPrefixes {
		b, err := hex.DecodeString(p)
		if err != nil {
			return nil, errorf.E("wire: invalid pubkey_prefix hex: %w", err)
		}
		f.PubkeyPrefixes = append(f.PubkeyPrefixes, b)
	}
	for _, tp := range w.Tags {
		f.Tags = append(f.Tags, filter.TagPair{Key: []byte(tp.Key), Value: []byte(tp.Value)})
	}
	return f, nil
}

// PublishMsg wraps a single event to be published.
type PublishMsg struct {
	Type  string     `json:"type"`
	Event *EventWire `json:"event"`
}

// SubscribeMsg registers filters under sub_id.
type SubscribeMsg struct {
	Type    string        `json:"type"`
	SubID   string        `json:"sub_id"`
	Filters []*FilterWire `json:"filters"`
}

// UnsubscribeMsg drops the named subscription.
type UnsubscribeMsg struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id"`
}

// EventDeliveryMsg delivers a matched event to a subscription.
type EventDeliveryMsg struct {
	Type  string     `json:"type"`
	SubID string     `json:"sub_id"`
	Event *EventWire `json:"event"`
}

// AckMsg acknowledges a publish; it carries no fields beyond type.
type AckMsg struct {
	Type string `json:"type"`
}

// ErrorMsg reports a connection- or publish-level failure.
type ErrorMsg struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NoiseMsg wraps an AEAD-encrypted application frame once the noise
// overlay is established. Counter is the per-frame send counter the
// sender used to derive its nonce (§4.9); the receiver does not enforce
// strict ordering on it.
type NoiseMsg struct {
	Type       string `json:"type"`
	PayloadHex string `json:"payload_hex"`
	Counter    uint64 `json:"counter"`
}
