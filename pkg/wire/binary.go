package wire

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the single compact-binary object table: a type tag plus
// the JSON-encoded payload of the corresponding message (§6 compact
// binary encoding — present design, a fully typed per-message schema is
// noted there as a forward-compatible replacement).
type envelope struct {
	Type    uint8  `msgpack:"type"`
	Payload []byte `msgpack:"payload"`
}

// EncodeBinary wraps msg (any JSON-marshalable message struct) as the
// compact binary form for the given message type.
func EncodeBinary(t Type, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&envelope{Type: uint8(t), Payload: payload})
}

// DecodeBinary unwraps a compact binary frame into its message type and
// JSON payload; the caller unmarshals payload into the concrete message
// struct for that type.
func DecodeBinary(b []byte) (Type, []byte, error) {
	var e envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return 0, nil, err
	}
	return Type(e.Type), e.Payload, nil
}

// NegotiateFormat chooses "binary" if the client offered it, else
// "json" (§4.8 handshake).
func NegotiateFormat(clientFormats []string) string {
	for _, f := range clientFormats {
		if f == FormatBinary {
			return FormatBinary
		}
	}
	return FormatJSON
}
