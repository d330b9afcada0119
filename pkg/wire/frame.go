package wire

import (
	"encoding/binary"
	"io"

	"lol.mleku.dev/errorf"
)

// MaxFrameBytes bounds a single frame's payload size to guard against a
// malicious or corrupt length prefix forcing an unbounded allocation.
const MaxFrameBytes = 16 << 20 // 16 MiB

// WriteFrame writes payload to w prefixed with its big-endian u32 length
// (§4.8, §6 frame envelope).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return errorf.E("wire: frame payload %d bytes exceeds maximum %d", len(payload), MaxFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, errorf.E("wire: frame length %d exceeds maximum %d", n, MaxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
