package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"aether.relay.dev/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestIPWhitelistedMatchesPrefix(t *testing.T) {
	require.True(t, ipWhitelisted("10.0.0.42", []string{"10.0.0"}))
	require.False(t, ipWhitelisted("192.168.1.1", []string{"10.0.0"}))
}

func TestRemoteAddrPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "127.0.0.1:9999"
	require.Equal(t, "203.0.113.5", remoteAddr(r))
}

func TestRemoteAddrFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:1234"
	require.Equal(t, "198.51.100.7:1234", remoteAddr(r))
}

func TestEncodeForFormatJSON(t *testing.T) {
	payload, err := encodeForFormat(wire.FormatJSON, "ack", &wire.AckMsg{Type: "ack"})
	require.NoError(t, err)
	require.Contains(t, string(payload), `"type":"ack"`)
}

func TestEncodeForFormatBinaryRoundTrips(t *testing.T) {
	payload, err := encodeForFormat(wire.FormatBinary, "ack", &wire.AckMsg{Type: "ack"})
	require.NoError(t, err)
	typ, inner, err := wire.DecodeBinary(payload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, typ)
	require.Contains(t, string(inner), `"type":"ack"`)
}
