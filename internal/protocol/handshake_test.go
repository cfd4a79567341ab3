package protocol

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKeyRFCVector(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNegotiate(t *testing.T) {
	h := http.Header{}
	h.Set("Upgrade", "WebSocket")
	h.Set("Connection", "keep-alive, Upgrade")
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := Negotiate(h)
	require.NoError(t, err)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Accept)
	assert.Equal(t,
		"HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n",
		string(resp.Bytes()))
}

func TestNegotiateRejects(t *testing.T) {
	valid := func() http.Header {
		h := http.Header{}
		h.Set("Upgrade", "websocket")
		h.Set("Connection", "Upgrade")
		h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		return h
	}

	tests := []struct {
		name   string
		mutate func(http.Header)
	}{
		{"missing upgrade", func(h http.Header) { h.Del("Upgrade") }},
		{"wrong upgrade", func(h http.Header) { h.Set("Upgrade", "h2c") }},
		{"missing connection", func(h http.Header) { h.Del("Connection") }},
		{"connection without token", func(h http.Header) { h.Set("Connection", "keep-alive") }},
		{"missing key", func(h http.Header) { h.Del("Sec-WebSocket-Key") }},
		{"blank key", func(h http.Header) { h.Set("Sec-WebSocket-Key", "  ") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid()
			tt.mutate(h)

			resp, err := Negotiate(h)
			assert.Nil(t, resp)
			require.ErrorIs(t, err, ErrHandshake)

			var he *HandshakeError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, http.StatusBadRequest, he.Status)
		})
	}
}

func TestParseRequestHeaders(t *testing.T) {
	raw := []byte("GET /ws HTTP/1.1\r\n" +
		"Host: localhost:8000\r\n" +
		"upgrade: websocket\r\n" +
		"connection: Upgrade\r\n" +
		"sec-websocket-key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n")

	h, err := ParseRequestHeaders(raw)
	require.NoError(t, err)

	resp, err := Negotiate(h)
	require.NoError(t, err)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Accept)

	_, err = ParseRequestHeaders([]byte("POST /ws HTTP/1.1\r\nHost: x\r\n\r\n"))
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusMethodNotAllowed, he.Status)

	_, err = ParseRequestHeaders([]byte("garbage"))
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestClientKey(t *testing.T) {
	key, err := ClientKey()
	require.NoError(t, err)
	assert.Len(t, key, 24)
	assert.True(t, VerifyAccept(key, AcceptKey(key)))
	assert.False(t, VerifyAccept(key, "bogus"))
}
