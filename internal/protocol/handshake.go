package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// WebSocket GUID per RFC 6455 section 4.2.2.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrHandshake is the sentinel every HandshakeError unwraps to.
var ErrHandshake = errors.New("protocol: handshake rejected")

// HandshakeError reports why an upgrade request was rejected and which
// HTTP status the server should answer with.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string { return "handshake rejected: " + e.Reason }

func (e *HandshakeError) Unwrap() error { return ErrHandshake }

// AcceptResponse is the server half of a successful handshake.
type AcceptResponse struct {
	Accept string
}

// Bytes renders the raw 101 response written to the hijacked socket.
func (a *AcceptResponse) Bytes() []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + a.Accept + "\r\n\r\n")
}

// AcceptKey computes the Sec-WebSocket-Accept value for a given key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Negotiate validates the headers of an upgrade request. It does not
// touch any connection; callers write AcceptResponse.Bytes on success.
func Negotiate(h http.Header) (*AcceptResponse, error) {
	if !strings.EqualFold(strings.TrimSpace(h.Get("Upgrade")), "websocket") {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "Upgrade header is not websocket"}
	}

	// Browsers may send composite values such as "keep-alive, Upgrade".
	if !strings.Contains(strings.ToLower(strings.Join(h.Values("Connection"), ",")), "upgrade") {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "Connection header lacks upgrade token"}
	}

	key := strings.TrimSpace(h.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "missing Sec-WebSocket-Key"}
	}

	return &AcceptResponse{Accept: AcceptKey(key)}, nil
}

// ParseRequestHeaders parses a raw pre-upgrade HTTP request as read off a
// socket and returns its headers.
func ParseRequestHeaders(raw []byte) (http.Header, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: fmt.Sprintf("parse request: %v", err)}
	}
	if req.Method != http.MethodGet {
		return nil, &HandshakeError{Status: http.StatusMethodNotAllowed, Reason: "upgrade requires GET"}
	}
	return req.Header, nil
}

// ClientKey returns a fresh Sec-WebSocket-Key (base64 of 16 random bytes).
func ClientKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// VerifyAccept checks the server's Sec-WebSocket-Accept against key.
func VerifyAccept(key, accept string) bool {
	return AcceptKey(key) == strings.TrimSpace(accept)
}
