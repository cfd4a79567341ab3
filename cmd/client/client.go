package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/avaropoint/agstream/internal/protocol"
)

// Client is a minimal WebSocket client speaking the same hand-built
// framing as the server. Outbound frames are masked.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// Dial connects to serverURL (ws, wss, http or https) and performs the
// WebSocket handshake. tlsCfg is used for wss and https URLs.
func Dial(ctx context.Context, serverURL string, tlsCfg *tls.Config) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}

	secure := false
	switch u.Scheme {
	case "ws", "http":
	case "wss", "https":
		secure = true
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	path := u.RequestURI()
	if u.Path == "" {
		path = "/ws"
	}

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	if secure {
		cfg := &tls.Config{}
		if tlsCfg != nil {
			cfg = tlsCfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		td := &tls.Dialer{NetDialer: d, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", host)
	} else {
		conn, err = d.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, err
	}

	reader, err := handshake(conn, u.Host, path)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	return &Client{conn: conn, reader: reader}, nil
}

func handshake(conn net.Conn, host, path string) (*bufio.Reader, error) {
	key, err := protocol.ClientKey()
	if err != nil {
		return nil, err
	}

	request := fmt.Sprintf("GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n",
		path, host, key)

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	if _, err := conn.Write([]byte(request)); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("websocket handshake failed: %s: %s", resp.Status, body)
	}
	if !protocol.VerifyAccept(key, resp.Header.Get("Sec-WebSocket-Accept")) {
		return nil, errors.New("websocket handshake failed: bad Sec-WebSocket-Accept")
	}
	return reader, nil
}

// Send marshals v and writes it as one masked TEXT frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeFrame(protocol.OpText, data)
}

func (c *Client) writeFrame(op protocol.Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteClientFrame(c.conn, op, payload)
}

// Next returns the next event from the server. Pings are answered and
// fragmented messages reassembled along the way. It returns io.EOF once
// the server closes the connection.
func (c *Client) Next() (map[string]any, error) {
	var (
		msg        []byte
		fragmented bool
	)
	for {
		f, err := protocol.ReadFrame(c.reader, 0)
		if err != nil {
			return nil, err
		}

		switch f.Opcode {
		case protocol.OpPing:
			if err := c.writeFrame(protocol.OpPong, f.Payload); err != nil {
				return nil, err
			}
			continue
		case protocol.OpPong:
			continue
		case protocol.OpClose:
			_ = c.writeFrame(protocol.OpClose, f.Payload)
			return nil, io.EOF
		case protocol.OpText, protocol.OpBinary:
			msg = append(msg[:0], f.Payload...)
			fragmented = !f.Fin
		case protocol.OpContinue:
			if !fragmented {
				return nil, fmt.Errorf("%w: unexpected continuation", protocol.ErrMalformedFrame)
			}
			msg = append(msg, f.Payload...)
			fragmented = !f.Fin
		}
		if fragmented {
			continue
		}

		var ev map[string]any
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return ev, nil
	}
}

// Close sends a normal-closure frame and closes the socket.
func (c *Client) Close() error {
	_ = c.writeFrame(protocol.OpClose, protocol.ClosePayload(protocol.CloseNormal, ""))
	return c.conn.Close()
}
