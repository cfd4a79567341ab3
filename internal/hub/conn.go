// Package hub owns live WebSocket connections: the per-connection state
// machine with its receive buffer, and the registry that fans events out
// to every open connection.
package hub

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/avaropoint/agstream/internal/metrics"
	"github.com/avaropoint/agstream/internal/protocol"
)

// State is a connection lifecycle stage.
type State int32

const (
	StatePendingHandshake State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePendingHandshake:
		return "pending_handshake"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNoMessageYet means no complete message is buffered. It is not
	// terminal; call Receive again.
	ErrNoMessageYet = errors.New("hub: no message yet")

	// ErrConnectionClosed is returned once the peer disconnected, sent a
	// CLOSE frame, or violated the framing rules.
	ErrConnectionClosed = errors.New("hub: connection closed")

	// ErrSendFailure wraps any failure to write a frame. The connection
	// is closed when it is returned.
	ErrSendFailure = errors.New("hub: send failed")

	errQueueFull = errors.New("send queue full")
)

// Defaults applied by NewConn to zero Options fields.
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
	DefaultSendQueue    = 256

	maxHandshakeBytes = 8 << 10
	readChunk         = 4096
)

// Options tunes a connection. The zero value is usable.
type Options struct {
	// PollInterval bounds how long one Receive waits for bytes.
	PollInterval time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// SendQueue is how many outbound frames may wait for the writer.
	// A peer that lets its queue fill up is dropped.
	SendQueue int
	// IdleTimeout closes the connection after this long without any
	// inbound bytes. Zero disables it.
	IdleTimeout time.Duration
	// MaxMessageSize caps a single frame and a reassembled message.
	MaxMessageSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.DefaultMaxPayload
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is one client connection. Receive must be called from a single
// goroutine; Send, CloseWith and Close are safe for concurrent use.
//
// Once open, every outbound frame goes through a bounded queue drained
// by the connection's own writer goroutine, so Send never waits on the
// peer.
type Conn struct {
	id     string
	remote string
	nc     net.Conn
	opts   Options
	log    *slog.Logger

	state atomic.Int32

	// Owned by the receiving goroutine.
	buf      []byte
	scratch  []byte
	frag     []byte
	fragOp   protocol.Opcode
	inFrag   bool
	lastRead time.Time

	writeMu    sync.Mutex
	out        chan outFrame
	writerDone chan struct{}
	done       chan struct{}

	closeOnce sync.Once
	cbMu      sync.Mutex
	callbacks []func()
	closed    bool
}

// NewConn wraps nc in PENDING_HANDSHAKE state.
func NewConn(nc net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	remote := ""
	if addr := nc.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Conn{
		id:       id,
		remote:   remote,
		nc:       nc,
		opts:     opts,
		log:      opts.Logger.With("conn", id, "remote", remote),
		scratch:  make([]byte, readChunk),
		lastRead: time.Now(),

		out:        make(chan outFrame, opts.SendQueue),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

type outFrame struct {
	op      protocol.Opcode
	payload []byte
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remote }
func (c *Conn) State() State       { return State(c.state.Load()) }
func (c *Conn) Open() bool         { return c.State() == StateOpen }

// Prime queues bytes that were read off the socket before the Conn took
// ownership of it, such as data buffered by an HTTP server during hijack.
func (c *Conn) Prime(b []byte) {
	c.buf = append(c.buf, b...)
}

// Accept writes the 101 response and moves the connection to OPEN.
func (c *Conn) Accept(resp *protocol.AcceptResponse) error {
	if c.State() != StatePendingHandshake {
		return fmt.Errorf("accept in state %s", c.State())
	}
	if err := c.write(resp.Bytes()); err != nil {
		_ = c.Close()
		return fmt.Errorf("write handshake response: %w", err)
	}
	if !c.state.CompareAndSwap(int32(StatePendingHandshake), int32(StateOpen)) {
		return ErrConnectionClosed
	}
	go c.writeLoop()
	c.opts.Metrics.ConnOpened()
	c.log.Debug("connection open")
	return nil
}

// Handshake reads a raw HTTP upgrade request from the socket and answers
// it, for connections served without net/http. Bytes that arrive after
// the request headers stay buffered for Receive. On rejection an HTTP
// error response is written and the connection is closed.
func (c *Conn) Handshake(timeout time.Duration) error {
	if timeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
		defer c.nc.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	end := bytes.Index(c.buf, []byte("\r\n\r\n"))
	for end < 0 {
		if len(c.buf) > maxHandshakeBytes {
			return c.reject(&protocol.HandshakeError{
				Status: http.StatusRequestHeaderFieldsTooLarge,
				Reason: "request headers too large",
			})
		}
		n, err := c.nc.Read(c.scratch)
		c.buf = append(c.buf, c.scratch[:n]...)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("read handshake: %w", err)
		}
		end = bytes.Index(c.buf, []byte("\r\n\r\n"))
	}
	end += 4

	h, err := protocol.ParseRequestHeaders(c.buf[:end])
	if err != nil {
		return c.reject(err)
	}
	c.buf = append(c.buf[:0], c.buf[end:]...)

	resp, err := protocol.Negotiate(h)
	if err != nil {
		return c.reject(err)
	}
	return c.Accept(resp)
}

func (c *Conn) reject(err error) error {
	status := http.StatusBadRequest
	var he *protocol.HandshakeError
	if errors.As(err, &he) {
		status = he.Status
	}
	c.opts.Metrics.HandshakeFailed(status)
	c.log.Debug("handshake rejected", "status", status, "error", err)
	_ = c.write([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status))))
	_ = c.Close()
	return err
}

// Receive returns the next complete text or binary message.
//
// It first drains frames already buffered, then performs at most one
// read bounded by the poll interval. ErrNoMessageYet means try again
// later. Any error wrapping ErrConnectionClosed is terminal and the
// connection has been closed.
func (c *Conn) Receive() (string, error) {
	if c.State() != StateOpen {
		return "", ErrConnectionClosed
	}

	if msg, ok, err := c.extract(); err != nil || ok {
		return msg, err
	}

	if err := c.fill(); err != nil {
		return "", err
	}

	if msg, ok, err := c.extract(); err != nil || ok {
		return msg, err
	}
	return "", ErrNoMessageYet
}

// fill performs one bounded read into the receive buffer.
func (c *Conn) fill() error {
	_ = c.nc.SetReadDeadline(time.Now().Add(c.opts.PollInterval))
	n, err := c.nc.Read(c.scratch)
	if n > 0 {
		c.buf = append(c.buf, c.scratch[:n]...)
		c.lastRead = time.Now()
	}
	if err == nil {
		return nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if n > 0 {
			return nil
		}
		if c.opts.IdleTimeout > 0 && time.Since(c.lastRead) > c.opts.IdleTimeout {
			c.log.Debug("idle timeout")
			_ = c.CloseWith(protocol.CloseGoingAway, "idle timeout")
			return fmt.Errorf("%w: idle timeout", ErrConnectionClosed)
		}
		return ErrNoMessageYet
	}

	_ = c.Close()
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// extract decodes whole frames from the buffer until a data message is
// complete or the buffer holds only a partial frame. Control frames are
// answered inline.
func (c *Conn) extract() (string, bool, error) {
	limit := uint64(c.opts.MaxMessageSize)
	for {
		f, n, err := protocol.DecodeLimit(c.buf, limit)
		if errors.Is(err, protocol.ErrNeedMoreData) {
			return "", false, nil
		}
		if err != nil {
			c.log.Warn("malformed frame", "error", err)
			_ = c.CloseWith(protocol.CloseProtocolError, "malformed frame")
			return "", false, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		c.buf = append(c.buf[:0], c.buf[n:]...)
		c.opts.Metrics.FrameReceived(f.Opcode.String())

		switch f.Opcode {
		case protocol.OpPing:
			if err := c.enqueue(protocol.OpPong, f.Payload); err != nil {
				_ = c.Close()
				return "", false, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}

		case protocol.OpPong:

		case protocol.OpClose:
			code := closeReply(f.Payload)
			c.log.Debug("close frame received", "reply", code)
			_ = c.CloseWith(code, "")
			return "", false, ErrConnectionClosed

		case protocol.OpContinue:
			if !c.inFrag {
				return "", false, c.violation(protocol.CloseProtocolError, "continuation without start")
			}
			if len(c.frag)+len(f.Payload) > c.opts.MaxMessageSize {
				return "", false, c.violation(protocol.CloseTooLarge, "message too large")
			}
			c.frag = append(c.frag, f.Payload...)
			if f.Fin {
				if c.fragOp == protocol.OpText && !utf8.Valid(c.frag) {
					return "", false, c.violation(protocol.CloseInvalidPayload, "invalid UTF-8 in text message")
				}
				msg := string(c.frag)
				c.frag, c.inFrag = c.frag[:0], false
				return msg, true, nil
			}

		default: // TEXT or BINARY
			if c.inFrag {
				return "", false, c.violation(protocol.CloseProtocolError, "new message inside fragmented message")
			}
			if !f.Fin {
				c.inFrag, c.fragOp = true, f.Opcode
				c.frag = append(c.frag[:0], f.Payload...)
				continue
			}
			if f.Opcode == protocol.OpText && !utf8.Valid(f.Payload) {
				return "", false, c.violation(protocol.CloseInvalidPayload, "invalid UTF-8 in text message")
			}
			return string(f.Payload), true, nil
		}
	}
}

// closeReply picks the status code to echo for a peer's CLOSE payload.
// Malformed payloads and codes that must not appear on the wire are
// answered with a protocol error.
func closeReply(payload []byte) uint16 {
	switch {
	case len(payload) == 0:
		return protocol.CloseNormal
	case len(payload) == 1:
		return protocol.CloseProtocolError
	}
	code := uint16(payload[0])<<8 | uint16(payload[1])
	if !protocol.ValidCloseCode(code) || !utf8.Valid(payload[2:]) {
		return protocol.CloseProtocolError
	}
	return code
}

func (c *Conn) violation(code uint16, reason string) error {
	c.log.Warn("protocol violation", "reason", reason)
	_ = c.CloseWith(code, reason)
	return fmt.Errorf("%w: %s", ErrConnectionClosed, reason)
}

// Send queues text as a single TEXT frame. It does not wait for the
// write; a peer whose queue is full is closed and ErrSendFailure returned.
func (c *Conn) Send(text string) error {
	if c.State() != StateOpen {
		return fmt.Errorf("%w: connection %s", ErrSendFailure, c.State())
	}
	if err := c.enqueue(protocol.OpText, []byte(text)); err != nil {
		c.log.Warn("dropping connection", "error", err)
		_ = c.Close()
		return fmt.Errorf("%w: %w", ErrSendFailure, err)
	}
	return nil
}

func (c *Conn) enqueue(op protocol.Opcode, payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- outFrame{op: op, payload: payload}:
		return nil
	default:
		return errQueueFull
	}
}

// writeLoop drains the outbound queue until the connection closes or a
// CLOSE frame has been written.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if err := c.writeFrame(f.op, f.payload); err != nil {
				c.log.Debug("write frame", "opcode", f.op, "error", err)
				_ = c.Close()
				return
			}
			if f.op == protocol.OpClose {
				return
			}
		}
	}
}

func (c *Conn) writeFrame(op protocol.Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := protocol.WriteServerFrame(c.nc, op, payload); err != nil {
		return err
	}
	c.opts.Metrics.FrameSent(op.String(), len(payload))
	return nil
}

// write sends raw bytes, used before the writer starts.
func (c *Conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := c.nc.Write(b)
	return err
}

// CloseWith queues a CLOSE frame behind any pending frames when the
// connection is open, waits up to the write timeout for it to be written,
// then closes the socket.
func (c *Conn) CloseWith(code uint16, reason string) error {
	if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		if err := c.enqueue(protocol.OpClose, protocol.ClosePayload(code, reason)); err != nil {
			c.log.Debug("queue close frame", "error", err)
		} else {
			t := time.NewTimer(c.opts.WriteTimeout)
			select {
			case <-c.writerDone:
			case <-t.C:
			}
			t.Stop()
		}
	}
	return c.Close()
}

// Close tears the connection down. Only the first call has any effect;
// it runs the OnClose callbacks.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosed)))
		close(c.done)
		err = c.nc.Close()
		if prev == StateOpen || prev == StateClosing {
			c.opts.Metrics.ConnClosed()
			c.log.Debug("connection closed")
		}

		c.cbMu.Lock()
		c.closed = true
		cbs := c.callbacks
		c.callbacks = nil
		c.cbMu.Unlock()

		for _, fn := range cbs {
			fn()
		}
	})
	return err
}

// OnClose registers fn to run once the connection closes. If it is
// already closed fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.cbMu.Lock()
	if c.closed {
		c.cbMu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.cbMu.Unlock()
}
