// Package rpc implements the framed request/response client for benchtopd:
// a single connection per session, one in-flight call at a time, responses
// correlated by id with a per-call timeout.
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/protocol"
)

// DefaultCallTimeout bounds every call unless overridden with SetTimeout.
const DefaultCallTimeout = 30 * time.Second

const dialTimeout = 2 * time.Second

// stream is the duplex transport a Conn owns. Read deadlines are how call
// timeouts are enforced; both unix sockets and net.Pipe provide them.
type stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Conn owns one duplex byte stream and the next-id counter for it. All I/O
// happens on the calling goroutine, serialized by the mutex; the id counter
// is atomic so envelopes can be built from anywhere.
type Conn struct {
	mu      sync.Mutex
	stream  stream
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	nextID  atomic.Uint64
	logger  *slog.Logger
}

// Connect dials the daemon socket at path. Absent or refusing sockets come
// back as ConnectionFailedError so the caller can choose to auto-start.
func Connect(path string) (*Conn, error) {
	c, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, classifyDialError(path, err)
	}
	return NewConn(c), nil
}

// NewConn wraps an established duplex stream. Used directly in tests and by
// Connect in production.
func NewConn(s stream) *Conn {
	return &Conn{
		stream:  s,
		r:       bufio.NewReader(s),
		w:       bufio.NewWriter(s),
		timeout: DefaultCallTimeout,
		logger:  log.WithComponent("rpc"),
	}
}

// SetTimeout overrides the per-call deadline.
func (c *Conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Close releases the underlying stream.
func (c *Conn) Close() error {
	return c.stream.Close()
}

// Call sends method with params and blocks for the correlated response.
// On timeout the pending id is forgotten and the connection stays open; a
// late response for that id is discarded by a later call's read loop.
func (c *Conn) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	payload, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteMessage(c.w, payload); err != nil {
		return nil, fmt.Errorf("send %q: %w", method, err)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if err := c.stream.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}

		raw, err := protocol.ReadMessage(c.r)
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				return nil, &TimeoutError{After: c.timeout}
			case errors.Is(err, protocol.ErrMissingContentLength),
				errors.Is(err, protocol.ErrTooLarge),
				errors.Is(err, protocol.ErrInvalidUTF8):
				return nil, &ProtocolError{Reason: "bad frame", Err: err}
			default:
				return nil, fmt.Errorf("read response for %q: %w", method, err)
			}
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
		}

		if !msg.IsResponse() {
			c.logger.Debug("ignoring notification on call connection", "method", msg.Method)
			continue
		}
		if *msg.ID != id {
			// Late response for a call that already timed out.
			c.logger.Debug("discarding response for untracked id", "id", *msg.ID, "want", id)
			continue
		}

		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// Ping performs the reserved no-op call and returns the observed round-trip
// latency. Used by health checks and the doctor.
func (c *Conn) Ping() (time.Duration, error) {
	start := time.Now()
	result, err := c.Call("system.ping", nil)
	if err != nil {
		return 0, err
	}

	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(result, &pong); err != nil || !pong.Pong {
		return 0, &ProtocolError{Reason: fmt.Sprintf("unexpected ping response %s", result)}
	}
	return time.Since(start), nil
}
