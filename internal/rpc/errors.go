package rpc

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ConnectionFailedError means the daemon socket is absent or actively
// refusing connections. These are the two dial failures that trigger the
// auto-start path; everything else stays a plain I/O error.
type ConnectionFailedError struct {
	Target string
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// TimeoutError means a call's response did not arrive within the configured
// window. The connection stays usable; a late response is dropped silently.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call timed out after %s", e.After)
}

// ProtocolError means the peer violated the framing or envelope contract.
// Not retryable inside a call.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// classifyDialError maps "socket missing" and "connection refused" onto
// ConnectionFailedError so callers can decide to auto-start the daemon.
func classifyDialError(target string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return &ConnectionFailedError{Target: target, Err: err}
	}
	return fmt.Errorf("dial %s: %w", target, err)
}

// isRefused reports whether a dial failed against an existing but dead
// socket, i.e. a stale artifact from a crashed daemon.
func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// isAbsent reports whether a dial failed because the socket does not exist.
func isAbsent(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT)
}
