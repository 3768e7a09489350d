// Package protocol implements the framed wire format shared by the benchtopd
// socket client and the recipe-analysis stdio client: a Content-Length header
// line, a blank line, then exactly that many bytes of JSON payload.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxMessageSize is the hard ceiling on a single framed payload. A declared
// length above this is a protocol violation, not something to retry.
const MaxMessageSize = 100 * 1024 * 1024

const contentLengthHeader = "content-length"

var (
	// ErrMissingContentLength is returned when the header block ends without
	// a Content-Length header.
	ErrMissingContentLength = errors.New("missing Content-Length header")

	// ErrTooLarge is returned before any body read when the declared length
	// exceeds MaxMessageSize.
	ErrTooLarge = errors.New("message exceeds maximum size")

	// ErrInvalidUTF8 is returned when a payload is not valid UTF-8 text.
	ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

	// ErrConnClosed is returned when the stream ends mid-message.
	ErrConnClosed = errors.New("connection closed")
)

// WriteMessage frames payload with a Content-Length header and writes it to w.
// If w is a *bufio.Writer it is flushed before returning, so the peer sees the
// complete frame.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("write: %w (%d bytes)", ErrTooLarge, len(payload))
	}

	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	if bw, ok := w.(*bufio.Writer); ok {
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one framed message from r. Header lines are key: value
// pairs terminated by CRLF or bare LF; keys match case-insensitively and
// unrecognized headers are skipped. The body is read in full before the next
// frame's header can be parsed.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	length := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if line == "" && length < 0 {
					return nil, io.EOF
				}
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("read header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), contentLengthHeader) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = n
		}
	}

	if length < 0 {
		return nil, ErrMissingContentLength
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("declared length %d: %w", length, ErrTooLarge)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if !utf8.Valid(body) {
		return nil, ErrInvalidUTF8
	}
	return body, nil
}
