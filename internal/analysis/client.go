// Package analysis runs the recipe-analysis server as a child process and
// speaks the framed protocol over its standard streams. A dedicated reader
// goroutine decodes frames forever, classifies them into handshake
// responses vs notifications, and publishes typed events to the dashboard
// through a channel. The child's lifetime is bound to the Client: Close
// tears it down on every exit path, handshake or no handshake.
package analysis

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/protocol"
)

// State of the initialize handshake.
type State int32

const (
	StateNotInitialized State = iota
	StateAwaitingInit
	StateReady
	StateFailed
	StateClosed
)

const (
	// initRequestID is the one response id the reader tracks. Everything
	// else with an id is a stray late response and is discarded.
	initRequestID = 1

	eventBuffer  = 64
	shutdownWait = 500 * time.Millisecond
)

// Config describes how to launch the analysis server.
type Config struct {
	Interpreter   string // defaults to python3
	Script        string
	WorkspaceRoot string
}

// process is the lifetime seam between Client and the real child process.
type process interface {
	kill() error
	exited() <-chan struct{}
}

type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *childProcess) kill() error            { return p.cmd.Process.Kill() }
func (p *childProcess) exited() <-chan struct{} { return p.done }

// Client owns the spawned analysis server. All writes go through the
// client; all reads happen on the internal reader goroutine.
type Client struct {
	stdin  io.WriteCloser
	proc   process
	events chan Event
	done   chan struct{}

	state  atomic.Int32
	nextID atomic.Uint64

	writeMu      sync.Mutex
	closeOnce    sync.Once
	terminalOnce sync.Once
	logger       *slog.Logger
}

// Start spawns the analysis server and sends the initialize request. The
// handshake completes asynchronously: watch the event channel for
// EventReady or EventInitFailed. Ownership of the child transfers at spawn
// time, so a failure after that point still tears the process down.
func Start(cfg Config) (*Client, error) {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	if cfg.Script == "" {
		return nil, fmt.Errorf("analysis server script not configured")
	}

	cmd := exec.Command(interpreter, cfg.Script, "--stdio")
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start analysis server (%s %s --stdio): %w",
			interpreter, cfg.Script, err)
	}

	procDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(procDone)
	}()

	c := newClient(stdin, stdout, &childProcess{cmd: cmd, done: procDone})
	if err := c.initialize(cfg.WorkspaceRoot); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// newClient wires the transport and starts the reader goroutine. Split from
// Start so tests can drive a client over in-memory pipes.
func newClient(stdin io.WriteCloser, stdout io.Reader, proc process) *Client {
	c := &Client{
		stdin:  stdin,
		proc:   proc,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		logger: log.WithComponent("analysis"),
	}
	c.state.Store(int32(StateNotInitialized))
	go c.readLoop(bufio.NewReader(stdout))
	return c
}

// Events is the channel the dashboard polls once per frame. Events arrive
// in the order the server emitted them.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current handshake state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Ready reports whether document operations may be sent.
func (c *Client) Ready() bool {
	return c.State() == StateReady
}

func (c *Client) initialize(workspaceRoot string) error {
	id := c.nextID.Add(1)
	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   FileURI(workspaceRoot),
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{},
				"completion":         map[string]any{},
				"hover":              map[string]any{},
			},
		},
	}

	c.state.Store(int32(StateAwaitingInit))
	if err := c.writeRequest(id, "initialize", params); err != nil {
		return fmt.Errorf("send initialize: %w", err)
	}
	return nil
}

// OpenDocument announces a recipe document to the server.
func (c *Client) OpenDocument(path, content string) error {
	if !c.Ready() {
		return fmt.Errorf("analysis server not ready")
	}
	return c.writeNotification("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{
			"uri":        FileURI(path),
			"languageId": "benchtop-recipe",
			"version":    1,
			"text":       content,
		},
	})
}

// ChangeDocument sends the full updated content of an open document.
// Callers debounce through a Tracker; this sends unconditionally.
func (c *Client) ChangeDocument(path, content string, version int) error {
	if !c.Ready() {
		return fmt.Errorf("analysis server not ready")
	}
	return c.writeNotification("textDocument/didChange", map[string]any{
		"textDocument": map[string]any{
			"uri":     FileURI(path),
			"version": version,
		},
		"contentChanges": []map[string]any{
			{"text": content},
		},
	})
}

// Close releases the child: best-effort graceful shutdown, a bounded wait
// for exit, then a forced kill. Safe on every exit path and idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)

		// Best effort; the priority is not hanging on a wedged server.
		id := c.nextID.Add(1)
		_ = c.writeRequest(id, "shutdown", nil)
		_ = c.writeNotification("exit", nil)
		_ = c.stdin.Close()

		select {
		case <-c.proc.exited():
		case <-time.After(shutdownWait):
			c.logger.Warn("analysis server did not exit, killing")
			_ = c.proc.kill()
			<-c.proc.exited()
		}
	})
}

func (c *Client) writeRequest(id uint64, method string, params any) error {
	payload, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return err
	}
	return c.writeFrame(payload)
}

func (c *Client) writeNotification(method string, params any) error {
	payload, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeFrame(payload)
}

func (c *Client) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.stdin, payload)
}

// readLoop is the continuous reader: it owns stdout exclusively and runs
// until the stream ends or a frame cannot be decoded.
func (c *Client) readLoop(r *bufio.Reader) {
	for {
		raw, err := protocol.ReadMessage(r)
		if err != nil {
			c.terminate(err)
			return
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			c.terminate(err)
			return
		}

		switch {
		case msg.IsResponse():
			c.handleResponse(msg)
		case msg.IsNotification():
			c.handleNotification(msg)
		default:
			c.logger.Debug("frame with neither id nor method, ignoring")
		}
	}
}

func (c *Client) handleResponse(msg *protocol.Message) {
	if *msg.ID == initRequestID && c.State() == StateAwaitingInit {
		if msg.Error != nil {
			c.state.Store(int32(StateFailed))
			c.emit(Event{
				Type:    EventInitFailed,
				Message: fmt.Sprintf("initialization failed: %v", msg.Error),
			})
			return
		}

		c.state.Store(int32(StateReady))
		c.emit(Event{Type: EventReady})
		if err := c.writeNotification("initialized", map[string]any{}); err != nil {
			c.logger.Warn("send initialized notification", "error", err)
		}
		return
	}

	// Stray late response; not worth more than a debug line.
	c.logger.Debug("discarding response for untracked id", "id", *msg.ID)
}

func (c *Client) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case "textDocument/publishDiagnostics":
		var params struct {
			URI         string `json:"uri"`
			Diagnostics []struct {
				Range struct {
					Start struct {
						Line      int `json:"line"`
						Character int `json:"character"`
					} `json:"start"`
				} `json:"range"`
				Severity int    `json:"severity"`
				Message  string `json:"message"`
				Source   string `json:"source"`
			} `json:"diagnostics"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("malformed diagnostics params", "error", err)
			return
		}

		diags := make([]Diagnostic, 0, len(params.Diagnostics))
		for _, d := range params.Diagnostics {
			diags = append(diags, Diagnostic{
				Line:     d.Range.Start.Line,
				Column:   d.Range.Start.Character,
				Severity: d.Severity,
				Message:  d.Message,
				Source:   d.Source,
			})
		}
		c.emit(Event{
			Type:        EventDiagnostics,
			Path:        PathFromURI(params.URI),
			Diagnostics: diags,
		})

	case "window/showMessage":
		var params struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("malformed showMessage params", "error", err)
			return
		}
		c.emit(Event{Type: EventMessage, Message: params.Message})

	default:
		c.logger.Debug("unhandled notification", "method", msg.Method)
	}
}

// terminate ends the reader, pushing the terminal error event exactly once.
// A close we initiated ourselves is not an error.
func (c *Client) terminate(err error) {
	if c.State() == StateClosed {
		return
	}
	c.terminalOnce.Do(func() {
		if err == io.EOF {
			c.emit(Event{Type: EventClosed, Message: "analysis server exited"})
			return
		}
		c.emit(Event{Type: EventClosed, Message: "analysis stream failed", Err: err})
	})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
