package analysis

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benchtop-dev/benchtop/internal/protocol"
)

type fakeProcess struct {
	mu       sync.Mutex
	killed   bool
	exitOnce sync.Once
	done     chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.markExited()
	return nil
}

func (p *fakeProcess) exited() <-chan struct{} { return p.done }

func (p *fakeProcess) markExited() {
	p.exitOnce.Do(func() { close(p.done) })
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeServer sits on the far end of the client's standard streams.
type fakeServer struct {
	t   *testing.T
	in  *bufio.Reader
	out *io.PipeWriter
}

func startTestClient(t *testing.T) (*Client, *fakeServer, *fakeProcess) {
	t.Helper()

	toServerR, toServerW := io.Pipe()
	fromServerR, fromServerW := io.Pipe()
	proc := newFakeProcess()

	c := newClient(toServerW, fromServerR, proc)
	fs := &fakeServer{t: t, in: bufio.NewReader(toServerR), out: fromServerW}

	t.Cleanup(func() {
		proc.markExited()
		c.Close()
		fromServerW.Close()
	})
	return c, fs, proc
}

func (fs *fakeServer) readMessage() *protocol.Message {
	fs.t.Helper()
	raw, err := protocol.ReadMessage(fs.in)
	if err != nil {
		fs.t.Fatalf("server read: %v", err)
	}
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		fs.t.Fatalf("server decode: %v", err)
	}
	return msg
}

func (fs *fakeServer) send(payload []byte, err error) {
	fs.t.Helper()
	if err != nil {
		fs.t.Fatalf("encode: %v", err)
	}
	if err := protocol.WriteMessage(fs.out, payload); err != nil {
		fs.t.Fatalf("server write: %v", err)
	}
}

func (fs *fakeServer) respondResult(id uint64, result any) {
	payload, err := protocol.EncodeResponse(id, result)
	fs.send(payload, err)
}

func (fs *fakeServer) respondError(id uint64, code int, message string) {
	payload, err := protocol.EncodeErrorResponse(id, code, message)
	fs.send(payload, err)
}

func (fs *fakeServer) notify(method string, params any) {
	payload, err := protocol.EncodeNotification(method, params)
	fs.send(payload, err)
}

// completeHandshake drives initialize to a successful conclusion.
func completeHandshake(t *testing.T, c *Client, fs *fakeServer) {
	t.Helper()
	if err := c.initialize(t.TempDir()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	init := fs.readMessage()
	if init.Method != "initialize" {
		t.Fatalf("method = %q, want initialize", init.Method)
	}
	fs.respondResult(*init.ID, map[string]any{"capabilities": map[string]any{}})

	ev := waitEvent(t, c)
	if ev.Type != EventReady {
		t.Fatalf("event = %v, want %v", ev.Type, EventReady)
	}
	if got := fs.readMessage(); got.Method != "initialized" {
		t.Fatalf("follow-up method = %q, want initialized", got.Method)
	}
}

func waitEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

func TestHandshakeSuccess(t *testing.T) {
	c, fs, _ := startTestClient(t)

	if err := c.initialize(t.TempDir()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	init := fs.readMessage()
	if init.Method != "initialize" {
		t.Fatalf("method = %q, want initialize", init.Method)
	}
	if init.ID == nil || *init.ID != initRequestID {
		t.Fatalf("id = %v, want %d", init.ID, initRequestID)
	}
	if !strings.Contains(string(init.Params), "rootUri") {
		t.Fatalf("params missing rootUri: %s", init.Params)
	}
	if !strings.Contains(string(init.Params), "publishDiagnostics") {
		t.Fatalf("params missing capabilities: %s", init.Params)
	}

	fs.respondResult(*init.ID, map[string]any{"capabilities": map[string]any{}})

	ev := waitEvent(t, c)
	if ev.Type != EventReady {
		t.Fatalf("event = %v, want %v", ev.Type, EventReady)
	}
	if got := fs.readMessage(); got.Method != "initialized" {
		t.Fatalf("follow-up method = %q, want initialized", got.Method)
	}
	if !c.Ready() {
		t.Fatal("client not ready after successful handshake")
	}
}

func TestHandshakeServerError(t *testing.T) {
	c, fs, _ := startTestClient(t)

	if err := c.initialize(t.TempDir()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	init := fs.readMessage()
	fs.respondError(*init.ID, protocol.CodeInternalError, "no workspace index")

	ev := waitEvent(t, c)
	if ev.Type != EventInitFailed {
		t.Fatalf("event = %v, want %v", ev.Type, EventInitFailed)
	}
	if !strings.Contains(ev.Message, "initialization failed") {
		t.Fatalf("message %q does not identify the failure", ev.Message)
	}
	if !strings.Contains(ev.Message, "no workspace index") {
		t.Fatalf("message %q missing server detail", ev.Message)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %v, want %v", c.State(), StateFailed)
	}
}

func TestDiagnosticsNotification(t *testing.T) {
	c, fs, _ := startTestClient(t)
	completeHandshake(t, c, fs)

	fs.notify("textDocument/publishDiagnostics", map[string]any{
		"uri": "file:///work/reactor.recipe",
		"diagnostics": []map[string]any{
			{
				"range": map[string]any{
					"start": map[string]any{"line": 4, "character": 2},
				},
				"severity": SeverityError,
				"message":  "unknown stage: anneal",
				"source":   "benchtop",
			},
			{
				"range": map[string]any{
					"start": map[string]any{"line": 9, "character": 0},
				},
				"severity": SeverityWarning,
				"message":  "duplicate parameter: temp",
			},
		},
	})

	ev := waitEvent(t, c)
	if ev.Type != EventDiagnostics {
		t.Fatalf("event = %v, want %v", ev.Type, EventDiagnostics)
	}
	if ev.Path != "/work/reactor.recipe" {
		t.Fatalf("path = %q", ev.Path)
	}
	if len(ev.Diagnostics) != 2 {
		t.Fatalf("got %d diagnostics, want 2", len(ev.Diagnostics))
	}
	first := ev.Diagnostics[0]
	if first.Line != 4 || first.Column != 2 || first.Severity != SeverityError {
		t.Fatalf("first diagnostic = %+v", first)
	}
	if first.Message != "unknown stage: anneal" {
		t.Fatalf("first message = %q", first.Message)
	}
}

func TestShowMessageNotification(t *testing.T) {
	c, fs, _ := startTestClient(t)
	completeHandshake(t, c, fs)

	fs.notify("window/showMessage", map[string]any{
		"type":    2,
		"message": "index rebuilt",
	})

	ev := waitEvent(t, c)
	if ev.Type != EventMessage || ev.Message != "index rebuilt" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStrayResponseDiscarded(t *testing.T) {
	c, fs, _ := startTestClient(t)
	completeHandshake(t, c, fs)

	// A late response for an id nobody is waiting on must not surface.
	fs.respondResult(99, map[string]any{"stale": true})
	fs.notify("window/showMessage", map[string]any{"message": "still here"})

	ev := waitEvent(t, c)
	if ev.Type != EventMessage || ev.Message != "still here" {
		t.Fatalf("event = %+v, want the showMessage after the stray response", ev)
	}
}

func TestServerExitEmitsClosedOnce(t *testing.T) {
	c, fs, _ := startTestClient(t)
	completeHandshake(t, c, fs)

	fs.out.Close()

	ev := waitEvent(t, c)
	if ev.Type != EventClosed {
		t.Fatalf("event = %v, want %v", ev.Type, EventClosed)
	}

	select {
	case extra := <-c.Events():
		t.Fatalf("unexpected second event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDocumentOpsRequireReady(t *testing.T) {
	c, _, _ := startTestClient(t)

	if err := c.OpenDocument("/work/a.recipe", "stage mix"); err == nil {
		t.Fatal("OpenDocument should fail before handshake")
	}
	if err := c.ChangeDocument("/work/a.recipe", "stage mix", 2); err == nil {
		t.Fatal("ChangeDocument should fail before handshake")
	}
}

func TestDocumentNotifications(t *testing.T) {
	c, fs, _ := startTestClient(t)
	completeHandshake(t, c, fs)

	if err := c.OpenDocument("/work/a.recipe", "stage mix"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	open := fs.readMessage()
	if open.Method != "textDocument/didOpen" {
		t.Fatalf("method = %q", open.Method)
	}
	if open.ID != nil {
		t.Fatal("didOpen must be a notification")
	}
	if !strings.Contains(string(open.Params), "file:///work/a.recipe") {
		t.Fatalf("didOpen params missing uri: %s", open.Params)
	}

	if err := c.ChangeDocument("/work/a.recipe", "stage mix\nstage cure", 2); err != nil {
		t.Fatalf("ChangeDocument: %v", err)
	}
	change := fs.readMessage()
	if change.Method != "textDocument/didChange" {
		t.Fatalf("method = %q", change.Method)
	}
	if !strings.Contains(string(change.Params), `"version":2`) {
		t.Fatalf("didChange params missing version: %s", change.Params)
	}
}

func TestCloseGracefulShutdown(t *testing.T) {
	c, fs, proc := startTestClient(t)
	completeHandshake(t, c, fs)

	// Play the well-behaved server: exit once asked to.
	go func() {
		for {
			raw, err := protocol.ReadMessage(fs.in)
			if err != nil {
				proc.markExited()
				return
			}
			msg, err := protocol.DecodeMessage(raw)
			if err != nil {
				proc.markExited()
				return
			}
			if msg.Method == "exit" {
				proc.markExited()
				return
			}
		}
	}()

	c.Close()

	if proc.wasKilled() {
		t.Fatal("cooperative server should not be killed")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want %v", c.State(), StateClosed)
	}
}

func TestCloseKillsUnresponsiveServer(t *testing.T) {
	c, fs, proc := startTestClient(t)
	completeHandshake(t, c, fs)

	// Drain the shutdown traffic but never exit.
	go func() {
		io.Copy(io.Discard, fs.in)
	}()

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	if !proc.wasKilled() {
		t.Fatal("unresponsive server was not killed")
	}
}

func TestCloseIdempotent(t *testing.T) {
	c, fs, proc := startTestClient(t)
	completeHandshake(t, c, fs)

	go io.Copy(io.Discard, fs.in)
	proc.markExited()

	c.Close()
	c.Close()
}
