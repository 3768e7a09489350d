package rpc

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benchtop-dev/benchtop/internal/protocol"
)

// pipeConn builds a client Conn wired to an in-memory peer the test can
// script responses on.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return NewConn(client), server
}

// readRequest consumes one framed request from the scripted peer.
func readRequest(t *testing.T, r *bufio.Reader) *protocol.Message {
	t.Helper()
	raw, err := protocol.ReadMessage(r)
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		t.Errorf("server decode: %v", err)
		return nil
	}
	return msg
}

func writeFrame(t *testing.T, w net.Conn, payload []byte) {
	t.Helper()
	if err := protocol.WriteMessage(w, payload); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func TestCallHappyPath(t *testing.T) {
	conn, server := pipeConn(t)

	go func() {
		r := bufio.NewReader(server)
		req := readRequest(t, r)
		if req == nil {
			return
		}
		if req.Method != "job.list" {
			t.Errorf("unexpected method %q", req.Method)
		}
		resp, _ := protocol.EncodeResponse(*req.ID, map[string]any{"jobs": []any{}})
		writeFrame(t, server, resp)
	}()

	result, err := conn.Call("job.list", map[string]any{"cluster": "local"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"jobs":[]}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestPing(t *testing.T) {
	conn, server := pipeConn(t)

	go func() {
		r := bufio.NewReader(server)
		req := readRequest(t, r)
		if req == nil {
			return
		}
		if req.Method != "system.ping" {
			t.Errorf("unexpected method %q", req.Method)
		}
		resp, _ := protocol.EncodeResponse(*req.ID, map[string]any{"pong": true})
		writeFrame(t, server, resp)
	}()

	rtt, err := conn.Ping()
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt < 0 {
		t.Errorf("negative round trip %v", rtt)
	}
}

func TestPingBadShape(t *testing.T) {
	conn, server := pipeConn(t)

	go func() {
		r := bufio.NewReader(server)
		req := readRequest(t, r)
		if req == nil {
			return
		}
		resp, _ := protocol.EncodeResponse(*req.ID, map[string]any{"pong": false})
		writeFrame(t, server, resp)
	}()

	if _, err := conn.Ping(); err == nil {
		t.Fatal("expected protocol error for bad ping shape")
	} else {
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
		}
	}
}

func TestCallServerError(t *testing.T) {
	conn, server := pipeConn(t)

	go func() {
		r := bufio.NewReader(server)
		req := readRequest(t, r)
		if req == nil {
			return
		}
		resp, _ := protocol.EncodeErrorResponse(*req.ID, -32001, "cluster offline")
		writeFrame(t, server, resp)
	}()

	_, err := conn.Call("job.submit", nil)
	var se *protocol.RPCError
	if !errors.As(err, &se) {
		t.Fatalf("expected *protocol.RPCError, got %T: %v", err, err)
	}
	if se.Code != -32001 || se.Message != "cluster offline" {
		t.Errorf("unexpected server error: %+v", se)
	}
}

func TestCallProtocolError(t *testing.T) {
	conn, server := pipeConn(t)

	go func() {
		r := bufio.NewReader(server)
		if readRequest(t, r) == nil {
			return
		}
		writeFrame(t, server, []byte(`this is not json`))
	}()

	_, err := conn.Call("job.list", nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestCallIgnoresNotifications(t *testing.T) {
	conn, server := pipeConn(t)

	go func() {
		r := bufio.NewReader(server)
		req := readRequest(t, r)
		if req == nil {
			return
		}
		note, _ := protocol.EncodeNotification("job.progress", map[string]any{"pct": 50})
		writeFrame(t, server, note)
		resp, _ := protocol.EncodeResponse(*req.ID, map[string]any{"ok": true})
		writeFrame(t, server, resp)
	}()

	result, err := conn.Call("job.get", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestCallTimeoutThenLateResponse(t *testing.T) {
	conn, server := pipeConn(t)
	conn.SetTimeout(100 * time.Millisecond)

	firstID := make(chan uint64, 1)
	go func() {
		r := bufio.NewReader(server)

		// First call: never answer in time.
		req1 := readRequest(t, r)
		if req1 == nil {
			return
		}
		firstID <- *req1.ID

		// Second call: deliver the stale response first, then the real one.
		req2 := readRequest(t, r)
		if req2 == nil {
			return
		}
		late, _ := protocol.EncodeResponse(*req1.ID, map[string]any{"stale": true})
		writeFrame(t, server, late)
		resp, _ := protocol.EncodeResponse(*req2.ID, map[string]any{"fresh": true})
		writeFrame(t, server, resp)
	}()

	_, err := conn.Call("job.list", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if te.After != 100*time.Millisecond {
		t.Errorf("timeout duration = %v", te.After)
	}
	<-firstID

	// The connection must still correlate correctly after the timeout.
	result, err := conn.Call("job.list", nil)
	if err != nil {
		t.Fatalf("second Call: %v", err)
	}
	if string(result) != `{"fresh":true}` {
		t.Errorf("late response corrupted correlation: got %s", result)
	}
}

func TestCallIDsIncrease(t *testing.T) {
	conn, server := pipeConn(t)

	ids := make(chan uint64, 3)
	go func() {
		r := bufio.NewReader(server)
		for i := 0; i < 3; i++ {
			req := readRequest(t, r)
			if req == nil {
				return
			}
			ids <- *req.ID
			resp, _ := protocol.EncodeResponse(*req.ID, map[string]any{})
			writeFrame(t, server, resp)
		}
	}()

	for i := 0; i < 3; i++ {
		if _, err := conn.Call("system.ping", nil); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}

	prev := uint64(0)
	for i := 0; i < 3; i++ {
		id := <-ids
		if id <= prev {
			t.Errorf("ids not monotonically increasing: %d after %d", id, prev)
		}
		prev = id
	}
}
