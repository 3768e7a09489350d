// Package bridge runs benchtopd calls on a dedicated goroutine so the
// frame-rate-bound dashboard never blocks on the socket. The dashboard
// enqueues at most one outstanding operation of a given kind and polls the
// bounded result channel once per tick.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/rpc"
)

// OpKind labels a logical dashboard operation. The per-kind pending flags
// live in the UI model, not here; the worker only executes.
type OpKind string

const (
	OpListJobs     OpKind = "list_jobs"
	OpSubmitJob    OpKind = "submit_job"
	OpCancelJob    OpKind = "cancel_job"
	OpListClusters OpKind = "list_clusters"
	OpPing         OpKind = "ping"
)

// Op is one logical request from the UI thread.
type Op struct {
	Kind   OpKind
	Method string
	Params any
}

// Result is the completion of an Op, delivered on the bounded result
// channel. Exactly one of Payload/Err is meaningful.
type Result struct {
	Kind    OpKind
	Payload json.RawMessage
	Err     error
}

// resultBuffer bounds completions the UI hasn't polled yet. The UI drains
// once per tick, so this never grows past a handful in practice.
const resultBuffer = 16

// Worker owns the connection exclusively on its goroutine. The UI side only
// touches the channels.
type Worker struct {
	conn    *rpc.Conn
	ops     chan Op
	results chan Result
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// New wraps an established connection. Call Start to begin serving.
func New(conn *rpc.Conn) *Worker {
	return &Worker{
		conn:    conn,
		ops:     make(chan Op),
		results: make(chan Result, resultBuffer),
		done:    make(chan struct{}),
		logger:  log.WithComponent("bridge"),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	for {
		select {
		case <-w.done:
			return
		case op := <-w.ops:
			payload, err := w.conn.Call(op.Method, op.Params)
			if err != nil {
				w.logger.Warn("call failed", "kind", op.Kind, "method", op.Method, "error", err)
			}
			select {
			case w.results <- Result{Kind: op.Kind, Payload: payload, Err: err}:
			case <-w.done:
				return
			}
		}
	}
}

// TryEnqueue hands an operation to the worker without blocking. It returns
// false when the worker is still busy with the previous operation; callers
// treat that as backpressure and try again next tick.
func (w *Worker) TryEnqueue(op Op) bool {
	select {
	case w.ops <- op:
		return true
	default:
		return false
	}
}

// Results is the bounded completion channel the UI polls once per tick.
func (w *Worker) Results() <-chan Result {
	return w.results
}

// Close stops the worker and releases the connection. Safe to call more
// than once.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}
