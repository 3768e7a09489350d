// Package daemon implements benchtopd: the unix-socket RPC server the
// dashboard talks to, the queue runner that advances jobs, and a small
// HTTP status endpoint.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/protocol"
	"github.com/benchtop-dev/benchtop/internal/store"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/benchtop-dev/benchtop/internal/daemon JobStore

// JobStore is the persistence surface the daemon needs.
type JobStore interface {
	Submit(ctx context.Context, req store.SubmitRequest) (string, error)
	Get(ctx context.Context, id string) (*store.Job, error)
	List(ctx context.Context, filter store.ListFilter) ([]store.Job, error)
	Cancel(ctx context.Context, id string) error
	ClaimNext(ctx context.Context) (*store.Job, error)
	Complete(ctx context.Context, id string, status store.Status, lastError *string) error
	RecoverOrphans(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int, error)
}

// Config holds daemon configuration.
type Config struct {
	SocketPath string
	Clusters   []config.Cluster
}

// Server accepts framed RPC connections on a unix socket.
type Server struct {
	config   Config
	store    JobStore
	logger   *slog.Logger
	listener *net.UnixListener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a daemon server. Call Start to begin serving.
func New(cfg Config, jobs JobStore) *Server {
	return &Server{
		config: cfg,
		store:  jobs,
		logger: log.WithComponent("daemon"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start recovers orphaned jobs, binds the socket, and serves until ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	recovered, err := s.store.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("requeued jobs from previous run", "count", recovered)
	}

	if err := os.MkdirAll(filepath.Dir(s.config.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	// A previous unclean shutdown can leave the socket file behind.
	_ = os.Remove(s.config.SocketPath)

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.config.SocketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.SocketPath, err)
	}
	s.listener = listener
	s.logger.Info("daemon listening", "socket", s.config.SocketPath)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// serveConn reads one framed request at a time and writes its response.
// Each connection gets its own goroutine, so no write lock is needed.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		raw, err := protocol.ReadMessage(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read ended", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			s.respondError(conn, 0, protocol.CodeParseError, "parse error")
			continue
		}
		if msg.IsNotification() {
			s.logger.Debug("ignoring notification", "method", msg.Method)
			continue
		}
		if msg.ID == nil || msg.Method == "" {
			s.respondError(conn, 0, protocol.CodeInvalidRequest, "invalid request")
			continue
		}

		result, rpcErr := s.dispatch(ctx, msg.Method, msg.Params)
		if rpcErr != nil {
			s.respondError(conn, *msg.ID, rpcErr.Code, rpcErr.Message)
			continue
		}

		payload, err := protocol.EncodeResponse(*msg.ID, result)
		if err != nil {
			s.respondError(conn, *msg.ID, protocol.CodeInternalError, "internal error")
			continue
		}
		if err := protocol.WriteMessage(conn, payload); err != nil {
			s.logger.Debug("write response failed", "error", err)
			return
		}
	}
}

func (s *Server) respondError(conn net.Conn, id uint64, code int, message string) {
	payload, err := protocol.EncodeErrorResponse(id, code, message)
	if err != nil {
		return
	}
	if err := protocol.WriteMessage(conn, payload); err != nil {
		s.logger.Debug("write error response failed", "error", err)
	}
}
