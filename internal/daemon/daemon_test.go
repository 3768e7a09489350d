package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/daemon/mocks"
	"github.com/benchtop-dev/benchtop/internal/protocol"
	"github.com/benchtop-dev/benchtop/internal/rpc"
	"github.com/benchtop-dev/benchtop/internal/store"
)

func startTestDaemon(t *testing.T) (string, *store.Store) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	socketPath := filepath.Join(dir, "benchtopd.sock")
	srv := New(Config{
		SocketPath: socketPath,
		Clusters: []config.Cluster{
			{Name: "hpc-a", Scheduler: "slurm", MaxJobs: 2},
		},
	}, st)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Start(ctx) }()

	// Wait for the socket to come up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			_ = conn.Close()
			return socketPath, st
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func callJSON[T any](t *testing.T, conn *rpc.Conn, method string, params any) T {
	t.Helper()
	raw, err := conn.Call(method, params)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s result: %v", method, err)
	}
	return out
}

func TestDaemonEndToEnd(t *testing.T) {
	socketPath, _ := startTestDaemon(t)

	conn, err := rpc.Connect(socketPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	submitted := callJSON[struct {
		ID string `json:"id"`
	}](t, conn, "job.submit", map[string]any{
		"recipe":  "anneal.recipe",
		"cluster": "hpc-a",
		"params":  map[string]any{"temp_c": 450},
	})
	if submitted.ID == "" {
		t.Fatal("empty job id")
	}

	listed := callJSON[struct {
		Jobs []jobView `json:"jobs"`
	}](t, conn, "job.list", nil)
	if len(listed.Jobs) != 1 || listed.Jobs[0].ID != submitted.ID {
		t.Fatalf("job.list = %+v", listed)
	}

	got := callJSON[jobView](t, conn, "job.get", map[string]any{"id": submitted.ID})
	if got.Recipe != "anneal.recipe" || got.Status != "queued" {
		t.Fatalf("job.get = %+v", got)
	}

	canceled := callJSON[struct {
		Canceled bool `json:"canceled"`
	}](t, conn, "job.cancel", map[string]any{"id": submitted.ID})
	if !canceled.Canceled {
		t.Fatalf("job.cancel = %+v", canceled)
	}

	clusters := callJSON[struct {
		Clusters []struct {
			Name    string `json:"name"`
			MaxJobs int    `json:"max_jobs"`
		} `json:"clusters"`
	}](t, conn, "cluster.list", nil)
	if len(clusters.Clusters) != 1 || clusters.Clusters[0].Name != "hpc-a" {
		t.Fatalf("cluster.list = %+v", clusters)
	}
}

func TestDaemonErrorCodes(t *testing.T) {
	socketPath, _ := startTestDaemon(t)

	conn, err := rpc.Connect(socketPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	wantCode := func(method string, params any, code int) {
		t.Helper()
		_, err := conn.Call(method, params)
		var rpcErr *protocol.RPCError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("%s err = %v, want RPCError", method, err)
		}
		if rpcErr.Code != code {
			t.Fatalf("%s code = %d, want %d", method, rpcErr.Code, code)
		}
	}

	wantCode("no.such.method", nil, protocol.CodeMethodNotFound)
	wantCode("job.get", map[string]any{"id": "missing"}, CodeJobNotFound)
	wantCode("job.cancel", map[string]any{"id": "missing"}, CodeJobNotFound)
	wantCode("job.submit", map[string]any{"recipe": "r.recipe", "cluster": "nope"}, CodeUnknownCluster)
	wantCode("job.submit", map[string]any{}, protocol.CodeInvalidParams)

	// Canceling a finished job reports the dedicated code.
	submitted := callJSON[struct {
		ID string `json:"id"`
	}](t, conn, "job.submit", map[string]any{"recipe": "r.recipe", "cluster": "hpc-a"})
	callJSON[struct {
		Canceled bool `json:"canceled"`
	}](t, conn, "job.cancel", map[string]any{"id": submitted.ID})
	wantCode("job.cancel", map[string]any{"id": submitted.ID}, CodeNotCancelable)
}

func TestDaemonSequentialCalls(t *testing.T) {
	socketPath, _ := startTestDaemon(t)

	conn, err := rpc.Connect(socketPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// One connection, many calls: correlation must hold throughout.
	for i := 0; i < 20; i++ {
		if _, err := conn.Ping(); err != nil {
			t.Fatalf("Ping %d: %v", i, err)
		}
	}
}

func TestStartFailsWhenRecoveryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := mocks.NewMockJobStore(ctrl)
	st.EXPECT().RecoverOrphans(gomock.Any()).Return(0, errors.New("db locked"))

	srv := New(Config{SocketPath: filepath.Join(t.TempDir(), "d.sock")}, st)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite recovery failure")
	}
}
