// benchtopd is the compute-orchestration daemon. The dashboard talks to
// it over a framed unix-socket RPC; ops tooling reads the HTTP status
// endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/daemon"
	"github.com/benchtop-dev/benchtop/internal/lock"
	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/rpc"
	"github.com/benchtop-dev/benchtop/internal/store"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("benchtopd", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	socketPath := fs.String("socket", "", "Unix socket to listen on")
	dbPath := fs.String("db", "", "Path to the job database")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *showVersion {
		fmt.Printf("benchtopd version %s\n", version)
		return 0
	}

	// The daemon must come up even with no config on disk: the dashboard
	// auto-starts it with nothing but --socket.
	cfg := &config.Config{}
	if *configPath == "" {
		if discovered, err := config.Discover(); err == nil {
			*configPath = discovered
		}
	}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	log.Setup(cfg.LogLevel, nil)
	logger := log.WithComponent("main")
	logger.Info("benchtopd starting", "version", version, "config", *configPath)

	socket := *socketPath
	if socket == "" {
		socket = cfg.Socket
	}
	if socket == "" {
		socket = rpc.SocketPath()
	}

	db := *dbPath
	if db == "" {
		db = cfg.DBPath
	}
	if db == "" {
		db = filepath.Join(filepath.Dir(socket), "jobs.db")
	}

	pidLockPath := filepath.Join(filepath.Dir(socket), "benchtopd.lock")
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, db)
	if err != nil {
		logger.Error("failed to open job database", "path", db, "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("job database opened", "path", db)

	srv := daemon.New(daemon.Config{
		SocketPath: socket,
		Clusters:   cfg.Clusters,
	}, st)
	runner := daemon.NewRunner(st, cfg.Clusters)

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Start(ctx) }()
	go func() { errCh <- runner.Run(ctx) }()
	if cfg.StatusListen != "" {
		status := daemon.NewStatusServer(cfg.StatusListen, srv)
		go func() { errCh <- status.Start(ctx) }()
	}

	err = <-errCh
	if err != nil && ctx.Err() == nil {
		logger.Error("daemon failed", "error", err)
		return 1
	}

	logger.Info("benchtopd stopped")
	return 0
}
