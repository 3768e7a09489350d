package rpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	socketFileName = "benchtopd.sock"
	runtimeDirEnv  = "BENCHTOP_RUNTIME_DIR"
	daemonBinary   = "benchtopd"

	probeTimeout      = 1 * time.Second
	spawnPollInterval = 100 * time.Millisecond
	spawnWaitCeiling  = 5 * time.Second
)

// Seams for tests: backoff sleeping and daemon spawning.
var (
	retryBaseDelay = 250 * time.Millisecond
	sleep          = time.Sleep
	startDaemon    = launchDaemon
)

// SocketPath resolves where the daemon socket lives: the runtime-directory
// variable if it points at an existing directory, else the platform cache
// directory, else a fixed /tmp fallback.
func SocketPath() string {
	if dir := os.Getenv(runtimeDirEnv); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return filepath.Join(dir, socketFileName)
		}
	}
	if cache, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cache, "benchtop", socketFileName)
	}
	return filepath.Join("/tmp", "benchtop", socketFileName)
}

// EnsureRunning probes the socket and starts benchtopd if nobody is
// listening. A socket file that refuses connections is a leftover from a
// crashed daemon: it is removed before spawning a fresh one. Any other
// probe failure is reported, not retried.
func EnsureRunning(path string) error {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err == nil {
		_ = conn.Close()
		return nil
	}

	switch {
	case isAbsent(err):
		// Daemon simply not running yet.
	case isRefused(err):
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", path, rmErr)
		}
	default:
		return fmt.Errorf("probe %s: %w", path, err)
	}

	return startDaemon(path)
}

// launchDaemon spawns benchtopd detached from this terminal and waits for
// the socket to appear.
func launchDaemon(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	cmd := exec.Command(daemonBinary, "--socket", path)
	cmd.Stdout = nil
	if stderrLog, err := os.OpenFile(filepath.Join(dir, "benchtopd.stderr.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		cmd.Stderr = stderrLog
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("benchtopd not found on PATH; install it with "+
				"'go install github.com/benchtop-dev/benchtop/cmd/benchtopd@latest': %w", err)
		}
		return fmt.Errorf("start benchtopd: %w", err)
	}
	go func() { _ = cmd.Wait() }()

	// The socket file appears slightly before the daemon enters its accept
	// loop, so wait one extra interval after first sighting.
	waitDeadline := time.Now().Add(spawnWaitCeiling)
	for time.Now().Before(waitDeadline) {
		if _, err := os.Stat(path); err == nil {
			sleep(spawnPollInterval)
			return nil
		}
		sleep(spawnPollInterval)
	}
	return fmt.Errorf("benchtopd did not create %s within %s", path, spawnWaitCeiling)
}

// ConnectWithRetry attempts Connect up to maxAttempts times with exponential
// backoff, returning the last failure if every attempt is exhausted.
func ConnectWithRetry(path string, maxAttempts int) (*Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := Connect(path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			sleep(retryBaseDelay << (attempt - 1))
		}
	}
	return nil, lastErr
}

// ConnectOrStart composes EnsureRunning and ConnectWithRetry, covering the
// race between the socket file existing and the daemon accepting.
func ConnectOrStart(path string) (*Conn, error) {
	if err := EnsureRunning(path); err != nil {
		return nil, err
	}
	return ConnectWithRetry(path, 3)
}
