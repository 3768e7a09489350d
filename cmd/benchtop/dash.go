package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/benchtop-dev/benchtop/internal/analysis"
	"github.com/benchtop-dev/benchtop/internal/bridge"
	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/tui/dash"
)

// runDash wires the full dashboard: daemon connection, background worker,
// analysis child process, and the BubbleTea program.
func runDash(args []string) int {
	fs := flag.NewFlagSet("dash", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	recipePath := fs.String("recipe", "", "Recipe file to watch for diagnostics")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := loadConfig(*configPath)

	// The TUI owns the terminal; logs go to a file.
	logPath := filepath.Join(os.TempDir(), "benchtop-dash.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		defer logFile.Close()
		log.Setup(cfg.LogLevel, logFile)
	} else {
		log.Setup(cfg.LogLevel, nil)
	}
	logger := log.WithComponent("dash")

	conn, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}

	worker := bridge.New(conn)
	worker.Start()
	defer worker.Close()

	var analyzer *analysis.Client
	var tracker *analysis.Tracker
	if cfg.Analysis.Script != "" {
		analyzer, err = analysis.Start(analysis.Config{
			Interpreter:   cfg.Analysis.Interpreter,
			Script:        cfg.Analysis.Script,
			WorkspaceRoot: workspaceRoot(*recipePath),
		})
		if err != nil {
			// Diagnostics are optional; the dashboard runs without them.
			logger.Warn("analysis server unavailable", "error", err)
		} else {
			defer analyzer.Close()
			tracker = analysis.NewTracker(cfg.Analysis.DebounceWindow())
		}
	}

	model := dash.New(worker, analyzer, tracker, *recipePath)
	if _, err := tea.NewProgram(model).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Dashboard failed: %v\n", err)
		return 1
	}
	return 0
}

func workspaceRoot(recipePath string) string {
	if recipePath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "."
		}
		return wd
	}
	abs, err := filepath.Abs(recipePath)
	if err != nil {
		return filepath.Dir(recipePath)
	}
	return filepath.Dir(abs)
}
