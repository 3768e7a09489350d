// Package doctor validates a benchtop installation: config, daemon
// binary, analysis server, and the paths everything writes to.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/store"
)

// lookPath is a seam for tests.
var lookPath = exec.LookPath

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg        *config.Config
	socketPath string
}

// New creates a Doctor. socketPath is where the daemon socket will live.
func New(cfg *config.Config, socketPath string) *Doctor {
	return &Doctor{cfg: cfg, socketPath: socketPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkConfigLock(r)
	d.checkDaemonBinary(r)
	d.checkRuntimeDir(r)
	d.checkDatabasePath(r)
	d.checkAnalysis(r)
	d.checkClusters(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkConfigLock warns when the config has no checksum manifest.
func (d *Doctor) checkConfigLock(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	locked, err := config.Verify(d.cfg.SourcePath)
	if err != nil {
		d.addError(r, "config", "", fmt.Sprintf("config integrity check failed: %v", err))
		return
	}
	if !locked {
		d.addWarning(r, "config", "",
			"config is not locked; run 'benchtop config lock' to detect tampering")
	}
}

// checkDaemonBinary verifies benchtopd is installed, which auto-start needs.
func (d *Doctor) checkDaemonBinary(r *Result) {
	if _, err := lookPath("benchtopd"); err != nil {
		d.addWarning(r, "daemon", "",
			"benchtopd not found on PATH; the dashboard cannot auto-start it "+
				"(install with: go install github.com/benchtop-dev/benchtop/cmd/benchtopd@latest)")
	}
}

// checkRuntimeDir verifies the socket directory is writable.
func (d *Doctor) checkRuntimeDir(r *Result) {
	dir := filepath.Dir(d.socketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "runtime", "", fmt.Sprintf("cannot create runtime directory %s: %v", dir, err))
		return
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, "runtime", "", fmt.Sprintf("runtime directory %s is not writable: %v", dir, err))
		return
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
}

// checkDatabasePath verifies the job database location is usable.
func (d *Doctor) checkDatabasePath(r *Result) {
	if d.cfg.DBPath == "" {
		return
	}
	if err := store.CheckLocalFilesystem(d.cfg.DBPath); err != nil {
		d.addError(r, "storage", "db_path", err.Error())
		return
	}
	dir := filepath.Dir(d.cfg.DBPath)
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "storage", "db_path",
			fmt.Sprintf("database directory %s does not exist; the daemon will create it", dir))
		return
	}
	if !info.IsDir() {
		d.addError(r, "storage", "db_path", fmt.Sprintf("%s is not a directory", dir))
	}
}

// checkAnalysis verifies the recipe-analysis server can be launched.
func (d *Doctor) checkAnalysis(r *Result) {
	if d.cfg.Analysis.Script == "" {
		d.addWarning(r, "analysis", "analysis.script",
			"no analysis script configured; recipe diagnostics are disabled")
		return
	}

	if _, err := lookPath(d.cfg.Analysis.Interpreter); err != nil {
		d.addError(r, "analysis", "analysis.interpreter",
			fmt.Sprintf("interpreter %q not found on PATH", d.cfg.Analysis.Interpreter))
	}

	info, err := os.Stat(d.cfg.Analysis.Script)
	if err != nil {
		d.addError(r, "analysis", "analysis.script",
			fmt.Sprintf("analysis script not readable: %v", err))
		return
	}
	if info.IsDir() {
		d.addError(r, "analysis", "analysis.script",
			fmt.Sprintf("%s is a directory, not a script", d.cfg.Analysis.Script))
	}
}

// checkClusters sanity-checks the compute targets.
func (d *Doctor) checkClusters(r *Result) {
	if len(d.cfg.Clusters) == 0 {
		d.addWarning(r, "clusters", "clusters",
			"no clusters configured; job submission will be rejected")
		return
	}
	for i, cl := range d.cfg.Clusters {
		field := fmt.Sprintf("clusters[%d]", i)
		if cl.Scheduler == "" {
			d.addWarning(r, "clusters", field,
				fmt.Sprintf("cluster %q has no scheduler; assuming local", cl.Name))
		}
		if cl.Scheduler != "" && cl.Scheduler != "local" && cl.Endpoint == "" {
			d.addError(r, "clusters", field,
				fmt.Sprintf("cluster %q uses scheduler %q but has no endpoint", cl.Name, cl.Scheduler))
		}
	}
}
