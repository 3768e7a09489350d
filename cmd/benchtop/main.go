// benchtop is the terminal dashboard for long-running scientific compute
// jobs. It talks to benchtopd over a unix socket, auto-starting it when
// needed, and runs the recipe-analysis server as a child process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/doctor"
	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/rpc"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		// Bare invocation opens the dashboard.
		os.Exit(runDash(nil))
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "dash":
		os.Exit(runDash(args))
	case "job":
		os.Exit(runJobNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "ping":
		os.Exit(runPing(args))
	case "version":
		fmt.Printf("benchtop version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`benchtop - Terminal dashboard for scientific compute jobs

Usage:
  benchtop [command] [flags]

Commands:
  dash              Open the dashboard (default)
  job submit        Submit a recipe to a cluster
  job list          List jobs
  job get <id>      Show one job
  job cancel <id>   Cancel a queued or running job
  config lock       Pin the config file checksum
  config check      Verify the config file against its checksum
  doctor            Validate the installation
  ping              Measure daemon round-trip time
  version           Show version information
  help              Show this help message
`)
}

// loadConfig loads the discovered or explicit config; an absent config is
// not fatal for client commands.
func loadConfig(path string) *config.Config {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return &config.Config{LogLevel: "info", Analysis: config.AnalysisConfig{Interpreter: "python3", DebounceMS: 200}}
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func socketFor(cfg *config.Config) string {
	if cfg.Socket != "" {
		return cfg.Socket
	}
	return rpc.SocketPath()
}

// connect dials the daemon, starting it first when necessary.
func connect(cfg *config.Config) (*rpc.Conn, error) {
	return rpc.ConnectOrStart(socketFor(cfg))
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: benchtop job <submit|list|get|cancel> [flags]")
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "submit":
		return runJobSubmit(actionArgs)
	case "list":
		return runJobList(actionArgs)
	case "get":
		return runJobGet(actionArgs)
	case "cancel":
		return runJobCancel(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runJobSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	recipe := fs.String("recipe", "", "Recipe to run")
	clusterName := fs.String("cluster", "", "Target cluster")
	priority := fs.Int("priority", 0, "Scheduling priority (higher runs first)")
	params := fs.String("params", "", "Recipe parameters as a JSON object")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *recipe == "" || *clusterName == "" {
		fmt.Fprintln(os.Stderr, "Usage: benchtop job submit --recipe <file> --cluster <name> [--priority N] [--params JSON]")
		return 1
	}

	req := map[string]any{
		"recipe":   *recipe,
		"cluster":  *clusterName,
		"priority": *priority,
	}
	if *params != "" {
		if !json.Valid([]byte(*params)) {
			fmt.Fprintln(os.Stderr, "--params must be valid JSON")
			return 1
		}
		req["params"] = json.RawMessage(*params)
	}

	cfg := loadConfig(*configPath)
	log.Setup(cfg.LogLevel, nil)
	conn, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}
	defer conn.Close()

	raw, err := conn.Call("job.submit", req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	var resp struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &resp)
	fmt.Println(resp.ID)
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	status := fs.String("status", "", "Filter by status")
	limit := fs.Int("limit", 0, "Maximum number of jobs")
	asJSON := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := loadConfig(*configPath)
	log.Setup(cfg.LogLevel, nil)
	conn, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}
	defer conn.Close()

	params := map[string]any{}
	if *status != "" {
		params["status"] = *status
	}
	if *limit > 0 {
		params["limit"] = *limit
	}

	raw, err := conn.Call("job.list", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}
	if *asJSON {
		fmt.Println(string(raw))
		return 0
	}

	var resp struct {
		Jobs []struct {
			ID      string `json:"id"`
			Recipe  string `json:"recipe"`
			Cluster string `json:"cluster"`
			Status  string `json:"status"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Malformed response: %v\n", err)
		return 1
	}
	for _, j := range resp.Jobs {
		fmt.Printf("%-36s  %-10s  %-12s  %s\n", j.ID, j.Status, j.Cluster, j.Recipe)
	}
	return 0
}

func runJobGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: benchtop job get <id>")
		return 1
	}

	cfg := loadConfig(*configPath)
	log.Setup(cfg.LogLevel, nil)
	conn, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}
	defer conn.Close()

	raw, err := conn.Call("job.get", map[string]any{"id": fs.Arg(0)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Get failed: %v\n", err)
		return 1
	}
	fmt.Println(string(raw))
	return 0
}

func runJobCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: benchtop job cancel <id>")
		return 1
	}

	cfg := loadConfig(*configPath)
	log.Setup(cfg.LogLevel, nil)
	conn, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}
	defer conn.Close()

	if _, err := conn.Call("job.cancel", map[string]any{"id": fs.Arg(0)}); err != nil {
		fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		return 1
	}
	fmt.Println("canceled")
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: benchtop config <lock|check> [flags]")
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	fs := flag.NewFlagSet(action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(actionArgs); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		path = discovered
	}

	switch action {
	case "lock":
		if err := config.Lock(path); err != nil {
			fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
			return 1
		}
		fmt.Printf("Locked %s\n", path)
		return 0
	case "check":
		locked, err := config.Verify(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			return 1
		}
		if !locked {
			fmt.Printf("%s is not locked; run 'benchtop config lock'\n", path)
			return 1
		}
		fmt.Printf("%s matches its checksum\n", path)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := loadConfig(*configPath)
	result := doctor.New(cfg, socketFor(cfg)).Validate()

	if *asJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, issue := range result.Errors {
			fmt.Printf("ERROR   [%s] %s\n", issue.Category, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Printf("WARNING [%s] %s\n", issue.Category, issue.Message)
		}
		if result.Valid {
			fmt.Println("OK")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := loadConfig(*configPath)
	log.Setup(cfg.LogLevel, nil)
	conn, err := connect(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}
	defer conn.Close()

	rtt, err := conn.Ping()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		return 1
	}
	fmt.Printf("pong in %s\n", rtt)
	return 0
}
