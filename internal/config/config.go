// Package config loads the benchtop configuration file, interpolates
// environment variables, and verifies file integrity against a locked
// checksum manifest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the parsed configuration for both the dashboard and the daemon.
type Config struct {
	LogLevel     string         `yaml:"log_level"`
	Socket       string         `yaml:"socket"`
	DBPath       string         `yaml:"db_path"`
	StatusListen string         `yaml:"status_listen"`
	Analysis     AnalysisConfig `yaml:"analysis"`
	Clusters     []Cluster      `yaml:"clusters"`

	// Path the config was loaded from, for lock/verify and diagnostics.
	SourcePath string `yaml:"-"`
}

// AnalysisConfig describes how to launch the recipe-analysis server.
type AnalysisConfig struct {
	Interpreter string `yaml:"interpreter"`
	Script      string `yaml:"script"`
	DebounceMS  int    `yaml:"debounce_ms"`
}

// DebounceWindow converts debounce_ms; zero falls back to the default.
func (a AnalysisConfig) DebounceWindow() time.Duration {
	return time.Duration(a.DebounceMS) * time.Millisecond
}

// Cluster is one compute target jobs can be submitted to.
type Cluster struct {
	Name      string `yaml:"name"`
	Scheduler string `yaml:"scheduler"`
	Endpoint  string `yaml:"endpoint"`
	MaxJobs   int    `yaml:"max_jobs"`
}

// Load reads and parses the configuration file at path, interpolating
// ${VAR} references from the environment. If a checksum manifest exists
// next to the file, the file is verified against it first.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	if err := verifyAgainstManifest(absPath, data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority: $BENCHTOP_CONFIG, ~/.config/benchtop/config.yaml,
// /etc/benchtop/config.yaml, ./config.yaml.
func Discover() (string, error) {
	if path := os.Getenv("BENCHTOP_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "benchtop", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	systemPath := "/etc/benchtop/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, nil
	}

	legacyPath := "./config.yaml"
	if _, err := os.Stat(legacyPath); err == nil {
		return legacyPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $BENCHTOP_CONFIG, ~/.config/benchtop, /etc/benchtop, ./config.yaml)")
}

// ClusterByName looks a cluster up; second return is false when absent.
func (c *Config) ClusterByName(name string) (Cluster, bool) {
	for _, cl := range c.Clusters {
		if cl.Name == name {
			return cl, true
		}
	}
	return Cluster{}, false
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusListen == "" {
		cfg.StatusListen = "127.0.0.1:7171"
	}
	if cfg.Analysis.Interpreter == "" {
		cfg.Analysis.Interpreter = "python3"
	}
	if cfg.Analysis.DebounceMS == 0 {
		cfg.Analysis.DebounceMS = 200
	}
	for i := range cfg.Clusters {
		if cfg.Clusters[i].MaxJobs <= 0 {
			cfg.Clusters[i].MaxJobs = 1
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error (got %q)", cfg.LogLevel)
	}

	seen := make(map[string]bool)
	for i, cl := range cfg.Clusters {
		if cl.Name == "" {
			return fmt.Errorf("clusters[%d].name is required", i)
		}
		if seen[cl.Name] {
			return fmt.Errorf("duplicate cluster name %q", cl.Name)
		}
		seen[cl.Name] = true

		if envVarPattern.MatchString(cl.Endpoint) {
			matches := envVarPattern.FindStringSubmatch(cl.Endpoint)
			return fmt.Errorf("clusters[%d].endpoint: environment variable ${%s} is not set", i, matches[1])
		}
	}

	if cfg.Analysis.DebounceMS < 0 {
		return fmt.Errorf("analysis.debounce_ms must not be negative")
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
