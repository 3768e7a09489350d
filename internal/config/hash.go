package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const manifestName = ".checksums"

// ChecksumManifest pins the config file contents at lock time.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Lock writes a checksum manifest next to the config file so later loads
// can detect modification. Re-locking after an intentional edit is the
// supported workflow.
func Lock(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	hash, err := ComputeHash(absPath)
	if err != nil {
		return fmt.Errorf("hash %s: %w", absPath, err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): hash},
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}

	manifestPath := filepath.Join(filepath.Dir(absPath), manifestName)
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return fmt.Errorf("write checksums: %w", err)
	}
	return nil
}

// loadManifest reads the manifest next to the config file. Returns
// (nil, nil) when no manifest exists, which means integrity checking is
// not enabled for this config.
func loadManifest(configPath string) (*ChecksumManifest, error) {
	manifestPath := filepath.Join(filepath.Dir(configPath), manifestName)

	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

func verifyAgainstManifest(configPath string, data []byte) error {
	manifest, err := loadManifest(configPath)
	if err != nil {
		return err
	}
	if manifest == nil {
		return nil
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in %s (run 'benchtop config lock')", name, manifestName)
	}
	if actual := hashBytes(data); actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: benchtop config lock", name, expected, actual)
	}
	return nil
}

// Verify checks the config file against its manifest without loading it.
// Returns false with no error when no manifest exists.
func Verify(configPath string) (bool, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return false, fmt.Errorf("resolve config path: %w", err)
	}
	manifest, err := loadManifest(absPath)
	if err != nil {
		return false, err
	}
	if manifest == nil {
		return false, nil
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}
	return true, verifyAgainstManifest(absPath, data)
}
