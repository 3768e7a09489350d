package config

import (
	"os"
	"strings"
	"testing"
)

func TestLockThenLoad(t *testing.T) {
	path := writeConfig(t, `log_level: info`)

	if err := Lock(path); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load after Lock: %v", err)
	}

	locked, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !locked {
		t.Fatal("Verify reported no manifest")
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	path := writeConfig(t, `log_level: info`)
	if err := Lock(path); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := os.WriteFile(path, []byte(`log_level: debug`), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("err = %v, want hash mismatch", err)
	}

	// Re-locking blesses the edit.
	if err := Lock(path); err != nil {
		t.Fatalf("re-Lock: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load after re-Lock: %v", err)
	}
}

func TestLoadWithoutManifest(t *testing.T) {
	path := writeConfig(t, `log_level: info`)

	if _, err := Load(path); err != nil {
		t.Fatalf("Load without manifest: %v", err)
	}
	locked, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if locked {
		t.Fatal("Verify invented a manifest")
	}
}

func TestComputeHashStable(t *testing.T) {
	path := writeConfig(t, `log_level: info`)

	h1, err := ComputeHash(path)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	h2, err := ComputeHash(path)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("hashes = %q, %q", h1, h2)
	}
}
