package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("SKYSOLVE_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Solver.Backend != "hybrid" {
		t.Fatalf("backend = %q, want hybrid", cfg.Solver.Backend)
	}
	if !cfg.Solver.CleanupTempFiles || !cfg.Solver.AutoGenerateConfig {
		t.Fatal("temp file defaults wrong")
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"solver": {"backend": "external", "solver_path": "/opt/astrometry/bin/solve-field", "threads": 2},
		"logging": {"level": "debug"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SKYSOLVE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Solver.Backend != "external" || cfg.Solver.Threads != 2 {
		t.Fatalf("solver config not applied: %+v", cfg.Solver)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q, want debug", cfg.Logging.Level)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := expandUser("~/x/y.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x/y.json") {
		t.Fatalf("expanded to %q", got)
	}
	got, err = expandUser("/abs/path")
	if err != nil || got != "/abs/path" {
		t.Fatalf("absolute path changed: %q %v", got, err)
	}
}
