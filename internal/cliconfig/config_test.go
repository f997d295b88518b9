package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TempDir != "/tmp/rebind" {
		t.Errorf("TempDir = %q, want default", cfg.TempDir)
	}
	if cfg.OutputSuffix != ".rebind.exe" {
		t.Errorf("OutputSuffix = %q, want default", cfg.OutputSuffix)
	}
	if cfg.KeepTempFiles {
		t.Errorf("KeepTempFiles should default to false")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rebind.yaml")
	contents := "temp_directory: /var/tmp/custom\nkeep_temp_files: true\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TempDir != "/var/tmp/custom" {
		t.Errorf("TempDir = %q, want override", cfg.TempDir)
	}
	if !cfg.KeepTempFiles {
		t.Errorf("KeepTempFiles should be overridden to true")
	}
}

func TestLoadEnvironmentOverridesTempDir(t *testing.T) {
	t.Setenv("REBIND_TMPDIR", "/env/override")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TempDir != "/env/override" {
		t.Errorf("TempDir = %q, want env override", cfg.TempDir)
	}
}
