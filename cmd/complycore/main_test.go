package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("COMPLYCORE_CONFIG", "")
	t.Setenv("PORT", "4000")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("expected port 4000, got %d", cfg.Server.Port)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 5000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COMPLYCORE_CONFIG", path)
	cfg, err = loadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("expected port 5000 from file, got %d", cfg.Server.Port)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("batch:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestCommands(t *testing.T) {
	root := rootCommand()
	want := map[string]bool{"serve": false, "batch": false, "deadlines": false, "migrate": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s command", name)
		}
	}

	root.SetArgs([]string{"batch", "--tenant", "t1"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for missing --transactions")
	}
}
