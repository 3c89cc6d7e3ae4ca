package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	Name    string        `yaml:"name"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("PAGELINK_TEST_NAME", "relay-a")
	path := writeFile(t, "name: ${PAGELINK_TEST_NAME}\ntimeout: 2m\n")

	cfg := sample{Port: 8080}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "relay-a" {
		t.Errorf("name = %q, want relay-a", cfg.Name)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Port)
	}
	if cfg.Timeout != 2*time.Minute {
		t.Errorf("timeout = %v, want 2m", cfg.Timeout)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "name: x\nprot: 80\n")
	cfg := sample{Port: 1}
	if err := Load(path, &cfg); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_Validates(t *testing.T) {
	path := writeFile(t, "port: 0\n")
	cfg := sample{Port: 1}
	if err := Load(path, &cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sample
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithDefaults_FallsBack(t *testing.T) {
	fallback := writeFile(t, "name: fallback\nport: 9\n")
	var cfg sample
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), fallback, &cfg); err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if cfg.Name != "fallback" || cfg.Port != 9 {
		t.Errorf("cfg = %+v", cfg)
	}

	cfg = sample{Port: 3}
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), "", &cfg); err != nil {
		t.Fatalf("defaults only: %v", err)
	}
	if cfg.Port != 3 {
		t.Errorf("port = %d, want 3", cfg.Port)
	}
}
