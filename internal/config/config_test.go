package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{"FL_DOMAIN": "example.org"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AltSubTag != "RO-SUB" {
		t.Errorf("AltSubTag = %q, want RO-SUB", cfg.AltSubTag)
	}
	if cfg.Addr() != "0.0.0.0:3998" {
		t.Errorf("Addr = %q, want 0.0.0.0:3998", cfg.Addr())
	}
	if cfg.Scrape.Workers != 5 {
		t.Errorf("Workers = %d, want 5", cfg.Scrape.Workers)
	}
	if cfg.Scrape.TaskTimeout != 120*time.Second {
		t.Errorf("TaskTimeout = %v, want 2m", cfg.Scrape.TaskTimeout)
	}
	if cfg.Browser.Headless {
		t.Error("Headless defaults to false")
	}
	if cfg.BaseURL() != "https://example.org" {
		t.Errorf("BaseURL = %q", cfg.BaseURL())
	}
	if cfg.SecondaryURL() != "" {
		t.Errorf("SecondaryURL = %q, want empty", cfg.SecondaryURL())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flmw.yaml")
	yamlData := `
domain: file.example.org
secondary_domain: mirror.example.org
alt_sub_tag: FILE-TAG
port: 4000
browser:
  headless: true
scrape:
  workers: 2
  extract_mode: html
  task_timeout: 30s
`
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, envMap(map[string]string{
		"FL_DOMAIN": "env.example.org",
		"WORKERS":   "8",
		"HEADLESS":  "false",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Domain != "env.example.org" {
		t.Errorf("Domain = %q, want env value", cfg.Domain)
	}
	if cfg.SecondaryURL() != "https://mirror.example.org" {
		t.Errorf("SecondaryURL = %q", cfg.SecondaryURL())
	}
	if cfg.AltSubTag != "FILE-TAG" {
		t.Errorf("AltSubTag = %q, want FILE-TAG", cfg.AltSubTag)
	}
	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Port)
	}
	if cfg.Scrape.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Scrape.Workers)
	}
	if cfg.Browser.Headless {
		t.Error("HEADLESS=false must override the file")
	}
	if cfg.Scrape.ExtractMode != "html" {
		t.Errorf("ExtractMode = %q, want html", cfg.Scrape.ExtractMode)
	}
	if cfg.Scrape.TaskTimeout != 30*time.Second {
		t.Errorf("TaskTimeout = %v, want 30s", cfg.Scrape.TaskTimeout)
	}
}

func TestLoad_BadNumber(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"FL_DOMAIN": "x.org", "WORKERS": "many"}))
	if err == nil {
		t.Fatal("expected error for non-numeric WORKERS")
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := Load("", envMap(nil))
	if err := cfg.Validate(); !errors.Is(err, ErrMissingDomain) {
		t.Fatalf("validate = %v, want ErrMissingDomain", err)
	}

	cfg, _ = Load("", envMap(map[string]string{"FL_DOMAIN": "https://x.org"}))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for domain with scheme")
	}

	cfg, _ = Load("", envMap(map[string]string{"FL_DOMAIN": "x.org", "EXTRACT_MODE": "ocr"}))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown extract mode")
	}

	cfg, _ = Load("", envMap(map[string]string{"FL_DOMAIN": "bad host.org"}))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid hostname")
	}

	cfg, _ = Load("", envMap(map[string]string{"FL_DOMAIN": "x.org", "FL_DOMAIN_SECONDARY": "mirror.x.org", "XVFB_DISPLAY": ":99"}))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Browser.XvfbDisplay != ":99" {
		t.Errorf("XvfbDisplay = %q", cfg.Browser.XvfbDisplay)
	}
}
