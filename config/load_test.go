package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeKeterYAML(t *testing.T, workDir, body string) {
	t.Helper()
	configDir := filepath.Join(workDir, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "keter.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadHappyPath(t *testing.T) {
	workDir := t.TempDir()
	writeKeterYAML(t, workDir, `
host: a.example
exec: app
ssl: false
extra-hosts:
  - b.example
  - b.example
`)

	cfg, err := Load(workDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App == nil {
		t.Fatal("expected App to be set")
	}
	if cfg.App.Host != "a.example" || cfg.App.Exec != "app" {
		t.Fatalf("unexpected app config: %+v", cfg.App)
	}
	if len(cfg.App.ExtraHosts) != 1 || cfg.App.ExtraHosts[0] != "b.example" {
		t.Fatalf("expected deduped extra hosts, got %v", cfg.App.ExtraHosts)
	}
}

func TestLoadMissingAppIsNil(t *testing.T) {
	workDir := t.TempDir()
	writeKeterYAML(t, workDir, `
static-hosts:
  - host: s.example
    root: assets
`)
	configDir := filepath.Join(workDir, "config")
	if err := os.MkdirAll(filepath.Join(configDir, "assets"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(workDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App != nil {
		t.Fatalf("expected App to be nil, got %+v", cfg.App)
	}
	if len(cfg.StaticHosts) != 1 {
		t.Fatalf("expected one static host, got %v", cfg.StaticHosts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	workDir := t.TempDir()
	_, err := Load(workDir)
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	workDir := t.TempDir()
	writeKeterYAML(t, workDir, "host: [unterminated")

	_, err := Load(workDir)
	if !errors.Is(err, ErrConfigMalformed) {
		t.Fatalf("expected ErrConfigMalformed, got %v", err)
	}
}

func TestLoadStaticHostEscapeIsDropped(t *testing.T) {
	workDir := t.TempDir()
	writeKeterYAML(t, workDir, `
host: a.example
exec: app
static-hosts:
  - host: s.example
    root: "../../escape"
`)

	cfg, err := Load(workDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.StaticHosts) != 0 {
		t.Fatalf("expected escaping static host to be dropped, got %v", cfg.StaticHosts)
	}
	if cfg.App == nil {
		t.Fatal("expected App to still be populated")
	}
}

func TestLoadStaticHostSiblingOfConfigDirIsKept(t *testing.T) {
	workDir := t.TempDir()
	writeKeterYAML(t, workDir, `
static-hosts:
  - host: s.example
    root: "../static"
`)
	if err := os.MkdirAll(filepath.Join(workDir, "static"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(workDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.StaticHosts) != 1 {
		t.Fatalf("expected static host rooted outside config/ but inside workDir to be kept, got %v", cfg.StaticHosts)
	}
	want := filepath.Join(workDir, "static")
	if cfg.StaticHosts[0].Root != want {
		t.Fatalf("expected root %q, got %q", want, cfg.StaticHosts[0].Root)
	}
}

func TestLoadStaticHostAbsoluteRootIsDropped(t *testing.T) {
	workDir := t.TempDir()
	writeKeterYAML(t, workDir, `
static-hosts:
  - host: s.example
    root: "/etc"
`)

	cfg, err := Load(workDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.StaticHosts) != 0 {
		t.Fatalf("expected absolute-root static host to be dropped, got %v", cfg.StaticHosts)
	}
}

func TestRouteSet(t *testing.T) {
	cfg := Config{
		App: &AppConfig{Host: "a.example", ExtraHosts: []string{"b.example"}},
		StaticHosts: []StaticHostEntry{
			{Host: "s.example", Root: "/tmp/x"},
		},
		Redirects: []RedirectEntry{
			{From: "r.example", To: "https://elsewhere"},
		},
	}
	set := cfg.RouteSet()
	for _, h := range []string{"a.example", "b.example", "s.example", "r.example"} {
		if !set[h] {
			t.Fatalf("expected %s in route set, got %v", h, set)
		}
	}
	if len(set) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(set))
	}
}
