// Package config parses and normalizes the keter.yaml document found in an
// extracted bundle's config/ directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigMissing indicates config/keter.yaml is absent.
var ErrConfigMissing = errors.New("config: keter.yaml missing")

// ErrConfigMalformed indicates config/keter.yaml could not be parsed.
var ErrConfigMalformed = errors.New("config: keter.yaml malformed")

// AppConfig describes the executable to run for this bundle, if any.
type AppConfig struct {
	Host       string
	Exec       string
	Args       []string
	Postgres   bool
	SSL        bool
	ExtraHosts []string
}

// StaticHostEntry maps a virtual hostname to a bundle-relative static root.
type StaticHostEntry struct {
	Host string
	Root string
}

// RedirectEntry maps a virtual hostname to a redirect target URL.
type RedirectEntry struct {
	From string
	To   string
}

// Config is the normalized form of config/keter.yaml.
type Config struct {
	App         *AppConfig
	StaticHosts []StaticHostEntry
	Redirects   []RedirectEntry
}

// document is the raw shape of keter.yaml as written by operators.
type document struct {
	Host        string           `yaml:"host"`
	Exec        string           `yaml:"exec"`
	Args        []string         `yaml:"args"`
	Postgres    bool             `yaml:"postgres"`
	SSL         bool             `yaml:"ssl"`
	ExtraHosts  []string         `yaml:"extra-hosts"`
	StaticHosts []staticHostYAML `yaml:"static-hosts"`
	Redirects   []redirectYAML   `yaml:"redirects"`
}

type staticHostYAML struct {
	Host string `yaml:"host"`
	Root string `yaml:"root"`
}

type redirectYAML struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Load reads and normalizes workDir/config/keter.yaml.
func Load(workDir string) (Config, error) {
	configDir := filepath.Join(workDir, "config")
	path := filepath.Join(configDir, "keter.yaml")

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfigMalformed, path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}

	return normalize(doc, workDir, configDir), nil
}

func normalize(doc document, workDir, configDir string) Config {
	cfg := Config{}

	if doc.Host != "" || doc.Exec != "" {
		cfg.App = &AppConfig{
			Host:       doc.Host,
			Exec:       doc.Exec,
			Args:       append([]string{}, doc.Args...),
			Postgres:   doc.Postgres,
			SSL:        doc.SSL,
			ExtraHosts: dedupe(doc.ExtraHosts),
		}
	}

	for _, sh := range doc.StaticHosts {
		root, ok := confinedRoot(workDir, configDir, sh.Root)
		if !ok {
			continue // silently dropped, per spec
		}
		cfg.StaticHosts = append(cfg.StaticHosts, StaticHostEntry{Host: sh.Host, Root: root})
	}

	for _, rd := range doc.Redirects {
		cfg.Redirects = append(cfg.Redirects, RedirectEntry{From: rd.From, To: rd.To})
	}

	return cfg
}

// confinedRoot resolves root as configDir/<root>, path-collapses it, and
// reports whether it remains inside workDir — the boundary spec.md §4.2
// names — and was originally relative. A root may legitimately climb back
// out of config/ as long as it stays under workDir, e.g. "../static".
func confinedRoot(workDir, configDir, root string) (string, bool) {
	if root == "" || filepath.IsAbs(root) || strings.HasPrefix(root, "/") {
		return "", false
	}
	joined := filepath.Join(configDir, root)
	cleanedWorkDir := filepath.Clean(workDir)
	if joined != cleanedWorkDir && !strings.HasPrefix(joined, cleanedWorkDir+string(os.PathSeparator)) {
		return "", false
	}
	return joined, true
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// RouteSet returns the set of Router keys (virtual hosts) this config
// expects to have published when serving: the app's primary host and
// extraHosts, plus every static host and redirect-from.
func (c Config) RouteSet() map[string]bool {
	set := make(map[string]bool)
	if c.App != nil {
		if c.App.Host != "" {
			set[c.App.Host] = true
		}
		for _, h := range c.App.ExtraHosts {
			set[h] = true
		}
	}
	for _, sh := range c.StaticHosts {
		set[sh.Host] = true
	}
	for _, rd := range c.Redirects {
		set[rd.From] = true
	}
	return set
}
