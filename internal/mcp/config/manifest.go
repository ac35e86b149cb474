// Package config reads MCP server manifests: a JSON document mapping server
// names to a websocket URL or a command to spawn.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const manifestDir = "discord-voice-agent"

type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type TransportConfig struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// EnabledValue reports whether the server should be used. Servers are
// enabled unless the manifest says otherwise.
func (s ServerConfig) EnabledValue() bool {
	return s.Enabled == nil || *s.Enabled
}

// Result is the merge of every manifest that was found. Later sources win on
// name collisions.
type Result struct {
	Servers map[string]ServerConfig
	Order   []string
	Sources []string
}

// Lookup returns the named server, or the only configured server when name
// is empty.
func (r Result) Lookup(name string) (ServerConfig, string, error) {
	if name == "" {
		if len(r.Order) != 1 {
			return ServerConfig{}, "", fmt.Errorf("mcp server name required: %d servers configured", len(r.Order))
		}
		name = r.Order[0]
	}
	cfg, ok := r.Servers[name]
	if !ok {
		return ServerConfig{}, "", fmt.Errorf("mcp server %q not found in %v", name, r.Sources)
	}
	return cfg, name, nil
}

// Load reads override when set. Otherwise it merges the workspace manifest
// (./.discord-voice-agent/mcp.json) with the user manifest under
// $XDG_CONFIG_HOME; missing files are skipped.
func Load(override string) (Result, error) {
	result := Result{Servers: make(map[string]ServerConfig)}

	if override != "" {
		path, err := expandPath(override)
		if err != nil {
			return result, err
		}
		if err := result.add(path); err != nil {
			return result, err
		}
		result.finalize()
		return result, nil
	}

	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "."+manifestDir, "mcp.json"))
	}
	if base, err := userConfigDir(); err == nil {
		paths = append(paths, filepath.Join(base, manifestDir, "mcp.json"))
	}
	for _, path := range paths {
		if err := result.add(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, err
		}
	}
	result.finalize()
	return result, nil
}

func (r *Result) add(path string) error {
	manifest, err := readManifest(path)
	if err != nil {
		return err
	}
	for name, cfg := range manifest.Servers {
		r.Servers[name] = normalize(cfg)
	}
	r.Sources = append(r.Sources, path)
	return nil
}

func (r *Result) finalize() {
	r.Order = r.Order[:0]
	for name := range r.Servers {
		r.Order = append(r.Order, name)
	}
	sort.Strings(r.Order)
}

func normalize(cfg ServerConfig) ServerConfig {
	if cfg.Args != nil {
		args := make([]string, len(cfg.Args))
		for i, arg := range cfg.Args {
			args[i] = expandOrKeep(arg)
		}
		cfg.Args = args
	}
	cfg.Command = expandOrKeep(cfg.Command)
	if len(cfg.Env) > 0 {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = expandOrKeep(v)
		}
		cfg.Env = env
	}
	if cfg.Transport != nil {
		t := *cfg.Transport
		t.Type = strings.ToLower(strings.TrimSpace(t.Type))
		t.URL = expandOrKeep(t.URL)
		cfg.Transport = &t
	}
	return cfg
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return manifest, nil
}

func userConfigDir() (string, error) {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return base, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config"), nil
}

func expandOrKeep(value string) string {
	if expanded, err := expandPath(value); err == nil {
		return expanded
	}
	return value
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(value[1:], "/")), nil
}
