// Package profile loads named sandbox presets from a YAML file, mapping a
// profile name (e.g. "default", "strict-judge") to a Config skeleton:
// controller paths and default limits. It is an ambient convenience layered
// on top of SpawnJail's Config — not a replacement for the Config-producer
// interface, which stays out of this package's scope.
package profile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/ia-sandbox/internal/sandbox"
)

// Entry is one named profile's on-disk shape.
type Entry struct {
	WallTime     string `yaml:"wall_time"`
	UserTime     string `yaml:"user_time"`
	Memory       string `yaml:"memory"`
	Stack        string `yaml:"stack"`
	Pids         uint32 `yaml:"pids"`
	CPUAcctPath  string `yaml:"cpuacct_path"`
	MemoryPath   string `yaml:"memory_path"`
	PidsPath     string `yaml:"pids_path"`
	ShareNet     bool   `yaml:"share_net"`
}

// File is the top-level document: a map of profile name to Entry.
type File map[string]Entry

// Load reads and parses a profile file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	return f, nil
}

// Limits converts a named entry's duration/size strings into a
// sandbox.Limits; fields the entry leaves blank stay zero (unset). Controller
// paths are handled by ControllerPaths.
func (f File) Limits(name string) (sandbox.Limits, error) {
	e, ok := f[name]
	if !ok {
		return sandbox.Limits{}, fmt.Errorf("profile: no such profile %q", name)
	}

	var l sandbox.Limits
	var err error
	if e.WallTime != "" {
		if l.WallTime, err = time.ParseDuration(e.WallTime); err != nil {
			return sandbox.Limits{}, fmt.Errorf("profile %q: wall_time: %w", name, err)
		}
	}
	if e.UserTime != "" {
		if l.UserTime, err = time.ParseDuration(e.UserTime); err != nil {
			return sandbox.Limits{}, fmt.Errorf("profile %q: user_time: %w", name, err)
		}
	}
	if e.Memory != "" {
		if l.Memory, err = parseSize(e.Memory); err != nil {
			return sandbox.Limits{}, fmt.Errorf("profile %q: memory: %w", name, err)
		}
	}
	if e.Stack != "" {
		if l.Stack, err = parseSize(e.Stack); err != nil {
			return sandbox.Limits{}, fmt.Errorf("profile %q: stack: %w", name, err)
		}
	}
	l.Pids = e.Pids
	return l, nil
}

// ControllerPaths returns the entry's controller path overrides, falling
// back to sandbox.DefaultControllerPaths() for any path left blank.
func (f File) ControllerPaths(name string) (sandbox.ControllerPaths, error) {
	e, ok := f[name]
	if !ok {
		return sandbox.ControllerPaths{}, fmt.Errorf("profile: no such profile %q", name)
	}
	paths := sandbox.DefaultControllerPaths()
	if e.CPUAcctPath != "" {
		paths.CPUAcct = e.CPUAcctPath
	}
	if e.MemoryPath != "" {
		paths.Memory = e.MemoryPath
	}
	if e.PidsPath != "" {
		paths.Pids = e.PidsPath
	}
	return paths, nil
}

// parseSize accepts the decimal/binary byte suffixes spec.md §6 names:
// b|kb|mb|gb|kib|mib|gib.
func parseSize(s string) (uint64, error) {
	suffixes := []struct {
		suffix string
		mult   uint64
	}{
		{"kib", 1024}, {"mib", 1024 * 1024}, {"gib", 1024 * 1024 * 1024},
		{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000},
		{"b", 1},
	}
	for _, suf := range suffixes {
		if n := len(s) - len(suf.suffix); n > 0 && hasSuffixFold(s, suf.suffix) {
			var value uint64
			if _, err := fmt.Sscanf(s[:n], "%d", &value); err != nil {
				return 0, fmt.Errorf("parse size %q: %w", s, err)
			}
			return value * suf.mult, nil
		}
	}
	return 0, fmt.Errorf("parse size %q: unrecognized suffix", s)
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := range tail {
		c1, c2 := tail[i], suffix[i]
		if 'A' <= c1 && c1 <= 'Z' {
			c1 += 'a' - 'A'
		}
		if c1 != c2 {
			return false
		}
	}
	return true
}
