package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testProfileYAML = `
default:
  wall_time: 2s
  user_time: 1500ms
  memory: 64mib
  pids: 8
strict-judge:
  wall_time: 500ms
  memory: 16mb
  cpuacct_path: /sys/fs/cgroup/cpuacct/judge
  share_net: false
`

func writeTestProfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(testProfileYAML), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndLimits(t *testing.T) {
	f, err := Load(writeTestProfile(t))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	limits, err := f.Limits("default")
	if err != nil {
		t.Fatalf("Limits(default) = %v", err)
	}
	if limits.WallTime != 2*time.Second {
		t.Errorf("WallTime = %v, want 2s", limits.WallTime)
	}
	if limits.UserTime != 1500*time.Millisecond {
		t.Errorf("UserTime = %v, want 1500ms", limits.UserTime)
	}
	if limits.Memory != 64*1024*1024 {
		t.Errorf("Memory = %d, want %d", limits.Memory, 64*1024*1024)
	}
	if limits.Pids != 8 {
		t.Errorf("Pids = %d, want 8", limits.Pids)
	}
}

func TestLimitsUnknownProfile(t *testing.T) {
	f, err := Load(writeTestProfile(t))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if _, err := f.Limits("does-not-exist"); err == nil {
		t.Fatalf("Limits(does-not-exist) = nil, want error")
	}
}

func TestControllerPathsOverridesAndDefaults(t *testing.T) {
	f, err := Load(writeTestProfile(t))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	paths, err := f.ControllerPaths("strict-judge")
	if err != nil {
		t.Fatalf("ControllerPaths(strict-judge) = %v", err)
	}
	if paths.CPUAcct != "/sys/fs/cgroup/cpuacct/judge" {
		t.Errorf("CPUAcct = %q, want override", paths.CPUAcct)
	}
	if paths.Memory == "" {
		t.Errorf("Memory path should fall back to the default, got empty")
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1b", 1},
		{"1kb", 1000},
		{"1mb", 1000 * 1000},
		{"1gb", 1000 * 1000 * 1000},
		{"1kib", 1024},
		{"1mib", 1024 * 1024},
		{"1gib", 1024 * 1024 * 1024},
		{"26MB", 26 * 1000 * 1000},
	}
	for _, tc := range cases {
		got, err := parseSize(tc.in)
		if err != nil {
			t.Errorf("parseSize(%q) = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseSizeRejectsUnknownSuffix(t *testing.T) {
	if _, err := parseSize("5furlongs"); err == nil {
		t.Fatalf("parseSize(5furlongs) = nil, want error")
	}
}
