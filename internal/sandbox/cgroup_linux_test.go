//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestManager stands t.TempDir() in for real cgroup v1 controller mount
// points: EnterAll/GetUsage never depend on anything beyond the root
// directory existing and being writable.
func newTestManager(t *testing.T) (*Manager, ControllerPaths) {
	t.Helper()
	paths := ControllerPaths{
		CPUAcct: t.TempDir(),
		Memory:  t.TempDir(),
		Pids:    t.TempDir(),
	}
	return NewManager(paths, "test-instance"), paths
}

func TestEnterAllCreatesInstanceAndIsolatedLeaf(t *testing.T) {
	mgr, paths := newTestManager(t)

	if err := mgr.EnterAll(Limits{Memory: 1024, Pids: 4}, true, os.Getpid()); err != nil {
		t.Fatalf("EnterAll() = %v", err)
	}

	for _, root := range []string{paths.CPUAcct, paths.Memory, paths.Pids} {
		isolated := filepath.Join(root, "test-instance", "isolated", "tasks")
		data, err := os.ReadFile(isolated)
		if err != nil {
			t.Fatalf("read %s: %v", isolated, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			t.Fatalf("%s is empty, want pid", isolated)
		}
	}
}

func TestEnterMemoryWritesLimitWithOverhead(t *testing.T) {
	mgr, paths := newTestManager(t)

	if err := mgr.enterMemory(1024, true); err != nil {
		t.Fatalf("enterMemory() = %v", err)
	}

	limitPath := filepath.Join(paths.Memory, "test-instance", "memory.limit_in_bytes")
	data, err := os.ReadFile(limitPath)
	if err != nil {
		t.Fatalf("read %s: %v", limitPath, err)
	}
	if got, want := strings.TrimSpace(string(data)), "17408"; got != want { // 1024 + memOverhead(16384)
		t.Errorf("memory.limit_in_bytes = %q, want %q", got, want)
	}
}

func TestEnterMemoryTolerantOfMissingMemsw(t *testing.T) {
	// The memsw file names are occupied by directories, so every memsw
	// write fails, simulating a kernel built without swap accounting.
	// enterMemory must still succeed because memory.limit_in_bytes alone
	// enforces the limit.
	mgr, paths := newTestManager(t)
	dir := filepath.Join(paths.Memory, "test-instance")
	for _, name := range []string{"memory.memsw.max_usage_in_bytes", "memory.memsw.limit_in_bytes"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	if err := mgr.enterMemory(4096, true); err != nil {
		t.Fatalf("enterMemory() = %v, want nil despite absent memsw support", err)
	}
	limitPath := filepath.Join(paths.Memory, "test-instance", "memory.limit_in_bytes")
	if _, err := os.Stat(limitPath); err != nil {
		t.Fatalf("memory.limit_in_bytes not written: %v", err)
	}
}

func TestEnterCPUAcctSkipsResetWhenClearUsageFalse(t *testing.T) {
	mgr, paths := newTestManager(t)

	if err := mgr.enterCPUAcct(false); err != nil {
		t.Fatalf("enterCPUAcct(false) = %v", err)
	}
	usagePath := filepath.Join(paths.CPUAcct, "test-instance", "cpuacct.usage")
	if _, err := os.Stat(usagePath); err == nil {
		t.Fatalf("cpuacct.usage written despite clear_usage=no")
	}
}

func TestEnterPIDsWritesMaxWhenUnset(t *testing.T) {
	mgr, paths := newTestManager(t)

	if err := mgr.enterPIDs(0, true); err != nil {
		t.Fatalf("enterPIDs(0) = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(paths.Pids, "test-instance", "pids.max"))
	if err != nil {
		t.Fatalf("read pids.max: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "max" {
		t.Errorf("pids.max = %q, want \"max\"", got)
	}
}

func TestEnsureInstanceRejectsMissingControllerRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	mgr := NewManager(ControllerPaths{CPUAcct: missing}, "test-instance")

	_, err := mgr.ensureInstance(mgr.paths.CPUAcct, "cpuacct")
	if err == nil {
		t.Fatalf("ensureInstance() = nil, want ControllerMissingError")
	}
	if _, ok := err.(*ControllerMissingError); !ok {
		t.Fatalf("ensureInstance() err = %v (%T), want *ControllerMissingError", err, err)
	}
}

func TestGetUsageReadsBackWrittenValues(t *testing.T) {
	mgr, paths := newTestManager(t)

	if err := mgr.EnterAll(Limits{}, true, os.Getpid()); err != nil {
		t.Fatalf("EnterAll() = %v", err)
	}

	cpuPath := filepath.Join(paths.CPUAcct, "test-instance", "cpuacct.usage")
	if err := os.WriteFile(cpuPath, []byte("123456\n"), 0644); err != nil {
		t.Fatalf("seed cpuacct.usage: %v", err)
	}
	memPath := filepath.Join(paths.Memory, "test-instance", "memory.max_usage_in_bytes")
	if err := os.WriteFile(memPath, []byte("65536\n"), 0644); err != nil {
		t.Fatalf("seed memory.max_usage_in_bytes: %v", err)
	}

	usage, err := mgr.GetUsage(250 * time.Millisecond)
	if err != nil {
		t.Fatalf("GetUsage() = %v", err)
	}
	if usage.UserTime != 123456 {
		t.Errorf("UserTime = %v, want 123456ns", usage.UserTime)
	}
	if usage.Memory != 65536 {
		t.Errorf("Memory = %d, want 65536", usage.Memory)
	}
	if usage.WallTime != 250*time.Millisecond {
		t.Errorf("WallTime = %v, want 250ms", usage.WallTime)
	}
}

func TestReadMemoryUsagePrefersLargerMemsw(t *testing.T) {
	mgr, paths := newTestManager(t)
	dir := filepath.Join(paths.Memory, "test-instance")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory.max_usage_in_bytes"), []byte("1000"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory.memsw.max_usage_in_bytes"), []byte("2000"), 0644); err != nil {
		t.Fatal(err)
	}

	mem, err := mgr.readMemoryUsage()
	if err != nil {
		t.Fatalf("readMemoryUsage() = %v", err)
	}
	if mem != 2000 {
		t.Fatalf("readMemoryUsage() = %d, want 2000 (memsw should win)", mem)
	}
}
