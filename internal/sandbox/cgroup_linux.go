//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Manager drives the cgroup v1 controllers (cpuacct, memory+memsw, pids)
// this package needs: per-controller entry/creation/reset, limit writing,
// and usage sampling. Structurally grounded in the teacher's cgroup v2
// manager (cgroup_linux.go); the v1 per-controller-directory mechanics
// (separate hierarchy per controller, "tasks" not "cgroup.procs", a nested
// "isolated" leaf) follow the pack's cgroup v1 reference implementation.
type Manager struct {
	paths    ControllerPaths
	instance string
}

// NewManager returns a Manager for the given controller roots and instance
// label. It performs no I/O; EnterAll does.
func NewManager(paths ControllerPaths, instance string) *Manager {
	return &Manager{paths: paths, instance: instance}
}

// EnterAll performs §4.2's per-controller entry sequence for cpuacct,
// memory, and pids, then appends pid to each controller's isolated/tasks.
func (m *Manager) EnterAll(limits Limits, clearUsage bool, pid int) error {
	if err := m.enterCPUAcct(clearUsage); err != nil {
		return err
	}
	if err := m.enterMemory(limits.Memory, clearUsage); err != nil {
		return err
	}
	if err := m.enterPIDs(limits.Pids, clearUsage); err != nil {
		return err
	}
	if err := m.addTask(m.paths.CPUAcct, "cpuacct", pid); err != nil {
		return err
	}
	if err := m.addTask(m.paths.Memory, "memory", pid); err != nil {
		return err
	}
	if err := m.addTask(m.paths.Pids, "pids", pid); err != nil {
		return err
	}
	return nil
}

func (m *Manager) enterCPUAcct(clearUsage bool) error {
	dir, err := m.ensureInstance(m.paths.CPUAcct, "cpuacct")
	if err != nil {
		return err
	}
	if clearUsage {
		return writeControllerFile(dir, "cpuacct.usage", "0\n", "cpuacct")
	}
	return nil
}

func (m *Manager) enterMemory(limit uint64, clearUsage bool) error {
	dir, err := m.ensureInstance(m.paths.Memory, "memory")
	if err != nil {
		return err
	}
	if clearUsage {
		if err := writeControllerFile(dir, "memory.max_usage_in_bytes", "0\n", "memory"); err != nil {
			return err
		}
		// memsw accounting may be compiled out of the kernel; tolerate.
		_ = writeControllerFile(dir, "memory.memsw.max_usage_in_bytes", "0\n", "memory")

		// Reset memsw.limit before limit: the kernel rejects the transient
		// state limit > memsw.limit.
		_ = writeControllerFile(dir, "memory.memsw.limit_in_bytes", "-1\n", "memory")
		if err := writeControllerFile(dir, "memory.limit_in_bytes", "-1\n", "memory"); err != nil {
			return err
		}

		if limit > 0 {
			val := strconv.FormatUint(limit+memOverhead, 10)
			// Set limit before memsw.limit for the same reason as above.
			// Tolerate memsw absence (Open Question (a), see DESIGN.md):
			// memory.limit_in_bytes alone still enforces the limit.
			if err := writeControllerFile(dir, "memory.limit_in_bytes", val, "memory"); err != nil {
				return err
			}
			_ = writeControllerFile(dir, "memory.memsw.limit_in_bytes", val, "memory")
		}
	}
	return nil
}

func (m *Manager) enterPIDs(n uint32, clearUsage bool) error {
	dir, err := m.ensureInstance(m.paths.Pids, "pids")
	if err != nil {
		return err
	}
	if clearUsage {
		val := "max"
		if n > 0 {
			val = strconv.FormatUint(uint64(n), 10)
		}
		return writeControllerFile(dir, "pids.max", val, "pids")
	}
	return nil
}

func (m *Manager) addTask(controllerRoot, label string, pid int) error {
	dir := filepath.Join(controllerRoot, m.instance)
	isolated := filepath.Join(dir, "isolated")
	// Writing to the instance's own "tasks" after a descendant cgroup
	// exists is forbidden under cgroup v1 — hence the nested leaf.
	if err := os.Mkdir(isolated, 0755); err != nil && !os.IsExist(err) {
		return &InstanceControllerCreateError{Controller: label, Path: isolated, Err: err.Error()}
	}
	return writeControllerFile(isolated, "tasks", strconv.Itoa(pid), label)
}

// ensureInstance verifies the controller root exists (never creating it —
// it is a kernel mount point) and creates the instance sub-directory if
// absent with a plain, non-recursive mkdir.
func (m *Manager) ensureInstance(controllerRoot, label string) (string, error) {
	if _, err := os.Stat(controllerRoot); err != nil {
		return "", &ControllerMissingError{Controller: label, Path: controllerRoot}
	}
	dir := filepath.Join(controllerRoot, m.instance)
	if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		return "", &InstanceControllerCreateError{Controller: label, Path: dir, Err: err.Error()}
	}
	return dir, nil
}

func writeControllerFile(dir, file, content, label string) error {
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return &CGroupError{Controller: label, Path: path, Op: "write", Err: err.Error()}
	}
	return nil
}

func readControllerFile(dir, file, label string) (string, error) {
	path := filepath.Join(dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &CGroupError{Controller: label, Path: path, Op: "read", Err: err.Error()}
	}
	return strings.TrimSpace(string(data)), nil
}

// GetUsage samples cpuacct.usage and the memory max_usage_in_bytes files
// and combines them with the caller-supplied wall-clock duration.
func (m *Manager) GetUsage(wallTime time.Duration) (RunUsage, error) {
	cpuDir := filepath.Join(m.paths.CPUAcct, m.instance)
	usageStr, err := readControllerFile(cpuDir, "cpuacct.usage", "cpuacct")
	if err != nil {
		return RunUsage{}, err
	}
	usageNs, err := strconv.ParseUint(usageStr, 10, 64)
	if err != nil {
		return RunUsage{}, &CGroupError{Controller: "cpuacct", Path: cpuDir, Op: "parse", Err: err.Error()}
	}

	mem, err := m.readMemoryUsage()
	if err != nil {
		return RunUsage{}, err
	}

	return RunUsage{
		UserTime: time.Duration(usageNs),
		WallTime: wallTime,
		Memory:   mem,
	}, nil
}

// readMemoryUsage returns max(memory.max_usage_in_bytes,
// memory.memsw.max_usage_in_bytes); if memsw is absent, the plain
// accounting file alone is used, per §4.2.
func (m *Manager) readMemoryUsage() (uint64, error) {
	dir := filepath.Join(m.paths.Memory, m.instance)
	plainStr, err := readControllerFile(dir, "memory.max_usage_in_bytes", "memory")
	if err != nil {
		return 0, err
	}
	plain, err := strconv.ParseUint(plainStr, 10, 64)
	if err != nil {
		return 0, &CGroupError{Controller: "memory", Path: dir, Op: "parse", Err: err.Error()}
	}

	memswStr, err := readControllerFile(dir, "memory.memsw.max_usage_in_bytes", "memory")
	if err != nil {
		return plain, nil
	}
	memsw, err := strconv.ParseUint(memswStr, 10, 64)
	if err != nil || memsw < plain {
		return plain, nil
	}
	return memsw, nil
}
