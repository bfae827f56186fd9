package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Environment describes how the payload's environment is built: either the
// full parent environment forwarded verbatim, or an explicit NAME=VALUE list.
type Environment struct {
	Forward bool
	Pairs   []string
}

// MountOptions narrows a bind mount. The zero value is no-exec, no-dev, but
// writable (ReadOnly defaults false); callers that want spec.md §6's
// read-only default must set ReadOnly explicitly, as parseMount does.
type MountOptions struct {
	ReadOnly bool
	Exec     bool
	Dev      bool
}

// Mount is a bind-mount request performed inside the new root.
type Mount struct {
	Source      string
	Destination string
	Options     MountOptions
}

// Limits bounds the payload's resource consumption. A zero field means
// "unset" — the corresponding check in CheckLimits is skipped.
type Limits struct {
	WallTime time.Duration
	UserTime time.Duration
	Memory   uint64 // bytes
	Stack    uint64 // bytes, 0 = RLIMIT_STACK unlimited
	Pids     uint32 // 0 = pids.max "max"
}

// memOverhead is added to a configured memory limit before it is written to
// the cgroup so that an OOM-kill is distinguishable from a user SIGKILL: a
// payload genuinely over budget burns through the headroom and is killed by
// the kernel, and the wait loop's usage>=limit check on a SIGKILL verdict
// then reports it as MemoryLimitExceeded.
const memOverhead = 16 * 1024

// ControllerPaths overrides the default cgroup v1 controller roots.
type ControllerPaths struct {
	CPUAcct string
	Memory  string
	Pids    string
}

// DefaultControllerPaths returns the reference mount points.
func DefaultControllerPaths() ControllerPaths {
	return ControllerPaths{
		CPUAcct: "/sys/fs/cgroup/cpuacct/ia-sandbox",
		Memory:  "/sys/fs/cgroup/memory/ia-sandbox",
		Pids:    "/sys/fs/cgroup/pids/ia-sandbox",
	}
}

// Config is the immutable job description consumed by SpawnJail. Nothing in
// this package mutates a Config after SpawnJail is called; it travels to
// each clone frame by value (encoded as JSON over the stage pipes).
type Config struct {
	Command string
	Args    []string
	Env     Environment

	NewRoot  string // optional; pivot_root target
	ShareNet bool

	RedirectStdin  string
	RedirectStdout string
	RedirectStderr string
	SwapRedirects  bool
	Interactive    bool

	Limits Limits

	InstanceName string
	Controllers  ControllerPaths
	Mounts       []Mount

	// ClearUsage, when false, skips resetting controller counters on entry
	// and accumulates usage across runs under the same InstanceName.
	ClearUsage bool
}

// Validate checks field combinations that SpawnJail cannot recover from.
func (c Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("sandbox: command is required")
	}
	if c.InstanceName == "" {
		return fmt.Errorf("sandbox: instance_name is required")
	}
	if !c.ClearUsage && (c.Limits.Memory > 0 || c.Limits.Pids > 0 || c.Limits.UserTime > 0) {
		return fmt.Errorf("sandbox: clear_usage=no rejects an explicit time, memory, or pids limit")
	}
	return nil
}

// NewInstanceName returns a collision-free instance name. The reference
// behavior (spec §9) defaults to the literal "default" and leaves
// uniqueness to the caller; this helper is an opt-in convenience for
// callers running concurrent sandboxes who don't want to manage the
// uniqueness contract themselves.
func NewInstanceName() string {
	return "ia-sandbox-" + uuid.NewString()
}
