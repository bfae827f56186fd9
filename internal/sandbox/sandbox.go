// Package sandbox implements the process jail: a three-level supervision
// cascade (driver, supervisor, payload) that isolates an untrusted program
// under Linux namespaces, a pivoted root filesystem, and cgroup v1
// controllers, and reports how it terminated and what it consumed.
package sandbox

// Jail is a running (or completed) sandboxed invocation, as returned by
// SpawnJail. Wait blocks until the payload has terminated or a limit was
// breached; Close is the scoped-teardown hook (spec.md §9) and is safe to
// call more than once or after Wait has already returned.
type Jail interface {
	Wait() (RunInfo, error)
	Close() error
}

// SpawnJail validates cfg and starts the supervision cascade. On Linux this
// clones a supervisor process (fresh user/PID/IPC/UTS/mount namespaces),
// which in turn clones the jailed payload. On any other platform it returns
// an error — this design is Linux-kernel-specific by declared scope.
func SpawnJail(cfg Config) (Jail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return spawnJail(cfg)
}
