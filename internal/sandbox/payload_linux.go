//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// execRetries/execRetryDelay bound the ETXTBSY retry loop in step 10 — the
// target binary's text segment can transiently stay busy for a few tens of
// milliseconds after a concurrent writer (e.g. a just-finished build) closes
// it, per spec.md §4.1's payload_main step 10.
const (
	execRetries   = 10
	execRetryDelay = 50 * time.Millisecond
)

// PayloadMain is the entry point for the payload re-exec stage (argv:
// ReexecSentinel StagePayload). It runs as PID 1 of its own PID namespace
// (a child of the supervisor's), performs the fd redirection, cgroup
// entry, mount/pivot_root, and privilege-map sequence, then execve's the
// target command. It never returns on success; on any fatal error it
// serializes a ChildError to fd 3 and returns the process exit code.
//
// Adapted from the teacher's DenyInit (internal/sandbox/deny_linux.go):
// same mount-then-exec wrapper shape, generalized from ad hoc CLI flags to
// a single JSON Config and with the seccomp/BPF portion dropped.
func PayloadMain() int {
	errW := os.NewFile(3, "payload-err")
	if errW == nil {
		fmt.Fprintln(os.Stderr, "ia-sandbox: payload: missing error pipe fd 3")
		return 1
	}
	unix.CloseOnExec(3)

	fail := func(err error) int {
		data, _ := json.Marshal(toChildErr(err))
		errW.Write(data)
		errW.Close()
		return 1
	}

	req, err := decodeStageRequest(os.Stdin)
	if err != nil {
		return fail(err)
	}
	cfg := req.Config

	if err := redirectStdio(cfg); err != nil {
		return fail(err)
	}

	if cfg.Limits.Stack > 0 {
		rlim := unix.Rlimit{Cur: cfg.Limits.Stack, Max: cfg.Limits.Stack}
		if err := ffiSetrlimit(unix.RLIMIT_STACK, &rlim); err != nil {
			return fail(err)
		}
	}

	// Enter cgroups before pivoting: the controller paths are only valid
	// pre-pivot (/sys/fs/cgroup/...).
	mgr := NewManager(cfg.Controllers, cfg.InstanceName)
	if err := mgr.EnterAll(cfg.Limits, cfg.ClearUsage, os.Getpid()); err != nil {
		return fail(err)
	}

	if err := unix.Unshare(unix.CLONE_NEWCGROUP); err != nil {
		return fail(newFFIError("unshare", "CLONE_NEWCGROUP", err))
	}

	if err := ffiMount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fail(err)
	}

	if cfg.NewRoot != "" {
		if err := applyMounts(cfg); err != nil {
			return fail(err)
		}
		if err := pivotRoot(cfg.NewRoot, func() error { return remountProc("/proc") }); err != nil {
			return fail(err)
		}
	} else {
		if err := remountProc("/proc"); err != nil {
			return fail(err)
		}
	}

	// The payload's own nested user namespace: map its uid/gid 0 to the
	// identity the supervisor already established (0), since the
	// supervisor itself is already uid/gid 0 in its own namespace.
	if err := ffiWriteUserNSMaps(0, 0); err != nil {
		return fail(err)
	}

	if !cfg.Interactive {
		if err := ffiSetpgid(0, 0); err != nil {
			return fail(err)
		}
	}

	env := buildEnv(cfg.Env)
	argv := append([]string{cfg.Command}, cfg.Args...)

	var execErr error
	for i := 0; i < execRetries; i++ {
		execErr = syscall.Exec(cfg.Command, argv, env)
		if execErr != syscall.ETXTBSY {
			break
		}
		time.Sleep(execRetryDelay)
	}
	return fail(newFFIError("execve", cfg.Command, execErr))
}

func buildEnv(env Environment) []string {
	if env.Forward {
		return os.Environ()
	}
	return env.Pairs
}

// redirectStdio applies swap_redirects ordering: stdout before stdin when
// set, stdin before stdout otherwise; stderr always last.
func redirectStdio(cfg Config) error {
	type step struct {
		fd    int
		path  string
		flags int
	}
	const outFlags = unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC

	stdinStep := step{0, cfg.RedirectStdin, unix.O_RDONLY}
	stdoutStep := step{1, cfg.RedirectStdout, outFlags}
	stderrStep := step{2, cfg.RedirectStderr, outFlags}

	order := []step{stdinStep, stdoutStep, stderrStep}
	if cfg.SwapRedirects {
		order = []step{stdoutStep, stdinStep, stderrStep}
	}

	for _, s := range order {
		if s.path == "" {
			continue
		}
		if err := redirectFd(s.fd, s.path, s.flags); err != nil {
			return err
		}
	}
	return nil
}

// redirectFd closes fd, opens path with flags, and requires the newly
// opened descriptor to land on fd exactly — per spec.md §4.1 step 1, a
// mismatch is a fatal error rather than a dup2 fallback.
func redirectFd(fd int, path string, flags int) error {
	unix.Close(fd)
	newFd, err := unix.Open(path, flags, 0666)
	if err != nil {
		return newFFIError("open", path, err)
	}
	if newFd != fd {
		unix.Close(newFd)
		return newFFIError("open", path, fmt.Errorf("unexpected fd %d, want %d", newFd, fd))
	}
	return nil
}

// applyMounts performs step 6's bind-mount sequence: for each requested
// mount, bind it onto new_root/destination, then immediately remount with
// the identical flags because MS_RDONLY is silently ignored on the initial
// bind.
func applyMounts(cfg Config) error {
	for _, m := range cfg.Mounts {
		dest := filepath.Join(cfg.NewRoot, m.Destination)
		flags := uintptr(unix.MS_BIND | unix.MS_NOSUID)
		if !m.Options.Exec {
			flags |= unix.MS_NOEXEC
		}
		if !m.Options.Dev {
			flags |= unix.MS_NODEV
		}
		if m.Options.ReadOnly {
			flags |= unix.MS_RDONLY
		}
		if err := ffiMount(m.Source, dest, "", flags, ""); err != nil {
			return err
		}
		if err := ffiMount(m.Source, dest, "", flags|unix.MS_REMOUNT, ""); err != nil {
			return err
		}
	}
	return nil
}
