//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval is the wait loop's sampling period. spec.md §9 sanctions
// replacing the SIGALRM/interval-timer EINTR trick with an explicit
// polling primitive, as long as usage is re-checked at least this often.
const pollInterval = 5 * time.Millisecond

// waitLoop implements §4.5. It drains the payload's pre-exec error pipe,
// then alternates between sampling cgroup usage (checking limits) and a
// non-blocking reap, until the payload exits or signals, or a limit is
// breached.
//
// Returns (RunInfo{}, childErr, nil) when the payload reported a ChildError
// before reaching execve (the caller should surface this as an
// infrastructure error, not a verdict). Returns (RunInfo{}, nil, err) for
// the fatal WIFSTOPPED/WIFCONTINUED case (a *StoppedContinuedError) and when
// wait4 itself fails with anything other than EINTR.
func waitLoop(pid int, errR *os.File, limits Limits, start time.Time, mgr *Manager) (RunInfo, *ChildError, error) {
	data, _ := io.ReadAll(errR)
	errR.Close()

	var preExecErr *ChildError
	if len(data) > 0 {
		var ce ChildError
		if err := json.Unmarshal(data, &ce); err == nil {
			preExecErr = &ce
		} else {
			preExecErr = childErrorFromGeneric(err)
		}
	}

	if preExecErr != nil {
		// The payload already failed and exited (or is exiting); reap it
		// blockingly so no zombie is left behind, then report the error.
		var status unix.WaitStatus
		_, _ = unix.Wait4(pid, &status, 0, nil)
		return RunInfo{}, preExecErr, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		wallTime := time.Since(start)
		if usage, err := mgr.GetUsage(wallTime); err == nil {
			if result, breached := limits.CheckLimits(usage); breached {
				killProcessGroup(pid)
				var status unix.WaitStatus
				_, _ = unix.Wait4(pid, &status, 0, nil)
				return RunInfo{Result: result, Usage: usage}, nil, nil
			}
		}

		var status unix.WaitStatus
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return RunInfo{}, nil, err
		}
		if wpid == 0 {
			<-ticker.C
			continue
		}

		usage, _ := mgr.GetUsage(time.Since(start))
		switch {
		case status.Exited():
			code := status.ExitStatus()
			if code == 0 {
				return RunInfo{Result: Success(), Usage: usage}, nil, nil
			}
			return RunInfo{Result: NonZeroExitStatus(code), Usage: usage}, nil, nil
		case status.Signaled():
			sig := status.Signal()
			result := KilledBySignal(int(sig))
			if sig == syscall.SIGKILL && limits.Memory > 0 && usage.Memory >= limits.Memory {
				result = MemoryLimitExceeded()
			}
			return RunInfo{Result: result, Usage: usage}, nil, nil
		case status.Stopped() || status.Continued():
			return RunInfo{}, nil, &StoppedContinuedError{Status: fmt.Sprintf("raw status 0x%x", uint32(status))}
		default:
			return RunInfo{}, nil, &StoppedContinuedError{Status: fmt.Sprintf("raw status 0x%x", uint32(status))}
		}
	}
}

// killProcessGroup sends SIGKILL to both the pid and the process group,
// grounded in the same best-effort reaper pattern an online-judge sandbox
// engine in the pack uses (other_examples/5d80a9a1…engine_linux.go.go's
// killProcessGroup).
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(pid, unix.SIGKILL)
	_ = unix.Kill(-pid, unix.SIGKILL)
}
