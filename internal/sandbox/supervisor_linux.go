//go:build linux

package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ia-sandbox/internal/sandboxlog"
)

// SupervisorMain is the entry point for the supervisor re-exec stage
// (argv: ReexecSentinel StageSupervisor). It runs as PID 1 in a fresh PID
// namespace, maps itself to uid/gid 0, clones the payload, drives the wait
// loop, and reports a RunInfo or error envelope on fd 3. Returns the
// process exit code.
func SupervisorMain() int {
	resultW := os.NewFile(3, "result")
	if resultW == nil {
		fmt.Fprintln(os.Stderr, "ia-sandbox: supervisor: missing result pipe fd 3")
		return 1
	}

	req, err := decodeStageRequest(os.Stdin)
	if err != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		return 1
	}
	cfg := req.Config

	if err := ffiSetPdeathsig(unix.SIGKILL); err != nil {
		sandboxlog.Warn("supervisor: PR_SET_PDEATHSIG failed", "err", err)
	}

	// Remount /proc for the new PID namespace. Security only here — the
	// payload replaces this view again after its own namespace setup.
	if err := remountProc("/proc"); err != nil {
		sandboxlog.Warn("supervisor: remount /proc failed", "err", err)
	}

	if err := ffiWriteUserNSMaps(req.CallerUID, req.CallerGID); err != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		return 1
	}

	plReqJSON, err := json.Marshal(stageRequest{Config: cfg})
	if err != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		return 1
	}

	plErrR, plErrW, err := os.Pipe()
	if err != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		return 1
	}

	plCmd := exec.Command(exe, ReexecSentinel, StagePayload)
	plCmd.Stdin = bytes.NewReader(plReqJSON)
	plCmd.ExtraFiles = []*os.File{plErrW}
	plCmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cascadeCloneFlags(cfg.ShareNet),
	}

	start := time.Now()
	if err := plCmd.Start(); err != nil {
		plErrR.Close()
		plErrW.Close()
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorExec, Path: cfg.Command, Message: err.Error()})
		return 1
	}
	plErrW.Close()

	mgr := NewManager(cfg.Controllers, cfg.InstanceName)
	runInfo, childErr, err := waitLoop(plCmd.Process.Pid, plErrR, cfg.Limits, start, mgr)
	if err != nil {
		var sc *StoppedContinuedError
		if errors.As(err, &sc) {
			writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorStoppedContinued, Status: sc.Status})
		} else {
			writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		}
		return 1
	}
	if childErr != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorExec, Path: cfg.Command, ChildErr: childErr})
		return 1
	}

	env := resultEnvelope{RunInfo: &runInfo}
	data, err := json.Marshal(env)
	if err != nil {
		writeEnvelopeErr(resultW, &envelopeError{Kind: envelopeErrorOther, Message: err.Error()})
		return 1
	}
	resultW.Write(data)
	resultW.Close()
	return 0
}

func decodeStageRequest(r io.Reader) (stageRequest, error) {
	var req stageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return stageRequest{}, fmt.Errorf("decode stage request: %w", err)
	}
	return req, nil
}

func writeEnvelopeErr(w *os.File, e *envelopeError) {
	data, err := json.Marshal(resultEnvelope{Err: e})
	if err != nil {
		w.Close()
		return
	}
	w.Write(data)
	w.Close()
}

// remountProc mounts a fresh procfs at target, matching the kernel's view
// of the namespace the calling process currently sits in.
func remountProc(target string) error {
	return ffiMount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "")
}

// ffiWriteUserNSMaps writes the uid/gid maps mapping the caller's (uid,gid)
// to 0 inside the calling process's user namespace, in the load-bearing
// order spec.md §4.1 step 3 requires: setgroups=deny before gid_map.
func ffiWriteUserNSMaps(uid, gid int) error {
	if err := ffiWriteFile("/proc/self/setgroups", "deny"); err != nil {
		return err
	}
	if err := ffiWriteFile("/proc/self/uid_map", fmt.Sprintf("0 %d 1\n", uid)); err != nil {
		return err
	}
	if err := ffiWriteFile("/proc/self/gid_map", fmt.Sprintf("0 %d 1\n", gid)); err != nil {
		return err
	}
	return nil
}
