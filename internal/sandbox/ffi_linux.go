//go:build linux

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// This file holds thin typed wrappers over the syscalls the cascade needs,
// each reporting a *FFIError carrying the syscall label, the offending
// path/argument, and the errno — grounded in the teacher's own
// rlimits()/sysProcAttr() style of naming every syscall argument it touches.

func ffiMount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return newFFIError("mount", target, err)
	}
	return nil
}

func ffiUnmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return newFFIError("umount2", target, err)
	}
	return nil
}

func ffiPivotRoot(newRoot, putOld string) error {
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return &FFIError{Syscall: "pivot_root", Arg: newRoot + " " + putOld, Errno: pivotRootErrnoHint(err)}
	}
	return nil
}

func ffiChdir(path string) error {
	if err := unix.Chdir(path); err != nil {
		return newFFIError("chdir", path, err)
	}
	return nil
}

func ffiChroot(path string) error {
	if err := unix.Chroot(path); err != nil {
		return newFFIError("chroot", path, err)
	}
	return nil
}

func ffiSetpgid(pid, pgid int) error {
	if err := unix.Setpgid(pid, pgid); err != nil {
		return newFFIError("setpgid", fmt.Sprintf("%d,%d", pid, pgid), err)
	}
	return nil
}

func ffiSetPdeathsig(sig unix.Signal) error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(sig), 0, 0, 0); err != nil {
		return newFFIError("prctl", "PR_SET_PDEATHSIG", err)
	}
	return nil
}

func ffiSetrlimit(resource int, rlim *unix.Rlimit) error {
	if err := unix.Setrlimit(resource, rlim); err != nil {
		return newFFIError("setrlimit", fmt.Sprintf("resource=%d", resource), err)
	}
	return nil
}

func ffiMkdir(path string, perm os.FileMode) error {
	if err := os.Mkdir(path, perm); err != nil && !os.IsExist(err) {
		return newFFIError("mkdir", path, err)
	}
	return nil
}

// ffiWriteFile writes content to path with O_WRONLY|O_TRUNC, no O_CREAT —
// every file it writes to (setgroups, uid_map, gid_map) already exists as a
// kernel-exposed interface file.
func ffiWriteFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return newFFIError("write", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return newFFIError("write", path, err)
	}
	return nil
}

// pivotRootErrnoHint maps the four documented pivot_root errno cases to a
// human-readable explanation, per spec.md §4.3 step 4.
func pivotRootErrnoHint(err error) string {
	switch {
	case err == unix.EBUSY:
		return "new_root or its parent is still referenced by another mount or process (EBUSY)"
	case err == unix.EINVAL:
		return "new_root is not a mount point, or is on the same filesystem as the current root (EINVAL)"
	case err == unix.ENOTDIR:
		return "new_root or put_old is not a directory (ENOTDIR)"
	case err == unix.EPERM:
		return "caller lacks CAP_SYS_ADMIN in its user namespace (EPERM)"
	default:
		return err.Error()
	}
}
