//go:build linux

package sandbox

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// pivotRoot implements spec.md §4.3 verbatim: bind-mount newRoot onto
// itself, pivot into it, chroot defensively, invoke the caller's
// beforeUmount continuation (always used to remount /proc so the
// subsequent umount2 can see the old root through the new procfs), then
// detach the old root.
func pivotRoot(newRoot string, beforeUmount func() error) error {
	oldRoot := filepath.Join(newRoot, ".old_root")
	if err := ffiMkdir(oldRoot, 0700); err != nil {
		return err
	}

	if err := ffiMount(newRoot, newRoot, "", unix.MS_REC|unix.MS_BIND|unix.MS_PRIVATE, ""); err != nil {
		return err
	}

	if err := ffiChdir(newRoot); err != nil {
		return err
	}

	if err := ffiPivotRoot(newRoot, oldRoot); err != nil {
		return err
	}

	// pivot_root's guarantees around the caller's cwd are not reliable
	// across kernel versions; chroot defensively.
	if err := ffiChroot("."); err != nil {
		return err
	}

	if beforeUmount != nil {
		if err := beforeUmount(); err != nil {
			return err
		}
	}

	return ffiUnmount("/.old_root", unix.MNT_DETACH)
}
