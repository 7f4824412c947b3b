//go:build linux

package security

import (
	"errors"
	"os"
	"strconv"
	"strings"

	appErr "pvfexec/pkg/errors"

	"golang.org/x/sys/unix"
)

// ChangeRoot makes dir the root of the calling process. The caller must own its mount
// namespace, which a job cloned with CLONE_NEWUSER|CLONE_NEWNS does.
func ChangeRoot(dir string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return appErr.Wrapf(err, appErr.ChangeRootFailed, "make mount private: %v", err)
	}
	if err := unix.Chroot(dir); err != nil {
		return appErr.Wrapf(err, appErr.ChangeRootFailed, "chroot %s: %v", dir, err)
	}
	if err := os.Chdir("/"); err != nil {
		return appErr.Wrapf(err, appErr.ChangeRootFailed, "chdir root: %v", err)
	}
	return nil
}

// CloseUnneededFDs closes every open descriptor except stdio and keep. Descriptors owned by
// the Go runtime (epoll, eventfd, pidfd) are anonymous inodes and stay open.
func CloseUnneededFDs(keep ...int) error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return appErr.Wrapf(err, appErr.FdCloseFailed, "list open fds: %v", err)
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd <= 2 || containsFD(keep, fd) {
			continue
		}
		// The directory fd used for the listing is already closed.
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); errors.Is(err, unix.EBADF) {
			continue
		}
		target, err := os.Readlink("/proc/self/fd/" + entry.Name())
		if err == nil && strings.HasPrefix(target, "anon_inode:") {
			continue
		}
		if err := unix.Close(fd); err != nil && !errors.Is(err, unix.EBADF) {
			return appErr.Wrapf(err, appErr.FdCloseFailed, "close fd %d: %v", fd, err)
		}
	}
	return nil
}

func containsFD(fds []int, fd int) bool {
	for _, f := range fds {
		if f == fd {
			return true
		}
	}
	return false
}

// SetStackLimit raises RLIMIT_STACK to at least bytes. Children inherit it, and glibc sizes
// new threads from it, so threads of the job process get stacks of this size. An unlimited
// soft limit is replaced since glibc then falls back to a small default.
func SetStackLimit(bytes uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_STACK, &cur); err != nil {
		return appErr.KernelError("getrlimit", err)
	}
	if cur.Cur != unix.RLIM_INFINITY && cur.Cur >= bytes {
		return nil
	}
	want := unix.Rlimit{Cur: bytes, Max: cur.Max}
	if cur.Max != unix.RLIM_INFINITY && cur.Max < bytes {
		want.Max = bytes
	}
	if err := unix.Setrlimit(unix.RLIMIT_STACK, &want); err != nil {
		return appErr.KernelError("setrlimit", err)
	}
	return nil
}
