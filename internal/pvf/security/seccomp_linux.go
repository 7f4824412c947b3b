//go:build linux

package security

import (
	"fmt"
	"strings"

	appErr "pvfexec/pkg/errors"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// InstallSeccomp loads profile into the calling process. The filter is synchronized to every
// thread, so it may be called after the Go runtime started its threads.
func InstallSeccomp(profile Profile) error {
	defaultAction, err := ParseSeccompAction(profile.DefaultAction)
	if err != nil {
		return appErr.Wrap(err, appErr.SeccompFailed)
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return appErr.Wrapf(err, appErr.SeccompFailed, "create seccomp filter: %v", err)
	}
	defer filter.Release()

	if err := filter.SetTsync(true); err != nil {
		return appErr.Wrapf(err, appErr.SeccompFailed, "enable seccomp tsync: %v", err)
	}
	for _, rule := range profile.Syscalls {
		action, err := ParseSeccompAction(rule.Action)
		if err != nil {
			return appErr.Wrap(err, appErr.SeccompFailed)
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				continue
			}
			if err := filter.AddRuleExact(call, action); err != nil {
				return appErr.Wrapf(err, appErr.SeccompFailed, "add seccomp rule %s: %v", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrapf(err, appErr.SeccompFailed, "set no new privs: %v", err)
	}
	if err := filter.Load(); err != nil {
		return appErr.Wrapf(err, appErr.SeccompFailed, "load seccomp filter: %v", err)
	}
	return nil
}

// ParseSeccompAction maps an OCI action name to a libseccomp action.
func ParseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_KILL_THREAD":
		return seccomp.ActKillThread, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
