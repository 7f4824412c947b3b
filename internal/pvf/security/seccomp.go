// Package security holds the kernel hardening applied to job processes and the probe that
// decides, once per host, which of it is available.
package security

import (
	"encoding/json"
	"fmt"
	"os"
)

// Profile is a seccomp profile in the subset of the OCI format the job understands.
type Profile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []SyscallRule `json:"syscalls"`
}

// SyscallRule applies one action to a set of syscall names.
type SyscallRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// NetworkSyscalls are the calls a validation job never needs. Names unknown on the running
// architecture are skipped when the filter is built.
var NetworkSyscalls = []string{
	"socket", "socketpair", "connect", "accept", "accept4", "bind", "listen",
	"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
	"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
	"io_uring_setup", "io_uring_enter", "io_uring_register",
}

// DefaultProfile allows everything except networking, which kills the process.
func DefaultProfile() Profile {
	return Profile{
		DefaultAction: "SCMP_ACT_ALLOW",
		Syscalls: []SyscallRule{{
			Names:  append([]string(nil), NetworkSyscalls...),
			Action: "SCMP_ACT_KILL_PROCESS",
		}},
	}
}

// LoadProfile reads a JSON profile. An empty path yields DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read seccomp profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse seccomp profile: %w", err)
	}
	if p.DefaultAction == "" {
		return Profile{}, fmt.Errorf("seccomp profile %s has no default action", path)
	}
	return p, nil
}
