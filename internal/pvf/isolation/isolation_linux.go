//go:build linux

package isolation

import (
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"

	appErr "pvfexec/pkg/errors"
)

// CloneFlags are the namespaces a cloned job gets.
const CloneFlags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
	syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWCGROUP

type spawner struct {
	strategy Strategy
	cgroup   CgroupConfig
	seq      atomic.Uint64
}

func NewCloneSpawner(cgroup CgroupConfig) Spawner {
	return &spawner{strategy: StrategyClone, cgroup: cgroup}
}

func NewForkSpawner(cgroup CgroupConfig) Spawner {
	return &spawner{strategy: StrategyFork, cgroup: cgroup}
}

func (s *spawner) Strategy() Strategy {
	return s.strategy
}

func (s *spawner) Spawn(spec JobSpec) (*Job, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stdin = spec.Stdin
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.SysProcAttr = SysProcAttr(s.strategy)

	job := &Job{Cmd: cmd}
	if s.cgroup.Enabled {
		path, cleanup, err := createJobCgroup(s.cgroup.Root, os.Getpid(), s.seq.Add(1))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CgroupFailed, "create job cgroup: %v", err)
		}
		if err := applyCgroupLimits(path, s.cgroup); err != nil {
			cleanup()
			return nil, appErr.Wrapf(err, appErr.CgroupFailed, "apply cgroup limits: %v", err)
		}
		job.cgroup = path
		job.cleanup = cleanup
	}

	if err := cmd.Start(); err != nil {
		job.Release()
		return nil, appErr.Wrapf(err, appErr.SpawnFailed, "%s: %v", s.strategy, err)
	}
	if job.cgroup != "" {
		if err := addProcessToCgroup(job.cgroup, cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			job.Release()
			return nil, appErr.Wrapf(err, appErr.CgroupFailed, "add job to cgroup: %v", err)
		}
	}
	return job, nil
}

// SysProcAttr returns the process attributes of a strategy. Both die with the worker.
func SysProcAttr(s Strategy) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if s != StrategyClone {
		return attr
	}
	attr.Cloneflags = CloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

// KillProcessGroup kills the job and anything it started.
func KillProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
