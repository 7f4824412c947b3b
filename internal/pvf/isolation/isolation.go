// Package isolation starts job processes. Two strategies exist: a clone into fresh namespaces
// and a plain fork. The strategy is picked once from the probed SecurityStatus.
package isolation

import (
	"io"
	"os"
	"os/exec"

	"pvfexec/internal/pvf/worker"
)

// Strategy names how a job process is created.
type Strategy string

const (
	StrategyClone Strategy = "clone"
	StrategyFork  Strategy = "fork"
)

// JobSpec describes the job process to start. ExtraFiles land at fd 3 and up in the child.
type JobSpec struct {
	Path       string
	Args       []string
	Env        []string
	Stdin      io.Reader
	ExtraFiles []*os.File
}

// Job is a started job process.
type Job struct {
	Cmd *exec.Cmd
	// cleanup releases per-job resources such as the cgroup. Safe to call once the process was
	// waited for.
	cleanup func()
	cgroup  string
}

// Pid returns the job's pid as seen by the worker.
func (j *Job) Pid() int {
	if j.Cmd == nil || j.Cmd.Process == nil {
		return 0
	}
	return j.Cmd.Process.Pid
}

// OOMKilled reports whether the job's cgroup saw an OOM kill.
func (j *Job) OOMKilled() bool {
	return wasOOMKilled(j.cgroup)
}

// Release frees per-job resources.
func (j *Job) Release() {
	if j.cleanup != nil {
		j.cleanup()
		j.cleanup = nil
	}
}

// Spawner starts job processes with one strategy.
type Spawner interface {
	Strategy() Strategy
	Spawn(spec JobSpec) (*Job, error)
}

// CgroupConfig enables per-job cgroup v2 limits.
type CgroupConfig struct {
	Enabled     bool
	Root        string
	PIDs        int64
	MemoryBytes int64
}

// Select returns the clone spawner when the host proved it can clone securely, else the fork
// spawner.
func Select(status worker.SecurityStatus, cgroup CgroupConfig) Spawner {
	if status.CanDoSecureClone {
		return NewCloneSpawner(cgroup)
	}
	return NewForkSpawner(cgroup)
}

// ForStrategy returns the spawner for an explicit strategy, letting tests force either path.
func ForStrategy(s Strategy, cgroup CgroupConfig) Spawner {
	if s == StrategyClone {
		return NewCloneSpawner(cgroup)
	}
	return NewForkSpawner(cgroup)
}
