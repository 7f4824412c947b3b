//go:build linux

package isolation

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"pvfexec/internal/pvf/worker"
)

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name   string
		status worker.SecurityStatus
		want   Strategy
	}{
		{name: "secure_clone", status: worker.SecurityStatus{CanDoSecureClone: true}, want: StrategyClone},
		{name: "no_clone", status: worker.SecurityStatus{CanEnableSeccomp: true}, want: StrategyFork},
		{name: "nothing", status: worker.SecurityStatus{}, want: StrategyFork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Select(tc.status, CgroupConfig{}).Strategy(); got != tc.want {
				t.Fatalf("strategy = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSysProcAttr(t *testing.T) {
	fork := SysProcAttr(StrategyFork)
	if !fork.Setpgid || fork.Pdeathsig != syscall.SIGKILL {
		t.Fatalf("fork attr must die with the worker in its own group: %+v", fork)
	}
	if fork.Cloneflags != 0 || len(fork.UidMappings) != 0 {
		t.Fatalf("fork attr must not request namespaces: %+v", fork)
	}

	clone := SysProcAttr(StrategyClone)
	for _, flag := range []uintptr{syscall.CLONE_NEWUSER, syscall.CLONE_NEWNS, syscall.CLONE_NEWPID, syscall.CLONE_NEWNET} {
		if clone.Cloneflags&flag == 0 {
			t.Fatalf("clone flags %#x missing %#x", clone.Cloneflags, flag)
		}
	}
	if len(clone.UidMappings) != 1 || clone.UidMappings[0].HostID != os.Getuid() || clone.UidMappings[0].ContainerID != 0 {
		t.Fatalf("unexpected uid mapping: %+v", clone.UidMappings)
	}
	if clone.GidMappingsEnableSetgroups {
		t.Fatalf("setgroups must stay disabled in the job namespace")
	}
}

func TestForkSpawnerRunsJob(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	job, err := NewForkSpawner(CgroupConfig{}).Spawn(JobSpec{
		Path:  sh,
		Args:  []string{"-c", "read line; test \"$line\" = ping && exit 3"},
		Stdin: strings.NewReader("ping\n"),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer job.Release()
	if job.Pid() <= 0 {
		t.Fatalf("expected a pid, got %d", job.Pid())
	}
	err = job.Cmd.Wait()
	status, ok := job.Cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		t.Fatalf("unexpected process state %v (%v)", job.Cmd.ProcessState, err)
	}
	if !status.Exited() || status.ExitStatus() != 3 {
		t.Fatalf("exit status = %v, want 3", status)
	}
	if job.OOMKilled() {
		t.Fatalf("job without cgroup cannot be oom killed")
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := NewForkSpawner(CgroupConfig{}).Spawn(JobSpec{Path: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Fatalf("expected spawn of a missing binary to fail")
	}
}

func TestCgroupFiles(t *testing.T) {
	root := t.TempDir()
	path, cleanup, err := createJobCgroup(root, 77, 3)
	if err != nil {
		t.Fatalf("create cgroup: %v", err)
	}
	if want := filepath.Join(root, "pvf-worker-77", "job-3"); path != want {
		t.Fatalf("cgroup path = %s, want %s", path, want)
	}

	if err := applyCgroupLimits(path, CgroupConfig{PIDs: 16, MemoryBytes: 1 << 30}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}
	if err := addProcessToCgroup(path, 1234); err != nil {
		t.Fatalf("add process: %v", err)
	}
	if err := addProcessToCgroup(path, 0); err == nil {
		t.Fatalf("expected invalid pid to be rejected")
	}

	want := map[string]string{
		"pids.max":     "16",
		"memory.max":   "1073741824",
		"cpu.max":      "max 100000",
		"cgroup.procs": "1234",
	}
	for name, value := range want {
		data, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != value {
			t.Fatalf("%s = %q, want %q", name, data, value)
		}
	}

	for _, name := range []string{"pids.max", "memory.max", "cpu.max", "cgroup.procs"} {
		_ = os.Remove(filepath.Join(path, name))
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cgroup dir should be gone, stat err = %v", err)
	}
}

func TestWasOOMKilled(t *testing.T) {
	dir := t.TempDir()
	if wasOOMKilled(dir) {
		t.Fatalf("missing memory.events must not count as oom")
	}
	events := "low 0\nhigh 0\nmax 4\noom 1\noom_kill 0\n"
	if err := os.WriteFile(filepath.Join(dir, "memory.events"), []byte(events), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if wasOOMKilled(dir) {
		t.Fatalf("oom_kill 0 reported as killed")
	}
	events = strings.Replace(events, "oom_kill 0", "oom_kill 2", 1)
	if err := os.WriteFile(filepath.Join(dir, "memory.events"), []byte(events), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if !wasOOMKilled(dir) {
		t.Fatalf("oom_kill 2 not reported")
	}
	if wasOOMKilled("") {
		t.Fatalf("empty path must not count as oom")
	}
}
