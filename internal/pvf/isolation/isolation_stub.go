//go:build !linux

package isolation

import (
	"syscall"

	appErr "pvfexec/pkg/errors"
)

type stubSpawner struct {
	strategy Strategy
}

func NewCloneSpawner(CgroupConfig) Spawner {
	return &stubSpawner{strategy: StrategyClone}
}

func NewForkSpawner(CgroupConfig) Spawner {
	return &stubSpawner{strategy: StrategyFork}
}

func (s *stubSpawner) Strategy() Strategy {
	return s.strategy
}

func (s *stubSpawner) Spawn(JobSpec) (*Job, error) {
	return nil, appErr.New(appErr.UnsupportedSystem).WithMessage("job processes are only supported on linux")
}

func SysProcAttr(Strategy) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func KillProcessGroup(int) {}

func wasOOMKilled(string) bool { return false }
