//go:build linux

package security

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"pvfexec/internal/pvf/isolation"
	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
)

const defaultCheckTimeout = 5 * time.Second

// BinaryChecker runs checks by spawning the worker binary in a check mode under the same
// process attributes a job would get.
type BinaryChecker struct {
	WorkerPath string
	WorkerDir  string
	Timeout    time.Duration
}

func (c BinaryChecker) Check(ctx context.Context, kind worker.Kind) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.WorkerPath, CheckArgs(kind, c.WorkerDir)...)
	cmd.Env = worker.AllowedEnv(os.Environ())
	strategy := isolation.StrategyFork
	if kind == worker.KindCheckSecureClone || kind == worker.KindCheckChangeRoot {
		strategy = isolation.StrategyClone
	}
	cmd.SysProcAttr = isolation.SysProcAttr(strategy)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		return appErr.Wrapf(err, appErr.ProbeFailed, "%s: %v: %s", kind, err, msg)
	}
	return nil
}

// RunCheck is the body of a check mode, executed inside the spawned worker binary.
func RunCheck(kind worker.Kind, workerDir string) error {
	switch kind {
	case worker.KindCheckSecureClone:
		// The first process of a new pid namespace is its init.
		if pid := os.Getpid(); pid != 1 {
			return fmt.Errorf("expected pid 1 in a new pid namespace, got %d", pid)
		}
		return nil
	case worker.KindCheckChangeRoot:
		if err := ChangeRoot(workerDir); err != nil {
			return err
		}
		if _, err := os.Stat(workerDir); err == nil && workerDir != "/" {
			return fmt.Errorf("worker dir %s still reachable after change root", workerDir)
		}
		return nil
	case worker.KindCheckSeccomp:
		return InstallSeccomp(DefaultProfile())
	default:
		return fmt.Errorf("unknown check mode %q", kind)
	}
}
