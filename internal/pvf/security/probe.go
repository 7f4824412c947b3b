package security

import (
	"context"
	"strings"
	"sync"

	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Checker runs one capability check, returning nil when the capability is usable.
type Checker interface {
	Check(ctx context.Context, kind worker.Kind) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, kind worker.Kind) error

func (f CheckerFunc) Check(ctx context.Context, kind worker.Kind) error {
	return f(ctx, kind)
}

// CheckArgs are the worker binary arguments that run a check mode.
func CheckArgs(kind worker.Kind, workerDir string) []string {
	return []string{"-mode", string(kind), "-worker-dir-path", workerDir}
}

// Probe runs every check concurrently and reports what the host can use. It is meant to be
// called once at startup; the result is passed to every worker from then on.
func Probe(ctx context.Context, checker Checker) worker.SecurityStatus {
	var (
		mu     sync.Mutex
		status worker.SecurityStatus
	)
	checks := []struct {
		kind worker.Kind
		set  func(*worker.SecurityStatus)
	}{
		{kind: worker.KindCheckSecureClone, set: func(s *worker.SecurityStatus) { s.CanDoSecureClone = true }},
		{kind: worker.KindCheckChangeRoot, set: func(s *worker.SecurityStatus) { s.CanUnshareUserNamespaceAndChangeRoot = true }},
		{kind: worker.KindCheckSeccomp, set: func(s *worker.SecurityStatus) { s.CanEnableSeccomp = true }},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range checks {
		g.Go(func() error {
			if err := checker.Check(gctx, c.kind); err != nil {
				logger.Warn(ctx, "security: capability unavailable",
					zap.String("check", string(c.kind)),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			c.set(&status)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Info(ctx, "security: capability probe finished", zap.Stringer("status", status))
	return status
}

// Missing names the capabilities status lacks.
func Missing(status worker.SecurityStatus) []string {
	var missing []string
	if !status.CanDoSecureClone {
		missing = append(missing, "secure clone")
	}
	if !status.CanUnshareUserNamespaceAndChangeRoot {
		missing = append(missing, "unshare user namespace and change root")
	}
	if !status.CanEnableSeccomp {
		missing = append(missing, "seccomp")
	}
	return missing
}

// Enforce fails when secure mode is required and a capability is missing. Outside secure mode
// it only warns.
func Enforce(ctx context.Context, status worker.SecurityStatus, requireSecure bool) error {
	missing := Missing(status)
	if len(missing) == 0 {
		return nil
	}
	if requireSecure {
		return appErr.Newf(appErr.ProbeFailed, "secure validator mode requires: %s", strings.Join(missing, ", "))
	}
	logger.Warn(ctx, "security: running validation of untrusted code with reduced isolation",
		zap.Strings("missing", missing),
	)
	return nil
}
