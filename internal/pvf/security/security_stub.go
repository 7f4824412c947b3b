//go:build !linux

package security

import (
	"context"
	"time"

	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
)

func unsupported(op string) error {
	return appErr.Newf(appErr.UnsupportedSystem, "%s is only supported on linux", op)
}

func InstallSeccomp(Profile) error { return unsupported("seccomp") }

func ChangeRoot(string) error { return unsupported("change root") }

func CloseUnneededFDs(...int) error { return nil }

func SetStackLimit(uint64) error { return nil }

func RunCheck(worker.Kind, string) error { return unsupported("capability checks") }

// BinaryChecker reports every capability as missing off linux.
type BinaryChecker struct {
	WorkerPath string
	WorkerDir  string
	Timeout    time.Duration
}

func (BinaryChecker) Check(context.Context, worker.Kind) error {
	return unsupported("capability checks")
}
