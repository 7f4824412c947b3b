// Package worker holds what every PVF worker process shares: startup checks, the event loop
// runner, the thread race used inside job processes and the kernel helpers around them.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/contextkey"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// Kind names the role a worker binary was started in.
type Kind string

const (
	KindExecute          Kind = "execute"
	KindJob              Kind = "execute-job"
	KindCheckSecureClone Kind = "check-secure-clone"
	KindCheckChangeRoot  Kind = "check-change-root"
	KindCheckSeccomp     Kind = "check-seccomp"
)

// SecurityStatus is decided once by the host's capability probe and handed to every worker.
type SecurityStatus struct {
	CanEnableSeccomp                     bool
	CanUnshareUserNamespaceAndChangeRoot bool
	CanDoSecureClone                     bool
}

func (s SecurityStatus) String() string {
	return fmt.Sprintf("seccomp=%t change_root=%t secure_clone=%t",
		s.CanEnableSeccomp, s.CanUnshareUserNamespaceAndChangeRoot, s.CanDoSecureClone)
}

// Info identifies a running worker in logs.
type Info struct {
	PID       int
	Kind      Kind
	Version   string
	WorkerDir string
}

// Context returns ctx carrying the worker's log fields.
func (i Info) Context(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, contextkey.WorkerPID, i.PID)
	return context.WithValue(ctx, contextkey.WorkerKind, string(i.Kind))
}

// Options configures RunWorker.
type Options struct {
	Kind          Kind
	SocketPath    string
	WorkerDir     string
	NodeVersion   string
	WorkerVersion string
	Security      SecurityStatus
}

// EventLoop serves one host connection until it fails. It never returns nil while the
// connection is healthy.
type EventLoop func(ctx context.Context, stream *net.UnixConn, info Info, security SecurityStatus) error

// allowedEnv lists variables a worker tolerates in its environment. The host clears the rest.
var allowedEnv = []string{"GOTRACEBACK", "GODEBUG", "GOMAXPROCS"}

// RunWorker performs the startup checks, connects to the host socket and runs loop. The
// returned error explains why the worker is going away.
func RunWorker(ctx context.Context, opts Options, loop EventLoop) error {
	info := Info{PID: os.Getpid(), Kind: opts.Kind, Version: opts.WorkerVersion, WorkerDir: opts.WorkerDir}
	ctx = info.Context(ctx)
	logger.Debug(ctx, "worker: starting",
		zap.String("socket", opts.SocketPath),
		zap.String("worker_dir", opts.WorkerDir),
		zap.Stringer("security", opts.Security),
	)

	if opts.NodeVersion != "" && opts.NodeVersion != opts.WorkerVersion {
		logger.Error(ctx, "worker version mismatch",
			zap.String("node_version", opts.NodeVersion),
			zap.String("worker_version", opts.WorkerVersion),
		)
		return appErr.Newf(appErr.VersionMismatch, "node version %s, worker version %s", opts.NodeVersion, opts.WorkerVersion)
	}
	if err := checkWorkerDir(opts.WorkerDir); err != nil {
		return err
	}
	if extra := unexpectedEnv(os.Environ()); len(extra) > 0 {
		logger.Warn(ctx, "worker: unexpected environment variables", zap.Strings("vars", extra))
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: opts.SocketPath, Net: "unix"})
	if err != nil {
		return appErr.Wrapf(err, appErr.HostCommunication, "connect to host socket %s: %v", opts.SocketPath, err)
	}
	defer conn.Close()

	err = loop(ctx, conn, info, opts.Security)
	logger.Debug(ctx, "worker: event loop finished", zap.Error(err))
	return err
}

func checkWorkerDir(dir string) error {
	if dir == "" {
		return appErr.New(appErr.WorkerDirInvalid).WithMessage("worker dir is not set")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkerDirInvalid, "stat worker dir: %v", err)
	}
	if !st.IsDir() {
		return appErr.Newf(appErr.WorkerDirInvalid, "worker dir %s is not a directory", dir)
	}
	return nil
}

func unexpectedEnv(environ []string) []string {
	var extra []string
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		allowed := false
		for _, a := range allowedEnv {
			if key == a {
				allowed = true
				break
			}
		}
		if !allowed {
			extra = append(extra, key)
		}
	}
	return extra
}

// AllowedEnv returns the subset of environ a worker may be started with.
func AllowedEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		for _, a := range allowedEnv {
			if key == a {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}
