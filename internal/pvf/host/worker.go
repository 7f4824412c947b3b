// Package host runs execute workers on behalf of the validation service: it spawns them,
// hands them artifacts and requests, and replaces them when they die.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pvfexec/internal/pvf/checksum"
	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/executeworker"
	"pvfexec/internal/pvf/isolation"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/wire"
	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/contextkey"
	"pvfexec/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSpawnTimeout = 3 * time.Second
	// wallClockFactor bounds a request in wall clock time as a multiple of its CPU timeout.
	// Only the worker's CPU accounting decides a timeout verdict; this limit only catches
	// workers that stopped answering.
	wallClockFactor = 4
)

// ErrHardTimeout is returned when a worker did not answer within the wall clock bound.
var ErrHardTimeout = errors.New("execute worker did not answer in time")

// WorkerConfig describes how execute workers are started.
type WorkerConfig struct {
	Program string
	// LauncherPrefix is prepended to the worker command line, e.g. "taskset -c 2-3".
	LauncherPrefix string
	// Root holds one directory and one socket per worker.
	Root         string
	NodeVersion  string
	Security     worker.SecurityStatus
	Params       primitives.ExecutorParams
	SpawnTimeout time.Duration
	LogLevel     string
	// ExtraArgs are appended verbatim, e.g. seccomp profile and cgroup flags.
	ExtraArgs []string
}

// ExecuteJob is one request for a worker.
type ExecuteJob struct {
	// Params must match the parameters the executing worker was started with.
	Params       primitives.ExecutorParams
	ArtifactPath string
	Checksum     checksum.ArtifactChecksum
	PVD          primitives.PersistedValidationData
	PoV          primitives.PoV
	Timeout      time.Duration
}

// Worker is a handle to one spawned execute worker.
type Worker struct {
	id   string
	dir  string
	cmd  *exec.Cmd
	conn *net.UnixConn

	mu   sync.Mutex
	dead bool
}

func workerArgs(cfg WorkerConfig, socketPath, dir string) []string {
	args := []string{
		"-mode", string(worker.KindExecute),
		"-socket-path", socketPath,
		"-worker-dir-path", dir,
		"-node-version", cfg.NodeVersion,
	}
	if cfg.LogLevel != "" {
		args = append(args, "-log-level", cfg.LogLevel)
	}
	if cfg.Security.CanDoSecureClone {
		args = append(args, "-can-do-secure-clone")
	}
	if cfg.Security.CanEnableSeccomp {
		args = append(args, "-can-enable-seccomp")
	}
	if cfg.Security.CanUnshareUserNamespaceAndChangeRoot {
		args = append(args, "-can-unshare-user-namespace-and-change-root")
	}
	return append(args, cfg.ExtraArgs...)
}

func commandLine(cfg WorkerConfig, args []string) ([]string, error) {
	var argv []string
	if strings.TrimSpace(cfg.LauncherPrefix) != "" {
		prefix, err := shlex.Split(cfg.LauncherPrefix)
		if err != nil {
			return nil, fmt.Errorf("parse launcher prefix: %w", err)
		}
		argv = append(argv, prefix...)
	}
	argv = append(argv, cfg.Program)
	return append(argv, args...), nil
}

// SpawnWorker starts a worker, waits for it to connect and sends the handshake.
func SpawnWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	if cfg.Program == "" {
		return nil, appErr.New(appErr.WorkerSpawnFailed).WithMessage("worker program is not set")
	}
	timeout := cfg.SpawnTimeout
	if timeout <= 0 {
		timeout = defaultSpawnTimeout
	}

	id := uuid.NewString()[:8]
	dir := filepath.Join(cfg.Root, "worker-"+id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "create worker dir: %v", err)
	}
	socketPath := filepath.Join(cfg.Root, "worker-"+id+".sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "listen on %s: %v", socketPath, err)
	}
	defer ln.Close()

	argv, err := commandLine(cfg, workerArgs(cfg, socketPath, dir))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrap(err, appErr.WorkerSpawnFailed)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = worker.AllowedEnv(os.Environ())
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = isolation.SysProcAttr(isolation.StrategyFork)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "start worker: %v", err)
	}
	w := &Worker{id: id, dir: dir, cmd: cmd}
	ctx = context.WithValue(ctx, contextkey.WorkerPID, cmd.Process.Pid)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ln.SetDeadline(deadline); err != nil {
		w.Kill()
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "set accept deadline: %v", err)
	}
	conn, err := ln.AcceptUnix()
	if err != nil {
		w.Kill()
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "worker did not connect: %v", err)
	}
	w.conn = conn

	if err := wire.SendMessage(conn, execute.Handshake{ExecutorParams: cfg.Params}); err != nil {
		w.Kill()
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "send handshake: %v", err)
	}
	logger.Info(ctx, "host: execute worker spawned", zap.String("worker_id", id), zap.String("dir", dir))
	return w, nil
}

// ID names the worker in logs.
func (w *Worker) ID() string {
	return w.id
}

// Alive reports whether the worker can take another request.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// Execute runs one job. A returned error means the worker is gone and produced no result;
// the caller must not retry the job on another worker.
func (w *Worker) Execute(ctx context.Context, job ExecuteJob) (execute.WorkerResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return execute.WorkerResult{}, appErr.New(appErr.WorkerDied).WithMessage("worker is not running")
	}

	if err := installArtifact(job.ArtifactPath, filepath.Join(w.dir, executeworker.ArtifactFileName)); err != nil {
		return execute.WorkerResult{}, appErr.Wrapf(err, appErr.ArtifactWrite, "install artifact: %v", err)
	}

	deadline := time.Now().Add(job.Timeout * wallClockFactor)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetDeadline(deadline); err != nil {
		w.killLocked()
		return execute.WorkerResult{}, appErr.Wrapf(err, appErr.WorkerDied, "set deadline: %v", err)
	}

	req := execute.Request{
		PVD:              job.PVD,
		PoV:              job.PoV,
		ExecutionTimeout: job.Timeout,
		ArtifactChecksum: job.Checksum,
	}
	if err := wire.SendMessage(w.conn, req); err != nil {
		w.killLocked()
		return execute.WorkerResult{}, w.ioError(ctx, "send request", err)
	}
	var res execute.WorkerResult
	if err := wire.RecvMessage(w.conn, "WorkerResult", &res); err != nil {
		w.killLocked()
		return execute.WorkerResult{}, w.ioError(ctx, "recv result", err)
	}
	return res, nil
}

func (w *Worker) ioError(ctx context.Context, op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn(ctx, "host: execute worker exceeded the wall clock bound", zap.String("worker_id", w.id))
		return appErr.Wrapf(ErrHardTimeout, appErr.Timeout, "%s: %v", op, ErrHardTimeout)
	}
	logger.Warn(ctx, "host: execute worker connection failed", zap.String("worker_id", w.id), zap.Error(err))
	return appErr.Wrapf(err, appErr.WorkerDied, "%s: %v", op, err)
}

// Kill stops the worker and its jobs and removes its directory.
func (w *Worker) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killLocked()
}

func (w *Worker) killLocked() {
	if w.dead {
		return
	}
	w.dead = true
	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		isolation.KillProcessGroup(w.cmd.Process.Pid)
		_ = w.cmd.Process.Kill()
		_ = w.cmd.Wait()
	}
	_ = os.RemoveAll(w.dir)
}

// installArtifact places src at dst, hard linking when possible.
func installArtifact(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
