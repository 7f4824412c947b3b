package executeworker

import (
	"context"
	"flag"
	"fmt"
	"os"

	"pvfexec/internal/pvf/isolation"
	"pvfexec/internal/pvf/security"
	"pvfexec/internal/pvf/version"
	"pvfexec/internal/pvf/worker"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// Main is the worker binary's entrypoint. args is os.Args.
func Main(args []string) int {
	// A job must not parse flags, log or look at its environment before reading its input.
	if IsJobInvocation(args) {
		return RunJob(os.Stdin, os.NewFile(ResultPipeFD, "result-pipe"))
	}
	if len(args) == 0 {
		return 2
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	mode := fs.String("mode", string(worker.KindExecute), "Worker mode: execute or one of the check modes")
	socketPath := fs.String("socket-path", "", "Path of the host's Unix socket")
	workerDir := fs.String("worker-dir-path", "", "Directory holding the artifact")
	nodeVersion := fs.String("node-version", "", "Version of the host that spawned this worker")
	canSecureClone := fs.Bool("can-do-secure-clone", false, "Start jobs in fresh namespaces")
	canSeccomp := fs.Bool("can-enable-seccomp", false, "Install a seccomp filter in jobs")
	canChangeRoot := fs.Bool("can-unshare-user-namespace-and-change-root", false, "Change the root of jobs to the worker dir")
	seccompProfile := fs.String("seccomp-profile", "", "Seccomp profile in JSON, default blocks networking")
	cgroupRoot := fs.String("cgroup-root", "", "cgroup v2 directory for per-job limits, empty disables them")
	cgroupMemory := fs.Int64("cgroup-memory-bytes", 0, "memory.max of each job cgroup")
	cgroupPIDs := fs.Int64("cgroup-pids", 0, "pids.max of each job cgroup")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	kind := worker.Kind(*mode)
	switch kind {
	case worker.KindCheckSecureClone, worker.KindCheckChangeRoot, worker.KindCheckSeccomp:
		if err := security.RunCheck(kind, *workerDir); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
			return 1
		}
		return 0
	case worker.KindExecute:
	default:
		fmt.Fprintf(os.Stderr, "unknown worker mode %q\n", *mode)
		return 2
	}

	if err := logger.Init(logger.Config{Level: *logLevel, Format: "json", OutputPath: "stderr", ErrorPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()
	profile, err := security.LoadProfile(*seccompProfile)
	if err != nil {
		logger.Error(ctx, "load seccomp profile failed", zap.Error(err))
		return 1
	}
	exe, err := os.Executable()
	if err != nil {
		logger.Error(ctx, "resolve worker binary failed", zap.Error(err))
		return 1
	}

	status := worker.SecurityStatus{
		CanEnableSeccomp:                     *canSeccomp,
		CanUnshareUserNamespaceAndChangeRoot: *canChangeRoot,
		CanDoSecureClone:                     *canSecureClone,
	}
	spawner := isolation.Select(status, isolation.CgroupConfig{
		Enabled:     *cgroupRoot != "",
		Root:        *cgroupRoot,
		PIDs:        *cgroupPIDs,
		MemoryBytes: *cgroupMemory,
	})
	w := New(Config{
		Spawner:        spawner,
		JobPath:        exe,
		SeccompProfile: profile,
	})

	err = worker.RunWorker(ctx, worker.Options{
		Kind:          worker.KindExecute,
		SocketPath:    *socketPath,
		WorkerDir:     *workerDir,
		NodeVersion:   *nodeVersion,
		WorkerVersion: version.Version,
		Security:      status,
	}, w.Loop)
	if err != nil {
		logger.Error(ctx, "execute worker stopped", zap.Error(err))
		return 1
	}
	return 0
}
