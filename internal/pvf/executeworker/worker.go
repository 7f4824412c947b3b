// Package executeworker is the execute worker: it serves execute requests from the host, one
// at a time, each in a fresh job process.
package executeworker

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"pvfexec/internal/pvf/blob"
	"pvfexec/internal/pvf/checksum"
	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/executor"
	"pvfexec/internal/pvf/isolation"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/security"
	"pvfexec/internal/pvf/wire"
	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/contextkey"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// ArtifactFileName is the artifact's name inside the worker dir.
const ArtifactFileName = "artifact"

// resultReadLimit bounds how much of the result pipe is kept; the rest is drained. A result is
// a small header frame followed by the encoded validation result.
const resultReadLimit = 2 * (wire.MaxFrameSize + wire.HeaderSize)

// Config configures an execute worker.
type Config struct {
	Spawner isolation.Spawner
	// JobPath and JobArgs start a job process. Usually the worker binary itself.
	JobPath        string
	JobArgs        []string
	SeccompProfile security.Profile
}

type Worker struct {
	cfg Config
}

func New(cfg Config) *Worker {
	if cfg.JobArgs == nil {
		cfg.JobArgs = JobArgs()
	}
	return &Worker{cfg: cfg}
}

// Loop is a worker.EventLoop.
func (w *Worker) Loop(ctx context.Context, stream *net.UnixConn, info worker.Info, status worker.SecurityStatus) error {
	return w.serve(ctx, stream, info, status)
}

func (w *Worker) serve(ctx context.Context, stream io.ReadWriter, info worker.Info, status worker.SecurityStatus) error {
	var hs execute.Handshake
	if err := wire.RecvMessage(stream, "Handshake", &hs); err != nil {
		return appErr.Wrapf(err, appErr.HostCommunication, "recv handshake: %v", err)
	}
	params := hs.ExecutorParams
	if err := security.SetStackLimit(executor.MaxStackSize(params)); err != nil {
		logger.Warn(ctx, "worker: cannot raise stack limit for jobs", zap.Error(err))
	}

	for {
		var req execute.Request
		if err := wire.RecvMessage(stream, "ExecuteRequest", &req); err != nil {
			if wire.IsEndOfStream(err) {
				return appErr.Wrapf(err, appErr.HostCommunication, "host closed the connection")
			}
			_ = worker.SendResult(stream, execute.WorkerErr(execute.InternalError(execute.HostCommunication(err.Error()))))
			return appErr.Wrapf(err, appErr.HostCommunication, "recv execute request: %v", err)
		}

		result, fatal := w.handleRequest(ctx, info, status, params, &req)
		if err := worker.SendResult(stream, result); err != nil {
			return appErr.Wrapf(err, appErr.HostCommunication, "send result: %v", err)
		}
		if fatal != nil {
			return fatal
		}
	}
}

// handleRequest runs one request. The error is set when the worker cannot go on; the result
// still goes to the host first.
func (w *Worker) handleRequest(ctx context.Context, info worker.Info, status worker.SecurityStatus,
	params primitives.ExecutorParams, req *execute.Request) (execute.WorkerResult, error) {
	artifactPath := filepath.Join(info.WorkerDir, ArtifactFileName)
	logger.Debug(ctx, "worker: validating artifact", zap.String("artifact", artifactPath))

	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		ie := execute.CouldNotOpenFile(err.Error())
		return execute.WorkerErr(execute.InternalError(ie)), appErr.Wrapf(err, appErr.ArtifactNotFound, "%v", ie)
	}
	if got := checksum.Compute(artifact); got != req.ArtifactChecksum {
		logger.Warn(ctx, "worker: artifact checksum mismatch",
			zap.Stringer("expected", req.ArtifactChecksum),
			zap.Stringer("actual", got),
		)
		return execute.WorkerOk(execute.WorkerResponse{JobResponse: execute.CorruptedArtifact()}), nil
	}

	pov, err := blob.Decompress(req.PoV.BlockData, primitives.PoVBombLimit)
	if err != nil {
		logger.Debug(ctx, "worker: PoV decompression failed", zap.Error(err))
		return execute.WorkerOk(execute.WorkerResponse{JobResponse: execute.PoVDecompressionFailure()}), nil
	}
	input := JobInput{
		Artifact:         artifact,
		ExecutorParams:   params,
		Params:           primitives.EncodeValidationParams(primitives.NewValidationParams(req.PVD, pov)),
		ExecutionTimeout: req.ExecutionTimeout,
		WorkerDir:        info.WorkerDir,
		ChangeRoot:       status.CanUnshareUserNamespaceAndChangeRoot && w.cfg.Spawner.Strategy() == isolation.StrategyClone,
		EnableSeccomp:    status.CanEnableSeccomp,
		SeccompProfile:   w.cfg.SeccompProfile,
	}
	return w.runJob(ctx, &input, uint32(len(pov)))
}

func (w *Worker) runJob(ctx context.Context, input *JobInput, povSize uint32) (execute.WorkerResult, error) {
	pipeR, pipeW, err := worker.Pipe2Cloexec()
	if err != nil {
		ie := execute.CouldNotCreatePipe(worker.StringifyErrno("pipe2", err))
		return execute.WorkerErr(execute.InternalError(ie)), appErr.Wrapf(err, appErr.KernelCallFailed, "%v", ie)
	}
	defer pipeR.Close()

	usageBefore, err := worker.ChildrenUsage()
	if err != nil {
		pipeW.Close()
		ie := execute.Kernel(worker.StringifyErrno("getrusage before", err))
		return execute.WorkerErr(execute.InternalError(ie)), appErr.Wrapf(err, appErr.KernelCallFailed, "%v", ie)
	}

	stdin := framedInputPipe(input)
	defer stdin.Close()

	job, err := w.cfg.Spawner.Spawn(isolation.JobSpec{
		Path:       w.cfg.JobPath,
		Args:       w.cfg.JobArgs,
		Env:        worker.AllowedEnv(os.Environ()),
		Stdin:      stdin,
		ExtraFiles: []*os.File{pipeW},
	})
	if err != nil {
		pipeW.Close()
		logger.Error(ctx, "worker: cannot spawn job", zap.Error(err))
		return execute.WorkerErr(execute.InternalError(execute.Kernel(worker.StringifyErrno(string(w.cfg.Spawner.Strategy()), err)))), nil
	}
	defer job.Release()

	pid := job.Pid()
	ctx = context.WithValue(ctx, contextkey.JobPID, pid)
	// Only the job may hold the write end, otherwise the read below never sees EOF.
	pipeW.Close()

	data, readErr := io.ReadAll(io.LimitReader(pipeR, resultReadLimit))
	if readErr == nil {
		_, _ = io.Copy(io.Discard, pipeR)
	}
	waitErr := job.Cmd.Wait()

	usageAfter, err := worker.ChildrenUsage()
	if err != nil {
		ie := execute.Kernel(worker.StringifyErrno("getrusage after", err))
		return execute.WorkerErr(execute.InternalError(ie)), appErr.Wrapf(err, appErr.KernelCallFailed, "%v", ie)
	}

	outcome := jobOutcome{
		Data:      data,
		CPU:       worker.CPUDelta(&usageBefore, &usageAfter),
		Timeout:   input.ExecutionTimeout,
		JobPID:    int32(pid),
		PoVSize:   povSize,
		OOMKilled: job.OOMKilled(),
		ReadErr:   readErr,
	}
	if job.Cmd.ProcessState == nil {
		outcome.WaitErr = waitErr
	} else {
		outcome.Exit = exitInfoFromState(job.Cmd.ProcessState)
	}
	result := decide(ctx, outcome)
	logger.Debug(ctx, "worker: job finished",
		zap.Stringer("result", result),
		zap.Duration("cpu", outcome.CPU),
	)
	return result, nil
}

// framedInputPipe streams the encoded input as one frame. Closing the reader stops the writer
// if the job never consumed it.
func framedInputPipe(input *JobInput) io.ReadCloser {
	reader, writer := io.Pipe()
	go func() {
		err := wire.SendMessage(writer, *input)
		_ = writer.CloseWithError(err)
	}()
	return reader
}
