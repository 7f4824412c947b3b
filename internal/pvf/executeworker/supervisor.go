package executeworker

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/worker"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// ExitInfo is the wait status of a job process.
type ExitInfo struct {
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
	Desc     string
}

func exitInfoFromState(state *os.ProcessState) ExitInfo {
	info := ExitInfo{Desc: state.String()}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return info
	}
	switch {
	case status.Exited():
		info.Exited = true
		info.Code = status.ExitStatus()
	case status.Signaled():
		info.Signaled = true
		info.Signal = status.Signal()
	}
	return info
}

// jobOutcome is what the worker knows once a job process is gone.
type jobOutcome struct {
	// Data is everything the job wrote into the result pipe, undecoded.
	Data []byte
	Exit ExitInfo
	// WaitErr is set when waiting for the job failed and Exit carries nothing.
	WaitErr error
	// ReadErr is set when the result pipe could not be read to the end; Data is then partial.
	ReadErr   error
	CPU       time.Duration
	Timeout   time.Duration
	JobPID    int32
	PoVSize   uint32
	OOMKilled bool
}

// decide classifies a finished job. The CPU time measured by the worker is checked first and
// overrides whatever the job reported.
func decide(ctx context.Context, o jobOutcome) execute.WorkerResult {
	if o.CPU >= o.Timeout {
		logger.Warn(ctx, fmt.Sprintf("execute job took %d ms cpu time, exceeded execute timeout %d ms",
			o.CPU.Milliseconds(), o.Timeout.Milliseconds()))
		return execute.WorkerErr(execute.JobTimedOut())
	}
	if o.ReadErr != nil {
		logger.Warn(ctx, "worker: error reading result pipe", zap.Error(o.ReadErr))
		return execute.WorkerErr(execute.InternalError(execute.Kernel(worker.StringifyErrno("read result pipe", o.ReadErr))))
	}
	if o.WaitErr != nil {
		return execute.WorkerErr(execute.InternalError(execute.Kernel(worker.StringifyErrno("waitpid", o.WaitErr))))
	}

	switch {
	case o.Exit.Exited:
		res, err := worker.RecvChildResponse(o.Data)
		if err != nil {
			return execute.WorkerErr(execute.JobDiedError(fmt.Sprintf("error decoding child response: %v", err), o.JobPID))
		}
		if !res.IsOk() {
			if res.Err.Kind == execute.JobErrorKindTimedOut {
				return execute.WorkerErr(execute.JobTimedOut())
			}
			logger.Warn(ctx, "execute job error", zap.Error(res.Err))
			return execute.WorkerErr(execute.JobErrorFromJob(res.Err))
		}
		if o.Exit.Code != 0 {
			return execute.WorkerErr(execute.JobErrorFromJob(execute.UnexpectedExitStatusError(int32(o.Exit.Code))))
		}
		return execute.WorkerOk(execute.WorkerResponse{
			JobResponse: res.Ok,
			Duration:    o.CPU,
			PoVSize:     o.PoVSize,
		})
	case o.Exit.Signaled:
		msg := fmt.Sprintf("received signal: %s", o.Exit.Signal)
		if o.OOMKilled {
			msg += " (oom killed)"
		}
		return execute.WorkerErr(execute.JobDiedError(msg, o.JobPID))
	default:
		return execute.WorkerErr(execute.JobDiedError("unexpected status from wait: "+o.Exit.Desc, o.JobPID))
	}
}
