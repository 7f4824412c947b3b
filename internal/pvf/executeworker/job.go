package executeworker

import (
	"fmt"
	"io"
	"os"
	"time"

	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/executor"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/security"
	"pvfexec/internal/pvf/wire"
	"pvfexec/internal/pvf/worker"
	appErr "pvfexec/pkg/errors"
)

// ResultPipeFD is where a job finds the write end of its result pipe.
const ResultPipeFD = 3

// JobArgs are the worker binary arguments that start a job process.
func JobArgs() []string {
	return []string{"-mode", string(worker.KindJob)}
}

// IsJobInvocation reports whether args (os.Args) start a job process.
func IsJobInvocation(args []string) bool {
	return len(args) > 2 && args[1] == "-mode" && args[2] == string(worker.KindJob)
}

// JobInput is everything a job needs. It arrives on the job's stdin, so the job never opens a
// file of its own. Artifact and Params follow the header as raw frames.
type JobInput struct {
	Artifact         []byte `borsh_skip:"true"`
	ExecutorParams   primitives.ExecutorParams
	Params           []byte `borsh_skip:"true"`
	ExecutionTimeout time.Duration
	WorkerDir        string
	ChangeRoot       bool
	EnableSeccomp    bool
	SeccompProfile   security.Profile
}

func (in JobInput) EncodeBulk() [][]byte {
	return [][]byte{in.Artifact, in.Params}
}

func (in *JobInput) DecodeBulk(next func() ([]byte, error)) error {
	var err error
	if in.Artifact, err = next(); err != nil {
		return err
	}
	in.Params, err = next()
	return err
}

func (in *JobInput) Validate() error {
	if in.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive, got %s", in.ExecutionTimeout)
	}
	return nil
}

// RunJob is the body of a job process. It returns the process exit code: 0 once an Ok result
// was written, 1 otherwise. Nothing is logged; the result pipe is the only channel back.
func RunJob(stdin io.Reader, resultPipe *os.File) int {
	var input JobInput
	if err := wire.RecvMessage(stdin, "JobInput", &input); err != nil {
		return sendJobResult(resultPipe, execute.JobResultErr(execute.KernelJobError("read job input: "+err.Error())))
	}
	if err := security.CloseUnneededFDs(ResultPipeFD); err != nil {
		return sendJobResult(resultPipe, execute.JobResultErr(execute.KernelJobError(err.Error())))
	}
	if input.ChangeRoot {
		if err := security.ChangeRoot(input.WorkerDir); err != nil {
			return sendJobResult(resultPipe, execute.JobResultErr(execute.KernelJobError(err.Error())))
		}
	}
	if input.EnableSeccomp {
		if err := security.InstallSeccomp(input.SeccompProfile); err != nil {
			return sendJobResult(resultPipe, execute.JobResultErr(execute.KernelJobError(err.Error())))
		}
	}
	return sendJobResult(resultPipe, runJobThreads(&input))
}

func sendJobResult(w io.Writer, result execute.JobResult) int {
	if err := worker.SendJobResult(w, result); err != nil {
		return 1
	}
	if !result.IsOk() {
		return 1
	}
	return 0
}

type monitorResult struct {
	elapsed  time.Duration
	timedOut bool
	err      error
}

// runJobThreads races the CPU time monitor against the execution. Whichever finishes first
// decides the result; the other thread is left running until the process exits.
func runJobThreads(input *JobInput) execute.JobResult {
	cpuStart, err := worker.ProcessCPUTime()
	if err != nil {
		return execute.JobResultErr(execute.CPUTimeMonitorThreadError(worker.StringifyErrno("clock_gettime", err)))
	}

	cond := worker.NewCond()
	finished := make(chan struct{})
	monitor := worker.SpawnWorkerThread("cpu time monitor thread", func() monitorResult {
		elapsed, timedOut, err := worker.CPUTimeMonitorLoop(worker.ProcessCPUTime, cpuStart, input.ExecutionTimeout, finished)
		return monitorResult{elapsed: elapsed, timedOut: timedOut, err: err}
	}, cond, worker.TimedOut)
	execution := worker.SpawnWorkerThread("execute thread", func() execute.JobResponse {
		return validateUsingArtifact(input.Artifact, input.ExecutorParams, input.Params)
	}, cond, worker.Finished)

	switch worker.WaitForThreads(cond) {
	case worker.Finished:
		close(finished)
		resp, err := execution.Join()
		if err != nil {
			return execute.JobResultErr(execute.PanicError(panicMessage(err)))
		}
		return execute.JobResultOk(resp)
	default:
		res, err := monitor.Join()
		if err != nil {
			return execute.JobResultErr(execute.PanicError(panicMessage(err)))
		}
		if res.err != nil {
			return execute.JobResultErr(execute.CPUTimeMonitorThreadError(worker.StringifyErrno("clock_gettime", res.err)))
		}
		if !res.timedOut {
			return execute.JobResultErr(execute.CPUTimeMonitorThreadError(fmt.Sprintf("monitor stopped after %s without a timeout", res.elapsed)))
		}
		return execute.JobResultErr(execute.JobTimedOutError())
	}
}

func panicMessage(err error) string {
	if tp, ok := err.(*worker.ThreadPanic); ok {
		return tp.Message
	}
	return err.Error()
}

// validateUsingArtifact runs the candidate and turns every outcome into a verdict.
func validateUsingArtifact(artifact []byte, params primitives.ExecutorParams, encodedParams []byte) execute.JobResponse {
	out, err := executor.ExecuteArtifact(artifact, params, encodedParams)
	if err != nil {
		msg := err.Error()
		switch appErr.GetCode(err) {
		case appErr.RuntimeConstruction:
			return execute.RuntimeConstruction("execute", msg)
		case appErr.InvalidABI:
			return execute.FormatInvalid("execute", msg)
		default:
			return execute.InvalidCandidateWithContext("execute", msg)
		}
	}

	result, err := primitives.DecodeValidationResult(out)
	if err != nil {
		return execute.FormatInvalid("validation result decoding failed", err.Error())
	}
	return execute.JobOk(result)
}
