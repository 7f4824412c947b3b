package execute

import (
	"fmt"

	"github.com/near/borsh-go"
)

const (
	InternalKindHostCommunication borsh.Enum = iota
	InternalKindCouldNotOpenFile
	InternalKindCouldNotCreatePipe
	InternalKindKernel
)

// InternalValidationError is a failure of the worker's own plumbing. It never says anything
// about the candidate.
type InternalValidationError struct {
	Kind               borsh.Enum `borsh_enum:"true"`
	HostCommunication  Reason
	CouldNotOpenFile   Reason
	CouldNotCreatePipe Reason
	Kernel             Reason
}

func HostCommunication(msg string) InternalValidationError {
	return InternalValidationError{Kind: InternalKindHostCommunication, HostCommunication: Reason{Reason: msg}}
}

func CouldNotOpenFile(msg string) InternalValidationError {
	return InternalValidationError{Kind: InternalKindCouldNotOpenFile, CouldNotOpenFile: Reason{Reason: msg}}
}

func CouldNotCreatePipe(msg string) InternalValidationError {
	return InternalValidationError{Kind: InternalKindCouldNotCreatePipe, CouldNotCreatePipe: Reason{Reason: msg}}
}

func Kernel(msg string) InternalValidationError {
	return InternalValidationError{Kind: InternalKindKernel, Kernel: Reason{Reason: msg}}
}

func (e InternalValidationError) Error() string {
	switch e.Kind {
	case InternalKindHostCommunication:
		return "host communication: " + e.HostCommunication.Reason
	case InternalKindCouldNotOpenFile:
		return "could not open file: " + e.CouldNotOpenFile.Reason
	case InternalKindCouldNotCreatePipe:
		return "could not create pipe: " + e.CouldNotCreatePipe.Reason
	case InternalKindKernel:
		return "kernel error: " + e.Kernel.Reason
	default:
		return fmt.Sprintf("InternalValidationError(%d)", e.Kind)
	}
}

const (
	WorkerErrorKindInternal borsh.Enum = iota
	WorkerErrorKindJobError
	WorkerErrorKindJobTimedOut
	WorkerErrorKindJobDied
)

type JobDied struct {
	Err    string
	JobPID int32
}

// WorkerError reports that no trustworthy verdict was produced. Callers abstain.
type WorkerError struct {
	Kind        borsh.Enum `borsh_enum:"true"`
	Internal    InternalValidationError
	JobError    JobError
	JobTimedOut struct{}
	JobDied     JobDied
}

func InternalError(err InternalValidationError) WorkerError {
	return WorkerError{Kind: WorkerErrorKindInternal, Internal: err}
}

func JobErrorFromJob(err JobError) WorkerError {
	return WorkerError{Kind: WorkerErrorKindJobError, JobError: err}
}

func JobTimedOut() WorkerError {
	return WorkerError{Kind: WorkerErrorKindJobTimedOut}
}

func JobDiedError(msg string, pid int32) WorkerError {
	return WorkerError{Kind: WorkerErrorKindJobDied, JobDied: JobDied{Err: msg, JobPID: pid}}
}

func (e WorkerError) Error() string {
	switch e.Kind {
	case WorkerErrorKindInternal:
		return "internal error: " + e.Internal.Error()
	case WorkerErrorKindJobError:
		return "job error: " + e.JobError.Error()
	case WorkerErrorKindJobTimedOut:
		return "job timed out"
	case WorkerErrorKindJobDied:
		return fmt.Sprintf("job died (pid %d): %s", e.JobDied.JobPID, e.JobDied.Err)
	default:
		return fmt.Sprintf("WorkerError(%d)", e.Kind)
	}
}

const (
	WorkerResultKindOk borsh.Enum = iota
	WorkerResultKindErr
)

// WorkerResult is the worker's answer to one Request.
type WorkerResult struct {
	Kind borsh.Enum `borsh_enum:"true"`
	Ok   WorkerResponse
	Err  WorkerError
}

func WorkerOk(resp WorkerResponse) WorkerResult {
	return WorkerResult{Kind: WorkerResultKindOk, Ok: resp}
}

func WorkerErr(err WorkerError) WorkerResult {
	return WorkerResult{Kind: WorkerResultKindErr, Err: err}
}

func (r WorkerResult) IsOk() bool {
	return r.Kind == WorkerResultKindOk
}

// Unpack splits the result into its two channels. Exactly one of the returns is non-nil.
func (r WorkerResult) Unpack() (*WorkerResponse, *WorkerError) {
	if r.IsOk() {
		resp := r.Ok
		return &resp, nil
	}
	werr := r.Err
	return nil, &werr
}

func (r WorkerResult) String() string {
	if r.IsOk() {
		return fmt.Sprintf("Ok(%s, cpu %s, pov %d)", r.Ok.JobResponse, r.Ok.Duration, r.Ok.PoVSize)
	}
	return "Err(" + r.Err.Error() + ")"
}
