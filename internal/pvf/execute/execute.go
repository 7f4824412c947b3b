// Package execute defines the messages exchanged between the host and the execute worker and
// between the worker and its job process.
//
// Every union is a borsh complex enum: a leading Kind tag followed by one struct per variant.
// Only the selected variant is encoded, so a decoded value always carries exactly one variant.
package execute

import (
	"fmt"
	"time"

	"pvfexec/internal/pvf/checksum"
	"pvfexec/internal/pvf/primitives"

	"github.com/near/borsh-go"
)

// Handshake is sent once by the host right after the worker connects.
type Handshake struct {
	ExecutorParams primitives.ExecutorParams
}

func (h *Handshake) Validate() error {
	return h.ExecutorParams.CheckConsistency()
}

// Request asks the worker to execute the artifact currently in its worker dir.
type Request struct {
	PVD              primitives.PersistedValidationData
	PoV              primitives.PoV `borsh_skip:"true"`
	ExecutionTimeout time.Duration
	ArtifactChecksum checksum.ArtifactChecksum
}

func (r *Request) Validate() error {
	if r.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive, got %s", r.ExecutionTimeout)
	}
	return nil
}

// Reason carries the human readable payload of a variant.
type Reason struct {
	Reason string
}

type JobResponseOk struct {
	ResultDescriptor primitives.ValidationResult `borsh_skip:"true"`
}

const (
	JobResponseKindOk borsh.Enum = iota
	JobResponseKindInvalidCandidate
	JobResponseKindPoVDecompressionFailure
	JobResponseKindCorruptedArtifact
	JobResponseKindFormatInvalid
	JobResponseKindRuntimeConstruction
)

// JobResponse is the verdict on a candidate. Everything except Ok means the candidate is
// invalid, or that the artifact on disk cannot be trusted.
type JobResponse struct {
	Kind                    borsh.Enum `borsh_enum:"true"`
	Ok                      JobResponseOk
	InvalidCandidate        Reason
	PoVDecompressionFailure struct{}
	CorruptedArtifact       struct{}
	FormatInvalid           Reason
	RuntimeConstruction     Reason
}

func JobOk(result primitives.ValidationResult) JobResponse {
	return JobResponse{Kind: JobResponseKindOk, Ok: JobResponseOk{ResultDescriptor: result}}
}

func InvalidCandidate(reason string) JobResponse {
	return JobResponse{Kind: JobResponseKindInvalidCandidate, InvalidCandidate: Reason{Reason: reason}}
}

func PoVDecompressionFailure() JobResponse {
	return JobResponse{Kind: JobResponseKindPoVDecompressionFailure}
}

func CorruptedArtifact() JobResponse {
	return JobResponse{Kind: JobResponseKindCorruptedArtifact}
}

// FormatInvalid builds a FormatInvalid response reading "ctx: msg", or just ctx when msg is empty.
func FormatInvalid(ctx, msg string) JobResponse {
	return JobResponse{Kind: JobResponseKindFormatInvalid, FormatInvalid: Reason{Reason: withContext(ctx, msg)}}
}

// RuntimeConstruction builds a RuntimeConstruction response reading "ctx: msg".
func RuntimeConstruction(ctx, msg string) JobResponse {
	return JobResponse{Kind: JobResponseKindRuntimeConstruction, RuntimeConstruction: Reason{Reason: withContext(ctx, msg)}}
}

// InvalidCandidateWithContext builds an InvalidCandidate response reading "ctx: msg".
func InvalidCandidateWithContext(ctx, msg string) JobResponse {
	return InvalidCandidate(withContext(ctx, msg))
}

func withContext(ctx, msg string) string {
	if msg == "" {
		return ctx
	}
	return ctx + ": " + msg
}

// IsOk reports whether the candidate passed validation.
func (r JobResponse) IsOk() bool {
	return r.Kind == JobResponseKindOk
}

// Reason returns the explanation carried by a non Ok response.
func (r JobResponse) Reason() string {
	switch r.Kind {
	case JobResponseKindInvalidCandidate:
		return r.InvalidCandidate.Reason
	case JobResponseKindFormatInvalid:
		return r.FormatInvalid.Reason
	case JobResponseKindRuntimeConstruction:
		return r.RuntimeConstruction.Reason
	case JobResponseKindPoVDecompressionFailure:
		return "PoV decompression failure"
	case JobResponseKindCorruptedArtifact:
		return "corrupted artifact"
	default:
		return ""
	}
}

func (r JobResponse) String() string {
	switch r.Kind {
	case JobResponseKindOk:
		return "Ok"
	case JobResponseKindInvalidCandidate:
		return "InvalidCandidate(" + r.InvalidCandidate.Reason + ")"
	case JobResponseKindPoVDecompressionFailure:
		return "PoVDecompressionFailure"
	case JobResponseKindCorruptedArtifact:
		return "CorruptedArtifact"
	case JobResponseKindFormatInvalid:
		return "FormatInvalid(" + r.FormatInvalid.Reason + ")"
	case JobResponseKindRuntimeConstruction:
		return "RuntimeConstruction(" + r.RuntimeConstruction.Reason + ")"
	default:
		return fmt.Sprintf("JobResponse(%d)", r.Kind)
	}
}

// WorkerResponse is what the host receives when the job produced a verdict.
type WorkerResponse struct {
	JobResponse JobResponse
	// Duration is the CPU time of the job as measured by the worker, never by the job itself.
	Duration time.Duration
	PoVSize  uint32
}

const (
	JobErrorKindTimedOut borsh.Enum = iota
	JobErrorKindPanic
	JobErrorKindCouldNotSpawnThread
	JobErrorKindCPUTimeMonitorThread
	JobErrorKindUnexpectedExitStatus
	JobErrorKindKernel
)

type ExitStatus struct {
	Code int32
}

// JobError is an error that happened inside the job process.
type JobError struct {
	Kind                 borsh.Enum `borsh_enum:"true"`
	TimedOut             struct{}
	Panic                Reason
	CouldNotSpawnThread  Reason
	CPUTimeMonitorThread Reason
	UnexpectedExitStatus ExitStatus
	Kernel               Reason
}

func JobTimedOutError() JobError {
	return JobError{Kind: JobErrorKindTimedOut}
}

func PanicError(msg string) JobError {
	return JobError{Kind: JobErrorKindPanic, Panic: Reason{Reason: msg}}
}

func CouldNotSpawnThreadError(msg string) JobError {
	return JobError{Kind: JobErrorKindCouldNotSpawnThread, CouldNotSpawnThread: Reason{Reason: msg}}
}

func CPUTimeMonitorThreadError(msg string) JobError {
	return JobError{Kind: JobErrorKindCPUTimeMonitorThread, CPUTimeMonitorThread: Reason{Reason: msg}}
}

func UnexpectedExitStatusError(code int32) JobError {
	return JobError{Kind: JobErrorKindUnexpectedExitStatus, UnexpectedExitStatus: ExitStatus{Code: code}}
}

// KernelJobError reports a failed system call made by the job, such as closing fds.
func KernelJobError(msg string) JobError {
	return JobError{Kind: JobErrorKindKernel, Kernel: Reason{Reason: msg}}
}

func (e JobError) Error() string {
	switch e.Kind {
	case JobErrorKindTimedOut:
		return "the job timed out"
	case JobErrorKindPanic:
		return "the job panicked: " + e.Panic.Reason
	case JobErrorKindCouldNotSpawnThread:
		return "could not spawn thread: " + e.CouldNotSpawnThread.Reason
	case JobErrorKindCPUTimeMonitorThread:
		return "error on cpu time monitor thread: " + e.CPUTimeMonitorThread.Reason
	case JobErrorKindUnexpectedExitStatus:
		return fmt.Sprintf("unexpected exit status: %d", e.UnexpectedExitStatus.Code)
	case JobErrorKindKernel:
		return "kernel error in job: " + e.Kernel.Reason
	default:
		return fmt.Sprintf("JobError(%d)", e.Kind)
	}
}

const (
	JobResultKindOk borsh.Enum = iota
	JobResultKindErr
)

// JobResult is written by the job process into the result pipe.
type JobResult struct {
	Kind borsh.Enum `borsh_enum:"true"`
	Ok   JobResponse
	Err  JobError
}

func JobResultOk(resp JobResponse) JobResult {
	return JobResult{Kind: JobResultKindOk, Ok: resp}
}

func JobResultErr(err JobError) JobResult {
	return JobResult{Kind: JobResultKindErr, Err: err}
}

func (r JobResult) IsOk() bool {
	return r.Kind == JobResultKindOk
}
