// Package validation turns a candidate into a verdict: it fetches or prepares the artifact,
// runs one execution on the worker pool and interprets the result.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pvfexec/internal/pvf/artifacts"
	"pvfexec/internal/pvf/execute"
	"pvfexec/internal/pvf/host"
	"pvfexec/internal/pvf/observer"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/pvf"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/contextkey"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
)

// VerdictKind is the decision on a candidate.
type VerdictKind int

const (
	// Valid means the candidate executed and produced a result.
	Valid VerdictKind = iota
	// Invalid means the candidate is provably bad.
	Invalid
	// Abstain means no trustworthy decision could be reached.
	Abstain
)

func (k VerdictKind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Abstain:
		return "abstain"
	default:
		return fmt.Sprintf("VerdictKind(%d)", int(k))
	}
}

// Verdict is the outcome of one validation.
type Verdict struct {
	Kind   VerdictKind
	Result *primitives.ValidationResult
	Reason string
	// CPUTime and PoVSize are set when a job ran to completion.
	CPUTime time.Duration
	PoVSize uint32
}

// Executor runs one job on some worker.
type Executor interface {
	Execute(ctx context.Context, job host.ExecuteJob) (execute.WorkerResult, error)
}

// ArtifactStore provides prepared artifacts.
type ArtifactStore interface {
	Get(ctx context.Context, p pvf.PrepData) (artifacts.Artifact, error)
	Precheck(ctx context.Context, p pvf.PrepData) error
	Remove(id artifacts.ArtifactID)
}

// Validator validates candidates. A failed attempt is reported as is and never retried.
type Validator struct {
	store    ArtifactStore
	exec     Executor
	recorder observer.Recorder
}

func NewValidator(store ArtifactStore, exec Executor, recorder observer.Recorder) *Validator {
	if recorder == nil {
		recorder = observer.Noop{}
	}
	return &Validator{store: store, exec: exec, recorder: recorder}
}

// Validate executes the candidate described by pvd and pov against p. The execution timeout
// comes from the executor params of p for the given kind.
func (v *Validator) Validate(ctx context.Context, p pvf.PrepData, pvd primitives.PersistedValidationData, pov primitives.PoV, kind primitives.PvfExecKind) (Verdict, error) {
	if pvd.MaxPoVSize > 0 && uint64(len(pov.BlockData)) > uint64(pvd.MaxPoVSize) {
		verdict := Verdict{Kind: Invalid, Reason: fmt.Sprintf("PoV size %d exceeds the limit of %d", len(pov.BlockData), pvd.MaxPoVSize)}
		v.recorder.ObserveExecution(kind.String(), observer.OutcomeInvalid, 0)
		return verdict, nil
	}

	id := artifacts.IDFor(p)
	ctx = context.WithValue(ctx, contextkey.ArtifactID, id.String())
	artifact, err := v.store.Get(ctx, p)
	if err != nil {
		return v.preparationVerdict(ctx, kind, err)
	}

	job := host.ExecuteJob{
		Params:       p.ExecutorParams(),
		ArtifactPath: artifact.Path,
		Checksum:     artifact.Checksum,
		PVD:          pvd,
		PoV:          pov,
		Timeout:      p.ExecutorParams().PvfExecTimeout(kind),
	}
	res, err := v.exec.Execute(ctx, job)
	if err != nil {
		return v.executorVerdict(ctx, kind, err)
	}

	verdict := Interpret(res)
	if resp, _ := res.Unpack(); resp != nil && resp.JobResponse.Kind == execute.JobResponseKindCorruptedArtifact {
		logger.Warn(ctx, "validation: artifact corrupted on disk, dropping it")
		v.store.Remove(id)
	}
	v.recorder.ObserveExecution(kind.String(), outcomeOf(res, verdict), verdict.CPUTime)
	if verdict.Kind != Abstain && verdict.PoVSize > 0 {
		v.recorder.ObservePoVSize(verdict.PoVSize)
	}
	logger.Debug(ctx, "validation: verdict",
		zap.String("verdict", verdict.Kind.String()),
		zap.String("reason", verdict.Reason),
		zap.Duration("cpu_time", verdict.CPUTime),
	)
	return verdict, nil
}

// Precheck reports whether p compiles within its precheck timeout.
func (v *Validator) Precheck(ctx context.Context, p pvf.PrepData) error {
	return v.store.Precheck(ctx, p)
}

// Interpret maps a worker result onto a verdict. Only outcomes that say something about the
// candidate itself produce Valid or Invalid. Every worker error, a timeout included, abstains.
func Interpret(res execute.WorkerResult) Verdict {
	resp, werr := res.Unpack()
	if werr != nil {
		return Verdict{Kind: Abstain, Reason: werr.Error()}
	}

	v := Verdict{CPUTime: resp.Duration, PoVSize: resp.PoVSize, Reason: resp.JobResponse.Reason()}
	switch resp.JobResponse.Kind {
	case execute.JobResponseKindOk:
		result := resp.JobResponse.Ok.ResultDescriptor
		v.Kind = Valid
		v.Result = &result
	case execute.JobResponseKindInvalidCandidate,
		execute.JobResponseKindFormatInvalid,
		execute.JobResponseKindPoVDecompressionFailure:
		v.Kind = Invalid
	default:
		// CorruptedArtifact and RuntimeConstruction travel as candidate verdicts but point at the
		// local artifact, so they abstain instead of voting against the candidate.
		v.Kind = Abstain
	}
	return v
}

func (v *Validator) preparationVerdict(ctx context.Context, kind primitives.PvfExecKind, err error) (Verdict, error) {
	switch {
	case appErr.Is(err, appErr.PrepareFailed), appErr.Is(err, appErr.PrepareTimeout):
		v.recorder.ObserveExecution(kind.String(), observer.OutcomeInvalid, 0)
		return Verdict{Kind: Invalid, Reason: "preparation: " + err.Error()}, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Verdict{}, err
	default:
		logger.Error(ctx, "validation: artifact unavailable", zap.Error(err))
		v.recorder.ObserveExecution(kind.String(), observer.OutcomeInternal, 0)
		return Verdict{Kind: Abstain, Reason: "artifact unavailable: " + err.Error()}, nil
	}
}

func (v *Validator) executorVerdict(ctx context.Context, kind primitives.PvfExecKind, err error) (Verdict, error) {
	switch {
	case errors.Is(err, host.ErrHardTimeout):
		v.recorder.ObserveExecution(kind.String(), observer.OutcomeTimedOut, 0)
		return Verdict{Kind: Abstain, Reason: "execution did not finish within the wall clock bound"}, nil
	case errors.Is(err, context.Canceled):
		return Verdict{}, err
	case appErr.Is(err, appErr.PoolExhausted), appErr.Is(err, appErr.PoolClosed):
		return Verdict{}, err
	default:
		logger.Warn(ctx, "validation: worker failed", zap.Error(err))
		v.recorder.ObserveExecution(kind.String(), observer.OutcomeDied, 0)
		return Verdict{Kind: Abstain, Reason: "worker died: " + err.Error()}, nil
	}
}

func outcomeOf(res execute.WorkerResult, verdict Verdict) string {
	_, werr := res.Unpack()
	switch {
	case werr != nil && werr.Kind == execute.WorkerErrorKindJobTimedOut:
		return observer.OutcomeTimedOut
	case werr != nil && werr.Kind == execute.WorkerErrorKindJobDied:
		return observer.OutcomeDied
	case verdict.Kind == Valid:
		return observer.OutcomeValid
	case verdict.Kind == Invalid:
		return observer.OutcomeInvalid
	default:
		return observer.OutcomeInternal
	}
}
