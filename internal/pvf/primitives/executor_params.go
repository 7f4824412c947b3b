package primitives

import (
	"fmt"
	"time"

	appErr "pvfexec/pkg/errors"

	"github.com/near/borsh-go"
	"golang.org/x/crypto/blake2b"
)

// ExecutorParamKind identifies one executor parameter.
type ExecutorParamKind uint8

const (
	ParamMaxMemoryPages ExecutorParamKind = iota + 1
	ParamStackLogicalMax
	ParamStackNativeMax
	ParamPrecheckingMaxMemory
	ParamPvfPrepTimeout
	ParamPvfExecTimeout
	ParamWasmExtBulkMemory
)

func (k ExecutorParamKind) String() string {
	switch k {
	case ParamMaxMemoryPages:
		return "MaxMemoryPages"
	case ParamStackLogicalMax:
		return "StackLogicalMax"
	case ParamStackNativeMax:
		return "StackNativeMax"
	case ParamPrecheckingMaxMemory:
		return "PrecheckingMaxMemory"
	case ParamPvfPrepTimeout:
		return "PvfPrepTimeout"
	case ParamPvfExecTimeout:
		return "PvfExecTimeout"
	case ParamWasmExtBulkMemory:
		return "WasmExtBulkMemory"
	default:
		return fmt.Sprintf("ExecutorParamKind(%d)", uint8(k))
	}
}

// PvfPrepKind selects which preparation timeout applies.
type PvfPrepKind uint8

const (
	PrepKindPrecheck PvfPrepKind = iota
	PrepKindPrepare
)

// PvfExecKind selects which execution timeout applies.
type PvfExecKind uint8

const (
	ExecKindBacking PvfExecKind = iota
	ExecKindApproval
)

func (k PvfExecKind) String() string {
	if k == ExecKindApproval {
		return "approval"
	}
	return "backing"
}

const (
	DefaultPrecheckPreparationTimeout = 60 * time.Second
	DefaultLenientPreparationTimeout  = 360 * time.Second
	DefaultBackingExecutionTimeout    = 2 * time.Second
	DefaultApprovalExecutionTimeout   = 12 * time.Second
)

const (
	maxMemoryPagesLimit       = 65536
	stackLogicalMaxLimit      = 128 * 1024 * 1024
	stackNativeMaxLimit       = 1024 * 1024 * 1024
	precheckingMaxMemoryLimit = 16 * 1024 * 1024 * 1024
	timeoutLimitMs            = 10 * 60 * 1000
)

// ExecutorParam is one entry of ExecutorParams. Sub carries the timeout kind for
// PvfPrepTimeout and PvfExecTimeout and is zero otherwise.
type ExecutorParam struct {
	Kind  ExecutorParamKind
	Sub   uint8
	Value uint64
}

func (p ExecutorParam) String() string {
	switch p.Kind {
	case ParamPvfPrepTimeout, ParamPvfExecTimeout:
		return fmt.Sprintf("%s(%d, %dms)", p.Kind, p.Sub, p.Value)
	case ParamWasmExtBulkMemory:
		return p.Kind.String()
	default:
		return fmt.Sprintf("%s(%d)", p.Kind, p.Value)
	}
}

func MaxMemoryPages(pages uint32) ExecutorParam {
	return ExecutorParam{Kind: ParamMaxMemoryPages, Value: uint64(pages)}
}

func StackLogicalMax(units uint32) ExecutorParam {
	return ExecutorParam{Kind: ParamStackLogicalMax, Value: uint64(units)}
}

func StackNativeMax(bytes uint32) ExecutorParam {
	return ExecutorParam{Kind: ParamStackNativeMax, Value: uint64(bytes)}
}

func PrecheckingMaxMemory(bytes uint64) ExecutorParam {
	return ExecutorParam{Kind: ParamPrecheckingMaxMemory, Value: bytes}
}

func PvfPrepTimeout(kind PvfPrepKind, timeout time.Duration) ExecutorParam {
	return ExecutorParam{Kind: ParamPvfPrepTimeout, Sub: uint8(kind), Value: uint64(timeout.Milliseconds())}
}

func PvfExecTimeout(kind PvfExecKind, timeout time.Duration) ExecutorParam {
	return ExecutorParam{Kind: ParamPvfExecTimeout, Sub: uint8(kind), Value: uint64(timeout.Milliseconds())}
}

func WasmExtBulkMemory() ExecutorParam {
	return ExecutorParam{Kind: ParamWasmExtBulkMemory}
}

// ExecutorParams is the ordered set of parameters that configure compilation and execution
// of a PVF for one session.
type ExecutorParams []ExecutorParam

// ExecutorParamsHash identifies a full parameter set.
type ExecutorParamsHash Hash

func (h ExecutorParamsHash) String() string { return Hash(h).String() }

// ExecutorParamsPrepHash identifies only the parameters that affect the prepared artifact.
type ExecutorParamsPrepHash Hash

func (h ExecutorParamsPrepHash) String() string { return Hash(h).String() }

// Hash returns the blake2b-256 of the encoded set.
func (ps ExecutorParams) Hash() ExecutorParamsHash {
	return ExecutorParamsHash(blake2b.Sum256(ps.encode()))
}

// PrepHash returns a digest that changes only when a parameter that influences compilation
// changes. Two sets that differ only in timeouts or memory limits share a prepared artifact.
func (ps ExecutorParams) PrepHash() ExecutorParamsPrepHash {
	var kept ExecutorParams
	for _, p := range ps {
		switch p.Kind {
		case ParamStackLogicalMax, ParamStackNativeMax, ParamWasmExtBulkMemory:
			kept = append(kept, p)
		}
	}
	data := append([]byte("prep"), kept.encode()...)
	return ExecutorParamsPrepHash(blake2b.Sum256(data))
}

func (ps ExecutorParams) encode() []byte {
	if ps == nil {
		ps = ExecutorParams{}
	}
	data, err := borsh.Serialize(ps)
	if err != nil {
		// Only fixed-width fields; serialization cannot fail.
		panic(fmt.Sprintf("encode executor params: %v", err))
	}
	return data
}

func (ps ExecutorParams) lookup(kind ExecutorParamKind, sub uint8) (uint64, bool) {
	for _, p := range ps {
		if p.Kind == kind && p.Sub == sub {
			return p.Value, true
		}
	}
	return 0, false
}

// Has reports whether a parameter of the given kind is present.
func (ps ExecutorParams) Has(kind ExecutorParamKind) bool {
	for _, p := range ps {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

func (ps ExecutorParams) MaxMemoryPages() (uint32, bool) {
	v, ok := ps.lookup(ParamMaxMemoryPages, 0)
	return uint32(v), ok
}

func (ps ExecutorParams) StackLogicalMax() (uint32, bool) {
	v, ok := ps.lookup(ParamStackLogicalMax, 0)
	return uint32(v), ok
}

func (ps ExecutorParams) StackNativeMax() (uint32, bool) {
	v, ok := ps.lookup(ParamStackNativeMax, 0)
	return uint32(v), ok
}

func (ps ExecutorParams) PrecheckingMaxMemory() (uint64, bool) {
	return ps.lookup(ParamPrecheckingMaxMemory, 0)
}

// PvfPrepTimeout returns the preparation timeout for kind, falling back to the default.
func (ps ExecutorParams) PvfPrepTimeout(kind PvfPrepKind) time.Duration {
	if v, ok := ps.lookup(ParamPvfPrepTimeout, uint8(kind)); ok {
		return time.Duration(v) * time.Millisecond
	}
	if kind == PrepKindPrecheck {
		return DefaultPrecheckPreparationTimeout
	}
	return DefaultLenientPreparationTimeout
}

// PvfExecTimeout returns the execution timeout for kind, falling back to the default.
func (ps ExecutorParams) PvfExecTimeout(kind PvfExecKind) time.Duration {
	if v, ok := ps.lookup(ParamPvfExecTimeout, uint8(kind)); ok {
		return time.Duration(v) * time.Millisecond
	}
	if kind == ExecKindApproval {
		return DefaultApprovalExecutionTimeout
	}
	return DefaultBackingExecutionTimeout
}

// CheckConsistency rejects duplicate entries, unknown kinds and out of range values.
func (ps ExecutorParams) CheckConsistency() error {
	type key struct {
		kind ExecutorParamKind
		sub  uint8
	}
	seen := make(map[key]struct{}, len(ps))
	for _, p := range ps {
		k := key{kind: p.Kind, sub: p.Sub}
		if _, dup := seen[k]; dup {
			return appErr.Newf(appErr.ParamsDuplicate, "duplicate executor parameter %s", p.Kind)
		}
		seen[k] = struct{}{}

		switch p.Kind {
		case ParamMaxMemoryPages:
			if err := checkRange(p, 1, maxMemoryPagesLimit); err != nil {
				return err
			}
		case ParamStackLogicalMax:
			if err := checkRange(p, 1, stackLogicalMaxLimit); err != nil {
				return err
			}
		case ParamStackNativeMax:
			if err := checkRange(p, 1, stackNativeMaxLimit); err != nil {
				return err
			}
		case ParamPrecheckingMaxMemory:
			if err := checkRange(p, 1, precheckingMaxMemoryLimit); err != nil {
				return err
			}
		case ParamPvfPrepTimeout:
			if p.Sub > uint8(PrepKindPrepare) {
				return appErr.Newf(appErr.UnknownVariant, "unknown preparation timeout kind %d", p.Sub)
			}
			if err := checkRange(p, 1, timeoutLimitMs); err != nil {
				return err
			}
		case ParamPvfExecTimeout:
			if p.Sub > uint8(ExecKindApproval) {
				return appErr.Newf(appErr.UnknownVariant, "unknown execution timeout kind %d", p.Sub)
			}
			if err := checkRange(p, 1, timeoutLimitMs); err != nil {
				return err
			}
		case ParamWasmExtBulkMemory:
		default:
			return appErr.Newf(appErr.UnknownVariant, "unknown executor parameter kind %d", uint8(p.Kind))
		}
		if p.Sub != 0 && p.Kind != ParamPvfPrepTimeout && p.Kind != ParamPvfExecTimeout {
			return appErr.Newf(appErr.InvalidValue, "executor parameter %s does not take a sub kind", p.Kind)
		}
	}
	return nil
}

func checkRange(p ExecutorParam, lo, hi uint64) error {
	if p.Value < lo || p.Value > hi {
		return appErr.Newf(appErr.InvalidValue, "executor parameter %s out of range [%d, %d]", p, lo, hi)
	}
	return nil
}

// Validate lets wire.Decode reject malformed parameter sets.
func (ps *ExecutorParams) Validate() error {
	return ps.CheckConsistency()
}
