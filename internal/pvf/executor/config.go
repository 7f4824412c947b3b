// Package executor compiles validation code into artifacts and runs them with wasmtime.
package executor

import (
	"pvfexec/internal/pvf/primitives"

	"github.com/bytecodealliance/wasmtime-go/v14"
)

const (
	// ExtraStack is added on top of the deterministic native stack limit when sizing the
	// thread that runs guest code.
	ExtraStack = 2 * 1024 * 1024

	DefaultNativeStackMax  = 256 * 1024 * 1024
	DefaultLogicalStackMax = 65536
	DefaultHeapPages       = 2048
	// defaultInitialPages covers the initial memory declared by typical validation code.
	defaultInitialPages = 32
	wasmPageSize        = 64 * 1024

	defaultNaNCanonicalization = "true"
)

// DeterministicStackLimit bounds the guest stack in a way that does not depend on the host.
// NativeStackMax is enforced by wasmtime. LogicalStackMax is carried for artifact identity.
type DeterministicStackLimit struct {
	LogicalStackMax uint32
	NativeStackMax  uint32
}

// Semantics is the execution environment derived from an executor parameter set.
type Semantics struct {
	StackLimit           DeterministicStackLimit
	MaxMemoryPages       uint32
	BulkMemory           bool
	PrecheckingMaxMemory uint64
}

// ParamsToSemantics applies the parameter set on top of the defaults.
func ParamsToSemantics(params primitives.ExecutorParams) (Semantics, error) {
	if err := params.CheckConsistency(); err != nil {
		return Semantics{}, err
	}
	sem := Semantics{
		StackLimit: DeterministicStackLimit{
			LogicalStackMax: DefaultLogicalStackMax,
			NativeStackMax:  DefaultNativeStackMax,
		},
		MaxMemoryPages: defaultInitialPages + DefaultHeapPages,
	}
	if v, ok := params.MaxMemoryPages(); ok {
		sem.MaxMemoryPages = v
	}
	if v, ok := params.StackLogicalMax(); ok {
		sem.StackLimit.LogicalStackMax = v
	}
	if v, ok := params.StackNativeMax(); ok {
		sem.StackLimit.NativeStackMax = v
	}
	if v, ok := params.PrecheckingMaxMemory(); ok {
		sem.PrecheckingMaxMemory = v
	}
	sem.BulkMemory = params.Has(primitives.ParamWasmExtBulkMemory)
	return sem, nil
}

// MaxStackSize is the stack a thread needs to run guest code under params. It over-provisions
// the native limit by ExtraStack so that host frames never eat into the guest budget.
func MaxStackSize(params primitives.ExecutorParams) uint64 {
	native := uint64(DefaultNativeStackMax)
	if v, ok := params.StackNativeMax(); ok {
		native = uint64(v)
	}
	return ExtraStack + native
}

// MemoryLimitBytes is the linear memory cap handed to the store limiter.
func (s Semantics) MemoryLimitBytes() int64 {
	return int64(s.MaxMemoryPages) * wasmPageSize
}

func newWasmtimeConfig(sem Semantics) *wasmtime.Config {
	cfg := wasmtime.NewConfig()
	cfg.SetStrategy(wasmtime.StrategyCranelift)
	cfg.SetCraneliftOptLevel(wasmtime.OptLevelSpeed)
	cfg.SetCraneliftFlag("enable_nan_canonicalization", defaultNaNCanonicalization)
	cfg.SetMaxWasmStack(int(sem.StackLimit.NativeStackMax))

	cfg.SetWasmBulkMemory(sem.BulkMemory)
	cfg.SetWasmReferenceTypes(false)
	cfg.SetWasmMultiValue(false)
	cfg.SetWasmSIMD(false)
	cfg.SetWasmThreads(false)
	cfg.SetWasmMultiMemory(false)
	cfg.SetWasmMemory64(false)
	return cfg
}

func newEngine(sem Semantics) *wasmtime.Engine {
	return wasmtime.NewEngineWithConfig(newWasmtimeConfig(sem))
}
