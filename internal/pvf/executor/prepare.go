package executor

import (
	"fmt"

	"pvfexec/internal/pvf/blob"
	"pvfexec/internal/pvf/primitives"
	appErr "pvfexec/pkg/errors"

	"github.com/bytecodealliance/wasmtime-go/v14"
)

const (
	MemoryExport        = "memory"
	ValidateBlockExport = "validate_block"
	AllocExport         = "alloc"
	HeapBaseExport      = "__heap_base"
)

// Prepare decompresses the code, compiles it for the semantics described by params and
// returns the serialized artifact.
func Prepare(maybeCompressedCode []byte, params primitives.ExecutorParams, bombLimit uint64) ([]byte, error) {
	sem, err := ParamsToSemantics(params)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.PrepareFailed, "invalid executor params: %v", err)
	}
	module, err := compile(maybeCompressedCode, sem, bombLimit)
	if err != nil {
		return nil, err
	}
	artifact, err := module.Serialize()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.PrepareFailed, "serialize artifact: %v", err)
	}
	return artifact, nil
}

// Precheck tells whether the code would prepare successfully, without keeping the artifact.
func Precheck(maybeCompressedCode []byte, params primitives.ExecutorParams, bombLimit uint64) error {
	sem, err := ParamsToSemantics(params)
	if err != nil {
		return appErr.Wrapf(err, appErr.PrecheckFailed, "invalid executor params: %v", err)
	}
	if sem.PrecheckingMaxMemory > 0 && bombLimit > sem.PrecheckingMaxMemory {
		bombLimit = sem.PrecheckingMaxMemory
	}
	if _, err := compile(maybeCompressedCode, sem, bombLimit); err != nil {
		return appErr.Wrapf(err, appErr.PrecheckFailed, "precheck: %v", err)
	}
	return nil
}

func compile(maybeCompressedCode []byte, sem Semantics, bombLimit uint64) (*wasmtime.Module, error) {
	code, err := blob.Decompress(maybeCompressedCode, bombLimit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.PrepareFailed, "decompress code: %v", err)
	}
	engine := newEngine(sem)
	module, err := wasmtime.NewModule(engine, code)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.PrepareFailed, "compile: %v", err)
	}
	if err := checkExports(module); err != nil {
		return nil, err
	}
	return module, nil
}

func checkExports(module *wasmtime.Module) error {
	var hasMemory, hasEntry bool
	for _, exp := range module.Exports() {
		switch exp.Name() {
		case MemoryExport:
			hasMemory = exp.Type().MemoryType() != nil
		case ValidateBlockExport:
			hasEntry = exp.Type().FuncType() != nil
		}
	}
	switch {
	case !hasEntry:
		return appErr.Newf(appErr.ExportMissing, "missing function export %q", ValidateBlockExport)
	case !hasMemory:
		return appErr.Newf(appErr.ExportMissing, "missing memory export %q", MemoryExport)
	}
	return nil
}

func describeImport(imp *wasmtime.ImportType) string {
	name := ""
	if imp.Name() != nil {
		name = *imp.Name()
	}
	return fmt.Sprintf("%s::%s", imp.Module(), name)
}
