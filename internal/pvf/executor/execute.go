package executor

import (
	"runtime"

	"pvfexec/internal/pvf/primitives"
	appErr "pvfexec/pkg/errors"

	"github.com/bytecodealliance/wasmtime-go/v14"
)

// ExecuteArtifact instantiates a prepared artifact and calls validate_block with the encoded
// validation params. It returns the bytes the guest pointed at.
//
// Errors carry one of three codes: RuntimeConstruction when the artifact could not be turned
// into a running instance, ExecutionFailed when the guest trapped, and InvalidABI when the
// guest returned something that does not follow the calling convention.
//
// The artifact must come from Prepare with equivalent params; it is trusted native code.
func ExecuteArtifact(compiled []byte, params primitives.ExecutorParams, encodedParams []byte) ([]byte, error) {
	sem, err := ParamsToSemantics(params)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.RuntimeConstruction, "invalid executor params: %v", err)
	}
	engine := newEngine(sem)
	module, err := wasmtime.NewModuleDeserialize(engine, compiled)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.RuntimeConstruction, "deserialize artifact: %v", err)
	}

	store := wasmtime.NewStore(engine)
	store.Limiter(sem.MemoryLimitBytes(), -1, 1, 1, 1)

	linker := wasmtime.NewLinker(engine)
	linker.AllowShadowing(true)
	if err := defineMissingImports(linker, module); err != nil {
		return nil, err
	}
	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.RuntimeConstruction, "instantiate: %v", err)
	}

	memExport := instance.GetExport(store, MemoryExport)
	if memExport == nil || memExport.Memory() == nil {
		return nil, appErr.Newf(appErr.RuntimeConstruction, "missing memory export %q", MemoryExport)
	}
	memory := memExport.Memory()
	entry := instance.GetFunc(store, ValidateBlockExport)
	if entry == nil {
		return nil, appErr.Newf(appErr.RuntimeConstruction, "missing function export %q", ValidateBlockExport)
	}

	ptr, err := placeInput(store, instance, memory, encodedParams)
	if err != nil {
		return nil, err
	}
	ret, err := entry.Call(store, int32(ptr), int32(len(encodedParams)))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ExecutionFailed, "%v", err)
	}
	packed, ok := ret.(int64)
	if !ok {
		return nil, appErr.Newf(appErr.InvalidABI, "%s returned %T, want i64", ValidateBlockExport, ret)
	}
	resPtr, resLen := unpackPtrLen(packed)

	data := memory.UnsafeData(store)
	if uint64(resPtr)+uint64(resLen) > uint64(len(data)) {
		return nil, appErr.Newf(appErr.InvalidABI, "result [%d, +%d) outside of memory of %d bytes", resPtr, resLen, len(data))
	}
	out := make([]byte, resLen)
	copy(out, data[resPtr:uint64(resPtr)+uint64(resLen)])
	runtime.KeepAlive(memory)
	return out, nil
}

// unpackPtrLen splits the (len << 32) | ptr value returned by validate_block.
func unpackPtrLen(packed int64) (uint32, uint32) {
	u := uint64(packed)
	return uint32(u), uint32(u >> 32)
}

func placeInput(store *wasmtime.Store, instance *wasmtime.Instance, memory *wasmtime.Memory, input []byte) (uint32, error) {
	var ptr uint64
	switch {
	case instance.GetFunc(store, AllocExport) != nil:
		ret, err := instance.GetFunc(store, AllocExport).Call(store, int32(len(input)))
		if err != nil {
			return 0, appErr.Wrapf(err, appErr.ExecutionFailed, "alloc: %v", err)
		}
		p, ok := ret.(int32)
		if !ok {
			return 0, appErr.Newf(appErr.InvalidABI, "%s returned %T, want i32", AllocExport, ret)
		}
		ptr = uint64(uint32(p))
	case instance.GetExport(store, HeapBaseExport) != nil && instance.GetExport(store, HeapBaseExport).Global() != nil:
		ptr = uint64(uint32(instance.GetExport(store, HeapBaseExport).Global().Get(store).I32()))
	default:
		ptr = uint64(memory.DataSize(store))
	}

	end := ptr + uint64(len(input))
	if size := uint64(memory.DataSize(store)); end > size {
		pages := (end - size + wasmPageSize - 1) / wasmPageSize
		if _, err := memory.Grow(store, pages); err != nil {
			return 0, appErr.Wrapf(err, appErr.ExecutionFailed, "grow memory by %d pages for input: %v", pages, err)
		}
	}
	data := memory.UnsafeData(store)
	if end > uint64(len(data)) {
		return 0, appErr.Newf(appErr.InvalidABI, "input [%d, +%d) outside of memory of %d bytes", ptr, len(input), len(data))
	}
	copy(data[ptr:end], input)
	runtime.KeepAlive(memory)
	return uint32(ptr), nil
}

// defineMissingImports satisfies every function import with a stub that traps when called, so
// code that links against host functions it never calls can still run.
func defineMissingImports(linker *wasmtime.Linker, module *wasmtime.Module) error {
	for _, imp := range module.Imports() {
		desc := describeImport(imp)
		fnType := imp.Type().FuncType()
		if fnType == nil {
			return appErr.Newf(appErr.RuntimeConstruction, "unsupported import %s", desc)
		}
		name := ""
		if imp.Name() != nil {
			name = *imp.Name()
		}
		stub := func(*wasmtime.Caller, []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return nil, wasmtime.NewTrap("call to a missing function " + desc)
		}
		if err := linker.FuncNew(imp.Module(), name, fnType, stub); err != nil {
			return appErr.Wrapf(err, appErr.RuntimeConstruction, "define import %s: %v", desc, err)
		}
	}
	return nil
}
