package primitives

import (
	"testing"
	"time"

	appErr "pvfexec/pkg/errors"

	"github.com/near/borsh-go"
)

func TestExecutorParamsHashIsStable(t *testing.T) {
	a := ExecutorParams{MaxMemoryPages(8192), PvfExecTimeout(ExecKindBacking, 2500*time.Millisecond)}
	b := ExecutorParams{MaxMemoryPages(8192), PvfExecTimeout(ExecKindBacking, 2500*time.Millisecond)}
	if a.Hash() != b.Hash() {
		t.Fatalf("equal sets must hash equal")
	}
	c := ExecutorParams{MaxMemoryPages(8193), PvfExecTimeout(ExecKindBacking, 2500*time.Millisecond)}
	if a.Hash() == c.Hash() {
		t.Fatalf("different sets must hash differently")
	}
	if (ExecutorParams)(nil).Hash() != (ExecutorParams{}).Hash() {
		t.Fatalf("nil and empty sets must hash equal")
	}
}

func TestPrepHashIgnoresRuntimeOnlyParams(t *testing.T) {
	base := ExecutorParams{StackNativeMax(128 * 1024 * 1024)}
	withTimeouts := ExecutorParams{
		StackNativeMax(128 * 1024 * 1024),
		PvfExecTimeout(ExecKindApproval, 5*time.Second),
		PvfPrepTimeout(PrepKindPrepare, 30*time.Second),
		MaxMemoryPages(4096),
	}
	if base.PrepHash() != withTimeouts.PrepHash() {
		t.Fatalf("timeouts and memory limits must not change the prep hash")
	}
	if base.Hash() == withTimeouts.Hash() {
		t.Fatalf("full hash must still tell them apart")
	}
	bulk := ExecutorParams{StackNativeMax(128 * 1024 * 1024), WasmExtBulkMemory()}
	if base.PrepHash() == bulk.PrepHash() {
		t.Fatalf("bulk memory changes compilation and must change the prep hash")
	}
}

func TestTimeoutDefaults(t *testing.T) {
	var ps ExecutorParams
	if got := ps.PvfExecTimeout(ExecKindBacking); got != DefaultBackingExecutionTimeout {
		t.Fatalf("backing default = %v", got)
	}
	if got := ps.PvfExecTimeout(ExecKindApproval); got != DefaultApprovalExecutionTimeout {
		t.Fatalf("approval default = %v", got)
	}
	if got := ps.PvfPrepTimeout(PrepKindPrecheck); got != DefaultPrecheckPreparationTimeout {
		t.Fatalf("precheck default = %v", got)
	}

	ps = ExecutorParams{PvfExecTimeout(ExecKindApproval, 3*time.Second)}
	if got := ps.PvfExecTimeout(ExecKindApproval); got != 3*time.Second {
		t.Fatalf("approval override = %v", got)
	}
	if got := ps.PvfExecTimeout(ExecKindBacking); got != DefaultBackingExecutionTimeout {
		t.Fatalf("backing must keep its default, got %v", got)
	}
}

func TestCheckConsistency(t *testing.T) {
	cases := []struct {
		name   string
		params ExecutorParams
		code   appErr.ErrorCode
	}{
		{name: "empty", params: nil},
		{name: "full", params: ExecutorParams{
			MaxMemoryPages(2080),
			StackLogicalMax(65536),
			StackNativeMax(256 * 1024 * 1024),
			PrecheckingMaxMemory(512 * 1024 * 1024),
			PvfPrepTimeout(PrepKindPrecheck, time.Minute),
			PvfPrepTimeout(PrepKindPrepare, 6*time.Minute),
			PvfExecTimeout(ExecKindBacking, 2*time.Second),
			PvfExecTimeout(ExecKindApproval, 12*time.Second),
			WasmExtBulkMemory(),
		}},
		{name: "duplicate", params: ExecutorParams{MaxMemoryPages(1), MaxMemoryPages(2)}, code: appErr.ParamsDuplicate},
		{name: "zero_pages", params: ExecutorParams{MaxMemoryPages(0)}, code: appErr.InvalidValue},
		{name: "too_many_pages", params: ExecutorParams{MaxMemoryPages(65537)}, code: appErr.InvalidValue},
		{name: "zero_timeout", params: ExecutorParams{PvfExecTimeout(ExecKindBacking, 0)}, code: appErr.InvalidValue},
		{name: "unknown_exec_kind", params: ExecutorParams{{Kind: ParamPvfExecTimeout, Sub: 7, Value: 10}}, code: appErr.UnknownVariant},
		{name: "unknown_kind", params: ExecutorParams{{Kind: 42}}, code: appErr.UnknownVariant},
		{name: "stray_sub", params: ExecutorParams{{Kind: ParamStackNativeMax, Sub: 1, Value: 10}}, code: appErr.InvalidValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.CheckConsistency()
			if tc.code == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !appErr.Is(err, tc.code) {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
		})
	}
}

func TestValidationResultEncoding(t *testing.T) {
	res := ValidationResult{HeadData: HeadData("ok")}
	data, err := borsh.Serialize(res)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := append([]byte{2, 0, 0, 0, 'o', 'k', 0}, make([]byte, 16)...)
	if string(data) != string(want) {
		t.Fatalf("encoding = %v, want %v", data, want)
	}

	code := ValidationCode{0, 'a', 's', 'm'}
	res.NewValidationCode = &code
	res.HorizontalMessages = []OutboundHrmpMessage{{Recipient: 2000, Data: []byte{1}}}
	data, err = borsh.Serialize(res)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var back ValidationResult
	if err := borsh.Deserialize(&back, data); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if back.NewValidationCode == nil || string(*back.NewValidationCode) != string(code) {
		t.Fatalf("new validation code lost: %v", back.NewValidationCode)
	}
	if len(back.HorizontalMessages) != 1 || back.HorizontalMessages[0].Recipient != 2000 {
		t.Fatalf("horizontal messages = %+v", back.HorizontalMessages)
	}
}

func TestNewValidationParams(t *testing.T) {
	pvd := PersistedValidationData{ParentHead: HeadData{1, 2}, RelayParentNumber: 7, MaxPoVSize: MaxPoVSize}
	pvd.RelayParentStorageRoot[0] = 0xaa
	vp := NewValidationParams(pvd, []byte{9})
	if vp.RelayParentNumber != 7 || vp.RelayParentStorageRoot[0] != 0xaa || string(vp.BlockData) != "\x09" {
		t.Fatalf("unexpected params %+v", vp)
	}
}

func TestNewCodeTreatsDecodedNoneAsAbsent(t *testing.T) {
	data, err := borsh.Serialize(ValidationResult{HeadData: HeadData{1}})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var back ValidationResult
	if err := borsh.Deserialize(&back, data); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if _, ok := back.NewCode(); ok {
		t.Fatalf("absent code decoded as present")
	}
}
