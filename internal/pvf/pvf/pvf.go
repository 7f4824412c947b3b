// Package pvf describes a validation function ready to be prepared.
package pvf

import (
	"fmt"
	"time"

	"pvfexec/internal/pvf/primitives"
)

// PrepareJobKind tells preparation whether it runs for pre-checking or for real compilation.
type PrepareJobKind uint8

const (
	Compilation PrepareJobKind = iota
	Prechecking
)

func (k PrepareJobKind) String() string {
	if k == Prechecking {
		return "prechecking"
	}
	return "compilation"
}

// PrepKind maps the job kind onto the executor parameter that bounds its timeout.
func (k PrepareJobKind) PrepKind() primitives.PvfPrepKind {
	if k == Prechecking {
		return primitives.PrepKindPrecheck
	}
	return primitives.PrepKindPrepare
}

// Key identifies a PrepData for equality and map lookups.
type Key struct {
	CodeHash   primitives.Hash
	ParamsHash primitives.ExecutorParamsHash
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CodeHash, k.ParamsHash)
}

// PrepData is an immutable description of a validation function. Copies share the code bytes
// and the parameter set, neither of which may be modified after construction.
type PrepData struct {
	code        []byte
	codeHash    primitives.Hash
	params      primitives.ExecutorParams
	paramsHash  primitives.ExecutorParamsHash
	prepTimeout time.Duration
	prepKind    PrepareJobKind
	bombLimit   uint32
}

// FromCode hashes the maybe compressed code and freezes the descriptor.
func FromCode(code []byte, params primitives.ExecutorParams, prepTimeout time.Duration, kind PrepareJobKind, bombLimit uint32) PrepData {
	return PrepData{
		code:        code,
		codeHash:    primitives.HashOf(code),
		params:      params,
		paramsHash:  params.Hash(),
		prepTimeout: prepTimeout,
		prepKind:    kind,
		bombLimit:   bombLimit,
	}
}

// FromParams is FromCode with the preparation timeout read from the parameter set.
func FromParams(code []byte, params primitives.ExecutorParams, kind PrepareJobKind) PrepData {
	return FromCode(code, params, params.PvfPrepTimeout(kind.PrepKind()), kind, primitives.DefaultValidationCodeBombLimit)
}

// MaybeCompressedCode returns the shared code bytes. Callers must not modify them.
func (p PrepData) MaybeCompressedCode() []byte { return p.code }

func (p PrepData) CodeHash() primitives.Hash { return p.codeHash }

// ExecutorParams returns the shared parameter set. Callers must not modify it.
func (p PrepData) ExecutorParams() primitives.ExecutorParams { return p.params }

func (p PrepData) PrepTimeout() time.Duration { return p.prepTimeout }

func (p PrepData) PrepKind() PrepareJobKind { return p.prepKind }

func (p PrepData) ValidationCodeBombLimit() uint32 { return p.bombLimit }

// Key returns the identity used by Equal.
func (p PrepData) Key() Key {
	return Key{CodeHash: p.codeHash, ParamsHash: p.paramsHash}
}

// Equal compares the code hash and the executor parameter hash only. Timeout, kind and bomb
// limit do not take part.
func (p PrepData) Equal(other PrepData) bool {
	return p.Key() == other.Key()
}

func (p PrepData) String() string {
	return fmt.Sprintf("Pvf{code: [...], code_hash: %s, executor_params: %v, prep_timeout: %s}",
		p.codeHash, []primitives.ExecutorParam(p.params), p.prepTimeout)
}

// FromDiscriminator builds a small distinct descriptor, handy for tests and tooling.
func FromDiscriminator(num uint32, timeout time.Duration) PrepData {
	buf := []byte{byte(num), byte(num >> 8), byte(num >> 16), byte(num >> 24)}
	return FromCode(buf, nil, timeout, Compilation, primitives.DefaultValidationCodeBombLimit)
}
