// Package primitives holds the parachain data types that cross the host, worker and job
// boundaries, along with the executor parameter set.
package primitives

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const (
	// MaxPoVSize is the largest PoV a validator accepts, in bytes.
	MaxPoVSize = 10 * 1024 * 1024
	// PoVBombLimit bounds the decompressed size of a PoV.
	PoVBombLimit = 4 * MaxPoVSize
	// MaxCodeSize is the largest compressed validation code accepted.
	MaxCodeSize = 3 * 1024 * 1024
	// DefaultValidationCodeBombLimit bounds the decompressed size of validation code.
	DefaultValidationCodeBombLimit = 30 * 1024 * 1024
)

// Hash is a 32-byte blake2b-256 digest.
type Hash [32]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// HashOf returns the blake2b-256 digest of data.
func HashOf(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

type (
	HeadData       []byte
	BlockData      []byte
	ValidationCode []byte
	UpwardMessage  []byte
)

// PoV is the proof of validity of a candidate.
type PoV struct {
	BlockData BlockData
}

// PersistedValidationData is the part of the validation inputs that is fixed by the relay chain.
type PersistedValidationData struct {
	ParentHead             HeadData
	RelayParentNumber      uint32
	RelayParentStorageRoot Hash
	MaxPoVSize             uint32
}

// ValidationParams is the argument passed to the validation function. The layout is what
// guest code expects to find at the pointer it receives.
type ValidationParams struct {
	ParentHead             HeadData
	BlockData              BlockData
	RelayParentNumber      uint32
	RelayParentStorageRoot Hash
}

// NewValidationParams combines the persisted data with the decompressed block data.
func NewValidationParams(pvd PersistedValidationData, blockData []byte) ValidationParams {
	return ValidationParams{
		ParentHead:             pvd.ParentHead,
		BlockData:              BlockData(blockData),
		RelayParentNumber:      pvd.RelayParentNumber,
		RelayParentStorageRoot: pvd.RelayParentStorageRoot,
	}
}

type OutboundHrmpMessage struct {
	Recipient uint32
	Data      []byte
}

// ValidationResult is what a successful validation function call returns.
type ValidationResult struct {
	HeadData                  HeadData
	NewValidationCode         *ValidationCode
	UpwardMessages            []UpwardMessage
	HorizontalMessages        []OutboundHrmpMessage
	ProcessedDownwardMessages uint32
	HrmpWatermark             uint32
}

// NewCode returns the upgraded validation code, if any. The decoder yields a pointer to an
// empty code for an absent option, so an empty code counts as absent.
func (r ValidationResult) NewCode() (ValidationCode, bool) {
	if r.NewValidationCode == nil || len(*r.NewValidationCode) == 0 {
		return nil, false
	}
	return *r.NewValidationCode, true
}
