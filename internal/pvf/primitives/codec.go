package primitives

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The functions below produce and read the same bytes as borsh for ValidationParams and
// ValidationResult. Both types carry PoVs, head data and code of many MiB, and the reflective
// decoder walks byte slices one element at a time, which costs job CPU time.

var errShortBuffer = errors.New("unexpected end of input")

// EncodeValidationParams is the borsh encoding of p.
func EncodeValidationParams(p ValidationParams) []byte {
	buf := make([]byte, 0, 4+len(p.ParentHead)+4+len(p.BlockData)+4+len(p.RelayParentStorageRoot))
	buf = appendBytes(buf, p.ParentHead)
	buf = appendBytes(buf, p.BlockData)
	buf = binary.LittleEndian.AppendUint32(buf, p.RelayParentNumber)
	return append(buf, p.RelayParentStorageRoot[:]...)
}

// DecodeValidationParams reads a borsh encoded ValidationParams.
func DecodeValidationParams(data []byte) (ValidationParams, error) {
	r := reader{data: data}
	var p ValidationParams
	var err error
	if p.ParentHead, err = r.bytes(); err != nil {
		return ValidationParams{}, fmt.Errorf("parent head: %w", err)
	}
	if p.BlockData, err = r.bytes(); err != nil {
		return ValidationParams{}, fmt.Errorf("block data: %w", err)
	}
	if p.RelayParentNumber, err = r.uint32(); err != nil {
		return ValidationParams{}, fmt.Errorf("relay parent number: %w", err)
	}
	root, err := r.take(len(p.RelayParentStorageRoot))
	if err != nil {
		return ValidationParams{}, fmt.Errorf("relay parent storage root: %w", err)
	}
	copy(p.RelayParentStorageRoot[:], root)
	return p, nil
}

// EncodeValidationResult is the borsh encoding of res.
func EncodeValidationResult(res ValidationResult) []byte {
	size := 4 + len(res.HeadData) + 1 + 4 + 4 + 4 + 4
	if res.NewValidationCode != nil {
		size += 4 + len(*res.NewValidationCode)
	}
	for _, m := range res.UpwardMessages {
		size += 4 + len(m)
	}
	for _, m := range res.HorizontalMessages {
		size += 8 + len(m.Data)
	}

	buf := make([]byte, 0, size)
	buf = appendBytes(buf, res.HeadData)
	if res.NewValidationCode == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendBytes(buf, *res.NewValidationCode)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(res.UpwardMessages)))
	for _, m := range res.UpwardMessages {
		buf = appendBytes(buf, m)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(res.HorizontalMessages)))
	for _, m := range res.HorizontalMessages {
		buf = binary.LittleEndian.AppendUint32(buf, m.Recipient)
		buf = appendBytes(buf, m.Data)
	}
	buf = binary.LittleEndian.AppendUint32(buf, res.ProcessedDownwardMessages)
	return binary.LittleEndian.AppendUint32(buf, res.HrmpWatermark)
}

// DecodeValidationResult reads a borsh encoded ValidationResult. Trailing bytes are ignored.
func DecodeValidationResult(data []byte) (ValidationResult, error) {
	r := reader{data: data}
	var res ValidationResult
	var err error
	if res.HeadData, err = r.bytes(); err != nil {
		return ValidationResult{}, fmt.Errorf("head data: %w", err)
	}

	flag, err := r.take(1)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("new validation code: %w", err)
	}
	switch flag[0] {
	case 0:
	case 1:
		code, err := r.bytes()
		if err != nil {
			return ValidationResult{}, fmt.Errorf("new validation code: %w", err)
		}
		vc := ValidationCode(code)
		res.NewValidationCode = &vc
	default:
		return ValidationResult{}, fmt.Errorf("new validation code: invalid option tag %d", flag[0])
	}

	n, err := r.count(4)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("upward messages: %w", err)
	}
	if n > 0 {
		res.UpwardMessages = make([]UpwardMessage, 0, n)
	}
	for i := 0; i < n; i++ {
		m, err := r.bytes()
		if err != nil {
			return ValidationResult{}, fmt.Errorf("upward message %d: %w", i, err)
		}
		res.UpwardMessages = append(res.UpwardMessages, m)
	}

	n, err = r.count(8)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("horizontal messages: %w", err)
	}
	if n > 0 {
		res.HorizontalMessages = make([]OutboundHrmpMessage, 0, n)
	}
	for i := 0; i < n; i++ {
		var m OutboundHrmpMessage
		if m.Recipient, err = r.uint32(); err != nil {
			return ValidationResult{}, fmt.Errorf("horizontal message %d: %w", i, err)
		}
		if m.Data, err = r.bytes(); err != nil {
			return ValidationResult{}, fmt.Errorf("horizontal message %d: %w", i, err)
		}
		res.HorizontalMessages = append(res.HorizontalMessages, m)
	}

	if res.ProcessedDownwardMessages, err = r.uint32(); err != nil {
		return ValidationResult{}, fmt.Errorf("processed downward messages: %w", err)
	}
	if res.HrmpWatermark, err = r.uint32(); err != nil {
		return ValidationResult{}, fmt.Errorf("hrmp watermark: %w", err)
	}
	return res, nil
}

func appendBytes(buf, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, errShortBuffer
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// bytes reads a length prefixed byte string into a fresh slice. Empty strings decode as nil.
func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

// count reads a sequence length and checks that the rest of the input can hold that many
// elements of at least minSize bytes each.
func (r *reader) count(minSize int) (int, error) {
	n, err := r.uint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minSize) > uint64(len(r.data)-r.off) {
		return 0, errShortBuffer
	}
	return int(n), nil
}
