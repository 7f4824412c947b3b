// Package blob handles maybe-compressed byte blobs: an 8-byte magic prefix followed by a zstd
// frame, or raw bytes without the prefix.
package blob

import (
	"bytes"
	"errors"
	"io"

	appErr "pvfexec/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

var zstdPrefix = []byte{82, 188, 83, 118, 70, 219, 142, 5}

// IsCompressed reports whether b carries the compression prefix.
func IsCompressed(b []byte) bool {
	return bytes.HasPrefix(b, zstdPrefix)
}

// Decompress returns the payload of b. Prefixed input is inflated and must not exceed
// bombLimit bytes; unprefixed input is returned unchanged.
func Decompress(b []byte, bombLimit uint64) ([]byte, error) {
	if !IsCompressed(b) {
		return b, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(b[len(zstdPrefix):]), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BlobInvalid, "create zstd reader: %v", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(io.LimitReader(dec, int64(bombLimit)+1))
	if err != nil {
		if uint64(len(out)) > bombLimit || errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, bombErr(bombLimit)
		}
		return nil, appErr.Wrapf(err, appErr.BlobInvalid, "decompress blob: %v", err)
	}
	if uint64(len(out)) > bombLimit {
		return nil, bombErr(bombLimit)
	}
	return out, nil
}

// Compress prefixes and compresses b. Blobs above bombLimit are refused because they could
// never be decompressed again.
func Compress(b []byte, bombLimit uint64) ([]byte, error) {
	if uint64(len(b)) > bombLimit {
		return nil, bombErr(bombLimit)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BlobInvalid, "create zstd writer: %v", err)
	}
	defer enc.Close()

	out := make([]byte, 0, len(zstdPrefix)+len(b)/2)
	out = append(out, zstdPrefix...)
	return enc.EncodeAll(b, out), nil
}

func bombErr(limit uint64) error {
	return appErr.Newf(appErr.BlobBombLimit, "decompressed size exceeds bomb limit of %d bytes", limit).
		WithDetail("limit", limit)
}
