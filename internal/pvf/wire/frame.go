// Package wire implements the length-framed message codec used between the host and a worker
// and between a worker and its job process.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	appErr "pvfexec/pkg/errors"
)

const (
	// HeaderSize is the width of the little-endian length prefix.
	HeaderSize = 8
	// MaxFrameSize bounds a single payload. It fits a compressed PoV at the bomb limit plus headers.
	MaxFrameSize = 192 * 1024 * 1024
)

// ErrEndOfStream is returned when the stream closes before a full frame was read.
var ErrEndOfStream = errors.New("wire: end of stream")

// Send writes one frame. Header and payload go out in a single Write call.
func Send(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return appErr.Newf(appErr.FrameTooLarge, "frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[:HeaderSize], uint64(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv blocks until a full frame is read. A stream that ends at or inside a frame yields an
// error matching ErrEndOfStream.
func Recv(r io.Reader) ([]byte, error) {
	return RecvLimit(r, MaxFrameSize)
}

// RecvLimit is Recv with a caller supplied payload bound.
func RecvLimit(r io.Reader, limit uint64) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, streamErr("read frame header", err)
	}
	size := binary.LittleEndian.Uint64(header[:])
	if size > limit {
		return nil, appErr.Newf(appErr.FrameTooLarge, "frame of %d bytes exceeds limit %d", size, limit)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, streamErr("read frame payload", err)
	}
	return payload, nil
}

func streamErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", op, ErrEndOfStream)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsEndOfStream reports whether err means the peer closed the stream.
func IsEndOfStream(err error) bool {
	return errors.Is(err, ErrEndOfStream)
}
