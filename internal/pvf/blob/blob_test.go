package blob

import (
	"bytes"
	"testing"

	appErr "pvfexec/pkg/errors"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("block data "), 1000)
	compressed, err := Compress(data, 1<<20)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !IsCompressed(compressed) {
		t.Fatalf("compressed blob lacks prefix")
	}
	if len(compressed) >= len(data) {
		t.Fatalf("repetitive data did not shrink: %d >= %d", len(compressed), len(data))
	}
	got, err := Decompress(compressed, 1<<20)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip changed the payload")
	}
}

func TestDecompressPassesRawBytesThrough(t *testing.T) {
	raw := []byte{0, 97, 115, 109, 1, 0, 0, 0}
	got, err := Decompress(raw, 4)
	if err != nil {
		t.Fatalf("decompress raw: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("raw bytes were altered")
	}
}

func TestDecompressBombLimit(t *testing.T) {
	const limit = 64 * 1024
	cases := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{name: "at_limit", size: limit, wantErr: false},
		{name: "one_over", size: limit + 1, wantErr: true},
		{name: "far_over", size: 16 * limit, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bomb, err := Compress(make([]byte, tc.size), uint64(tc.size))
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			out, err := Decompress(bomb, limit)
			if tc.wantErr {
				if !appErr.Is(err, appErr.BlobBombLimit) {
					t.Fatalf("expected BlobBombLimit, got %v (len %d)", err, len(out))
				}
				return
			}
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if len(out) != tc.size {
				t.Fatalf("got %d bytes, want %d", len(out), tc.size)
			}
		})
	}
}

func TestCompressRefusesOversizedInput(t *testing.T) {
	if _, err := Compress(make([]byte, 10), 9); !appErr.Is(err, appErr.BlobBombLimit) {
		t.Fatalf("expected BlobBombLimit, got %v", err)
	}
}

func TestDecompressGarbageAfterPrefix(t *testing.T) {
	bad := append(append([]byte(nil), zstdPrefix...), 0xde, 0xad, 0xbe, 0xef)
	if _, err := Decompress(bad, 1024); err == nil {
		t.Fatalf("expected error for invalid zstd frame")
	}
}
