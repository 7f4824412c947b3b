// Package checksum computes the 64-bit digest that binds a compiled artifact on disk to the
// request that references it.
package checksum

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ArtifactChecksum is the digest of a compiled artifact.
type ArtifactChecksum uint64

func (c ArtifactChecksum) String() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// Compute returns the checksum of data.
func Compute(data []byte) ArtifactChecksum {
	return ArtifactChecksum(xxhash.Sum64(data))
}

// File streams the file at path through the digest.
func File(path string) (ArtifactChecksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return ArtifactChecksum(h.Sum64()), nil
}
