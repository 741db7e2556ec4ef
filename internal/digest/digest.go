// Package digest computes content digests used to decide whether two files
// hold the same bytes.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/spf13/afero"
)

// Digest is the SHA256 of a file's full contents
type Digest [sha256.Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Sum reads r to EOF and returns its digest
func Sum(r io.Reader) (Digest, error) {
	var d Digest

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return d, err
	}
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Bytes returns the digest of b
func Bytes(b []byte) Digest {
	return sha256.Sum256(b)
}

// File computes the digest of the file at path
func File(fs afero.Fs, path string) (Digest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	return Sum(f)
}
