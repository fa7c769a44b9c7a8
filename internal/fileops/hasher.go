// Package fileops provides streaming helpers shared by the ingestion and
// storage layers: incremental content hashing and byte counting.
package fileops

import (
	"errors"
	"io"

	"github.com/opencontainers/go-digest"
)

// ErrInvalidHash is returned when a string is not a well-formed content hash.
var ErrInvalidHash = errors.New("fileops: invalid content hash")

// Hasher folds byte chunks into a SHA-256 content hash.
//
// The resulting hash depends only on the concatenation of the chunks,
// never on where the chunk boundaries fall. A Hasher is not safe for
// concurrent use.
type Hasher struct {
	d digest.Digester
	n uint64
}

// NewHasher returns a Hasher using the canonical digest algorithm.
func NewHasher() *Hasher {
	return &Hasher{d: digest.Canonical.Digester()}
}

// Write implements io.Writer. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	_, _ = h.d.Hash().Write(p) //nolint:errcheck // hash writes never fail
	h.n += uint64(len(p))
	return len(p), nil
}

// Size returns the number of bytes folded so far.
func (h *Hasher) Size() uint64 {
	return h.n
}

// Sum returns the hex-encoded content hash of everything written.
func (h *Hasher) Sum() string {
	return h.d.Digest().Encoded()
}

// HashingReader wraps an io.Reader and hashes all data read through it.
type HashingReader struct {
	r io.Reader
	h *Hasher
}

// NewHashingReader creates a reader that computes a content hash while reading.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: NewHasher()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n]) //nolint:errcheck // hasher writes never fail
	}
	return n, err
}

// Sum returns the content hash of the data read so far.
func (hr *HashingReader) Sum() string {
	return hr.h.Sum()
}

// Size returns the number of bytes read so far.
func (hr *HashingReader) Size() uint64 {
	return hr.h.Size()
}

// HashBytes returns the content hash of b.
func HashBytes(b []byte) string {
	return digest.Canonical.FromBytes(b).Encoded()
}

// ValidateHash reports whether s is a hex-encoded content hash as produced
// by Hasher.Sum.
func ValidateHash(s string) error {
	if err := digest.NewDigestFromEncoded(digest.Canonical, s).Validate(); err != nil {
		return errors.Join(ErrInvalidHash, err)
	}
	return nil
}
