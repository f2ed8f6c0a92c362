// Package hasher provides a uniform interface over SHA-256 and SHA-512 for
// both in-memory buffers and file streams, used by the anti-tampering
// layer in both its file and block modes.
package hasher

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Algorithm identifies a supported hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Hasher computes and encodes hashes for buffers and streams, and reports
// the fixed hex width its hashes produce (used to lay out block-mode hash
// files, where block i's hash lives at offset i*HexWidth).
type Hasher interface {
	Sum(data []byte) string
	SumReader(r io.Reader) (string, error)
	Size() int
	HexWidth() int
}

type hasher struct {
	alg     Algorithm
	newHash func() hash.Hash
	size    int
}

// New returns a Hasher for the given algorithm, or an error if alg is not
// one of the recognized values.
func New(alg Algorithm) (Hasher, error) {
	switch alg {
	case SHA256:
		return &hasher{alg: alg, newHash: sha256.New, size: sha256.Size}, nil
	case SHA512:
		return &hasher{alg: alg, newHash: sha512.New, size: sha512.Size}, nil
	default:
		return nil, fmt.Errorf("hasher: unsupported algorithm %q", alg)
	}
}

// Sum returns the lowercase hex digest of data.
func (h *hasher) Sum(data []byte) string {
	sum := h.newHash()
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil))
}

// SumReader streams r through the hash function and returns the lowercase
// hex digest, without buffering the whole stream in memory.
func (h *hasher) SumReader(r io.Reader) (string, error) {
	sum := h.newHash()
	if _, err := io.Copy(sum, r); err != nil {
		return "", fmt.Errorf("hasher: stream hash failed: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Size returns the raw digest size in bytes.
func (h *hasher) Size() int { return h.size }

// HexWidth returns the digest's lowercase hex encoding width (Size*2).
func (h *hasher) HexWidth() int { return h.size * 2 }
