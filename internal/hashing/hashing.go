// Package hashing derives stable, path-safe identifiers from content.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Supported algorithms.
const (
	SHA256     = "SHA-256"
	BLAKE2b256 = "BLAKE2b-256"
)

// ErrUnavailable is returned when no hashing primitive can be used.
var ErrUnavailable = errors.New("hashing unavailable")

// ErrUnknownAlgorithm is returned for algorithm names outside the supported set.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Hasher produces a deterministic digest of input.
type Hasher interface {
	Hash(ctx context.Context, input, algorithm string) (string, error)
}

// Digest hashes with the standard primitives. The zero value uses SHA-256
// when no algorithm is named.
type Digest struct {
	Default string
}

// New returns a Digest defaulting to algorithm.
func New(algorithm string) (*Digest, error) {
	if algorithm == "" {
		algorithm = SHA256
	}
	if _, err := newHash(algorithm); err != nil {
		return nil, err
	}
	return &Digest{Default: algorithm}, nil
}

// Hash returns the lowercase hex digest of input.
func (d *Digest) Hash(ctx context.Context, input, algorithm string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if algorithm == "" {
		algorithm = d.Default
	}
	if algorithm == "" {
		algorithm = SHA256
	}
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "SHA-256", "SHA256":
		return sha256.New(), nil
	case "BLAKE2B-256", "BLAKE2B":
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// Unavailable is a Hasher for environments without a hashing primitive.
type Unavailable struct{}

// Hash always fails.
func (Unavailable) Hash(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

// PostID returns the content address of a post soul.
func PostID(ctx context.Context, h Hasher, soul string) (string, error) {
	if h == nil {
		return "", ErrUnavailable
	}
	id, err := h.Hash(ctx, soul, "")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrUnavailable
	}
	return id, nil
}
