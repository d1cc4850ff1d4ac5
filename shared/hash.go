package shared

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/scrypt"
)

// HashAlgorithm selects how a work header + nonce is hashed.
type HashAlgorithm uint8

const (
	// AlgoScrypt is the primary algorithm: scrypt over the 80-byte
	// input, salted with its first 16 bytes.
	AlgoScrypt HashAlgorithm = iota
	// AlgoSHA256 is a plain sha256 alternative for environments
	// where scrypt is too expensive to verify at volume.
	AlgoSHA256
)

const ( // scrypt params
	scryptN = 1024
	scryptR = 1
	scryptP = 1
	scryptK = 32 // key len
)

const (
	// HeaderLen is the work header size: version (4) + previous
	// hash (32) + merkle root (32) + timestamp (4) + bits (4).
	HeaderLen = 76
	// NonceLen is the little-endian nonce appended to the header.
	NonceLen = 4
	// TargetLen is the threshold size, equal to the hash output size.
	TargetLen = 32

	saltLen = 16
)

var (
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
	ErrBadHeaderLen     = errors.New("bad work header length")
)

func (a HashAlgorithm) String() string {
	switch a {
	case AlgoScrypt:
		return "scrypt"
	case AlgoSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

func ParseAlgorithm(s string) (HashAlgorithm, error) {
	switch s {
	case "scrypt":
		return AlgoScrypt, nil
	case "sha256":
		return AlgoSHA256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

// WorkHasher hashes a fixed work header against varying nonces.
// The input buffer is preallocated with a nonce placeholder so the
// search loop allocates nothing per attempt. Not safe for concurrent
// use; independent instances are.
type WorkHasher struct {
	algo  HashAlgorithm
	input []byte // header followed by NonceLen placeholder bytes
	h     hash.Hash
}

// NewWorkHasher prepares a hasher for one work header.
func NewWorkHasher(algo HashAlgorithm, header []byte) (*WorkHasher, error) {
	if len(header) != HeaderLen {
		return nil, fmt.Errorf("%w: %d, want %d", ErrBadHeaderLen, len(header), HeaderLen)
	}
	w := &WorkHasher{algo: algo, input: make([]byte, 0, HeaderLen+NonceLen)}
	w.input = append(w.input, header...)
	w.input = append(w.input, make([]byte, NonceLen)...)

	switch algo {
	case AlgoScrypt:
	case AlgoSHA256:
		w.h = sha256.New()
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, algo)
	}
	return w, nil
}

// Sum returns the hash for the given nonce, appended to out.
func (w *WorkHasher) Sum(nonce uint32, out []byte) []byte {
	binary.LittleEndian.PutUint32(w.input[len(w.input)-NonceLen:], nonce)

	switch w.algo {
	case AlgoScrypt:
		// Salted with the input's own first 16 bytes.
		sum, err := scrypt.Key(w.input, w.input[:saltLen], scryptN, scryptR, scryptP, scryptK)
		if err != nil {
			panic(err) // parameters are compile-time constants
		}
		return append(out, sum...)
	default:
		w.h.Reset()
		w.h.Write(w.input)
		return w.h.Sum(out)
	}
}

// HashWork is the one-shot form of WorkHasher for verification paths.
func HashWork(algo HashAlgorithm, header []byte, nonce uint32) ([]byte, error) {
	w, err := NewWorkHasher(algo, header)
	if err != nil {
		return nil, err
	}
	return w.Sum(nonce, nil), nil
}

// TargetFromDifficulty expands a difficulty value to the 32-byte
// threshold: the value little-endian in the low four bytes, the
// remaining bytes saturated.
func TargetFromDifficulty(difficulty uint32) []byte {
	target := make([]byte, TargetLen)
	binary.LittleEndian.PutUint32(target, difficulty)
	for i := NonceLen; i < TargetLen; i++ {
		target[i] = 0xff
	}
	return target
}

// MeetsTarget reports whether hash ≤ target with both read as
// little-endian integers, comparing from the most significant byte
// down.
func MeetsTarget(hash, target []byte) bool {
	if len(hash) != TargetLen || len(target) != TargetLen {
		return false
	}
	for i := TargetLen - 1; i >= 0; i-- {
		switch {
		case hash[i] < target[i]:
			return true
		case hash[i] > target[i]:
			return false
		}
	}
	return true // equal counts
}
