package shared

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/minio/sha256-simd"
)

const headerVersion = 1

// NewWorkHeader builds a fresh 76-byte work header. The previous-hash
// and merkle-root fields are drawn from rnd so no two headers repeat;
// the difficulty bits are embedded so a header commits to the target
// it was issued against.
func NewWorkHeader(difficulty uint32, now time.Time, rnd io.Reader) ([]byte, error) {
	header := make([]byte, 0, HeaderLen)
	header = binary.LittleEndian.AppendUint32(header, headerVersion)

	prevHash := make([]byte, 32)
	if _, err := io.ReadFull(rnd, prevHash); err != nil {
		return nil, fmt.Errorf("reading previous hash entropy: %w", err)
	}
	header = append(header, prevHash...)

	// The merkle field is the digest of fresh entropy rather than
	// raw entropy, matching real block headers in shape.
	seed := make([]byte, 64)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, fmt.Errorf("reading merkle entropy: %w", err)
	}
	merkleRoot := sha256.Sum256(seed)
	header = append(header, merkleRoot[:]...)

	header = binary.LittleEndian.AppendUint32(header, uint32(now.Unix()))
	header = binary.LittleEndian.AppendUint32(header, difficulty)
	return header, nil
}

// ChallengeIDLen is the length of a derived challenge id in hex chars.
const ChallengeIDLen = 32

// DeriveChallengeID computes the deterministic id of a challenge from
// its payload, target and issue time. Reissuing identical parameters
// yields the identical id, which makes duplicate detection idempotent.
func DeriveChallengeID(payload []byte, difficulty uint32, issuedAt time.Time) string {
	h := sha256.New()
	h.Write(payload)
	h.Write(TargetFromDifficulty(difficulty))
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(issuedAt.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))[:ChallengeIDLen]
}
