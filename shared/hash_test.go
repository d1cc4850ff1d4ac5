package shared_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/scrypt"

	"github.com/hashworknet/hashwork/shared"
)

func testHeader(t *testing.T, difficulty uint32) []byte {
	t.Helper()
	header, err := shared.NewWorkHeader(difficulty, time.Now(), rand.Reader)
	require.NoError(t, err)
	return header
}

func TestNewWorkHeader(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	header, err := shared.NewWorkHeader(0x0000ffff, now, rand.Reader)
	require.NoError(t, err)
	require.Len(t, header, shared.HeaderLen)

	require.EqualValues(t, 1, binary.LittleEndian.Uint32(header[:4]))
	require.EqualValues(t, now.Unix(), binary.LittleEndian.Uint32(header[68:72]))
	require.EqualValues(t, 0x0000ffff, binary.LittleEndian.Uint32(header[72:76]))

	other, err := shared.NewWorkHeader(0x0000ffff, now, rand.Reader)
	require.NoError(t, err)
	require.NotEqual(t, header, other, "headers must never repeat")
}

func TestTargetFromDifficulty(t *testing.T) {
	t.Parallel()
	target := shared.TargetFromDifficulty(0x0000ffff)
	require.Len(t, target, shared.TargetLen)
	require.EqualValues(t, 0x0000ffff, binary.LittleEndian.Uint32(target[:4]))
	require.Equal(t, bytes.Repeat([]byte{0xff}, 28), target[4:])
}

func TestMeetsTarget(t *testing.T) {
	t.Parallel()
	target := shared.TargetFromDifficulty(0x0000ffff)

	equal := make([]byte, shared.TargetLen)
	copy(equal, target)
	require.True(t, shared.MeetsTarget(equal, target), "equal hash counts as meeting the target")

	// The comparison is little-endian: byte 31 is the most significant.
	below := make([]byte, shared.TargetLen)
	copy(below, target)
	below[31] = 0xfe
	require.True(t, shared.MeetsTarget(below, target))

	above := make([]byte, shared.TargetLen)
	copy(above, target)
	above[3] = 0x01 // raise the high byte of the uint32 prefix
	require.False(t, shared.MeetsTarget(above, target))

	require.False(t, shared.MeetsTarget([]byte{0x00}, target), "short hash never meets")
}

func TestWorkHasherSha256(t *testing.T) {
	t.Parallel()
	header := testHeader(t, 0x00ffffff)
	hasher, err := shared.NewWorkHasher(shared.AlgoSHA256, header)
	require.NoError(t, err)

	input := make([]byte, 0, shared.HeaderLen+shared.NonceLen)
	input = append(input, header...)
	input = binary.LittleEndian.AppendUint32(input, 12345)
	want := sha256.Sum256(input)
	require.Equal(t, want[:], hasher.Sum(12345, nil))

	// Reusing the hasher with a different nonce must not leak state.
	input2 := binary.LittleEndian.AppendUint32(append([]byte{}, header...), 999)
	want2 := sha256.Sum256(input2)
	require.Equal(t, want2[:], hasher.Sum(999, nil))
}

func TestWorkHasherScrypt(t *testing.T) {
	t.Parallel()
	header := testHeader(t, 0x00ffffff)
	hasher, err := shared.NewWorkHasher(shared.AlgoScrypt, header)
	require.NoError(t, err)

	input := append(append([]byte{}, header...), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(input[shared.HeaderLen:], 7)
	want, err := scrypt.Key(input, input[:16], 1024, 1, 1, 32)
	require.NoError(t, err)
	require.Equal(t, want, hasher.Sum(7, nil))
}

func TestHashWorkMatchesHasher(t *testing.T) {
	t.Parallel()
	header := testHeader(t, 0x0000ffff)
	hasher, err := shared.NewWorkHasher(shared.AlgoSHA256, header)
	require.NoError(t, err)

	oneShot, err := shared.HashWork(shared.AlgoSHA256, header, 42)
	require.NoError(t, err)
	require.Equal(t, hasher.Sum(42, nil), oneShot)
}

func TestWorkHasherRejectsBadHeader(t *testing.T) {
	t.Parallel()
	_, err := shared.NewWorkHasher(shared.AlgoSHA256, make([]byte, 10))
	require.ErrorIs(t, err, shared.ErrBadHeaderLen)

	_, err = shared.NewWorkHasher(shared.HashAlgorithm(99), make([]byte, shared.HeaderLen))
	require.ErrorIs(t, err, shared.ErrUnknownAlgorithm)
}

func TestDeriveChallengeID(t *testing.T) {
	t.Parallel()
	issued := time.Unix(1700000000, 123456789)
	header := testHeader(t, 0x0000ffff)

	id := shared.DeriveChallengeID(header, 0x0000ffff, issued)
	require.Len(t, id, shared.ChallengeIDLen)
	require.Equal(t, id, shared.DeriveChallengeID(header, 0x0000ffff, issued),
		"identical parameters must derive the identical id")

	require.NotEqual(t, id, shared.DeriveChallengeID(header, 0x0000fffe, issued))
	require.NotEqual(t, id, shared.DeriveChallengeID(header, 0x0000ffff, issued.Add(time.Nanosecond)))
}

func benchmarkWorkHasher(b *testing.B, algo shared.HashAlgorithm) {
	header := make([]byte, shared.HeaderLen)
	if _, err := rand.Read(header); err != nil {
		b.Fatal(err)
	}
	hasher, err := shared.NewWorkHasher(algo, header)
	if err != nil {
		b.Fatal(err)
	}

	var out []byte
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out = hasher.Sum(uint32(i), out[:0])
	}
}

func BenchmarkWorkHasherSha256(b *testing.B) {
	benchmarkWorkHasher(b, shared.AlgoSHA256)
}

func BenchmarkWorkHasherScrypt(b *testing.B) {
	benchmarkWorkHasher(b, shared.AlgoScrypt)
}
