package miner

import (
	"context"
	"time"

	"github.com/hashworknet/hashwork/shared"
)

// checkMask batches context and clock checks so the scan loop stays
// hash-bound.
const checkMask = 1<<10 - 1

// ScanResult is the outcome of one nonce range scan.
type ScanResult struct {
	Nonce uint32
	Found bool
	Tried uint64
}

// ScanRange searches [start, end) for a nonce whose work hash meets
// the target. It stops early at the deadline (zero means none) or on
// context cancellation; Tried counts hashes either way.
func ScanRange(
	ctx context.Context,
	algo shared.HashAlgorithm,
	header, target []byte,
	start, end uint64,
	deadline time.Time,
) (ScanResult, error) {
	hasher, err := shared.NewWorkHasher(algo, header)
	if err != nil {
		return ScanResult{}, err
	}
	var (
		res ScanResult
		sum []byte
	)
	for nonce := start; nonce < end; nonce++ {
		if res.Tried&checkMask == 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return res, nil
			}
		}
		sum = hasher.Sum(uint32(nonce), sum[:0])
		res.Tried++
		if shared.MeetsTarget(sum, target) {
			res.Nonce = uint32(nonce)
			res.Found = true
			return res, nil
		}
	}
	return res, nil
}
