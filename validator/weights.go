package validator

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/spacemeshos/merkle-tree"
	"github.com/zeebo/blake3"
	"go.uber.org/zap/zapcore"
)

// MinerWeight pairs a miner with its normalized share of consensus
// weight.
type MinerWeight struct {
	MinerID string
	Weight  float64
}

// WeightSet is the committed output of one epoch: the normalized
// weights of every miner that cleared the floor, in miner id order,
// plus the merkle root they hash to. The root is what gets published;
// the flat list lets any party rebuild and check it.
type WeightSet struct {
	Epoch      uint64
	ComputedAt time.Time
	Weights    []MinerWeight
	Root       []byte
}

func (ws *WeightSet) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("epoch", ws.Epoch)
	enc.AddInt("miners", len(ws.Weights))
	enc.AddString("root", hex.EncodeToString(ws.Root))
	return nil
}

type epochTally struct {
	Total float64
	Count uint64
}

// WeightAggregator accumulates per-challenge scores over an epoch and
// folds them into long-horizon miner weights at the epoch boundary.
type WeightAggregator struct {
	cfg      *Config
	registry *Registry
	tallies  *xsync.Map[string, epochTally]
	clock    func() time.Time
}

func NewWeightAggregator(cfg *Config, registry *Registry) *WeightAggregator {
	return &WeightAggregator{
		cfg:      cfg,
		registry: registry,
		tallies:  xsync.NewMap[string, epochTally](),
		clock:    time.Now,
	}
}

// Observe adds one settled score to the current epoch's tally.
func (a *WeightAggregator) Observe(score Score) {
	a.tallies.Compute(score.MinerID, func(old epochTally, _ bool) (epochTally, xsync.ComputeOp) {
		old.Total += score.Final
		old.Count++
		return old, xsync.UpdateOp
	})
}

// Close folds the epoch tallies into every miner's weight trend and
// produces the epoch's committed weight set. Miners that were silent
// all epoch fold a zero, so idle weight decays instead of lingering.
// Miners below the weight floor are excluded before normalization.
func (a *WeightAggregator) Close(epoch uint64) (*WeightSet, error) {
	now := a.clock()
	records := a.registry.Snapshot()

	weights := make([]MinerWeight, 0, len(records))
	var sum float64
	for _, rec := range records {
		tally, _ := a.tallies.Load(rec.MinerID)
		var avg float64
		if tally.Count > 0 {
			avg = tally.Total / float64(tally.Count)
		}
		updated := a.registry.Update(rec.MinerID, func(r *MinerRecord) {
			r.Weight.Update(avg, a.cfg.AlphaLow, a.cfg.AlphaHigh)
			r.ConsensusWeight = 0
		})

		raw := updated.Weight.Slow
		if a.earlyBoost(&updated) {
			raw *= 1 + a.cfg.BondAggressiveness
		}
		if raw < a.cfg.ConsensusWeightThreshold {
			continue
		}
		weights = append(weights, MinerWeight{MinerID: rec.MinerID, Weight: raw})
		sum += raw
	}
	a.tallies.Clear()

	if sum > 0 {
		for i := range weights {
			weights[i].Weight /= sum
		}
	}
	for _, w := range weights {
		a.registry.Update(w.MinerID, func(r *MinerRecord) {
			r.ConsensusWeight = w.Weight
		})
	}

	root, err := commitmentRoot(weights)
	if err != nil {
		return nil, err
	}
	return &WeightSet{
		Epoch:      epoch,
		ComputedAt: now,
		Weights:    weights,
		Root:       root,
	}, nil
}

// earlyBoost reports whether a young miner has proven itself fast
// enough to deserve a bonded weight boost. The boost cuts off sharply
// once the miner has a full track record.
func (a *WeightAggregator) earlyBoost(rec *MinerRecord) bool {
	if rec.ChallengeCount >= uint64(a.cfg.NewMinerThreshold) {
		return false
	}
	return rec.SuccessRatio() >= a.cfg.PerformanceThreshold
}

// weightLeaf encodes one miner's share as a commitment tree leaf. The
// weight is committed bit exact so independent recomputation either
// matches the root or it doesn't.
func weightLeaf(w MinerWeight) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x00})
	_, _ = hasher.Write([]byte(w.MinerID))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(w.Weight))
	_, _ = hasher.Write(buf[:])
	return hasher.Sum(nil)
}

// hashWeightNode calculates internal nodes of the weight commitment
// tree, domain separated from the leaves.
func hashWeightNode(buf, lChild, rChild []byte) []byte {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte{0x01})
	_, _ = hasher.Write(lChild)
	_, _ = hasher.Write(rChild)
	return hasher.Sum(buf)
}

func commitmentRoot(weights []MinerWeight) ([]byte, error) {
	if len(weights) == 0 {
		return nil, nil
	}
	tree, err := merkle.NewTreeBuilder().
		WithHashFunc(hashWeightNode).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize merkle tree: %v", err)
	}
	for _, w := range weights {
		if err := tree.AddLeaf(weightLeaf(w)); err != nil {
			return nil, err
		}
	}
	return tree.Root(), nil
}
