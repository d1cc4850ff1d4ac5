package validator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashworknet/hashwork/validator"
)

func TestCloseEpochNormalizesWeights(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	registry := validator.NewRegistry(cfg)
	aggregator := validator.NewWeightAggregator(cfg, registry)

	registry.Touch("active")
	registry.Touch("silent")

	aggregator.Observe(validator.Score{MinerID: "active", ChallengeID: "c1", Final: 2.0})
	aggregator.Observe(validator.Score{MinerID: "active", ChallengeID: "c2", Final: 2.0})

	ws, err := aggregator.Close(1)
	req.NoError(err)
	req.Equal(uint64(1), ws.Epoch)

	// The silent miner folds a zero and falls under the floor.
	req.Len(ws.Weights, 1)
	req.Equal("active", ws.Weights[0].MinerID)
	req.Equal(1.0, ws.Weights[0].Weight)
	req.NotEmpty(ws.Root)

	active, ok := registry.Get("active")
	req.True(ok)
	req.Equal(1.0, active.ConsensusWeight)
	silent, ok := registry.Get("silent")
	req.True(ok)
	req.Zero(silent.ConsensusWeight)
}

func TestCloseEpochEarlyBoostCliff(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()

	// A promising young miner with the same epoch scores as a mature
	// one gets the bonded boost, but only until it has a full track
	// record.
	weightsAt := func(youngCount uint64) []validator.MinerWeight {
		registry := validator.NewRegistry(cfg)
		aggregator := validator.NewWeightAggregator(cfg, registry)

		registry.Update("young", func(r *validator.MinerRecord) {
			r.ChallengeCount = youngCount
			r.SuccessCount = youngCount
		})
		registry.Update("mature", func(r *validator.MinerRecord) {
			r.ChallengeCount = uint64(cfg.NewMinerThreshold)
			r.SuccessCount = uint64(cfg.NewMinerThreshold)
		})
		aggregator.Observe(validator.Score{MinerID: "young", ChallengeID: "c1", Final: 1.0})
		aggregator.Observe(validator.Score{MinerID: "mature", ChallengeID: "c2", Final: 1.0})

		ws, err := aggregator.Close(1)
		req.NoError(err)
		req.Len(ws.Weights, 2)
		return ws.Weights
	}

	boosted := weightsAt(uint64(cfg.NewMinerThreshold) - 1)
	req.Equal("mature", boosted[0].MinerID)
	req.InDelta(0.4, boosted[0].Weight, 1e-9)
	req.InDelta(0.6, boosted[1].Weight, 1e-9)

	// One challenge later the cliff removes the boost entirely.
	flat := weightsAt(uint64(cfg.NewMinerThreshold))
	req.InDelta(0.5, flat[0].Weight, 1e-9)
	req.InDelta(0.5, flat[1].Weight, 1e-9)
}

func TestCloseEpochBoostNeedsPerformance(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	registry := validator.NewRegistry(cfg)
	aggregator := validator.NewWeightAggregator(cfg, registry)

	// Young but failing more than the performance threshold allows.
	registry.Update("young", func(r *validator.MinerRecord) {
		r.ChallengeCount = 3
		r.SuccessCount = 1
	})
	registry.Update("mature", func(r *validator.MinerRecord) {
		r.ChallengeCount = 50
		r.SuccessCount = 50
	})
	aggregator.Observe(validator.Score{MinerID: "young", ChallengeID: "c1", Final: 1.0})
	aggregator.Observe(validator.Score{MinerID: "mature", ChallengeID: "c2", Final: 1.0})

	ws, err := aggregator.Close(1)
	req.NoError(err)
	req.Len(ws.Weights, 2)
	req.InDelta(0.5, ws.Weights[0].Weight, 1e-9)
	req.InDelta(0.5, ws.Weights[1].Weight, 1e-9)
}

func TestCommitmentRootIsDeterministic(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()

	build := func(finalScore float64) []byte {
		registry := validator.NewRegistry(cfg)
		aggregator := validator.NewWeightAggregator(cfg, registry)
		registry.Touch("a")
		registry.Touch("b")
		aggregator.Observe(validator.Score{MinerID: "a", ChallengeID: "c1", Final: finalScore})
		aggregator.Observe(validator.Score{MinerID: "b", ChallengeID: "c2", Final: 1.0})
		ws, err := aggregator.Close(7)
		req.NoError(err)
		return ws.Root
	}

	first := build(2.0)
	second := build(2.0)
	req.Equal(first, second)

	perturbed := build(1.5)
	req.NotEqual(first, perturbed)
}

func TestCloseEpochEmptyRegistry(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	aggregator := validator.NewWeightAggregator(cfg, validator.NewRegistry(cfg))

	ws, err := aggregator.Close(0)
	req.NoError(err)
	req.Empty(ws.Weights)
	req.Empty(ws.Root)
}

func TestCloseEpochDecaysIdleMiner(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	registry := validator.NewRegistry(cfg)
	aggregator := validator.NewWeightAggregator(cfg, registry)

	registry.Touch("fading")
	aggregator.Observe(validator.Score{MinerID: "fading", ChallengeID: "c1", Final: 2.0})
	_, err := aggregator.Close(1)
	req.NoError(err)

	first, ok := registry.Get("fading")
	req.True(ok)
	req.Equal(2.0, first.Weight.Slow)

	// Silent epochs fold zeros, so the long horizon weight decays.
	for epoch := uint64(2); epoch < 5; epoch++ {
		_, err = aggregator.Close(epoch)
		req.NoError(err)
	}
	faded, ok := registry.Get("fading")
	req.True(ok)
	req.Less(faded.Weight.Slow, first.Weight.Slow)
	req.Positive(faded.Weight.Slow)
}
