package validator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/validator"
)

func TestDifficultyTightensOncePerTrackingPeriod(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	controller := validator.NewDifficultyController(cfg)
	registry := validator.NewRegistry(cfg)

	rec := registry.Touch("m1")
	rec.Success.Update(1.0, cfg.AlphaLow, cfg.AlphaHigh)

	var difficulties []uint32
	adjustments := 0
	for i := 0; i < 3*cfg.TrackingPeriod; i++ {
		if controller.Observe(&rec) {
			adjustments++
			difficulties = append(difficulties, rec.Difficulty)
		}
	}

	// A sustained run above the high band moves the target exactly
	// once per tracking period, each step harder than the last.
	req.Equal(3, adjustments)
	req.Len(difficulties, 3)
	prev := cfg.BaseDifficulty
	for _, d := range difficulties {
		req.Less(d, prev)
		req.GreaterOrEqual(d, cfg.MinDifficulty)
		prev = d
	}
	req.Equal(uint32(float64(cfg.BaseDifficulty)/cfg.AdjustmentFactor), difficulties[0])
}

func TestDifficultyLoosensOnSustainedFailure(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	controller := validator.NewDifficultyController(cfg)
	registry := validator.NewRegistry(cfg)

	rec := registry.Touch("m1")
	rec.Success.Update(0.0, cfg.AlphaLow, cfg.AlphaHigh)

	adjusted := false
	for i := 0; i < cfg.TrackingPeriod; i++ {
		adjusted = controller.Observe(&rec)
	}
	req.True(adjusted)
	req.Equal(uint32(float64(cfg.BaseDifficulty)*cfg.AdjustmentFactor), rec.Difficulty)
	req.LessOrEqual(rec.Difficulty, cfg.MaxDifficulty)
}

func TestDifficultyStreakResetsOnMixedResults(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	controller := validator.NewDifficultyController(cfg)
	registry := validator.NewRegistry(cfg)

	rec := registry.Touch("m1")

	// Interleave the trend so no streak ever reaches a full period.
	for i := 0; i < 5*cfg.TrackingPeriod; i++ {
		if i%cfg.TrackingPeriod == cfg.TrackingPeriod-1 {
			rec.Success.Fast = 0.5
		} else {
			rec.Success.Fast = 1.0
		}
		req.False(controller.Observe(&rec))
	}
	req.Equal(cfg.BaseDifficulty, rec.Difficulty)
}

func TestDifficultyPinnedAtBoundKeepsPeriod(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	controller := validator.NewDifficultyController(cfg)
	registry := validator.NewRegistry(cfg)

	rec := registry.Touch("m1")
	rec.Difficulty = cfg.MinDifficulty
	rec.Success.Fast = 1.0

	for i := 0; i < 2*cfg.TrackingPeriod; i++ {
		req.False(controller.Observe(&rec))
	}
	req.Equal(cfg.MinDifficulty, rec.Difficulty)
}

func TestTargetForScalesByClass(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	controller := validator.NewDifficultyController(cfg)
	registry := validator.NewRegistry(cfg)

	rec := registry.Touch("m1")
	base := rec.Difficulty

	req.Equal(base, controller.TargetFor(&rec, shared.ClassStandard))
	req.Equal(base/4, controller.TargetFor(&rec, shared.ClassHighDifficulty))
	req.Equal(base*2, controller.TargetFor(&rec, shared.ClassTimePressure))
	req.Equal(base+base/2, controller.TargetFor(&rec, shared.ClassEfficiencyTest))
}

func TestTargetForClampsAtBounds(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	cfg := testConfig()
	controller := validator.NewDifficultyController(cfg)
	registry := validator.NewRegistry(cfg)

	rec := registry.Touch("m1")

	rec.Difficulty = cfg.MinDifficulty
	req.Equal(cfg.MinDifficulty, controller.TargetFor(&rec, shared.ClassHighDifficulty))

	rec.Difficulty = cfg.MaxDifficulty
	req.Equal(cfg.MaxDifficulty, controller.TargetFor(&rec, shared.ClassTimePressure))
}
