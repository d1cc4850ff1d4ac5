package validator

import (
	"fmt"

	"github.com/hashworknet/hashwork/shared"
)

func difficultyHex(difficulty uint32) string {
	return fmt.Sprintf("%#08x", difficulty)
}

// DifficultyController adapts each miner's difficulty target to its
// fast success trend. The fast estimator decides, the slow one is the
// baseline the divergence is measured against; the controller itself
// only reads what RecordOutcome already folded in.
type DifficultyController struct {
	cfg *Config
}

func NewDifficultyController(cfg *Config) *DifficultyController {
	return &DifficultyController{cfg: cfg}
}

// Observe advances the miner's hysteresis state for one settled
// challenge and adjusts the difficulty target at most once per
// tracking period: tighten after a full period above the high band,
// loosen after a full period below the low band, always clamped to the
// configured bounds. It reports whether the target actually moved.
// Must be called with the record held by Registry.Update.
func (c *DifficultyController) Observe(rec *MinerRecord) bool {
	rec.SinceAdjust++

	switch {
	case rec.Success.Fast > c.cfg.HighPerformanceBand:
		rec.AboveStreak++
		rec.BelowStreak = 0
	case rec.Success.Fast < c.cfg.LowPerformanceBand:
		rec.BelowStreak++
		rec.AboveStreak = 0
	default:
		rec.AboveStreak = 0
		rec.BelowStreak = 0
	}

	if rec.SinceAdjust < c.cfg.TrackingPeriod {
		return false
	}

	adjusted := rec.Difficulty
	switch {
	case rec.AboveStreak >= c.cfg.TrackingPeriod:
		adjusted = c.cfg.ClampDifficulty(uint32(float64(rec.Difficulty) / c.cfg.AdjustmentFactor))
	case rec.BelowStreak >= c.cfg.TrackingPeriod:
		adjusted = c.cfg.ClampDifficulty(uint32(float64(rec.Difficulty) * c.cfg.AdjustmentFactor))
	default:
		return false
	}

	if adjusted == rec.Difficulty {
		// Pinned at a bound; nothing moved, so the period is not spent.
		return false
	}

	rec.Difficulty = adjusted
	rec.AboveStreak = 0
	rec.BelowStreak = 0
	rec.SinceAdjust = 0
	return true
}

// TargetFor overrides the class base difficulty with the miner's
// personal target: high difficulty challenges run four times harder,
// time pressure challenges twice as easy against a much shorter
// window, efficiency tests mildly easier. All clamped to bounds.
func (c *DifficultyController) TargetFor(rec *MinerRecord, class shared.ChallengeClass) uint32 {
	base := rec.Difficulty
	if base == 0 {
		base = c.cfg.BaseDifficulty
	}
	switch class {
	case shared.ClassHighDifficulty:
		return c.cfg.ClampDifficulty(base / 4)
	case shared.ClassTimePressure:
		return c.cfg.ClampDifficulty(base * 2)
	case shared.ClassEfficiencyTest:
		return c.cfg.ClampDifficulty(base + base/2)
	default:
		return c.cfg.ClampDifficulty(base)
	}
}

// Trend exposes the dual-rate divergence: positive when the miner is
// improving against its long-run baseline, negative when degrading.
func (c *DifficultyController) Trend(rec *MinerRecord) float64 {
	return rec.Success.Divergence()
}
