package validator

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/hashworknet/hashwork/shared"
)

// Score is the graded result of one settled challenge. The bonus
// breakdown is kept alongside the final value so any score can be
// replayed and audited from the record snapshot it was computed
// against.
type Score struct {
	ChallengeID string
	MinerID     string
	Class       shared.ChallengeClass
	Verdict     shared.ChallengeState
	ElapsedMS   uint64

	Base        float64
	Speed       float64
	Efficiency  float64
	ClassBonus  float64
	Historical  float64
	Consistency float64
	Final       float64
}

func (s *Score) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("challenge", s.ChallengeID)
	enc.AddString("miner", s.MinerID)
	enc.AddString("verdict", s.Verdict.String())
	enc.AddFloat64("final", s.Final)
	return nil
}

// ScoringEngine converts verification outcomes into bounded scores.
// Scoring is deterministic: the same outcome, record snapshot and
// configuration always produce the same score. The snapshot is the
// record state before the outcome is folded in, so a proof never
// feeds its own bonuses.
type ScoringEngine struct {
	cfg *Config
}

func NewScoringEngine(cfg *Config) *ScoringEngine {
	return &ScoringEngine{cfg: cfg}
}

// Score grades one outcome against the miner's snapshot. Failed and
// expired challenges score zero with no bonuses. Bonuses are additive
// percentages on top of the base score, clamped to the configured cap.
func (s *ScoringEngine) Score(o Outcome, rec MinerRecord) Score {
	score := Score{
		ChallengeID: o.ChallengeID,
		MinerID:     o.MinerID,
		Class:       o.Class,
		Verdict:     o.Verdict,
		ElapsedMS:   o.ElapsedMS,
	}
	if o.Verdict != shared.Accepted {
		return score
	}
	score.Base = 1.0

	score.Speed = s.speedBonus(o.ElapsedMS)
	score.Efficiency = s.efficiencyBonus(&rec)
	if o.Class == shared.ClassHighDifficulty {
		score.ClassBonus = 0.5
	}
	seasoned := rec.ChallengeCount >= uint64(s.cfg.TrackingPeriod)
	if seasoned && rec.Success.Slow > s.cfg.HighPerformanceBand {
		score.Historical = 0.2
	}
	if seasoned && s.consistent(&rec) {
		score.Consistency = 0.15
	}

	total := score.Base + score.Speed + score.Efficiency + score.ClassBonus + score.Historical + score.Consistency
	if total > s.cfg.CapTotal {
		total = s.cfg.CapTotal
	}
	if total < 0 {
		total = 0
	}
	score.Final = total
	return score
}

// speedBonus ramps linearly from zero at the threshold up to +50% for
// an instant solve. Solve times outside the plausibility window earn
// nothing: sub-floor latencies are assumed forged, over-ceiling ones
// are simply not fast.
func (s *ScoringEngine) speedBonus(elapsedMS uint64) float64 {
	elapsed := time.Duration(elapsedMS) * time.Millisecond
	if elapsed < s.cfg.MinPlausibleLatency || elapsed > s.cfg.MaxPlausibleLatency {
		return 0
	}
	threshold := float64(s.cfg.SpeedThreshold / time.Millisecond)
	if threshold <= 0 || float64(elapsedMS) >= threshold {
		return 0
	}
	return 0.5 * (threshold - float64(elapsedMS)) / threshold
}

// efficiencyBonus ramps linearly over the accepted/submitted ratio
// between the configured target and a perfect record, up to +30%.
func (s *ScoringEngine) efficiencyBonus(rec *MinerRecord) float64 {
	ratio := rec.EfficiencyRatio()
	if ratio <= s.cfg.EfficiencyTarget {
		return 0
	}
	span := 1 - s.cfg.EfficiencyTarget
	if span <= 0 {
		return 0.3
	}
	bonus := 0.3 * (ratio - s.cfg.EfficiencyTarget) / span
	if bonus > 0.3 {
		bonus = 0.3
	}
	return bonus
}

// consistent requires both a stable solve time and a small fast/slow
// divergence: low variance alone can mask a miner whose success trend
// is swinging.
func (s *ScoringEngine) consistent(rec *MinerRecord) bool {
	stddev := time.Duration(rec.LatencyStdDev()) * time.Millisecond
	if stddev > s.cfg.StabilityThreshold {
		return false
	}
	divergence := rec.Success.Divergence()
	if divergence < 0 {
		divergence = -divergence
	}
	return divergence <= s.cfg.DivergenceThreshold
}
