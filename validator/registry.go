package validator

import (
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"

	"github.com/hashworknet/hashwork/shared"
)

// DualEWMA is one coupled estimator tracking the same signal at two
// horizons. Both rates update on every observation; their divergence
// (fast minus slow) is itself a trend signal. The first observation
// seeds both rates to avoid a long warmup from zero.
type DualEWMA struct {
	Fast   float64
	Slow   float64
	Seeded bool
}

func (e *DualEWMA) Update(x, alphaLow, alphaHigh float64) {
	if !e.Seeded {
		e.Fast = x
		e.Slow = x
		e.Seeded = true
		return
	}
	e.Fast = alphaHigh*x + (1-alphaHigh)*e.Fast
	e.Slow = alphaLow*x + (1-alphaLow)*e.Slow
}

func (e *DualEWMA) Divergence() float64 {
	return e.Fast - e.Slow
}

// MinerRecord is the rolling performance state of one miner. It is
// stored by value: readers always observe a consistent copy, and all
// mutation goes through Registry.Update, which the service calls only
// from the miner's owning goroutine. Records persist across challenges
// and survive restarts via checkpoints; they are never deleted while
// the miner is active.
type MinerRecord struct {
	MinerID   string
	FirstSeen time.Time
	LastSeen  time.Time

	ChallengeCount uint64 // settled challenges (accepted, failed or expired)
	SuccessCount   uint64 // accepted challenges
	SubmittedCount uint64 // proofs received, any verdict

	Success   DualEWMA // success rate per settled challenge
	Weight    DualEWMA // consensus weight fold, updated per epoch
	LatencyMS float64  // solve time of accepted proofs
	LatencySq float64  // second moment of the same signal
	ErrorRate float64  // verification rejections per observed event

	HashrateKHS float64 // implied from difficulty and solve time

	Difficulty  uint32 // per-miner difficulty target
	AboveStreak int    // consecutive challenges with fast rate above the high band
	BelowStreak int    // consecutive challenges with fast rate below the low band
	SinceAdjust int    // challenges since the last difficulty adjustment

	ConsensusWeight float64 // last exported normalized weight
}

// SuccessRatio is the raw lifetime accepted/settled ratio.
func (r *MinerRecord) SuccessRatio() float64 {
	if r.ChallengeCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.ChallengeCount)
}

// EfficiencyRatio is the rolling accepted/submitted ratio.
func (r *MinerRecord) EfficiencyRatio() float64 {
	if r.SubmittedCount == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.SubmittedCount)
}

// LatencyStdDev estimates the deviation of recent solve times from the
// EWMA first and second moments.
func (r *MinerRecord) LatencyStdDev() float64 {
	variance := r.LatencySq - r.LatencyMS*r.LatencyMS
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func (r *MinerRecord) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("miner", r.MinerID)
	enc.AddUint64("challenges", r.ChallengeCount)
	enc.AddUint64("accepted", r.SuccessCount)
	enc.AddFloat64("fastSuccess", r.Success.Fast)
	enc.AddFloat64("slowSuccess", r.Success.Slow)
	enc.AddFloat64("weight", r.ConsensusWeight)
	enc.AddString("difficulty", difficultyHex(r.Difficulty))
	return nil
}

// Outcome is one settled event attributed to a miner: a challenge
// reaching a terminal state, or an orphan proof (stale, duplicate)
// that settles nothing but still counts against the miner.
type Outcome struct {
	MinerID     string
	ChallengeID string
	Class       shared.ChallengeClass
	Verdict     shared.ChallengeState
	Difficulty  uint32
	ElapsedMS   uint64 // server-observed, accepted proofs only
	Submitted   bool   // a proof arrived (false for Expired)
}

// SettlesChallenge reports whether this outcome is the terminal state
// of a live challenge. Stale and duplicate proofs reference challenges
// that already settled, so they never count a second failure against
// the success estimators.
func (o *Outcome) SettlesChallenge() bool {
	switch o.Verdict {
	case shared.Accepted, shared.RejectedInvalid, shared.RejectedLate, shared.Expired:
		return true
	default:
		return false
	}
}

func (o *Outcome) rejectedForCause() bool {
	switch o.Verdict {
	case shared.RejectedInvalid, shared.RejectedLate, shared.RejectedStale, shared.RejectedDuplicate:
		return true
	default:
		return false
	}
}

// Registry holds all miner records. Reads may come from any goroutine
// (API handlers, the epoch aggregation pass); updates are serialized
// per miner by the service's owner goroutines, with Compute providing
// the final copy-on-write barrier.
type Registry struct {
	cfg     *Config
	records *xsync.Map[string, MinerRecord]
	clock   func() time.Time
}

func NewRegistry(cfg *Config) *Registry {
	return &Registry{
		cfg:     cfg,
		records: xsync.NewMap[string, MinerRecord](),
		clock:   time.Now,
	}
}

func (r *Registry) newRecord(minerID string, now time.Time) MinerRecord {
	return MinerRecord{
		MinerID:     minerID,
		FirstSeen:   now,
		LastSeen:    now,
		Difficulty:  r.cfg.BaseDifficulty,
		SinceAdjust: r.cfg.TrackingPeriod,
	}
}

// Get returns a copy of the miner's record.
func (r *Registry) Get(minerID string) (MinerRecord, bool) {
	return r.records.Load(minerID)
}

// Touch ensures a record exists for the miner and returns it.
func (r *Registry) Touch(minerID string) MinerRecord {
	rec, _ := r.records.LoadOrStore(minerID, r.newRecord(minerID, r.clock()))
	return rec
}

// Update applies fn to the miner's record under the map's per-key
// atomicity and returns the updated copy. The record is created on
// first contact.
func (r *Registry) Update(minerID string, fn func(*MinerRecord)) MinerRecord {
	updated, _ := r.records.Compute(minerID, func(old MinerRecord, loaded bool) (MinerRecord, xsync.ComputeOp) {
		if !loaded {
			old = r.newRecord(minerID, r.clock())
		}
		fn(&old)
		return old, xsync.UpdateOp
	})
	return updated
}

// RecordOutcome folds one settled event into the miner's rolling
// statistics: success estimators per settled challenge, error rate per
// received-or-settled event, solve time moments and the implied
// hashrate for accepted proofs.
func (r *Registry) RecordOutcome(o Outcome) MinerRecord {
	now := r.clock()
	return r.Update(o.MinerID, func(rec *MinerRecord) {
		rec.LastSeen = now

		if o.Submitted {
			rec.SubmittedCount++
		}

		errX := 0.0
		if o.rejectedForCause() {
			errX = 1.0
		}
		rec.ErrorRate = r.cfg.AlphaHigh*errX + (1-r.cfg.AlphaHigh)*rec.ErrorRate

		if !o.SettlesChallenge() {
			return
		}

		rec.ChallengeCount++
		successX := 0.0
		if o.Verdict == shared.Accepted {
			successX = 1.0
			rec.SuccessCount++
		}
		rec.Success.Update(successX, r.cfg.AlphaLow, r.cfg.AlphaHigh)

		if o.Verdict == shared.Accepted && o.ElapsedMS > 0 {
			elapsed := float64(o.ElapsedMS)
			if rec.LatencyMS == 0 {
				rec.LatencyMS = elapsed
				rec.LatencySq = elapsed * elapsed
			} else {
				rec.LatencyMS = r.cfg.AlphaHigh*elapsed + (1-r.cfg.AlphaHigh)*rec.LatencyMS
				rec.LatencySq = r.cfg.AlphaHigh*elapsed*elapsed + (1-r.cfg.AlphaHigh)*rec.LatencySq
			}

			// Expected attempts for this difficulty divided by the
			// solve time in ms gives thousands of hashes per second.
			expected := math.Exp2(32) / (float64(o.Difficulty) + 1)
			khs := expected / elapsed
			if rec.HashrateKHS == 0 {
				rec.HashrateKHS = khs
			} else {
				rec.HashrateKHS = r.cfg.AlphaHigh*khs + (1-r.cfg.AlphaHigh)*rec.HashrateKHS
			}
		}
	})
}

// Snapshot returns copies of all records, ordered by miner id so the
// epoch aggregation pass and the weight commitment are deterministic.
func (r *Registry) Snapshot() []MinerRecord {
	records := make([]MinerRecord, 0, r.records.Size())
	r.records.Range(func(_ string, rec MinerRecord) bool {
		records = append(records, rec)
		return true
	})
	slices.SortFunc(records, func(a, b MinerRecord) bool {
		return a.MinerID < b.MinerID
	})
	return records
}

// Restore loads checkpointed records, replacing any current state.
func (r *Registry) Restore(records []MinerRecord) {
	r.records.Clear()
	for _, rec := range records {
		r.records.Store(rec.MinerID, rec)
	}
}

func (r *Registry) Len() int {
	return r.records.Size()
}
