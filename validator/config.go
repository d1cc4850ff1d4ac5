package validator

import (
	"fmt"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap/zapcore"

	"github.com/hashworknet/hashwork/shared"
)

const (
	defaultBaseDifficulty = 0x0000ffff
	defaultMinDifficulty  = 0x000000ff // hardest allowed target
	defaultMaxDifficulty  = 0x00ffffff // easiest allowed target
)

func DefaultConfig() Config {
	return Config{
		AlphaLow:       0.05,
		AlphaHigh:      0.40,
		TrackingPeriod: 10,

		BaseDifficulty:   defaultBaseDifficulty,
		MinDifficulty:    defaultMinDifficulty,
		MaxDifficulty:    defaultMaxDifficulty,
		AdjustmentFactor: 1.1,

		WeightStandard:       0.4,
		WeightHighDifficulty: 0.2,
		WeightTimePressure:   0.2,
		WeightEfficiencyTest: 0.2,
		AdaptiveWeights:      true,

		TimeoutStandard:       12 * time.Second,
		TimeoutHighDifficulty: 20 * time.Second,
		TimeoutTimePressure:   6 * time.Second,
		TimeoutEfficiencyTest: 12 * time.Second,

		HighPerformanceBand: 0.8,
		LowPerformanceBand:  0.3,

		SpeedThreshold:      5 * time.Second,
		EfficiencyTarget:    0.8,
		StabilityThreshold:  1500 * time.Millisecond,
		DivergenceThreshold: 0.15,
		CapTotal:            2.5,

		ConsensusWeightThreshold: 0.001,
		NewMinerThreshold:        5,
		PerformanceThreshold:     0.7,
		BondAggressiveness:       0.5,

		Grace:               2 * time.Second,
		MinPlausibleLatency: 100 * time.Millisecond,
		MaxPlausibleLatency: 15 * time.Second,

		HashAlgo:           "scrypt",
		VerifyWorkers:      runtime.NumCPU(),
		ChallengeRetention: 10 * time.Minute,
		ExpiredCacheSize:   8192,
	}
}

//nolint:lll
type Config struct {
	AlphaLow       float64 `long:"alpha-low"       description:"Slow EWMA smoothing factor (long horizon)"`
	AlphaHigh      float64 `long:"alpha-high"      description:"Fast EWMA smoothing factor (short horizon)"`
	TrackingPeriod int     `long:"tracking-period" description:"Challenges per difficulty hysteresis window and history gate"`

	BaseDifficulty   uint32  `long:"base-difficulty"   description:"Starting difficulty target for new miners (smaller is harder)"`
	MinDifficulty    uint32  `long:"min-difficulty"    description:"Hardest difficulty target allowed"`
	MaxDifficulty    uint32  `long:"max-difficulty"    description:"Easiest difficulty target allowed"`
	AdjustmentFactor float64 `long:"adjustment-factor" description:"Multiplicative difficulty adjustment step"`

	WeightStandard       float64 `long:"weight-standard"        description:"Draw weight of standard challenges"`
	WeightHighDifficulty float64 `long:"weight-high-difficulty" description:"Draw weight of high difficulty challenges"`
	WeightTimePressure   float64 `long:"weight-time-pressure"   description:"Draw weight of time pressure challenges"`
	WeightEfficiencyTest float64 `long:"weight-efficiency-test" description:"Draw weight of efficiency test challenges"`
	AdaptiveWeights      bool    `long:"adaptive-weights"       description:"Shift class weights with the recent round success rate"`

	TimeoutStandard       time.Duration `long:"timeout-standard"        description:"Submission window for standard challenges"`
	TimeoutHighDifficulty time.Duration `long:"timeout-high-difficulty" description:"Submission window for high difficulty challenges"`
	TimeoutTimePressure   time.Duration `long:"timeout-time-pressure"   description:"Submission window for time pressure challenges"`
	TimeoutEfficiencyTest time.Duration `long:"timeout-efficiency-test" description:"Submission window for efficiency test challenges"`

	HighPerformanceBand float64 `long:"high-performance-band" description:"Fast success rate above which difficulty tightens"`
	LowPerformanceBand  float64 `long:"low-performance-band"  description:"Fast success rate below which difficulty loosens"`

	SpeedThreshold      time.Duration `long:"speed-threshold"      description:"Solve time under which the speed bonus ramps up"`
	EfficiencyTarget    float64       `long:"efficiency-target"    description:"Accepted/submitted ratio above which the efficiency bonus ramps up"`
	StabilityThreshold  time.Duration `long:"stability-threshold"  description:"Solve time deviation under which responses count as consistent"`
	DivergenceThreshold float64       `long:"divergence-threshold" description:"Fast/slow divergence under which a trend counts as stable"`
	CapTotal            float64       `long:"cap-total"            description:"Hard cap on a single challenge score"`

	ConsensusWeightThreshold float64 `long:"consensus-weight-threshold" description:"Weights below this are zeroed before normalization"`
	NewMinerThreshold        int     `long:"new-miner-threshold"        description:"Challenge count below which the early-detection bonus can apply"`
	PerformanceThreshold     float64 `long:"performance-threshold"      description:"Success ratio required for the early-detection bonus"`
	BondAggressiveness       float64 `long:"bond-aggressiveness"        description:"Strength of the early-detection weight boost"`

	Grace               time.Duration `long:"grace"                 description:"Slack after a challenge deadline before submissions count as late"`
	MinPlausibleLatency time.Duration `long:"min-plausible-latency" description:"Solve times under this earn no timing bonuses"`
	MaxPlausibleLatency time.Duration `long:"max-plausible-latency" description:"Solve times over this earn no timing bonuses"`

	HashAlgo           string        `long:"hash-algorithm"      description:"Work hash algorithm" choice:"scrypt" choice:"sha256"`
	VerifyWorkers      int           `long:"verify-workers"      description:"Concurrent proof verification workers"`
	ChallengeRetention time.Duration `long:"challenge-retention" description:"How long settled challenges stay in the store"`
	ExpiredCacheSize   int           `long:"expired-cache-size"  description:"Recently expired challenge ids kept for stale detection"`
}

// Validate checks invariants that would otherwise surface as subtle
// numeric bugs deep in the scoring pipeline.
func (c *Config) Validate() error {
	var errs error
	if c.AlphaLow <= 0 || c.AlphaHigh >= 1 || c.AlphaLow >= c.AlphaHigh {
		errs = multierror.Append(errs, fmt.Errorf("alphas must satisfy 0 < low (%v) < high (%v) < 1", c.AlphaLow, c.AlphaHigh))
	}
	if c.TrackingPeriod < 1 {
		errs = multierror.Append(errs, fmt.Errorf("tracking period must be at least 1, got %d", c.TrackingPeriod))
	}
	if c.MinDifficulty == 0 || c.MinDifficulty > c.MaxDifficulty {
		errs = multierror.Append(errs, fmt.Errorf("difficulty bounds invalid: [%#08x, %#08x]", c.MinDifficulty, c.MaxDifficulty))
	}
	if c.BaseDifficulty < c.MinDifficulty || c.BaseDifficulty > c.MaxDifficulty {
		errs = multierror.Append(errs, fmt.Errorf("base difficulty %#08x outside [%#08x, %#08x]", c.BaseDifficulty, c.MinDifficulty, c.MaxDifficulty))
	}
	if c.AdjustmentFactor <= 1 {
		errs = multierror.Append(errs, fmt.Errorf("adjustment factor must exceed 1, got %v", c.AdjustmentFactor))
	}
	if sum := c.WeightStandard + c.WeightHighDifficulty + c.WeightTimePressure + c.WeightEfficiencyTest; sum <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("class weights sum to %v, need a positive mass", sum))
	}
	for _, v := range []struct {
		name string
		d    time.Duration
	}{
		{"standard timeout", c.TimeoutStandard},
		{"high difficulty timeout", c.TimeoutHighDifficulty},
		{"time pressure timeout", c.TimeoutTimePressure},
		{"efficiency test timeout", c.TimeoutEfficiencyTest},
	} {
		if v.d <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive", v.name))
		}
	}
	for _, v := range []struct {
		name string
		f    float64
	}{
		{"high performance band", c.HighPerformanceBand},
		{"low performance band", c.LowPerformanceBand},
		{"efficiency target", c.EfficiencyTarget},
		{"performance threshold", c.PerformanceThreshold},
	} {
		if v.f < 0 || v.f > 1 {
			errs = multierror.Append(errs, fmt.Errorf("%s must lie in [0,1], got %v", v.name, v.f))
		}
	}
	if c.LowPerformanceBand >= c.HighPerformanceBand {
		errs = multierror.Append(errs, fmt.Errorf("performance bands inverted: low %v >= high %v", c.LowPerformanceBand, c.HighPerformanceBand))
	}
	if c.CapTotal < 1 {
		errs = multierror.Append(errs, fmt.Errorf("score cap %v would clip the base score", c.CapTotal))
	}
	if c.NewMinerThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("new miner threshold must not be negative, got %d", c.NewMinerThreshold))
	}
	if c.BondAggressiveness < 0 {
		errs = multierror.Append(errs, fmt.Errorf("bond aggressiveness must not be negative, got %v", c.BondAggressiveness))
	}
	if _, err := shared.ParseAlgorithm(c.HashAlgo); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.VerifyWorkers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("need at least one verify worker, got %d", c.VerifyWorkers))
	}
	return errs
}

// Algorithm returns the configured hash algorithm. Call Validate first.
func (c *Config) Algorithm() shared.HashAlgorithm {
	algo, _ := shared.ParseAlgorithm(c.HashAlgo)
	return algo
}

// ClassTimeout returns the submission window for a class.
func (c *Config) ClassTimeout(class shared.ChallengeClass) time.Duration {
	switch class {
	case shared.ClassHighDifficulty:
		return c.TimeoutHighDifficulty
	case shared.ClassTimePressure:
		return c.TimeoutTimePressure
	case shared.ClassEfficiencyTest:
		return c.TimeoutEfficiencyTest
	default:
		return c.TimeoutStandard
	}
}

// ClampDifficulty forces a target into the configured bounds.
func (c *Config) ClampDifficulty(difficulty uint32) uint32 {
	if difficulty < c.MinDifficulty {
		return c.MinDifficulty
	}
	if difficulty > c.MaxDifficulty {
		return c.MaxDifficulty
	}
	return difficulty
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddFloat64("alphaLow", c.AlphaLow)
	enc.AddFloat64("alphaHigh", c.AlphaHigh)
	enc.AddInt("trackingPeriod", c.TrackingPeriod)
	enc.AddString("baseDifficulty", fmt.Sprintf("%#08x", c.BaseDifficulty))
	enc.AddString("difficultyBounds", fmt.Sprintf("[%#08x, %#08x]", c.MinDifficulty, c.MaxDifficulty))
	enc.AddFloat64("adjustmentFactor", c.AdjustmentFactor)
	enc.AddString("hashAlgorithm", c.HashAlgo)
	enc.AddFloat64("capTotal", c.CapTotal)
	enc.AddInt("newMinerThreshold", c.NewMinerThreshold)
	return nil
}
