package validator

import (
	crand "crypto/rand"
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/hashworknet/hashwork/shared"
)

// adaptiveShift is how much draw weight moves between the standard and
// high difficulty classes when the last round was unusually easy or
// unusually hard for the network.
const adaptiveShift = 0.2

type generatorOptionFunc func(*ChallengeGenerator)

// WithGeneratorClock overrides the time source used to stamp
// challenges.
func WithGeneratorClock(clock func() time.Time) generatorOptionFunc {
	return func(g *ChallengeGenerator) {
		g.clock = clock
	}
}

// WithGeneratorEntropy overrides the randomness source for challenge
// payloads. The default is crypto/rand.
func WithGeneratorEntropy(entropy io.Reader) generatorOptionFunc {
	return func(g *ChallengeGenerator) {
		g.entropy = entropy
	}
}

// WithGeneratorSeed makes class selection deterministic.
func WithGeneratorSeed(seed int64) generatorOptionFunc {
	return func(g *ChallengeGenerator) {
		g.draw = mrand.New(mrand.NewSource(seed))
	}
}

// ChallengeGenerator mints challenges for individual miners. Class
// selection is a weighted draw over the configured mix, nudged each
// round by how the network as a whole performed; difficulty and
// timeout come from the miner's own record via the difficulty
// controller.
type ChallengeGenerator struct {
	cfg        *Config
	controller *DifficultyController
	clock      func() time.Time
	entropy    io.Reader

	mu          sync.Mutex
	draw        *mrand.Rand
	lastSuccess float64
}

func NewChallengeGenerator(cfg *Config, controller *DifficultyController, opts ...generatorOptionFunc) *ChallengeGenerator {
	g := &ChallengeGenerator{
		cfg:         cfg,
		controller:  controller,
		clock:       time.Now,
		entropy:     crand.Reader,
		draw:        mrand.New(mrand.NewSource(time.Now().UnixNano())),
		lastSuccess: 0.5,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Rebalance records the success rate of the last completed round. The
// next draws lean harder when the network cleared more than the high
// band and easier when it cleared less than the low band.
func (g *ChallengeGenerator) Rebalance(successRate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSuccess = successRate
}

// Weights reports the effective draw weights, normalized to sum 1.
func (g *ChallengeGenerator) Weights() map[shared.ChallengeClass]float64 {
	g.mu.Lock()
	mix := g.mix()
	g.mu.Unlock()

	var total float64
	for _, w := range mix {
		total += w
	}
	weights := make(map[shared.ChallengeClass]float64, len(shared.Classes))
	for i, class := range shared.Classes {
		if total > 0 {
			weights[class] = mix[i] / total
		} else {
			weights[class] = 0
		}
	}
	return weights
}

// mix rebuilds the draw table from the configured weights and the last
// round's success rate. Rebuilding from the base each time keeps the
// shift bounded instead of drifting round over round. Callers hold mu.
func (g *ChallengeGenerator) mix() []float64 {
	mix := []float64{
		g.cfg.WeightStandard,
		g.cfg.WeightHighDifficulty,
		g.cfg.WeightTimePressure,
		g.cfg.WeightEfficiencyTest,
	}
	if !g.cfg.AdaptiveWeights {
		return mix
	}
	switch {
	case g.lastSuccess > g.cfg.HighPerformanceBand:
		mix[shared.ClassHighDifficulty] += adaptiveShift
		mix[shared.ClassStandard] -= adaptiveShift
	case g.lastSuccess < g.cfg.LowPerformanceBand:
		mix[shared.ClassStandard] += adaptiveShift
		mix[shared.ClassHighDifficulty] -= adaptiveShift
	}
	for i := range mix {
		if mix[i] < 0 {
			mix[i] = 0
		}
	}
	return mix
}

func (g *ChallengeGenerator) drawClass() shared.ChallengeClass {
	g.mu.Lock()
	defer g.mu.Unlock()

	mix := g.mix()
	var total float64
	for _, w := range mix {
		total += w
	}
	if total <= 0 {
		return shared.ClassStandard
	}
	x := g.draw.Float64() * total
	for i, w := range mix {
		if x < w {
			return shared.Classes[i]
		}
		x -= w
	}
	return shared.Classes[len(shared.Classes)-1]
}

// Generate mints one challenge for the given miner record. The
// payload is a fresh work header built against the class-scaled
// difficulty, and the id is derived from the payload so two
// challenges never collide.
func (g *ChallengeGenerator) Generate(rec *MinerRecord) (shared.Challenge, error) {
	class := g.drawClass()
	difficulty := g.controller.TargetFor(rec, class)
	now := g.clock()

	payload, err := shared.NewWorkHeader(difficulty, now, g.entropy)
	if err != nil {
		return shared.Challenge{}, fmt.Errorf("building work header: %w", err)
	}
	return shared.Challenge{
		ID:         shared.DeriveChallengeID(payload, difficulty, now),
		MinerID:    rec.MinerID,
		Class:      class,
		Difficulty: difficulty,
		Timeout:    g.cfg.ClassTimeout(class),
		IssuedAt:   now,
		Payload:    payload,
		Algorithm:  g.cfg.Algorithm(),
	}, nil
}
