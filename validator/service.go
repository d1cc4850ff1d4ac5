package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/signing"
)

var (
	challengesIssuedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "challenges_issued_total",
		Help:      "Number of challenges issued",
	}, []string{"class"})

	verdictsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "verdicts_total",
		Help:      "Settled challenge verdicts",
	}, []string{"verdict"})

	scoreMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "challenge_score",
		Help:      "Final scores of settled challenges",
		Buckets:   prometheus.LinearBuckets(0, 0.25, 11),
	})

	verifyLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "verify_latency_seconds",
		Help:      "Latency of proof verification",
		Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 20),
	})

	minersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "miners",
		Help:      "Number of tracked miners",
	})

	roundSuccessMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "round_success_rate",
		Help:      "Share of settled challenges accepted in the last round",
	})

	epochWeightsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashwork",
		Subsystem: "validator",
		Name:      "epoch_weight_miners",
		Help:      "Miners included in the last committed weight set",
	})
)

var ErrMinerIdentityMismatch = errors.New("miner id does not match envelope signer")

// ChallengeSender delivers challenges to connected miners.
type ChallengeSender interface {
	SendChallenge(ctx context.Context, minerID string, msg *shared.ChallengeMessage) error
	ConnectedMiners() []string
}

// Schedule tells the service where round and epoch boundaries fall.
type Schedule interface {
	CurrentEpoch(genesis, when time.Time) uint64
	EpochEnd(genesis time.Time, epoch uint64) time.Time
	RoundInterval() time.Duration
}

type newServiceOptions struct {
	clock         func() time.Time
	generatorOpts []generatorOptionFunc
	verifierOpts  []verifierOptionFunc
}

type newServiceOptionFunc func(*newServiceOptions)

// WithClock overrides the service time source.
func WithClock(clock func() time.Time) newServiceOptionFunc {
	return func(opts *newServiceOptions) {
		opts.clock = clock
	}
}

// WithGeneratorOptions passes options through to the challenge
// generator.
func WithGeneratorOptions(genOpts ...generatorOptionFunc) newServiceOptionFunc {
	return func(opts *newServiceOptions) {
		opts.generatorOpts = append(opts.generatorOpts, genOpts...)
	}
}

// WithVerifierOptions passes options through to the proof verifier.
func WithVerifierOptions(verOpts ...verifierOptionFunc) newServiceOptionFunc {
	return func(opts *newServiceOptions) {
		opts.verifierOpts = append(opts.verifierOpts, verOpts...)
	}
}

// Service drives the mining protocol: it issues one challenge per
// connected miner every round, verifies and scores the proofs that
// come back, adjusts per miner difficulty, and commits consensus
// weights at every epoch boundary.
//
// Proof verification runs on a bounded worker pool. Outcomes of a
// single miner are serialized behind a per miner lock so scoring
// always sees a settled record.
type Service struct {
	cfg      *Config
	genesis  time.Time
	datadir  string
	schedule Schedule

	registry   *Registry
	controller *DifficultyController
	generator  *ChallengeGenerator
	verifier   *Verifier
	scoring    *ScoringEngine
	aggregator *WeightAggregator
	store      *Store
	sender     ChallengeSender

	pool       pond.Pool
	minerLocks *xsync.Map[string, *sync.Mutex]
	clock      func() time.Time

	roundSettled  atomic.Uint64
	roundAccepted atomic.Uint64
}

func NewService(
	ctx context.Context,
	genesis time.Time,
	datadir string,
	cfg *Config,
	store *Store,
	sender ChallengeSender,
	schedule Schedule,
	opts ...newServiceOptionFunc,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator configuration: %w", err)
	}
	options := newServiceOptions{
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	registry := NewRegistry(cfg)
	registry.clock = options.clock
	controller := NewDifficultyController(cfg)
	verifier, err := NewVerifier(cfg, store, append(options.verifierOpts, WithVerifierClock(options.clock))...)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		genesis:    genesis,
		datadir:    datadir,
		schedule:   schedule,
		registry:   registry,
		controller: controller,
		generator:  NewChallengeGenerator(cfg, controller, append([]generatorOptionFunc{WithGeneratorClock(options.clock)}, options.generatorOpts...)...),
		verifier:   verifier,
		scoring:    NewScoringEngine(cfg),
		aggregator: NewWeightAggregator(cfg, registry),
		store:      store,
		sender:     sender,
		pool:       pond.NewPool(cfg.VerifyWorkers, pond.WithQueueSize(4*cfg.VerifyWorkers)),
		minerLocks: xsync.NewMap[string, *sync.Mutex](),
		clock:      options.clock,
	}
	s.aggregator.clock = options.clock

	if err := s.recoverRegistry(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Run drives rounds and epochs until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("validator")
	ctx = logging.NewContext(ctx, logger)

	open, err := s.store.OpenChallenges()
	if err != nil {
		return fmt.Errorf("loading open challenges: %w", err)
	}
	if len(open) > 0 {
		logger.Info("resuming with open challenges from previous run", zap.Int("count", len(open)))
	}

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger)))))
	if _, err := sched.AddFunc("@every 1m", func() { s.sweepSettled(ctx) }); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	if _, err := sched.AddFunc("@every 30s", func() { s.checkpoint(ctx) }); err != nil {
		return fmt.Errorf("scheduling registry checkpoint: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()
	defer s.pool.StopAndWait()

	roundTicker := time.NewTicker(s.schedule.RoundInterval())
	defer roundTicker.Stop()
	epochTimer, epoch := s.scheduleEpoch(ctx)

	for {
		select {
		case <-ctx.Done():
			s.checkpoint(ctx)
			return nil
		case <-roundTicker.C:
			s.runRound(ctx)
		case <-epochTimer:
			s.closeEpoch(ctx, epoch)
			epochTimer, epoch = s.scheduleEpoch(ctx)
		}
	}
}

// SubmitProof verifies the envelope signature and queues the proof
// for verification. The miner id claimed inside the message must be
// the envelope signer; anything else is discarded before it can touch
// another miner's state.
func (s *Service) SubmitProof(ctx context.Context, env *signing.Envelope[shared.ProofMessage]) error {
	signed, err := env.Open()
	if err != nil {
		return err
	}
	msg := signed.Data()
	if msg.MinerID != env.PubKey {
		return ErrMinerIdentityMismatch
	}
	proof, err := msg.Proof(s.clock())
	if err != nil {
		return err
	}
	s.pool.Submit(func() {
		s.handleProof(ctx, proof)
	})
	return nil
}

func (s *Service) handleProof(ctx context.Context, proof *shared.Proof) {
	logger := logging.FromContext(ctx)
	lock := s.minerLock(proof.MinerID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	out, err := s.verifier.Verify(ctx, proof)
	verifyLatencyMetric.Observe(time.Since(started).Seconds())
	if err != nil {
		logger.Error("failed to verify proof", zap.Error(err), zap.Object("proof", proof))
		return
	}
	s.recordOutcome(ctx, out)
}

// recordOutcome folds one outcome into the miner's record, scores it,
// and lets the difficulty controller react. Callers hold the miner
// lock.
func (s *Service) recordOutcome(ctx context.Context, out Outcome) {
	logger := logging.FromContext(ctx)

	snapshot := s.registry.Touch(out.MinerID)
	score := s.scoring.Score(out, snapshot)
	s.registry.RecordOutcome(out)

	if out.SettlesChallenge() {
		var adjusted bool
		updated := s.registry.Update(out.MinerID, func(r *MinerRecord) {
			adjusted = s.controller.Observe(r)
		})
		if adjusted {
			logger.Info("adjusted miner difficulty",
				zap.String("miner", out.MinerID),
				zap.String("difficulty", difficultyHex(updated.Difficulty)),
			)
		}
		s.roundSettled.Add(1)
		if out.Verdict == shared.Accepted {
			s.roundAccepted.Add(1)
		}
		s.aggregator.Observe(score)
		if err := s.store.SaveScore(score); err != nil {
			logger.Warn("failed to store score", zap.Error(err), zap.Object("score", &score))
		}
		scoreMetric.Observe(score.Final)
		verdictsMetric.WithLabelValues(out.Verdict.String()).Inc()
		logger.Debug("challenge settled", zap.Object("score", &score))
	}
}

// runRound settles what is overdue, closes the books on the previous
// round, and issues the next wave of challenges.
func (s *Service) runRound(ctx context.Context) {
	logger := logging.FromContext(ctx)

	expired, err := s.verifier.ExpireDue(ctx)
	if err != nil {
		logger.Error("failed to expire overdue challenges", zap.Error(err))
	}
	for _, out := range expired {
		lock := s.minerLock(out.MinerID)
		lock.Lock()
		s.recordOutcome(ctx, out)
		lock.Unlock()
	}

	if settled := s.roundSettled.Swap(0); settled > 0 {
		accepted := s.roundAccepted.Swap(0)
		rate := float64(accepted) / float64(settled)
		s.generator.Rebalance(rate)
		roundSuccessMetric.Set(rate)
		logger.Info("round settled",
			zap.Uint64("challenges", settled),
			zap.Uint64("accepted", accepted),
		)
	} else {
		s.roundAccepted.Store(0)
	}

	miners := s.sender.ConnectedMiners()
	if len(miners) == 0 {
		logger.Debug("no miners connected, skipping round")
		return
	}

	recs := make([]ChallengeRecord, 0, len(miners))
	for _, minerID := range miners {
		rec := s.registry.Touch(minerID)
		ch, err := s.generator.Generate(&rec)
		if err != nil {
			logger.Error("failed to generate challenge", zap.Error(err), zap.String("miner", minerID))
			continue
		}
		recs = append(recs, ChallengeRecord{Challenge: ch, State: shared.Issued})
	}
	if err := s.store.SaveChallenges(recs); err != nil {
		logger.Error("failed to store round challenges", zap.Error(err))
		return
	}

	delivered := 0
	for i := range recs {
		ch := &recs[i].Challenge
		if err := s.sender.SendChallenge(ctx, ch.MinerID, ch.Message()); err != nil {
			logger.Debug("failed to deliver challenge", zap.Error(err), zap.String("miner", ch.MinerID))
			continue
		}
		if err := s.store.MarkDelivered(ch.ID); err != nil {
			logger.Warn("failed to mark challenge delivered", zap.Error(err), zap.String("challenge", ch.ID))
		}
		challengesIssuedMetric.WithLabelValues(ch.Class.String()).Inc()
		delivered++
	}
	minersMetric.Set(float64(s.registry.Len()))
	logger.Info("issued round challenges", zap.Int("issued", len(recs)), zap.Int("delivered", delivered))
}

func (s *Service) closeEpoch(ctx context.Context, epoch uint64) {
	logger := logging.FromContext(ctx)
	ws, err := s.aggregator.Close(epoch)
	if err != nil {
		logger.Error("failed to close epoch", zap.Error(err), zap.Uint64("epoch", epoch))
		return
	}
	if err := s.store.SaveWeightSet(ws); err != nil {
		logger.Error("failed to store weight set", zap.Error(err), zap.Uint64("epoch", epoch))
	}
	epochWeightsMetric.Set(float64(len(ws.Weights)))
	logger.Info("epoch closed", zap.Object("weights", ws))
	s.checkpoint(ctx)
}

func (s *Service) scheduleEpoch(ctx context.Context) (<-chan time.Time, uint64) {
	now := s.clock()
	epoch := s.schedule.CurrentEpoch(s.genesis, now)
	waitTime := s.schedule.EpochEnd(s.genesis, epoch).Sub(now)
	if waitTime > 0 {
		logging.FromContext(ctx).Info("waiting for epoch to close",
			zap.Duration("wait time", waitTime),
			zap.Uint64("epoch", epoch),
		)
	}
	return time.After(waitTime), epoch
}

func (s *Service) sweepSettled(ctx context.Context) {
	removed, err := s.store.SweepSettled(s.clock().Add(-s.cfg.ChallengeRetention))
	if err != nil {
		logging.FromContext(ctx).Error("failed to sweep settled challenges", zap.Error(err))
		return
	}
	if removed > 0 {
		logging.FromContext(ctx).Debug("swept settled challenges", zap.Int("removed", removed))
	}
}

func (s *Service) minerLock(minerID string) *sync.Mutex {
	lock, _ := s.minerLocks.LoadOrStore(minerID, &sync.Mutex{})
	return lock
}

// Registry exposes the miner registry for read-side consumers.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Store exposes the challenge store for read-side consumers.
func (s *Service) Store() *Store {
	return s.store
}

// ClassWeights reports the effective challenge class mix.
func (s *Service) ClassWeights() map[shared.ChallengeClass]float64 {
	return s.generator.Weights()
}
