package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/signing"
)

var (
	challengesReceivedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "challenges_received_total",
		Help:      "Challenges received from the validator",
	}, []string{"class"})

	challengesDiscardedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "challenges_discarded_total",
		Help:      "Challenges dropped as malformed",
	})

	solvedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "challenges_solved_total",
		Help:      "Challenges solved before the deadline",
	}, []string{"path"})

	noSolutionMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "no_solution_total",
		Help:      "Challenges abandoned at the work deadline",
	})

	solveTimeMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "solve_time_seconds",
		Help:      "Time from challenge receipt to candidate nonce",
		Buckets:   prometheus.ExponentialBuckets(0.05, 1.5, 14),
	})

	proofsSubmittedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "proofs_submitted_total",
		Help:      "Proofs delivered to the validator",
	})

	proofsDroppedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "proofs_dropped_total",
		Help:      "Proofs dropped on a full outbound queue",
	})

	proofSendFailuresMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashwork",
		Subsystem: "miner",
		Name:      "proof_send_failures_total",
		Help:      "Proof submissions that errored",
	})
)

// SoftwareDeviceID marks proofs solved by the in-process scanner.
const SoftwareDeviceID = "software"

// ProofSender delivers sealed proofs back to the validator.
type ProofSender interface {
	SubmitProof(ctx context.Context, env *signing.Envelope[shared.ProofMessage]) error
}

// NonceRange is a half-open [Start, End) slice of the search space.
type NonceRange struct {
	Start uint64
	End   uint64
}

// PartitionNonces splits the full nonce space into n contiguous
// non-overlapping ranges, one per device, in device order.
func PartitionNonces(n int) []NonceRange {
	const space = uint64(1) << 32
	if n < 1 {
		n = 1
	}
	span := space / uint64(n)
	ranges := make([]NonceRange, n)
	for i := range ranges {
		ranges[i] = NonceRange{Start: uint64(i) * span, End: uint64(i+1) * span}
	}
	ranges[n-1].End = space
	return ranges
}

type newResponderOptions struct {
	clock func() time.Time
}

type newResponderOptionFunc func(*newResponderOptions)

// WithResponderClock overrides the responder time source.
func WithResponderClock(clock func() time.Time) newResponderOptionFunc {
	return func(opts *newResponderOptions) {
		opts.clock = clock
	}
}

// Responder turns received challenges into submitted proofs: each
// challenge is split across the healthy devices, polled to the first
// verified candidate, and the sealed proof is queued for delivery.
// Challenges solve one at a time; the devices are a shared resource.
type Responder struct {
	cfg     *Config
	key     signing.Key
	manager *DeviceManager
	sender  ProofSender
	clock   func() time.Time

	challenges <-chan *shared.ChallengeMessage
	proofs     chan *shared.ProofMessage
	pool       pond.Pool
}

func NewResponder(
	cfg *Config,
	key signing.Key,
	manager *DeviceManager,
	sender ProofSender,
	challenges <-chan *shared.ChallengeMessage,
	opts ...newResponderOptionFunc,
) (*Responder, error) {
	options := &newResponderOptions{clock: time.Now}
	for _, opt := range opts {
		opt(options)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Responder{
		cfg:        cfg,
		key:        key,
		manager:    manager,
		sender:     sender,
		clock:      options.clock,
		challenges: challenges,
		proofs:     make(chan *shared.ProofMessage, cfg.ProofQueueSize),
		pool:       pond.NewPool(1, pond.WithQueueSize(8)),
	}, nil
}

// Run consumes challenges until the context is cancelled or the
// channel closes, then drains the in-flight work and proof queue.
func (r *Responder) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("miner")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("responder starting",
		zap.String("miner", r.key.MinerID()),
		zap.Int("devices", len(r.manager.Devices())),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.sendLoop(ctx)
	})
	eg.Go(func() error {
		defer close(r.proofs)
		defer r.pool.StopAndWait()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-r.challenges:
				if !ok {
					return nil
				}
				challengesReceivedMetric.WithLabelValues(msg.Class).Inc()
				receivedAt := r.clock()
				r.pool.Submit(func() { r.handle(ctx, msg, receivedAt) })
			}
		}
	})
	return eg.Wait()
}

func (r *Responder) handle(ctx context.Context, msg *shared.ChallengeMessage, receivedAt time.Time) {
	logger := logging.FromContext(ctx)
	ch, err := msg.Challenge(receivedAt)
	if err != nil {
		challengesDiscardedMetric.Inc()
		logger.Warn("discarding challenge", zap.String("id", msg.ChallengeID), zap.Error(err))
		return
	}
	logger.Debug("challenge received", zap.Object("challenge", ch))

	// Leave the safety margin for the trip back; the validator's
	// clock on the timeout started before ours did.
	budget := ch.Timeout - r.cfg.SafetyMargin
	if budget > r.cfg.MaxWorkBudget {
		budget = r.cfg.MaxWorkBudget
	}
	if budget <= 0 {
		budget = ch.Timeout / 2
	}
	deadline := receivedAt.Add(budget)

	nonce, deviceID, found := r.solve(ctx, ch, deadline)
	if !found {
		noSolutionMetric.Inc()
		logger.Warn("no solution before deadline", zap.Object("challenge", ch))
		return
	}

	// Candidates are checked once more before submission; a faulty
	// unit must not burn the challenge with a bogus nonce.
	sum, err := shared.HashWork(ch.Algorithm, ch.Payload, nonce)
	if err == nil && !shared.MeetsTarget(sum, ch.Target()) {
		err = fmt.Errorf("nonce %d misses target", nonce)
	}
	if err != nil {
		noSolutionMetric.Inc()
		logger.Error("discarding invalid candidate", zap.String("challenge", ch.ID), zap.Error(err))
		return
	}

	elapsed := r.clock().Sub(receivedAt)
	solveTimeMetric.Observe(elapsed.Seconds())
	path := "device"
	if deviceID == SoftwareDeviceID {
		path = SoftwareDeviceID
	}
	solvedMetric.WithLabelValues(path).Inc()
	logger.Info("challenge solved",
		zap.String("challenge", ch.ID),
		zap.Uint32("nonce", nonce),
		zap.String("device", deviceID),
		zap.Duration("elapsed", elapsed),
	)

	pm := &shared.ProofMessage{
		ChallengeID: ch.ID,
		MinerID:     r.key.MinerID(),
		Nonce:       nonce,
		ElapsedMS:   uint64(elapsed / time.Millisecond),
		DeviceID:    deviceID,
	}
	select {
	case r.proofs <- pm:
	default:
		proofsDroppedMetric.Inc()
		logger.Error("proof queue full, dropping", zap.String("challenge", ch.ID))
	}
}

// solve races the healthy devices over disjoint nonce ranges, falling
// back to the software scanner if every device drops out with time
// left on the clock.
func (r *Responder) solve(ctx context.Context, ch *shared.Challenge, deadline time.Time) (uint32, string, bool) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if devices := r.manager.Healthy(); len(devices) > 0 {
		if nonce, id, ok := r.solveOnDevices(ctx, ch, devices); ok {
			return nonce, id, true
		}
		if ctx.Err() != nil || !r.clock().Before(deadline) {
			return 0, "", false
		}
		logging.FromContext(ctx).Warn("all devices dropped out, falling back to software",
			zap.String("challenge", ch.ID))
	}

	res, err := ScanRange(ctx, ch.Algorithm, ch.Payload, ch.Target(), 0, 1<<32, deadline)
	if err != nil || !res.Found {
		return 0, "", false
	}
	return res.Nonce, SoftwareDeviceID, true
}

type activeJob struct {
	dev   DeviceLink
	jobID string
}

func (r *Responder) solveOnDevices(ctx context.Context, ch *shared.Challenge, devices []DeviceLink) (uint32, string, bool) {
	logger := logging.FromContext(ctx)
	target := ch.Target()
	ranges := PartitionNonces(len(devices))

	active := make([]activeJob, 0, len(devices))
	for i, dev := range devices {
		jobID, err := dev.Submit(ctx, Job{
			Header:    ch.Payload,
			Target:    target,
			Algorithm: ch.Algorithm,
			Start:     ranges[i].Start,
			End:       ranges[i].End,
		})
		if err != nil {
			r.manager.MarkDegraded(ctx, dev.ID(), fmt.Sprintf("submit failed: %v", err))
			continue
		}
		active = append(active, activeJob{dev: dev, jobID: jobID})
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for len(active) > 0 {
		select {
		case <-ctx.Done():
			r.cancelJobs(active, activeJob{})
			return 0, "", false
		case <-ticker.C:
		}

		keep := make([]activeJob, 0, len(active))
		for _, aj := range active {
			res, err := aj.dev.Poll(ctx, aj.jobID)
			if err != nil {
				r.manager.MarkDegraded(ctx, aj.dev.ID(), fmt.Sprintf("poll failed: %v", err))
				continue
			}
			r.manager.Observe(aj.dev.ID(), res.Telemetry)

			switch res.Status {
			case JobPending:
				keep = append(keep, aj)
			case JobFault:
				deviceFaultsMetric.WithLabelValues(aj.dev.ID()).Inc()
				r.manager.MarkDegraded(ctx, aj.dev.ID(), "fault while solving")
				if err := aj.dev.Cancel(ctx, aj.jobID); err != nil {
					logger.Debug("cancel after fault failed", zap.String("device", aj.dev.ID()), zap.Error(err))
				}
			case JobFound:
				sum, herr := shared.HashWork(ch.Algorithm, ch.Payload, res.Nonce)
				if herr != nil || !shared.MeetsTarget(sum, target) {
					r.manager.MarkDegraded(ctx, aj.dev.ID(), fmt.Sprintf("invalid candidate nonce %d", res.Nonce))
					continue
				}
				r.cancelJobs(active, aj)
				return res.Nonce, aj.dev.ID(), true
			}
		}
		active = keep
	}
	return 0, "", false
}

// cancelJobs best-effort cancels every job except the winner. Devices
// tolerate cancelling finished jobs, so double cancels after a fault
// are harmless.
func (r *Responder) cancelJobs(jobs []activeJob, winner activeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, aj := range jobs {
		if aj == winner {
			continue
		}
		_ = aj.dev.Cancel(ctx, aj.jobID)
	}
}

// sendLoop seals and delivers queued proofs. After cancellation it
// keeps draining the queue without sending so handlers never block.
func (r *Responder) sendLoop(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	for pm := range r.proofs {
		if ctx.Err() != nil {
			continue
		}
		env, err := signing.Seal(*pm, r.key)
		if err != nil {
			logger.Error("sealing proof", zap.String("challenge", pm.ChallengeID), zap.Error(err))
			continue
		}
		if err := r.sender.SubmitProof(ctx, env); err != nil {
			proofSendFailuresMetric.Inc()
			logger.Warn("proof submission failed", zap.String("challenge", pm.ChallengeID), zap.Error(err))
			continue
		}
		proofsSubmittedMetric.Inc()
	}
	return nil
}
