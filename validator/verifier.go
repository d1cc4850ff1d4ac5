package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/shared"
)

type verifierOptionFunc func(*Verifier)

// WithVerifierClock overrides the time source used for deadline
// checks.
func WithVerifierClock(clock func() time.Time) verifierOptionFunc {
	return func(v *Verifier) {
		v.clock = clock
	}
}

// Verifier classifies proof submissions against the store of issued
// challenges. Each challenge settles exactly once, on its first
// submission or on expiry, whichever comes first. Ids of expired
// challenges are kept in a small cache so resubmissions can be told
// apart from garbage after the store sweeps them.
//
// Verify recomputes the work hash, so calls are CPU bound under
// scrypt. Callers fan submissions out over a worker pool and keep
// submissions of a single miner ordered.
type Verifier struct {
	cfg     *Config
	store   *Store
	expired *lru.Cache
	clock   func() time.Time
}

func NewVerifier(cfg *Config, store *Store, opts ...verifierOptionFunc) (*Verifier, error) {
	cache, err := lru.New(cfg.ExpiredCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating expired challenge cache: %w", err)
	}
	v := &Verifier{
		cfg:     cfg,
		store:   store,
		expired: cache,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify grades one proof submission and settles its challenge. The
// returned outcome always carries a verdict; an error means the store
// failed, not that the proof was bad.
func (v *Verifier) Verify(ctx context.Context, proof *shared.Proof) (Outcome, error) {
	logger := logging.FromContext(ctx).With(zap.Object("proof", proof))
	out := Outcome{
		MinerID:     proof.MinerID,
		ChallengeID: proof.ChallengeID,
		Submitted:   true,
	}

	rec, err := v.store.Challenge(proof.ChallengeID)
	switch {
	case errors.Is(err, ErrNotFound):
		out.Verdict = shared.RejectedStale
		if v.expired.Contains(proof.ChallengeID) {
			logger.Debug("rejecting proof for expired challenge")
		} else {
			logger.Debug("rejecting proof for unknown challenge")
		}
		return out, nil
	case err != nil:
		return out, err
	}
	out.Class = rec.Challenge.Class
	out.Difficulty = rec.Challenge.Difficulty

	if rec.State.Terminal() {
		out.Verdict = v.settledVerdict(rec.State)
		logger.Debug("rejecting proof for settled challenge", zap.String("state", rec.State.String()))
		return out, nil
	}

	if rec.Challenge.MinerID != proof.MinerID {
		// A foreign proof must not settle someone else's challenge.
		out.Verdict = shared.RejectedInvalid
		logger.Debug("rejecting proof from wrong miner", zap.String("assigned", rec.Challenge.MinerID))
		return out, nil
	}

	elapsed := proof.SubmittedAt.Sub(rec.Challenge.IssuedAt)
	if elapsed > 0 {
		out.ElapsedMS = uint64(elapsed.Milliseconds())
	}

	if proof.SubmittedAt.After(rec.Challenge.Deadline().Add(v.cfg.Grace)) {
		return v.settle(ctx, out, rec, shared.RejectedLate)
	}

	hash, err := shared.HashWork(rec.Challenge.Algorithm, rec.Challenge.Payload, proof.Nonce)
	if err != nil {
		return out, fmt.Errorf("hashing work for challenge %s: %w", proof.ChallengeID, err)
	}
	if !shared.MeetsTarget(hash, rec.Challenge.Target()) {
		logger.Debug("rejecting proof below target", zap.String("difficulty", difficultyHex(rec.Challenge.Difficulty)))
		return v.settle(ctx, out, rec, shared.RejectedInvalid)
	}
	return v.settle(ctx, out, rec, shared.Accepted)
}

// ExpireDue settles every open challenge whose grace window has
// passed and returns their outcomes.
func (v *Verifier) ExpireDue(ctx context.Context) ([]Outcome, error) {
	now := v.clock()
	open, err := v.store.OpenChallenges()
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for i := range open {
		ch := &open[i].Challenge
		if !now.After(ch.Deadline().Add(v.cfg.Grace)) {
			continue
		}
		if _, err := v.store.Settle(ch.ID, shared.Expired, now); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				continue
			}
			return outcomes, err
		}
		v.expired.Add(ch.ID, struct{}{})
		outcomes = append(outcomes, Outcome{
			MinerID:     ch.MinerID,
			ChallengeID: ch.ID,
			Class:       ch.Class,
			Verdict:     shared.Expired,
			Difficulty:  ch.Difficulty,
		})
		logging.FromContext(ctx).Debug("challenge expired", zap.Object("challenge", ch))
	}
	return outcomes, nil
}

func (v *Verifier) settle(ctx context.Context, out Outcome, rec ChallengeRecord, state shared.ChallengeState) (Outcome, error) {
	settled, err := v.store.Settle(rec.Challenge.ID, state, v.clock())
	if errors.Is(err, ErrAlreadySettled) {
		// Lost the race against another submission or the expiry
		// sweep. Grade against the verdict that won.
		out.Verdict = v.settledVerdict(settled.State)
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Verdict = state
	if state == shared.Accepted {
		logging.FromContext(ctx).Debug("proof accepted",
			zap.String("challenge", rec.Challenge.ID),
			zap.Uint64("elapsed_ms", out.ElapsedMS),
		)
	}
	return out, nil
}

// settledVerdict maps the state of an already settled challenge onto
// the verdict for a follow-up submission: duplicates of an accepted
// proof are distinct from noise for challenges that settled without
// one.
func (v *Verifier) settledVerdict(state shared.ChallengeState) shared.ChallengeState {
	if state == shared.Accepted {
		return shared.RejectedDuplicate
	}
	return shared.RejectedStale
}
