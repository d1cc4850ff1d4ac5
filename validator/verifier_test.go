package validator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashworknet/hashwork/shared"
	"github.com/hashworknet/hashwork/validator"
)

// findNonce scans for a nonce meeting the challenge target. The
// saturated high target bytes keep passing nonces dense, so the scan
// ends almost immediately.
func findNonce(ch *shared.Challenge) (uint32, bool) {
	hasher, err := shared.NewWorkHasher(ch.Algorithm, ch.Payload)
	if err != nil {
		return 0, false
	}
	target := ch.Target()
	var sum []byte
	for nonce := uint32(0); nonce < 1<<16; nonce++ {
		sum = hasher.Sum(nonce, sum[:0])
		if shared.MeetsTarget(sum, target) {
			return nonce, true
		}
	}
	return 0, false
}

func solveNonce(t *testing.T, ch shared.Challenge) uint32 {
	t.Helper()
	nonce, ok := findNonce(&ch)
	require.True(t, ok, "no nonce found in search range")
	return nonce
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := testChallenge(t, "miner-1", issued)
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: ch, State: shared.AwaitingProof}))

	now := issued.Add(2 * time.Second)
	verifier, err := validator.NewVerifier(testConfig(), store, validator.WithVerifierClock(func() time.Time { return now }))
	req.NoError(err)

	out, err := verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: ch.ID,
		MinerID:     "miner-1",
		Nonce:       solveNonce(t, ch),
		SubmittedAt: issued.Add(2 * time.Second),
	})
	req.NoError(err)
	req.Equal(shared.Accepted, out.Verdict)
	req.Equal("miner-1", out.MinerID)
	req.Equal(ch.ID, out.ChallengeID)
	req.Equal(shared.ClassStandard, out.Class)
	req.Equal(ch.Difficulty, out.Difficulty)
	req.Equal(uint64(2000), out.ElapsedMS)
	req.True(out.Submitted)

	rec, err := store.Challenge(ch.ID)
	req.NoError(err)
	req.Equal(shared.Accepted, rec.State)
	req.True(rec.SettledAt.Equal(now))
}

func TestVerifyDuplicateOfAcceptedProof(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := testChallenge(t, "miner-1", issued)
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: ch, State: shared.AwaitingProof}))

	verifier, err := validator.NewVerifier(testConfig(), store,
		validator.WithVerifierClock(func() time.Time { return issued.Add(3 * time.Second) }))
	req.NoError(err)

	proof := &shared.Proof{
		ChallengeID: ch.ID,
		MinerID:     "miner-1",
		Nonce:       solveNonce(t, ch),
		SubmittedAt: issued.Add(2 * time.Second),
	}
	out, err := verifier.Verify(context.Background(), proof)
	req.NoError(err)
	req.Equal(shared.Accepted, out.Verdict)

	out, err = verifier.Verify(context.Background(), proof)
	req.NoError(err)
	req.Equal(shared.RejectedDuplicate, out.Verdict)

	rec, err := store.Challenge(ch.ID)
	req.NoError(err)
	req.Equal(shared.Accepted, rec.State)
}

func TestVerifyUnknownChallengeIsStale(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	verifier, err := validator.NewVerifier(testConfig(), store)
	req.NoError(err)

	out, err := verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: "deadbeef",
		MinerID:     "miner-1",
		SubmittedAt: time.Now(),
	})
	req.NoError(err)
	req.Equal(shared.RejectedStale, out.Verdict)
	req.True(out.Submitted)
}

func TestVerifyLateSubmission(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	cfg := testConfig()
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	onTime := testChallenge(t, "miner-1", issued)
	late := testChallenge(t, "miner-1", issued)
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: onTime, State: shared.AwaitingProof}))
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: late, State: shared.AwaitingProof}))

	now := issued.Add(20 * time.Second)
	verifier, err := validator.NewVerifier(cfg, store, validator.WithVerifierClock(func() time.Time { return now }))
	req.NoError(err)

	// Landing exactly on deadline plus grace still counts.
	cutoff := issued.Add(onTime.Timeout).Add(cfg.Grace)
	out, err := verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: onTime.ID,
		MinerID:     "miner-1",
		Nonce:       solveNonce(t, onTime),
		SubmittedAt: cutoff,
	})
	req.NoError(err)
	req.Equal(shared.Accepted, out.Verdict)

	out, err = verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: late.ID,
		MinerID:     "miner-1",
		Nonce:       solveNonce(t, late),
		SubmittedAt: issued.Add(15 * time.Second),
	})
	req.NoError(err)
	req.Equal(shared.RejectedLate, out.Verdict)
	req.Equal(uint64(15000), out.ElapsedMS)

	rec, err := store.Challenge(late.ID)
	req.NoError(err)
	req.Equal(shared.RejectedLate, rec.State)
}

func TestVerifyWrongMinerLeavesChallengeOpen(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := testChallenge(t, "miner-1", issued)
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: ch, State: shared.AwaitingProof}))

	verifier, err := validator.NewVerifier(testConfig(), store,
		validator.WithVerifierClock(func() time.Time { return issued.Add(3 * time.Second) }))
	req.NoError(err)

	nonce := solveNonce(t, ch)
	out, err := verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: ch.ID,
		MinerID:     "miner-2",
		Nonce:       nonce,
		SubmittedAt: issued.Add(2 * time.Second),
	})
	req.NoError(err)
	req.Equal(shared.RejectedInvalid, out.Verdict)

	// The hijack attempt must not consume the assigned miner's
	// challenge.
	rec, err := store.Challenge(ch.ID)
	req.NoError(err)
	req.Equal(shared.AwaitingProof, rec.State)

	out, err = verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: ch.ID,
		MinerID:     "miner-1",
		Nonce:       nonce,
		SubmittedAt: issued.Add(2 * time.Second),
	})
	req.NoError(err)
	req.Equal(shared.Accepted, out.Verdict)
}

func TestVerifyClampsNegativeElapsed(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := testChallenge(t, "miner-1", issued)
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: ch, State: shared.AwaitingProof}))

	verifier, err := validator.NewVerifier(testConfig(), store,
		validator.WithVerifierClock(func() time.Time { return issued }))
	req.NoError(err)

	// Receive timestamps can precede the issue time under clock skew.
	out, err := verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: ch.ID,
		MinerID:     "miner-1",
		Nonce:       solveNonce(t, ch),
		SubmittedAt: issued.Add(-time.Second),
	})
	req.NoError(err)
	req.Equal(shared.Accepted, out.Verdict)
	req.Zero(out.ElapsedMS)
}

func TestExpireDueSettlesOverdueChallenges(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	store := openTestStore(t)

	cfg := testConfig()
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	overdue := testChallenge(t, "miner-1", issued)
	pending := testChallenge(t, "miner-2", issued.Add(10*time.Second))
	settled := testChallenge(t, "miner-3", issued)
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: overdue, State: shared.AwaitingProof}))
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: pending, State: shared.AwaitingProof}))
	req.NoError(store.SaveChallenge(validator.ChallengeRecord{Challenge: settled, State: shared.AwaitingProof}))
	_, err := store.Settle(settled.ID, shared.Accepted, issued.Add(2*time.Second))
	req.NoError(err)

	now := issued.Add(overdue.Timeout).Add(cfg.Grace).Add(time.Second)
	verifier, err := validator.NewVerifier(cfg, store, validator.WithVerifierClock(func() time.Time { return now }))
	req.NoError(err)

	outcomes, err := verifier.ExpireDue(context.Background())
	req.NoError(err)
	req.Len(outcomes, 1)
	req.Equal(overdue.ID, outcomes[0].ChallengeID)
	req.Equal("miner-1", outcomes[0].MinerID)
	req.Equal(shared.Expired, outcomes[0].Verdict)
	req.False(outcomes[0].Submitted)

	rec, err := store.Challenge(overdue.ID)
	req.NoError(err)
	req.Equal(shared.Expired, rec.State)
	rec, err = store.Challenge(pending.ID)
	req.NoError(err)
	req.Equal(shared.AwaitingProof, rec.State)

	// A proof arriving after expiry grades as stale, not late.
	out, err := verifier.Verify(context.Background(), &shared.Proof{
		ChallengeID: overdue.ID,
		MinerID:     "miner-1",
		Nonce:       solveNonce(t, overdue),
		SubmittedAt: now,
	})
	req.NoError(err)
	req.Equal(shared.RejectedStale, out.Verdict)

	outcomes, err = verifier.ExpireDue(context.Background())
	req.NoError(err)
	req.Empty(outcomes)
}
