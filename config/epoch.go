package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap/zapcore"
)

const (
	defaultEpochDuration     = 10 * time.Minute
	defaultChallengeInterval = 30 * time.Second
)

// EpochConfig places round and epoch boundaries on the timeline that
// starts at genesis. Every validator sharing a genesis time computes
// the same boundaries.
type EpochConfig struct {
	EpochDuration     time.Duration `long:"epoch-duration"     description:"Length of a consensus weight epoch"`
	ChallengeInterval time.Duration `long:"challenge-interval" description:"Time between challenge rounds"`
}

func DefaultEpochConfig() *EpochConfig {
	return &EpochConfig{
		EpochDuration:     defaultEpochDuration,
		ChallengeInterval: defaultChallengeInterval,
	}
}

// CurrentEpoch is the epoch a given point in time falls into.
// Anything before genesis counts as epoch 0.
func (c *EpochConfig) CurrentEpoch(genesis, when time.Time) uint64 {
	sinceGenesis := when.Sub(genesis)
	if sinceGenesis < 0 {
		return 0
	}
	return uint64(sinceGenesis / c.EpochDuration)
}

// EpochEnd is when the given epoch closes and its weights commit.
func (c *EpochConfig) EpochEnd(genesis time.Time, epoch uint64) time.Time {
	return genesis.Add(c.EpochDuration * time.Duration(epoch+1))
}

// RoundInterval is the cadence of challenge rounds within an epoch.
func (c *EpochConfig) RoundInterval() time.Duration {
	return c.ChallengeInterval
}

func (c *EpochConfig) Validate() error {
	var result *multierror.Error
	if c.EpochDuration <= 0 {
		result = multierror.Append(result, fmt.Errorf("epoch duration must be positive, got %s", c.EpochDuration))
	}
	if c.ChallengeInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("challenge interval must be positive, got %s", c.ChallengeInterval))
	}
	if c.EpochDuration > 0 && c.ChallengeInterval >= c.EpochDuration {
		result = multierror.Append(result, fmt.Errorf(
			"challenge interval %s must be shorter than the epoch duration %s", c.ChallengeInterval, c.EpochDuration))
	}
	return result.ErrorOrNil()
}

// implement zap.ObjectMarshaler interface.
func (c EpochConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("epoch-duration", c.EpochDuration)
	enc.AddDuration("challenge-interval", c.ChallengeInterval)

	return nil
}
