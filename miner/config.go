package miner

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

func DefaultConfig() Config {
	return Config{
		MaxWorkBudget:  8 * time.Second,
		SafetyMargin:   2 * time.Second,
		PollInterval:   100 * time.Millisecond,
		ProbeInterval:  30 * time.Second,
		MaxTemperature: 80.0,
		MaxErrorRate:   0.02,
		ProofQueueSize: 64,
	}
}

//nolint:lll
type Config struct {
	MaxWorkBudget  time.Duration `long:"max-work-budget"  description:"Hard cap on solve time per challenge"`
	SafetyMargin   time.Duration `long:"safety-margin"    description:"Slack reserved before the challenge deadline for transmission"`
	PollInterval   time.Duration `long:"poll-interval"    description:"Device job polling cadence"`
	ProbeInterval  time.Duration `long:"probe-interval"   description:"Degraded device re-probe cadence"`
	MaxTemperature float64       `long:"max-temperature"  description:"Device temperature above which it counts as unhealthy (°C)"`
	MaxErrorRate   float64       `long:"max-error-rate"   description:"Hardware errors per accepted share above which a device counts as unhealthy"`
	ProofQueueSize int           `long:"proof-queue-size" description:"Outbound proof queue capacity"`
}

func (c *Config) Validate() error {
	var errs error
	for _, v := range []struct {
		name string
		d    time.Duration
	}{
		{"max work budget", c.MaxWorkBudget},
		{"safety margin", c.SafetyMargin},
		{"poll interval", c.PollInterval},
		{"probe interval", c.ProbeInterval},
	} {
		if v.d <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive", v.name))
		}
	}
	if c.MaxTemperature <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max temperature must be positive, got %v", c.MaxTemperature))
	}
	if c.MaxErrorRate < 0 || c.MaxErrorRate > 1 {
		errs = multierror.Append(errs, fmt.Errorf("max error rate must lie in [0,1], got %v", c.MaxErrorRate))
	}
	if c.ProofQueueSize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("proof queue needs capacity, got %d", c.ProofQueueSize))
	}
	return errs
}
