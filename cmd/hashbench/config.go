package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultAlgo     = "all"
	defaultDuration = 5 * time.Second
	defaultCPU      = false
)

// config defines the configuration options for hashbench.
type config struct {
	Algo     string        `short:"a" description:"algorithm to measure" choice:"scrypt" choice:"sha256" choice:"all"`
	Duration time.Duration `short:"t" description:"how long to hash per algorithm"`
	Workers  uint          `short:"w" description:"parallel workers (0 = all CPUs)"`
	CPU      bool          `short:"c" description:"whether to enable CPU profiling"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		Algo:     defaultAlgo,
		Duration: defaultDuration,
		CPU:      defaultCPU,
	}

	// Parse command line options.
	if _, err := flags.Parse(&cfg); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	return &cfg, nil
}
