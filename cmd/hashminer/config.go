package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/hashworknet/hashwork/miner"
)

const (
	defaultValidator = "ws://localhost:8080/v1/ws"
	defaultKeyFile   = "miner.key"
)

// config defines the configuration options for hashminer.
type config struct {
	Validator string   `long:"validator" short:"v" description:"Validator websocket URL"`
	KeyFile   string   `long:"key"       short:"k" description:"Miner signing key file, created on first run"`
	CGMiner   []string `long:"cgminer"             description:"cgminer API endpoint to drive (host:port, repeatable)"`
	DebugLog  bool     `long:"debuglog"            description:"Enable debug logging"`
	JSONLog   bool     `long:"jsonlog"             description:"Whether to log in JSON format"`
	LogFile   string   `long:"logfile"             description:"Also log to this size-rotated file"`

	Miner miner.Config `group:"Miner"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		Validator: defaultValidator,
		KeyFile:   defaultKeyFile,
		Miner:     miner.DefaultConfig(),
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
