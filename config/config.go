// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2017-2023 The Spacemesh developers

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/miner"
	"github.com/hashworknet/hashwork/validator"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultAPIPort        = 8080
)

// Config defines the configuration options for the hashwork validator
// daemon. Defaults come from DefaultConfig, optionally overridden by an
// INI config file and then by command line flags.
//
//nolint:lll
type Config struct {
	Genesis        Genesis `long:"genesis-time"   description:"Genesis timestamp in RFC3339 format"`
	HashworkDir    string  `long:"hashworkdir"    description:"The base directory that contains hashwork's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                                                       short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store hashwork's data within"                                    short:"b"`
	DbDir          string  `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir         string  `long:"logdir"         description:"Directory to log output"`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawAPIListener string  `long:"apilisten"      description:"The interface/port to listen for HTTP API connections"                            short:"w"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`
	DisableWS      bool    `long:"disable-ws"     description:"Do not accept miner websocket connections"`
	Standalone     bool    `long:"standalone"     description:"Run an embedded miner over the in-memory transport"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Epoch     *EpochConfig     `group:"Epoch"`
	Validator validator.Config `group:"Validator"`
	Miner     miner.Config     `group:"Miner"`
}

type Genesis time.Time

// UnmarshalFlag implements flags.Unmarshaler.
func (g *Genesis) UnmarshalFlag(value string) error {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return err
	}
	*g = Genesis(t)
	return nil
}

func (g Genesis) Time() time.Time {
	return time.Time(g)
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	hashworkDir := "./hashwork"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		hashworkDir = filepath.Join(cacheDir, "hashwork")
	}

	return &Config{
		Genesis:        Genesis(time.Now()),
		HashworkDir:    hashworkDir,
		DataDir:        filepath.Join(hashworkDir, defaultDataDirname),
		DbDir:          filepath.Join(hashworkDir, defaultDbDirName),
		LogDir:         filepath.Join(hashworkDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		RawAPIListener: fmt.Sprintf("localhost:%d", defaultAPIPort),
		Epoch:          DefaultEpochConfig(),
		Validator:      validator.DefaultConfig(),
		Miner:          miner.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided hashwork directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.HashworkDir != defaultCfg.HashworkDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.HashworkDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.HashworkDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.HashworkDir, defaultDbDirName)
		}
	}

	// Create the hashwork directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.HashworkDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.HashworkDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)

	return cfg, nil
}

// Validate checks the whole configuration tree before any component
// starts from it.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Genesis.Time().IsZero() {
		result = multierror.Append(result, errors.New("genesis time must be set"))
	}
	if c.Epoch == nil {
		result = multierror.Append(result, errors.New("epoch configuration must be set"))
	} else if err := c.Epoch.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Validator.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Miner.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
