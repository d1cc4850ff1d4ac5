package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/miner"
	"github.com/hashworknet/hashwork/signing"
	"github.com/hashworknet/hashwork/transport"
)

// Hashminer binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// hashminerMain is the true entry point for the miner daemon. This
// function is required since defers created in the top-level scope of a
// main method aren't executed if os.Exit() is called.
func hashminerMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Initialize logging
	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(logLevel, cfg.LogFile, cfg.JSONLog)
	ctx := logging.NewContext(context.Background(), logger)

	defer func() {
		logger.Info("shutdown complete")
	}()

	key, err := signing.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading miner key: %w", err)
	}

	// Show version at startup.
	logger.Sugar().Infof("version: %s, miner id: %s, validator: %s", version, key.MinerID(), cfg.Validator)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	devices, err := attachDevices(ctx, cfg)
	if err != nil {
		return err
	}

	manager := miner.NewDeviceManager(&cfg.Miner, devices...)
	defer manager.Close()

	client := transport.NewClient(cfg.Validator, key)
	responder, err := miner.NewResponder(&cfg.Miner, key, manager, client, client.Challenges())
	if err != nil {
		return fmt.Errorf("creating responder: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return manager.Run(ctx)
	})
	eg.Go(func() error {
		return client.Run(ctx)
	})
	eg.Go(func() error {
		return responder.Run(ctx)
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failure in miner: %w", err)
	}

	return nil
}

// attachDevices connects every configured cgminer endpoint, falling
// back to a simulated device when none is given.
func attachDevices(ctx context.Context, cfg *config) ([]miner.DeviceLink, error) {
	logger := logging.FromContext(ctx)
	if len(cfg.CGMiner) == 0 {
		logger.Info("no cgminer endpoints configured, attaching a simulated device")
		return []miner.DeviceLink{miner.NewSimulatedDevice("sim-0", 0)}, nil
	}

	var devices []miner.DeviceLink
	for _, addr := range cfg.CGMiner {
		client := miner.NewCGMinerClient(addr)
		minerVersion, apiVersion, err := client.Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("probing cgminer at %s: %w", addr, err)
		}
		logger.Info("connected to cgminer", zap.String("addr", addr),
			zap.String("version", minerVersion), zap.String("api", apiVersion))

		links, err := miner.NewCGMinerDevices(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("enumerating devices at %s: %w", addr, err)
		}
		devices = append(devices, links...)
	}
	if len(devices) == 0 {
		return nil, errors.New("no enabled devices found on any endpoint")
	}
	return devices, nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := hashminerMain(); err != nil {
		// Flag errors were already printed by the parser.
		if _, ok := err.(*flags.Error); !ok {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
