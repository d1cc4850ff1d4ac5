package validator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hashworknet/hashwork/logging"
	"github.com/hashworknet/hashwork/util"
)

const checkpointFileBaseName = "registry.bin"

type checkpointState struct {
	SavedAt time.Time
	Records []MinerRecord
}

// checkpoint atomically persists the miner registry so difficulty and
// trend state survive restarts.
func (s *Service) checkpoint(ctx context.Context) {
	state := checkpointState{
		SavedAt: s.clock(),
		Records: s.registry.Snapshot(),
	}
	filename := filepath.Join(s.datadir, checkpointFileBaseName)
	if err := util.Persist(filename, &state); err != nil {
		logging.FromContext(ctx).Error("failed to checkpoint miner registry", zap.Error(err))
		return
	}
	logging.FromContext(ctx).Debug("checkpointed miner registry", zap.Int("miners", len(state.Records)))
}

func (s *Service) recoverRegistry(ctx context.Context) error {
	filename := filepath.Join(s.datadir, checkpointFileBaseName)
	state := checkpointState{}
	found, err := util.LoadIfExists(filename, &state)
	if err != nil {
		return fmt.Errorf("loading registry checkpoint: %w", err)
	}
	if !found {
		return nil
	}
	s.registry.Restore(state.Records)
	logging.FromContext(ctx).Info("recovered miner registry",
		zap.Int("miners", len(state.Records)),
		zap.Time("saved_at", state.SavedAt),
	)
	return nil
}
