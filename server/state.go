package server

import (
	"path/filepath"
	"time"

	"github.com/hashworknet/hashwork/util"
)

const stateFilename = "state.bin"

// state pins the identity of a deployment across restarts. Genesis is
// authoritative once written: epoch numbering and weight sets derived
// from it would silently shift if a restart picked up a different
// genesis from flags.
type state struct {
	Genesis   time.Time
	LastEpoch uint64
	SavedAt   time.Time
}

func (s *state) save(datadir string) error {
	return util.Persist(filepath.Join(datadir, stateFilename), s)
}

func loadState(datadir string) (*state, bool, error) {
	v := &state{}
	found, err := util.LoadIfExists(filepath.Join(datadir, stateFilename), v)
	if err != nil {
		return nil, false, err
	}
	return v, found, nil
}
