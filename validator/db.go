package validator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	dbutil "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hashworknet/hashwork/shared"
)

var (
	ErrNotFound       = leveldb.ErrNotFound
	ErrAlreadySettled = errors.New("challenge already settled")
)

var (
	challengePrefix = []byte("c/")
	scorePrefix     = []byte("s/")
	weightPrefix    = []byte("w/")
)

// ChallengeRecord is a challenge plus its lifecycle state as persisted
// in the store. SettledAt stays zero until the challenge reaches a
// terminal state.
type ChallengeRecord struct {
	Challenge shared.Challenge
	State     shared.ChallengeState
	SettledAt time.Time
}

// Store persists challenges, scores and epoch weight sets. Challenges
// survive restarts so an interrupted round can settle instead of
// leaking open challenges forever.
type Store struct {
	db *leveldb.DB
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func challengeKey(id string) []byte {
	return append(challengePrefix, id...)
}

func scoreKey(minerID, challengeID string) []byte {
	key := append(scorePrefix, minerID...)
	key = append(key, '/')
	return append(key, challengeID...)
}

func weightKey(epoch uint64) []byte {
	key := make([]byte, len(weightPrefix)+8)
	copy(key, weightPrefix)
	binary.BigEndian.PutUint64(key[len(weightPrefix):], epoch)
	return key
}

// SaveChallenge writes a single challenge record durably.
func (s *Store) SaveChallenge(rec ChallengeRecord) error {
	serialized, err := serialize(&rec)
	if err != nil {
		return fmt.Errorf("failed serializing challenge: %w", err)
	}
	key := challengeKey(rec.Challenge.ID)
	if err := s.db.Put(key, serialized, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing challenge in DB: %w", err)
	}
	return nil
}

// SaveChallenges writes a round's worth of challenge records in one
// durable batch.
func (s *Store) SaveChallenges(recs []ChallengeRecord) error {
	batch := leveldb.MakeBatch(len(recs))
	for i := range recs {
		serialized, err := serialize(&recs[i])
		if err != nil {
			return fmt.Errorf("failed serializing challenge: %w", err)
		}
		batch.Put(challengeKey(recs[i].Challenge.ID), serialized)
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing challenges in DB: %w", err)
	}
	return nil
}

// Challenge loads one challenge record by id. Returns ErrNotFound for
// ids the store has never seen or has already swept.
func (s *Store) Challenge(id string) (ChallengeRecord, error) {
	data, err := s.db.Get(challengeKey(id), nil)
	if err != nil {
		return ChallengeRecord{}, fmt.Errorf("get challenge %s from DB: %w", id, err)
	}
	var rec ChallengeRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return ChallengeRecord{}, fmt.Errorf("failed to deserialize: %v", err)
	}
	return rec, nil
}

// Settle moves an open challenge into a terminal state. Settling is
// first write wins: a second attempt returns ErrAlreadySettled along
// with the record holding the verdict that won.
func (s *Store) Settle(id string, state shared.ChallengeState, at time.Time) (ChallengeRecord, error) {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return ChallengeRecord{}, err
	}

	data, err := trans.Get(challengeKey(id), nil)
	if err != nil {
		trans.Discard()
		return ChallengeRecord{}, fmt.Errorf("get challenge %s from DB: %w", id, err)
	}
	var rec ChallengeRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		trans.Discard()
		return ChallengeRecord{}, fmt.Errorf("failed to deserialize: %v", err)
	}
	if rec.State.Terminal() {
		trans.Discard()
		return rec, ErrAlreadySettled
	}

	rec.State = state
	rec.SettledAt = at
	serialized, err := serialize(&rec)
	if err != nil {
		trans.Discard()
		return ChallengeRecord{}, fmt.Errorf("failed serializing challenge: %w", err)
	}
	if err := trans.Put(challengeKey(id), serialized, nil); err != nil {
		trans.Discard()
		return ChallengeRecord{}, fmt.Errorf("settling challenge in DB: %w", err)
	}
	if err := trans.Commit(); err != nil {
		return ChallengeRecord{}, err
	}
	return rec, nil
}

// MarkDelivered flips an issued challenge to awaiting proof. Already
// settled challenges are left alone.
func (s *Store) MarkDelivered(id string) error {
	rec, err := s.Challenge(id)
	if err != nil {
		return err
	}
	if rec.State != shared.Issued {
		return nil
	}
	rec.State = shared.AwaitingProof
	return s.SaveChallenge(rec)
}

// OpenChallenges returns every challenge not yet in a terminal state.
// Used on startup to resume interrupted rounds and by the expiry
// sweep.
func (s *Store) OpenChallenges() ([]ChallengeRecord, error) {
	var open []ChallengeRecord
	iter := s.db.NewIterator(dbutil.BytesPrefix(challengePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var rec ChallengeRecord
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &rec); err != nil {
			return nil, fmt.Errorf("failed to deserialize: %v", err)
		}
		if !rec.State.Terminal() {
			open = append(open, rec)
		}
	}
	return open, iter.Error()
}

// SweepSettled deletes terminal challenges settled before the cutoff
// and reports how many were removed.
func (s *Store) SweepSettled(before time.Time) (int, error) {
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(dbutil.BytesPrefix(challengePrefix), nil)
	for iter.Next() {
		var rec ChallengeRecord
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &rec); err != nil {
			iter.Release()
			return 0, fmt.Errorf("failed to deserialize: %v", err)
		}
		if rec.State.Terminal() && rec.SettledAt.Before(before) {
			batch.Delete(challengeKey(rec.Challenge.ID))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("sweeping challenges from DB: %w", err)
	}
	return batch.Len(), nil
}

// SaveScore appends a settled score to the miner's audit trail.
func (s *Store) SaveScore(score Score) error {
	serialized, err := serialize(&score)
	if err != nil {
		return fmt.Errorf("failed serializing score: %w", err)
	}
	key := scoreKey(score.MinerID, score.ChallengeID)
	if err := s.db.Put(key, serialized, nil); err != nil {
		return fmt.Errorf("storing score in DB: %w", err)
	}
	return nil
}

// ScoresFor returns up to limit of the miner's stored scores.
func (s *Store) ScoresFor(minerID string, limit int) ([]Score, error) {
	prefix := append(scorePrefix, minerID...)
	prefix = append(prefix, '/')

	var scores []Score
	iter := s.db.NewIterator(dbutil.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if limit > 0 && len(scores) >= limit {
			break
		}
		var score Score
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &score); err != nil {
			return nil, fmt.Errorf("failed to deserialize: %v", err)
		}
		scores = append(scores, score)
	}
	return scores, iter.Error()
}

// SaveWeightSet persists one epoch's committed weights.
func (s *Store) SaveWeightSet(ws *WeightSet) error {
	serialized, err := serialize(ws)
	if err != nil {
		return fmt.Errorf("failed serializing weight set: %w", err)
	}
	if err := s.db.Put(weightKey(ws.Epoch), serialized, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing weight set in DB: %w", err)
	}
	return nil
}

// WeightSetFor loads the committed weight set of one epoch.
func (s *Store) WeightSetFor(epoch uint64) (*WeightSet, error) {
	data, err := s.db.Get(weightKey(epoch), nil)
	if err != nil {
		return nil, fmt.Errorf("get weight set for epoch %d from DB: %w", epoch, err)
	}
	ws := &WeightSet{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), ws); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %v", err)
	}
	return ws, nil
}

// LatestWeightSet returns the most recently committed weight set, or
// ErrNotFound when no epoch has closed yet. Epoch keys are big endian
// so the last key under the prefix is the newest.
func (s *Store) LatestWeightSet() (*WeightSet, error) {
	iter := s.db.NewIterator(dbutil.BytesPrefix(weightPrefix), nil)
	defer iter.Release()
	if !iter.Last() {
		return nil, ErrNotFound
	}
	ws := &WeightSet{}
	if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), ws); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %v", err)
	}
	return ws, nil
}

func serialize(v interface{}) ([]byte, error) {
	var dataBuf bytes.Buffer
	if _, err := xdr.Marshal(&dataBuf, v); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return dataBuf.Bytes(), nil
}
