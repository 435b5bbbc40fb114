package store

import (
	"encoding/json"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/link"
	"go.mills.io/bitcask/v2"
)

const stateKey = "growlightState"

// Store persists the last state reported by the grow light so a restarted
// bridge can answer with something better than defaults.
type Store struct {
	db bitcask.DB
}

func Open(path string) (*Store, error) {
	db, err := bitcask.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open bitcask database")
	}

	return &Store{db: db}, nil
}

// Load returns the persisted state and whether there was one. A loaded state
// is never connected: the device has not been heard from in this run yet.
func (s *Store) Load() (link.Snapshot, bool, error) {
	stateBytes, err := s.db.Get([]byte(stateKey))
	if err != nil {
		if err != bitcask.ErrKeyNotFound {
			return link.DefaultSnapshot(), false, errors.Wrapf(err, "get state from DB")
		}

		return link.DefaultSnapshot(), false, nil
	}

	var snapshot link.Snapshot
	if err := json.Unmarshal(stateBytes, &snapshot); err != nil {
		return link.DefaultSnapshot(), false, errors.Wrapf(err, "unmarshal state")
	}
	snapshot.Connected = false

	return snapshot, true, nil
}

func (s *Store) Save(snapshot link.Snapshot) error {
	stateBytes, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrapf(err, "marshal state")
	}

	if err := s.db.Put([]byte(stateKey), stateBytes); err != nil {
		return errors.Wrapf(err, "put state to DB")
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
