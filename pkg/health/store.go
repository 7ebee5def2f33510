package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/sitekeeper/sitekeeper/pkg/types"
)

var bucketNodeStates = []byte("node_states")

// StateStore persists cached node state across master restarts
type StateStore struct {
	db *bolt.DB
}

// NewStateStore opens the node-state database under dataDir
func NewStateStore(dataDir string) (*StateStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "sitekeeper.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodeStates)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &StateStore{db: db}, nil
}

// Close closes the database
func (s *StateStore) Close() error {
	return s.db.Close()
}

// Save upserts one node state
func (s *StateStore) Save(state *types.CachedNodeState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeStates)
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal node state: %w", err)
		}
		return b.Put([]byte(state.NodeName), data)
	})
}

// LoadAll returns every persisted node state
func (s *StateStore) LoadAll() ([]*types.CachedNodeState, error) {
	var states []*types.CachedNodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeStates)
		return b.ForEach(func(k, v []byte) error {
			var st types.CachedNodeState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("failed to unmarshal node state %s: %w", k, err)
			}
			states = append(states, &st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
