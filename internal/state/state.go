package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/tree"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	storageBucket = []byte("storage")

	accountPrefix = []byte("account:")
	nodesSuffix   = []byte(":nodes")
)

func nodesBucket(accountID string) []byte {
	return []byte("account:" + accountID + ":nodes")
}

// State wraps a bbolt database holding every account's note tree and
// storage config. Node timestamps are assigned here and nowhere else.
type State struct {
	db  *bolt.DB
	now func() int64
}

// LoadAt opens the state database at the given path, creating it and its
// directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(storageBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: func() int64 { return time.Now().UnixMilli() }}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// stamp returns the next UpdatedAt for a record last written at prev:
// the current time, or prev+1 when the clock has not moved past prev.
func (s *State) stamp(prev int64) int64 {
	now := s.now()
	if now <= prev {
		return prev + 1
	}

	return now
}

// GetNode returns a node, or nil if it does not exist.
func (s *State) GetNode(accountID, id string) (*models.Node, error) {
	var n *models.Node

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(accountID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		n = &models.Node{}

		return json.Unmarshal(v, n)
	})

	return n, err
}

// PutNode stamps and stores n, replacing any existing record with the
// same ID. It returns the node as stored.
func (s *State) PutNode(accountID string, n models.Node) (models.Node, error) {
	return s.UpdateNode(accountID, n.ID, func(_ *models.Node) (models.Node, error) {
		return n, nil
	})
}

// CompareAndPut stores n only if the existing record has not been written
// after base. A newer record yields a *errors.ConflictError holding it.
// New nodes are always stored.
func (s *State) CompareAndPut(accountID string, n models.Node, base int64) (models.Node, error) {
	return s.UpdateNode(accountID, n.ID, func(existing *models.Node) (models.Node, error) {
		if existing != nil && existing.Kind != n.Kind {
			return models.Node{}, fmt.Errorf("node %s is a %s: %w", n.ID, existing.Kind, apperrors.ErrInvalidNode)
		}

		if existing != nil && existing.UpdatedAt > base {
			return models.Node{}, &apperrors.ConflictError{Current: *existing, Base: base}
		}

		return n, nil
	})
}

// UpdateNode runs fn with the current record (nil when absent) inside one
// write transaction and stores the node it returns, stamped. NamedAt is
// restamped only when the placement changed. An error
// from fn aborts the write and is returned unchanged.
func (s *State) UpdateNode(accountID, id string, fn func(existing *models.Node) (models.Node, error)) (models.Node, error) {
	var stored models.Node

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(nodesBucket(accountID))
		if err != nil {
			return err
		}

		var existing *models.Node

		if v := b.Get([]byte(id)); v != nil {
			existing = &models.Node{}
			if err := json.Unmarshal(v, existing); err != nil {
				return fmt.Errorf("decoding node %s: %w", id, err)
			}
		}

		n, err := fn(existing)
		if err != nil {
			return err
		}

		n.ID = id

		var prev int64
		if existing != nil {
			prev = existing.UpdatedAt
		}

		n.UpdatedAt = s.stamp(prev)

		if existing != nil && existing.SamePlacement(n) {
			n.NamedAt = existing.NamedAt
		} else {
			n.NamedAt = n.UpdatedAt
		}

		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		stored = n

		return b.Put([]byte(id), data)
	})

	return stored, err
}

// DeleteNodes removes the given nodes. Missing IDs are ignored.
func (s *State) DeleteNodes(accountID string, ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(accountID))
		if b == nil {
			return nil
		}

		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}

		return nil
	})
}

// AllNodes returns every node of an account, ordered by ID.
func (s *State) AllNodes(accountID string) ([]models.Node, error) {
	var nodes []models.Node

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket(accountID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var n models.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			nodes = append(nodes, n)

			return nil
		})
	})

	return nodes, err
}

// Tree returns a path-resolving snapshot of an account's nodes.
func (s *State) Tree(accountID string) (*tree.Tree, error) {
	nodes, err := s.AllNodes(accountID)
	if err != nil {
		return nil, fmt.Errorf("loading nodes for %s: %w", accountID, err)
	}

	return tree.New(nodes), nil
}

// Accounts returns the IDs of every account that has stored a node.
func (s *State) Accounts() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if bytes.HasPrefix(name, accountPrefix) && bytes.HasSuffix(name, nodesSuffix) {
				id := name[len(accountPrefix) : len(name)-len(nodesSuffix)]
				ids = append(ids, string(id))
			}

			return nil
		})
	})

	sort.Strings(ids)

	return ids, err
}

// GetStorageConfig returns the account's storage config. Accounts that
// never saved one are local.
func (s *State) GetStorageConfig(accountID string) (models.StorageConfig, error) {
	cfg := models.StorageConfig{AccountID: accountID, Backend: models.BackendLocal}

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(storageBucket).Get([]byte(accountID))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &cfg)
	})

	return cfg, err
}

// SetStorageConfig stores cfg, stamping UpdatedAt so cached adapters built
// from an older version are rebuilt.
func (s *State) SetStorageConfig(cfg models.StorageConfig) (models.StorageConfig, error) {
	if !cfg.Backend.Valid() {
		return cfg, fmt.Errorf("backend %q: %w", cfg.Backend, apperrors.ErrInvalidStorage)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(storageBucket)

		var prev models.StorageConfig
		if v := b.Get([]byte(cfg.AccountID)); v != nil {
			if err := json.Unmarshal(v, &prev); err != nil {
				return err
			}
		}

		cfg.UpdatedAt = s.stamp(prev.UpdatedAt)

		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}

		return b.Put([]byte(cfg.AccountID), data)
	})

	return cfg, err
}

// AllStorageConfigs returns every saved storage config.
func (s *State) AllStorageConfigs() ([]models.StorageConfig, error) {
	var cfgs []models.StorageConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(storageBucket).ForEach(func(_, v []byte) error {
			var cfg models.StorageConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}

			cfgs = append(cfgs, cfg)

			return nil
		})
	})

	return cfgs, err
}
