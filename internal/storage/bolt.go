package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"driftmesh/go-core/pkg/models"
)

var (
	bucketItems     = []byte("sync_items")
	bucketManifests = []byte("chunk_manifests")
	bucketIdentity  = []byte("identity")
)

const seedEnvelopeKey = "seed_envelope"

// Store is the node's durable state: replicated items survive restarts
// so a node rejoins anti-entropy with its last known version set.
type Store struct {
	db *bbolt.DB
}

// lockTimeout bounds how long an open waits on bolt's exclusive file
// lock, so a second process fails fast instead of blocking on a
// running node.
const lockTimeout = time.Second

func dbPath(dataDir string) string {
	return filepath.Join(dataDir, "driftmesh.db")
}

func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bbolt.Open(dbPath(dataDir), 0o600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenReadOnly opens the state db for inspection without taking the
// write lock. The db file must already exist.
func OpenReadOnly(dataDir string) (*Store, error) {
	path := dbPath(dataDir)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open state db read-only: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketItems, bucketManifests, bucketIdentity} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// SaveItem persists one replicated item keyed by id.
func (s *Store) SaveItem(item models.SyncItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).Put([]byte(item.ID), raw)
	})
}

func (s *Store) DeleteItem(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).Delete([]byte(id))
	})
}

// ReplayItems streams every persisted item into apply, used at startup
// to rebuild the sync engine's version set.
func (s *Store) ReplayItems(apply func(models.SyncItem) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(_, raw []byte) error {
			var item models.SyncItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return fmt.Errorf("decode persisted item: %w", err)
			}
			return apply(item)
		})
	})
}

// SaveManifest persists a chunk manifest as raw JSON.
func (s *Store) SaveManifest(dataID string, manifest any) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", dataID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketManifests).Put([]byte(dataID), raw)
	})
}

// ReplayManifests streams persisted manifests as raw JSON.
func (s *Store) ReplayManifests(apply func(dataID string, raw []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(key, raw []byte) error {
			return apply(string(key), raw)
		})
	})
}

// SaveSeedEnvelope persists the armored identity seed.
func (s *Store) SaveSeedEnvelope(raw []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(seedEnvelopeKey), raw)
	})
}

// SeedEnvelope returns the armored seed, or nil when none was saved.
func (s *Store) SeedEnvelope() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketIdentity).Get([]byte(seedEnvelopeKey))
		if raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	return out, err
}
