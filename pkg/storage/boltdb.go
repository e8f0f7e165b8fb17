package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/mapservice/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAttachments = []byte("attachments")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mapservice.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAttachments); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketAttachments, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutAttachment records an attachment, replacing any entry with the same uuid
func (s *BoltStore) PutAttachment(att *types.SurfaceAttachment) error {
	if att.UUID == "" {
		return fmt.Errorf("attachment uuid is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		data, err := json.Marshal(att)
		if err != nil {
			return err
		}
		return b.Put([]byte(att.UUID), data)
	})
}

func (s *BoltStore) GetAttachment(uuid string) (*types.SurfaceAttachment, error) {
	var att types.SurfaceAttachment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttachments).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, uuid)
		}
		return json.Unmarshal(data, &att)
	})
	if err != nil {
		return nil, err
	}
	return &att, nil
}

func (s *BoltStore) TakeAttachment(uuid string) (*types.SurfaceAttachment, error) {
	var att types.SurfaceAttachment
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, uuid)
		}
		if err := json.Unmarshal(data, &att); err != nil {
			return err
		}
		return b.Delete([]byte(uuid))
	})
	if err != nil {
		return nil, err
	}
	return &att, nil
}

func (s *BoltStore) ListAttachments() ([]*types.SurfaceAttachment, error) {
	var atts []*types.SurfaceAttachment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			var att types.SurfaceAttachment
			if err := json.Unmarshal(v, &att); err != nil {
				return err
			}
			atts = append(atts, &att)
			return nil
		})
	})
	return atts, err
}

func (s *BoltStore) CountAttachments() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

func (s *BoltStore) PruneAttachments(before time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var att types.SurfaceAttachment
			if err := json.Unmarshal(v, &att); err != nil {
				return err
			}
			if att.CreatedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}
