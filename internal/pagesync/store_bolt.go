package pagesync

import (
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const boltBucket = "entries"

// boltBackend keeps sealed values in one bucket of a BoltDB file. Every
// mutation is its own transaction.
type boltBackend struct {
	db *bbolt.DB
}

func newBoltBackend(path string) (*boltBackend, error) {
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) load() (map[string]string, error) {
	out := map[string]string{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("bolt bucket is missing")
		}
		return bucket.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *boltBackend) put(key, blob string, _ map[string]string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), []byte(blob))
	})
}

func (b *boltBackend) delete(keys []string, _ map[string]string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		for _, k := range keys {
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBackend) reset() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(boltBucket)) != nil {
			if err := tx.DeleteBucket([]byte(boltBucket)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(boltBucket))
		return err
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}
