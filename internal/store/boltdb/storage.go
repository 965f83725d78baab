package boltdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.etcd.io/bbolt"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

var (
	// BoltDB bucket names
	bucketMutations = []byte("mutations")
	bucketIndex     = []byte("mutations_idx")
	bucketMeta      = []byte("meta")
)

// snapshotBucket возвращает имя bucket'а со снимками для домена
func snapshotBucket(domain models.Domain) []byte {
	return []byte("snapshots_" + string(domain))
}

// Storage represents the BoltDB implementation of the durable local store
type Storage struct {
	db *bbolt.DB
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	// Инициализируем buckets (идемпотентно)
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMutations); err != nil {
			return fmt.Errorf("failed to create mutations bucket: %w", err)
		}

		if _, err := tx.CreateBucketIfNotExists(bucketIndex); err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}

		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}

		// Bucket со снимками на каждый домен
		for _, domain := range models.AllDomains {
			if _, err := tx.CreateBucketIfNotExists(snapshotBucket(domain)); err != nil {
				return fmt.Errorf("failed to create snapshot bucket for %s: %w", domain, err)
			}
		}

		return nil
	})
}

// wrapWriteErr переводит ошибки нехватки места в ErrStoreUnavailable
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return store.ErrStoreClosed
	}
	return err
}
