package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

// PutSnapshot stores the server-confirmed state of an entity
func (s *Storage) PutSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if s.db == nil {
		return store.ErrStoreClosed
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(snapshotBucket(snap.Domain))
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		if err := bucket.Put([]byte(snap.EntityID), data); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		return nil
	})

	if err := wrapWriteErr(err); err != nil {
		return fmt.Errorf("snapshot transaction failed: %w", err)
	}

	return nil
}

// GetSnapshot retrieves a cached snapshot by entity id
func (s *Storage) GetSnapshot(ctx context.Context, domain models.Domain, entityID string) (*models.Snapshot, error) {
	if s.db == nil {
		return nil, store.ErrStoreClosed
	}

	var snap *models.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket(domain))
		if bucket == nil {
			return store.ErrNotFound
		}

		data := bucket.Get([]byte(entityID))
		if data == nil {
			return store.ErrNotFound
		}

		snap = &models.Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return snap, nil
}

// ListSnapshots returns all cached snapshots of a domain
func (s *Storage) ListSnapshots(ctx context.Context, domain models.Domain) ([]*models.Snapshot, error) {
	if s.db == nil {
		return nil, store.ErrStoreClosed
	}

	var snapshots []*models.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket(domain))
		if bucket == nil {
			// Нет bucket - возвращаем пустой список
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var snap models.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			snapshots = append(snapshots, &snap)
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return snapshots, nil
}

// DeleteSnapshot removes a cached snapshot after the server confirmed
// entity deletion. Deleting a missing snapshot is not an error.
func (s *Storage) DeleteSnapshot(ctx context.Context, domain models.Domain, entityID string) error {
	if s.db == nil {
		return store.ErrStoreClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket(domain))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(entityID))
	})

	if err := wrapWriteErr(err); err != nil {
		return fmt.Errorf("delete snapshot transaction failed: %w", err)
	}

	return nil
}

// SaveLastSyncedAt persists the completion time of the latest drain cycle
func (s *Storage) SaveLastSyncedAt(ctx context.Context, domain models.Domain, at time.Time) error {
	if s.db == nil {
		return store.ErrStoreClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte("last_synced_at_" + string(domain))
		return tx.Bucket(bucketMeta).Put(key, []byte(at.UTC().Format(time.RFC3339Nano)))
	})

	if err := wrapWriteErr(err); err != nil {
		return fmt.Errorf("meta transaction failed: %w", err)
	}

	return nil
}

// LastSyncedAt returns the persisted drain completion time,
// zero time if the domain was never synced
func (s *Storage) LastSyncedAt(ctx context.Context, domain models.Domain) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, store.ErrStoreClosed
	}

	var at time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte("last_synced_at_" + string(domain)))
		if data == nil {
			return nil
		}

		parsed, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return fmt.Errorf("failed to parse last synced at: %w", err)
		}

		at = parsed
		return nil
	})

	if err != nil {
		return time.Time{}, err
	}

	return at, nil
}
