package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

// indexKey строит ключ вторичного индекса (domain, entityID, status, id).
// NUL-разделители дают однозначные префиксные сканы по domain и domain+entity.
func indexKey(domain models.Domain, entityID string, status models.Status, id string) []byte {
	return []byte(string(domain) + "\x00" + entityID + "\x00" + string(status) + "\x00" + id)
}

func indexPrefix(parts ...string) []byte {
	prefix := ""
	for _, p := range parts {
		prefix += p + "\x00"
	}
	return []byte(prefix)
}

// PutMutation stores or overwrites a mutation record, keeping the
// (domain, entityID, status) index in step within the same transaction.
func (s *Storage) PutMutation(ctx context.Context, m *models.Mutation) error {
	if s.db == nil {
		return store.ErrStoreClosed
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		idx := tx.Bucket(bucketIndex)

		// Если запись уже существует - убираем её старый индексный ключ
		if old := bucket.Get([]byte(m.ID)); old != nil {
			var prev models.Mutation
			if err := json.Unmarshal(old, &prev); err != nil {
				return fmt.Errorf("failed to unmarshal existing mutation: %w", err)
			}
			if err := idx.Delete(indexKey(prev.Domain, prev.EntityID, prev.Status, prev.ID)); err != nil {
				return fmt.Errorf("failed to drop stale index key: %w", err)
			}
		}

		if err := bucket.Put([]byte(m.ID), data); err != nil {
			return fmt.Errorf("failed to save mutation: %w", err)
		}

		if err := idx.Put(indexKey(m.Domain, m.EntityID, m.Status, m.ID), []byte(m.ID)); err != nil {
			return fmt.Errorf("failed to save index key: %w", err)
		}

		return nil
	})

	if err := wrapWriteErr(err); err != nil {
		return fmt.Errorf("mutation transaction failed: %w", err)
	}

	return nil
}

// GetMutation retrieves a mutation by id
func (s *Storage) GetMutation(ctx context.Context, id string) (*models.Mutation, error) {
	if s.db == nil {
		return nil, store.ErrStoreClosed
	}

	var mutation *models.Mutation

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMutations).Get([]byte(id))
		if data == nil {
			return store.ErrNotFound
		}

		mutation = &models.Mutation{}
		if err := json.Unmarshal(data, mutation); err != nil {
			return fmt.Errorf("failed to unmarshal mutation: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return mutation, nil
}

// DeleteMutation removes a mutation and its index entry.
// Deleting a missing mutation is not an error.
func (s *Storage) DeleteMutation(ctx context.Context, id string) error {
	if s.db == nil {
		return store.ErrStoreClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)

		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var m models.Mutation
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal mutation: %w", err)
		}

		if err := tx.Bucket(bucketIndex).Delete(indexKey(m.Domain, m.EntityID, m.Status, m.ID)); err != nil {
			return fmt.Errorf("failed to drop index key: %w", err)
		}

		if err := bucket.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete mutation: %w", err)
		}

		return nil
	})

	if err := wrapWriteErr(err); err != nil {
		return fmt.Errorf("delete transaction failed: %w", err)
	}

	return nil
}

// ListMutations returns all mutations of a domain sorted by CreatedAt
func (s *Storage) ListMutations(ctx context.Context, domain models.Domain) ([]*models.Mutation, error) {
	return s.listByIndex(indexPrefix(string(domain)), nil)
}

// ListMutationsByStatus returns a domain's mutations with the given status,
// sorted by CreatedAt
func (s *Storage) ListMutationsByStatus(ctx context.Context, domain models.Domain, status models.Status) ([]*models.Mutation, error) {
	want := status
	return s.listByIndex(indexPrefix(string(domain)), func(m *models.Mutation) bool {
		return m.Status == want
	})
}

// ListMutationsByEntity returns all mutations targeting one entity,
// sorted by CreatedAt
func (s *Storage) ListMutationsByEntity(ctx context.Context, domain models.Domain, entityID string) ([]*models.Mutation, error) {
	return s.listByIndex(indexPrefix(string(domain), entityID), nil)
}

// listByIndex сканирует индекс по префиксу и загружает подходящие мутации
func (s *Storage) listByIndex(prefix []byte, keep func(*models.Mutation) bool) ([]*models.Mutation, error) {
	if s.db == nil {
		return nil, store.ErrStoreClosed
	}

	var mutations []*models.Mutation

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		cursor := tx.Bucket(bucketIndex).Cursor()

		for k, id := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = cursor.Next() {
			data := bucket.Get(id)
			if data == nil {
				// Индекс опередил запись - пропускаем осиротевший ключ
				continue
			}

			var m models.Mutation
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("failed to unmarshal mutation: %w", err)
			}

			if keep == nil || keep(&m) {
				mutations = append(mutations, &m)
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}

	// Порядок применения определяет CreatedAt, не ключ индекса
	sort.Slice(mutations, func(i, j int) bool {
		if mutations[i].CreatedAt.Equal(mutations[j].CreatedAt) {
			return mutations[i].ID < mutations[j].ID
		}
		return mutations[i].CreatedAt.Before(mutations[j].CreatedAt)
	})

	return mutations, nil
}
