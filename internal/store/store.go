package store

import (
	"context"
	"time"

	"github.com/voltmep/fieldsync/internal/models"
)

// Store - контракт локального durable-хранилища. Единственный источник
// правды о состоянии очереди: все компоненты читают и пишут мутации через
// него, никогда не держа расходящейся in-memory копии.
//
// Каждая операция атомарна и переживает аварийное завершение процесса:
// после рестарта хранилище отражает последнее durably-закоммиченное
// состояние без частичных записей. Инициализация идемпотентна.
type Store interface {
	// PutMutation creates or overwrites a mutation record.
	PutMutation(ctx context.Context, m *models.Mutation) error

	// GetMutation returns a mutation by id, ErrNotFound if absent.
	GetMutation(ctx context.Context, id string) (*models.Mutation, error)

	// DeleteMutation removes a mutation record. Deleting a missing record is not an error.
	DeleteMutation(ctx context.Context, id string) error

	// ListMutations returns all mutations for a domain sorted by CreatedAt.
	ListMutations(ctx context.Context, domain models.Domain) ([]*models.Mutation, error)

	// ListMutationsByStatus returns a domain's mutations with the given status,
	// sorted by CreatedAt. Backed by the (domain, entity, status) index.
	ListMutationsByStatus(ctx context.Context, domain models.Domain, status models.Status) ([]*models.Mutation, error)

	// ListMutationsByEntity returns all mutations targeting one entity, sorted by CreatedAt.
	ListMutationsByEntity(ctx context.Context, domain models.Domain, entityID string) ([]*models.Mutation, error)

	// PutSnapshot stores the server-confirmed state of an entity.
	PutSnapshot(ctx context.Context, s *models.Snapshot) error

	// GetSnapshot returns the cached snapshot, ErrNotFound if the entity was never fetched.
	GetSnapshot(ctx context.Context, domain models.Domain, entityID string) (*models.Snapshot, error)

	// ListSnapshots returns all cached snapshots of a domain.
	ListSnapshots(ctx context.Context, domain models.Domain) ([]*models.Snapshot, error)

	// DeleteSnapshot removes a cached snapshot (entity deletion confirmed).
	DeleteSnapshot(ctx context.Context, domain models.Domain, entityID string) error

	// SaveLastSyncedAt persists the completion time of the latest drain cycle for a domain.
	SaveLastSyncedAt(ctx context.Context, domain models.Domain, at time.Time) error

	// LastSyncedAt returns the persisted drain completion time, zero time if never synced.
	LastSyncedAt(ctx context.Context, domain models.Domain) (time.Time, error)

	// Close releases the underlying database.
	Close() error
}
