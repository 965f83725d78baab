package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

// PutSnapshot stores the server-confirmed state of an entity
func (s *Storage) PutSnapshot(ctx context.Context, snap *models.Snapshot) error {
	query := `
		INSERT INTO snapshots (domain, entity_id, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, entity_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		string(snap.Domain),
		snap.EntityID,
		snap.Version,
		[]byte(snap.Data),
		snap.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// GetSnapshot retrieves a cached snapshot by entity id
func (s *Storage) GetSnapshot(ctx context.Context, domain models.Domain, entityID string) (*models.Snapshot, error) {
	query := `SELECT domain, entity_id, version, data, updated_at
		FROM snapshots WHERE domain = ? AND entity_id = ?`

	var (
		snap      models.Snapshot
		dom       string
		data      []byte
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx, query, string(domain), entityID).
		Scan(&dom, &snap.EntityID, &snap.Version, &data, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	snap.Domain = models.Domain(dom)
	snap.Data = data
	snap.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &snap, nil
}

// ListSnapshots returns all cached snapshots of a domain
func (s *Storage) ListSnapshots(ctx context.Context, domain models.Domain) ([]*models.Snapshot, error) {
	query := `SELECT domain, entity_id, version, data, updated_at
		FROM snapshots WHERE domain = ? ORDER BY entity_id`

	rows, err := s.db.QueryContext(ctx, query, string(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		var (
			snap      models.Snapshot
			dom       string
			data      []byte
			updatedAt int64
		)

		if err := rows.Scan(&dom, &snap.EntityID, &snap.Version, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		snap.Domain = models.Domain(dom)
		snap.Data = data
		snap.UpdatedAt = time.Unix(0, updatedAt).UTC()
		snapshots = append(snapshots, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return snapshots, nil
}

// DeleteSnapshot removes a cached snapshot
func (s *Storage) DeleteSnapshot(ctx context.Context, domain models.Domain, entityID string) error {
	query := `DELETE FROM snapshots WHERE domain = ? AND entity_id = ?`
	if _, err := s.db.ExecContext(ctx, query, string(domain), entityID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// SaveLastSyncedAt persists the completion time of the latest drain cycle
func (s *Storage) SaveLastSyncedAt(ctx context.Context, domain models.Domain, at time.Time) error {
	query := `
		INSERT INTO sync_meta (domain, last_synced_at) VALUES (?, ?)
		ON CONFLICT (domain) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`

	if _, err := s.db.ExecContext(ctx, query, string(domain), at.UnixNano()); err != nil {
		return fmt.Errorf("failed to save last synced at: %w", err)
	}
	return nil
}

// LastSyncedAt returns the persisted drain completion time,
// zero time if the domain was never synced
func (s *Storage) LastSyncedAt(ctx context.Context, domain models.Domain) (time.Time, error) {
	var nano int64

	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_meta WHERE domain = ?`, string(domain)).Scan(&nano)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last synced at: %w", err)
	}

	return time.Unix(0, nano).UTC(), nil
}
