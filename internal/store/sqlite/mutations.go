package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

const mutationColumns = `id, domain, entity_id, operation, status, payload,
	server_snap, fail_reason, base_version, attempts, force_write,
	created_at, last_attempt_at, next_attempt_at`

// PutMutation creates or overwrites a mutation record
func (s *Storage) PutMutation(ctx context.Context, m *models.Mutation) error {
	var serverSnap []byte
	if m.ServerSnap != nil {
		data, err := json.Marshal(m.ServerSnap)
		if err != nil {
			return fmt.Errorf("failed to marshal server snapshot: %w", err)
		}
		serverSnap = data
	}

	query := `
		INSERT INTO mutations (` + mutationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			domain = excluded.domain,
			entity_id = excluded.entity_id,
			operation = excluded.operation,
			status = excluded.status,
			payload = excluded.payload,
			server_snap = excluded.server_snap,
			fail_reason = excluded.fail_reason,
			base_version = excluded.base_version,
			attempts = excluded.attempts,
			force_write = excluded.force_write,
			created_at = excluded.created_at,
			last_attempt_at = excluded.last_attempt_at,
			next_attempt_at = excluded.next_attempt_at
	`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		string(m.Domain),
		m.EntityID,
		string(m.Operation),
		string(m.Status),
		[]byte(m.Payload),
		serverSnap,
		m.FailReason,
		m.BaseVersion,
		m.Attempts,
		boolToInt(m.Force),
		m.CreatedAt.UnixNano(),
		timeToNano(m.LastAttemptAt),
		timeToNano(m.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save mutation: %w", err)
	}

	return nil
}

// GetMutation retrieves a mutation by id
func (s *Storage) GetMutation(ctx context.Context, id string) (*models.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE id = ?`

	m, err := scanMutation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mutation: %w", err)
	}

	return m, nil
}

// DeleteMutation removes a mutation record
func (s *Storage) DeleteMutation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation: %w", err)
	}
	return nil
}

// ListMutations returns all mutations of a domain sorted by CreatedAt
func (s *Storage) ListMutations(ctx context.Context, domain models.Domain) ([]*models.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
		WHERE domain = ? ORDER BY created_at, id`
	return s.queryMutations(ctx, query, string(domain))
}

// ListMutationsByStatus returns a domain's mutations with the given status,
// sorted by CreatedAt
func (s *Storage) ListMutationsByStatus(ctx context.Context, domain models.Domain, status models.Status) ([]*models.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
		WHERE domain = ? AND status = ? ORDER BY created_at, id`
	return s.queryMutations(ctx, query, string(domain), string(status))
}

// ListMutationsByEntity returns all mutations targeting one entity,
// sorted by CreatedAt
func (s *Storage) ListMutationsByEntity(ctx context.Context, domain models.Domain, entityID string) ([]*models.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
		WHERE domain = ? AND entity_id = ? ORDER BY created_at, id`
	return s.queryMutations(ctx, query, string(domain), entityID)
}

func (s *Storage) queryMutations(ctx context.Context, query string, args ...any) ([]*models.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var mutations []*models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return mutations, nil
}

// scanner покрывает и *sql.Row, и *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(row scanner) (*models.Mutation, error) {
	var (
		m           models.Mutation
		domain      string
		operation   string
		status      string
		payload     []byte
		serverSnap  []byte
		force       int
		createdAt   int64
		lastAttempt int64
		nextAttempt int64
	)

	err := row.Scan(
		&m.ID, &domain, &m.EntityID, &operation, &status, &payload,
		&serverSnap, &m.FailReason, &m.BaseVersion, &m.Attempts, &force,
		&createdAt, &lastAttempt, &nextAttempt,
	)
	if err != nil {
		return nil, err
	}

	m.Domain = models.Domain(domain)
	m.Operation = models.Operation(operation)
	m.Status = models.Status(status)
	m.Payload = payload
	m.Force = force != 0
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.LastAttemptAt = nanoToTime(lastAttempt)
	m.NextAttemptAt = nanoToTime(nextAttempt)

	if serverSnap != nil {
		m.ServerSnap = &models.Snapshot{}
		if err := json.Unmarshal(serverSnap, m.ServerSnap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server snapshot: %w", err)
		}
	}

	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeToNano сохраняет нулевое время как 0
func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
