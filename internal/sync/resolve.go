package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/queue"
	"github.com/voltmep/fieldsync/internal/store"
)

// Conflict pairs a rejected mutation with the server state it lost to,
// for presentation to the user.
// ServerSnapshot == nil означает, что сущность удалена на сервере.
type Conflict struct {
	Mutation       *models.Mutation
	ServerSnapshot *models.Snapshot
	LocalPayload   json.RawMessage
}

// Resolver is the conflict resolution policy: the only component allowed
// to transition a mutation out of the conflict state. Каждое решение -
// явный выбор пользователя по одной мутации; движок никогда не разрешает
// конфликты сам.
type Resolver struct {
	queue  *queue.Queue
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a conflict resolver.
func NewResolver(q *queue.Queue, st store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{queue: q, store: st, logger: logger}
}

// ListConflicts returns a domain's conflicted mutations with local payload
// and server snapshot attached.
func (r *Resolver) ListConflicts(ctx context.Context, domain models.Domain) ([]Conflict, error) {
	mutations, err := r.queue.ListConflicts(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	conflicts := make([]Conflict, 0, len(mutations))
	for _, m := range mutations {
		conflicts = append(conflicts, Conflict{
			Mutation:       m,
			LocalPayload:   m.Payload,
			ServerSnapshot: m.ServerSnap,
		})
	}

	return conflicts, nil
}

// Resolve applies a single user decision to a conflicted mutation.
//
//   - keep-local: the mutation reopens as pending with its base version
//     refreshed to the server's and the force flag set, so the next drain
//     overwrites the server state (re-creating the entity when the server
//     deleted it).
//   - keep-server: the local edit is discarded and the cached snapshot is
//     overwritten with the server's state (removed when deleted).
//   - merge: mergedPayload replaces the local payload and the mutation
//     reopens as pending against the server's latest version - a fresh
//     edit, no force.
func (r *Resolver) Resolve(ctx context.Context, mutationID string, decision models.Resolution, mergedPayload json.RawMessage) error {
	m, err := r.store.GetMutation(ctx, mutationID)
	if err != nil {
		return fmt.Errorf("failed to load mutation %s: %w", mutationID, err)
	}

	if m.Status != models.StatusConflict {
		return fmt.Errorf("%w: mutation %s is %s, not %s",
			queue.ErrInvalidTransition, mutationID, m.Status, models.StatusConflict)
	}

	// Версия сервера на момент конфликта; 0 - сущность удалена
	var serverVersion int64
	if m.ServerSnap != nil {
		serverVersion = m.ServerSnap.Version
	}

	switch decision {
	case models.ResolutionKeepLocal:
		err = r.queue.ReleaseConflict(ctx, mutationID, nil, serverVersion, true)

	case models.ResolutionKeepServer:
		err = r.queue.DiscardConflict(ctx, mutationID)

	case models.ResolutionMerge:
		if len(mergedPayload) == 0 {
			return fmt.Errorf("merge resolution requires a merged payload")
		}
		err = r.queue.ReleaseConflict(ctx, mutationID, mergedPayload, serverVersion, false)

	default:
		return fmt.Errorf("unknown resolution %q", decision)
	}

	if err != nil {
		return fmt.Errorf("failed to apply %s resolution: %w", decision, err)
	}

	r.logger.Info("Conflict resolved",
		"mutation_id", mutationID,
		"domain", m.Domain,
		"entity_id", m.EntityID,
		"decision", decision)

	return nil
}
