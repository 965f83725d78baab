// Package queue implements the per-domain durable mutation queue: the
// ordered collection of pending write operations awaiting transmission,
// backed by the durable local store as the single source of truth.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

// Notifier receives a signal after every queue state transition.
// The status reporter implements it; a nil notifier is allowed.
type Notifier interface {
	Invalidate(domain models.Domain)
}

// Queue manages mutation records in the durable local store.
// Все переходы статусов идут через Queue, который проверяет их против
// state machine; компоненты никогда не пишут мутации в store напрямую.
type Queue struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger

	// Сериализует enqueue/transition: читай-проверь-запиши должно быть атомарным
	// в пределах процесса. Долгих операций под mu нет - только вызовы store.
	mu sync.Mutex
}

// New creates a mutation queue over the given store.
func New(st store.Store, notifier Notifier, logger *slog.Logger) *Queue {
	return &Queue{
		store:    st,
		notifier: notifier,
		logger:   logger,
	}
}

// allowedTransitions - state machine мутации
var allowedTransitions = map[models.Status][]models.Status{
	models.StatusPending:  {models.StatusInFlight},
	models.StatusInFlight: {models.StatusSynced, models.StatusConflict, models.StatusPending, models.StatusFailed},
	models.StatusConflict: {models.StatusPending, models.StatusSynced},
}

func transitionAllowed(from, to models.Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Enqueue persists a new mutation, coalescing it with an already-queued
// pending mutation for the same entity where possible. The mutation is
// durably stored before Enqueue returns: a storage failure comes back to
// the caller synchronously and the edit is NOT accepted.
//
// Coalescing rules:
//   - update over pending update: fields overlaid on the queued payload,
//     original CreatedAt preserved (keeps per-entity ordering stable)
//   - update over pending create: fields overlaid on the create snapshot
//   - delete over pending create: both cancelled, the server never saw the entity
//
// Returns the id of the mutation that now carries the edit ("" when a
// delete cancelled a pending create).
func (q *Queue) Enqueue(ctx context.Context, m *models.Mutation) (string, error) {
	if !m.Domain.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, m.Domain)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.ListMutationsByEntity(ctx, m.Domain, m.EntityID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect entity queue: %w", err)
	}

	// Конфликт блокирует дальнейшие правки сущности до решения пользователя
	for _, prev := range existing {
		if prev.Status == models.StatusConflict {
			return "", fmt.Errorf("%w: %s/%s", ErrEntityConflicted, m.Domain, m.EntityID)
		}
	}

	// Пытаемся слить с уже стоящей в очереди pending-мутацией
	if m.EntityID != "" {
		id, coalesced, err := q.coalesce(ctx, m, existing)
		if err != nil {
			return "", err
		}
		if coalesced {
			q.invalidate(m.Domain)
			return id, nil
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = models.StatusPending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if err := q.store.PutMutation(ctx, m); err != nil {
		return "", fmt.Errorf("failed to persist mutation: %w", err)
	}

	q.logger.Debug("Mutation enqueued",
		"mutation_id", m.ID,
		"domain", m.Domain,
		"entity_id", m.EntityID,
		"operation", m.Operation)

	q.invalidate(m.Domain)
	return m.ID, nil
}

// coalesce сливает новую правку с pending-мутацией той же сущности.
// Возвращает (id, true) если правка поглощена существующей записью.
func (q *Queue) coalesce(ctx context.Context, m *models.Mutation, existing []*models.Mutation) (string, bool, error) {
	var pending *models.Mutation
	for _, prev := range existing {
		if prev.Status == models.StatusPending {
			pending = prev
		}
	}
	if pending == nil {
		return "", false, nil
	}

	switch {
	case m.Operation == models.OpUpdate &&
		(pending.Operation == models.OpUpdate || pending.Operation == models.OpCreate):
		// Накладываем новые поля на уже стоящий в очереди payload.
		// CreatedAt исходной мутации сохраняется - порядок per-entity не меняется.
		merged, err := models.MergeFields(pending.Payload, m.Payload)
		if err != nil {
			return "", false, fmt.Errorf("failed to coalesce payloads: %w", err)
		}
		pending.Payload = merged

		if err := q.store.PutMutation(ctx, pending); err != nil {
			return "", false, fmt.Errorf("failed to persist coalesced mutation: %w", err)
		}

		q.logger.Debug("Mutation coalesced",
			"mutation_id", pending.ID,
			"domain", pending.Domain,
			"entity_id", pending.EntityID)
		return pending.ID, true, nil

	case m.Operation == models.OpDelete && pending.Operation == models.OpCreate:
		// Сущность не существует на сервере - create и delete взаимно уничтожаются
		if err := q.store.DeleteMutation(ctx, pending.ID); err != nil {
			return "", false, fmt.Errorf("failed to cancel pending create: %w", err)
		}

		q.logger.Debug("Pending create cancelled by delete",
			"mutation_id", pending.ID,
			"domain", pending.Domain,
			"entity_id", pending.EntityID)
		return "", true, nil
	}

	return "", false, nil
}

// PeekNext returns the earliest eligible pending mutation of a domain:
// the head of its entity's FIFO, past its backoff deadline, with no
// in-flight mutation for the same entity. ErrEmptyQueue when none.
func (q *Queue) PeekNext(ctx context.Context, domain models.Domain) (*models.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mutations, err := q.store.ListMutations(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}

	now := time.Now().UTC()
	seen := map[string]bool{} // сущности, у которых голова очереди уже встречена

	for _, m := range mutations {
		if seen[m.EntityID] {
			continue
		}
		seen[m.EntityID] = true

		// Голова очереди сущности: только pending без backoff-задержки годится
		if m.Status == models.StatusPending && !m.NextAttemptAt.After(now) {
			return m, nil
		}
	}

	return nil, ErrEmptyQueue
}

// MarkInFlight transitions a pending mutation to in-flight, enforcing the
// single in-flight per (domain, entity) invariant. Returns the record as
// persisted: правки, коалесцированные в мутацию после её выборки из
// очереди, уже влиты сюда - на сервер должен уйти именно этот payload.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (*models.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusInFlight)
	if err != nil {
		return nil, err
	}

	siblings, err := q.store.ListMutationsByEntity(ctx, m.Domain, m.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect entity queue: %w", err)
	}
	for _, sibling := range siblings {
		if sibling.ID != m.ID && sibling.Status == models.StatusInFlight {
			return nil, fmt.Errorf("%w: entity %s/%s already has mutation %s in flight",
				ErrInvalidTransition, m.Domain, m.EntityID, sibling.ID)
		}
		// Мутация не может обогнать более раннюю для той же сущности
		if sibling.ID != m.ID && !sibling.Terminal() && sibling.CreatedAt.Before(m.CreatedAt) {
			return nil, fmt.Errorf("%w: earlier mutation %s for entity %s/%s is not finished",
				ErrInvalidTransition, sibling.ID, m.Domain, m.EntityID)
		}
	}

	m.Status = models.StatusInFlight
	m.LastAttemptAt = time.Now().UTC()

	if err := q.store.PutMutation(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	q.invalidate(m.Domain)
	return m, nil
}

// MarkSynced records server acceptance: the cached snapshot is refreshed
// with the server-confirmed state and the mutation is pruned from the store.
func (q *Queue) MarkSynced(ctx context.Context, id string, newVersion int64, confirmed *models.Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusSynced)
	if err != nil {
		return err
	}

	if err := q.applyConfirmedState(ctx, m, newVersion, confirmed); err != nil {
		return err
	}

	// synced - терминальное состояние; запись сразу вычищается из очереди
	if err := q.store.DeleteMutation(ctx, id); err != nil {
		return fmt.Errorf("failed to prune synced mutation: %w", err)
	}

	q.logger.Debug("Mutation synced",
		"mutation_id", m.ID,
		"domain", m.Domain,
		"entity_id", m.EntityID,
		"new_version", newVersion)

	q.invalidate(m.Domain)
	return nil
}

// applyConfirmedState обновляет локальный кэш после подтверждения сервером
func (q *Queue) applyConfirmedState(ctx context.Context, m *models.Mutation, newVersion int64, confirmed *models.Snapshot) error {
	if m.Operation == models.OpDelete {
		if err := q.store.DeleteSnapshot(ctx, m.Domain, m.EntityID); err != nil {
			return fmt.Errorf("failed to drop cached snapshot: %w", err)
		}
		return nil
	}

	snap := confirmed
	if snap == nil {
		// Сервер не вернул эхо состояния - строим снимок из кэша и payload'а
		data := m.Payload
		if prev, err := q.store.GetSnapshot(ctx, m.Domain, m.EntityID); err == nil {
			merged, mergeErr := models.MergeFields(prev.Data, m.Payload)
			if mergeErr != nil {
				return fmt.Errorf("failed to merge payload into cache: %w", mergeErr)
			}
			data = merged
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to read cached snapshot: %w", err)
		}

		snap = &models.Snapshot{
			Domain:   m.Domain,
			EntityID: m.EntityID,
			Data:     data,
		}
	}

	snap.Version = newVersion
	snap.UpdatedAt = time.Now().UTC()

	if err := q.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to update cached snapshot: %w", err)
	}
	return nil
}

// MarkConflict transitions an in-flight mutation to conflict, attaching the
// server's current snapshot (nil = entity deleted server-side).
func (q *Queue) MarkConflict(ctx context.Context, id string, serverSnap *models.Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusConflict)
	if err != nil {
		return err
	}

	m.Status = models.StatusConflict
	m.ServerSnap = serverSnap

	if err := q.store.PutMutation(ctx, m); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	q.logger.Info("Mutation conflicted",
		"mutation_id", m.ID,
		"domain", m.Domain,
		"entity_id", m.EntityID,
		"server_deleted", serverSnap == nil)

	q.invalidate(m.Domain)
	return nil
}

// MarkFailed transitions an in-flight mutation to the terminal failed state
// (permanent error). The payload is preserved so the user can edit and resubmit.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusFailed)
	if err != nil {
		return err
	}

	m.Status = models.StatusFailed
	m.FailReason = reason

	if err := q.store.PutMutation(ctx, m); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	q.logger.Warn("Mutation failed permanently",
		"mutation_id", m.ID,
		"domain", m.Domain,
		"entity_id", m.EntityID,
		"reason", reason)

	q.invalidate(m.Domain)
	return nil
}

// RequeueTransient returns an in-flight mutation to pending after a
// transient failure: attempts incremented, next attempt delayed until
// nextAttemptAt.
func (q *Queue) RequeueTransient(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return q.requeue(ctx, id, nextAttemptAt, true)
}

// RequeueInterrupted returns an in-flight mutation to pending after a drain
// interruption (offline transition, shutdown). The attempt is not counted:
// the request never completed and the idempotency key makes the retry safe.
func (q *Queue) RequeueInterrupted(ctx context.Context, id string) error {
	return q.requeue(ctx, id, time.Time{}, false)
}

func (q *Queue) requeue(ctx context.Context, id string, nextAttemptAt time.Time, countAttempt bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusPending)
	if err != nil {
		return err
	}

	m.Status = models.StatusPending
	m.NextAttemptAt = nextAttemptAt
	if countAttempt {
		m.Attempts++
	}

	if err := q.store.PutMutation(ctx, m); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	q.invalidate(m.Domain)
	return nil
}

// ReleaseConflict reopens a conflicted mutation as pending with a refreshed
// base version (keep-local and merge resolutions). Payload nil keeps the
// local payload; force marks the next write as an unconditional overwrite.
func (q *Queue) ReleaseConflict(ctx context.Context, id string, payload json.RawMessage, baseVersion int64, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusPending)
	if err != nil {
		return err
	}

	m.Status = models.StatusPending
	m.BaseVersion = baseVersion
	m.Force = force
	m.ServerSnap = nil
	m.Attempts = 0
	m.NextAttemptAt = time.Time{}
	if payload != nil {
		m.Payload = payload
	}

	if err := q.store.PutMutation(ctx, m); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	q.invalidate(m.Domain)
	return nil
}

// DiscardConflict resolves a conflict as keep-server: the cached snapshot is
// overwritten with the server's state (or removed when the server deleted
// the entity) and the mutation is discarded.
func (q *Queue) DiscardConflict(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.getForTransition(ctx, id, models.StatusSynced)
	if err != nil {
		return err
	}

	if m.ServerSnap == nil {
		// Сущность удалена на сервере - убираем её из кэша
		if err := q.store.DeleteSnapshot(ctx, m.Domain, m.EntityID); err != nil {
			return fmt.Errorf("failed to drop cached snapshot: %w", err)
		}
	} else {
		if err := q.store.PutSnapshot(ctx, m.ServerSnap); err != nil {
			return fmt.Errorf("failed to restore server snapshot: %w", err)
		}
	}

	if err := q.store.DeleteMutation(ctx, id); err != nil {
		return fmt.Errorf("failed to discard mutation: %w", err)
	}

	q.logger.Info("Conflict resolved as keep-server",
		"mutation_id", m.ID,
		"domain", m.Domain,
		"entity_id", m.EntityID)

	q.invalidate(m.Domain)
	return nil
}

// ListPending returns a domain's pending mutations in CreatedAt order.
func (q *Queue) ListPending(ctx context.Context, domain models.Domain) ([]*models.Mutation, error) {
	return q.store.ListMutationsByStatus(ctx, domain, models.StatusPending)
}

// ListConflicts returns a domain's conflicted mutations in CreatedAt order.
func (q *Queue) ListConflicts(ctx context.Context, domain models.Domain) ([]*models.Mutation, error) {
	return q.store.ListMutationsByStatus(ctx, domain, models.StatusConflict)
}

// Counts aggregates queue depth per status for the status reporter.
type Counts struct {
	Pending   int
	InFlight  int
	Conflicts int
	Failed    int
}

// Count returns the queue depth per status for a domain.
func (q *Queue) Count(ctx context.Context, domain models.Domain) (Counts, error) {
	mutations, err := q.store.ListMutations(ctx, domain)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to list mutations: %w", err)
	}

	var counts Counts
	for _, m := range mutations {
		switch m.Status {
		case models.StatusPending:
			counts.Pending++
		case models.StatusInFlight:
			counts.InFlight++
		case models.StatusConflict:
			counts.Conflicts++
		case models.StatusFailed:
			counts.Failed++
		}
	}

	return counts, nil
}

// RecoverInFlight requeues mutations a crashed process left in flight.
// Вызывается при старте движка; безопасно благодаря idempotency-ключу.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0

	for _, domain := range models.AllDomains {
		stuck, err := q.store.ListMutationsByStatus(ctx, domain, models.StatusInFlight)
		if err != nil {
			return recovered, fmt.Errorf("failed to list in-flight mutations: %w", err)
		}

		for _, m := range stuck {
			if err := q.RequeueInterrupted(ctx, m.ID); err != nil {
				return recovered, fmt.Errorf("failed to recover mutation %s: %w", m.ID, err)
			}
			recovered++
		}
	}

	if recovered > 0 {
		q.logger.Info("Recovered in-flight mutations from previous run", "count", recovered)
	}

	return recovered, nil
}

// getForTransition loads a mutation and validates the requested transition.
// Вызывается только под q.mu.
func (q *Queue) getForTransition(ctx context.Context, id string, to models.Status) (*models.Mutation, error) {
	m, err := q.store.GetMutation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation %s: %w", id, err)
	}

	if !transitionAllowed(m.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s (mutation %s)", ErrInvalidTransition, m.Status, to, id)
	}

	return m, nil
}

func (q *Queue) invalidate(domain models.Domain) {
	if q.notifier != nil {
		q.notifier.Invalidate(domain)
	}
}
