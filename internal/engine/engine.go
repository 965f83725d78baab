// Package engine wires the queue, scheduler, network monitor, resolver and
// status reporter into one explicitly constructed instance. Никакого
// глобального состояния: два движка в одном процессе полностью изолированы,
// чем пользуются тесты.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltmep/fieldsync/internal/config"
	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/netmon"
	"github.com/voltmep/fieldsync/internal/queue"
	"github.com/voltmep/fieldsync/internal/remote"
	"github.com/voltmep/fieldsync/internal/status"
	"github.com/voltmep/fieldsync/internal/store"
	syncer "github.com/voltmep/fieldsync/internal/sync"
)

// ErrClosed indicates the engine was shut down.
var ErrClosed = errors.New("engine is closed")

// Engine is the offline-first mutation synchronization engine facade
// exposed to the UI layer.
type Engine struct {
	store     store.Store
	queue     *queue.Queue
	scheduler *syncer.Scheduler
	resolver  *syncer.Resolver
	reporter  *status.Reporter
	monitor   *netmon.Monitor
	logger    *slog.Logger

	mu          gosync.Mutex
	drainCancel context.CancelFunc
	retryTimer  *time.Timer
	closed      bool
}

// New constructs an engine over the given store and remote record store.
// Mutations a previous run left in flight are recovered to pending here,
// before any sync can be triggered.
func New(ctx context.Context, st store.Store, rs remote.Store, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		store:  st,
		logger: logger,
	}

	e.reporter = status.NewReporter(st, logger)
	e.queue = queue.New(st, e.reporter, logger)
	e.resolver = syncer.NewResolver(e.queue, st, logger)
	e.scheduler = syncer.NewScheduler(e.queue, st, rs, syncer.Config{
		Concurrency: cfg.Sync.Concurrency,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffCap:  cfg.Sync.BackoffCap,
	}, logger)

	debounce := cfg.Sync.Debounce
	if debounce <= 0 {
		debounce = netmon.DefaultDebounce
	}
	e.monitor = netmon.New(logger, e.onOnline, netmon.WithDebounce(debounce))

	// Восстанавливаем мутации, зависшие in-flight после аварийного завершения
	if _, err := e.queue.RecoverInFlight(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}

	return e, nil
}

// EnqueueEdit durably queues a create/update/delete authored by the UI.
// The mutation is persisted before EnqueueEdit returns; a storage failure
// means the edit was NOT accepted and must be surfaced to the user.
//
// payload is either json.RawMessage or a (typed) value marshalled to JSON:
// the full entity for create, the changed fields for update, nil for delete.
// For create with an empty entityID an id is generated client-side.
// Returns the id of the queued mutation.
func (e *Engine) EnqueueEdit(ctx context.Context, domain models.Domain, entityID string, op models.Operation, payload any) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	if entityID == "" {
		if op != models.OpCreate {
			return "", fmt.Errorf("entity id is required for %s", op)
		}
		entityID = uuid.NewString()
	}

	// Версия-якорь оптимистичной конкуренции: последняя подтверждённая
	// сервером версия из локального кэша; 0 если сущность ещё не на сервере
	var baseVersion int64
	snap, err := e.store.GetSnapshot(ctx, domain, entityID)
	switch {
	case err == nil:
		baseVersion = snap.Version
	case errors.Is(err, store.ErrNotFound):
		baseVersion = 0
	default:
		return "", fmt.Errorf("failed to read cached snapshot: %w", err)
	}

	return e.queue.Enqueue(ctx, &models.Mutation{
		Domain:      domain,
		EntityID:    entityID,
		Operation:   op,
		Payload:     raw,
		BaseVersion: baseVersion,
	})
}

// SetOnline feeds the platform connectivity signal. An offline signal
// interrupts a running drain cycle immediately: its in-flight mutations
// return to pending and are retried on the next online transition.
func (e *Engine) SetOnline(online bool) {
	if !online {
		e.mu.Lock()
		if e.drainCancel != nil {
			e.drainCancel()
		}
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
		e.mu.Unlock()
	}

	e.monitor.Notify(online)
}

// Online returns the debounced connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.State() == netmon.StateOnline
}

// SyncNow runs one drain cycle explicitly, regardless of monitor state.
func (e *Engine) SyncNow(ctx context.Context) (*syncer.DrainReport, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	drainCtx, cancel := context.WithCancel(ctx)
	e.drainCancel = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.drainCancel = nil
		e.mu.Unlock()
	}()

	report, err := e.scheduler.Drain(drainCtx)
	if err != nil {
		return report, err
	}

	e.armRetry(report)
	return report, nil
}

// onOnline is the drain entry point the network monitor invokes once per
// offline-to-online transition.
func (e *Engine) onOnline() {
	if _, err := e.SyncNow(context.Background()); err != nil {
		e.logger.Warn("Drain cycle aborted", "error", err)
	}
}

// armRetry schedules a follow-up drain at the earliest backoff deadline
// left behind by the cycle.
func (e *Engine) armRetry(report *syncer.DrainReport) {
	if report.NextRetryAt.IsZero() {
		return
	}

	delay := time.Until(report.NextRetryAt)
	if delay < 0 {
		delay = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, func() {
		// Повтор только в онлайне; офлайн-переход сам перезапустит drain
		if e.monitor.State() == netmon.StateOnline {
			e.onOnline()
		}
	})
}

// SubscribeStatus returns a channel receiving the domain's aggregate sync
// state after every queue transition.
func (e *Engine) SubscribeStatus(domain models.Domain) chan status.Snapshot {
	return e.reporter.Subscribe(domain)
}

// UnsubscribeStatus cancels a status subscription.
func (e *Engine) UnsubscribeStatus(domain models.Domain, ch chan status.Snapshot) {
	e.reporter.Unsubscribe(domain, ch)
}

// Status returns the current aggregate sync state of a domain.
func (e *Engine) Status(ctx context.Context, domain models.Domain) (status.Snapshot, error) {
	return e.reporter.Snapshot(ctx, domain)
}

// ListConflicts returns the domain's mutations awaiting user resolution.
func (e *Engine) ListConflicts(ctx context.Context, domain models.Domain) ([]syncer.Conflict, error) {
	return e.resolver.ListConflicts(ctx, domain)
}

// ResolveConflict applies a single user decision to a conflicted mutation.
// mergedPayload is required for the merge decision and ignored otherwise.
func (e *Engine) ResolveConflict(ctx context.Context, mutationID string, decision models.Resolution, mergedPayload json.RawMessage) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.resolver.Resolve(ctx, mutationID, decision, mergedPayload)
}

// CachedSnapshot returns the last server-confirmed state of an entity for
// offline rendering.
func (e *Engine) CachedSnapshot(ctx context.Context, domain models.Domain, entityID string) (*models.Snapshot, error) {
	return e.store.GetSnapshot(ctx, domain, entityID)
}

// ListCached returns all cached snapshots of a domain.
func (e *Engine) ListCached(ctx context.Context, domain models.Domain) ([]*models.Snapshot, error) {
	return e.store.ListSnapshots(ctx, domain)
}

// ListPending returns the domain's queued mutations, for inspection.
func (e *Engine) ListPending(ctx context.Context, domain models.Domain) ([]*models.Mutation, error) {
	return e.queue.ListPending(ctx, domain)
}

// Close interrupts any running drain and releases the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.drainCancel != nil {
		e.drainCancel()
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	e.monitor.Close()
	return e.store.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return raw, nil
	}
}
