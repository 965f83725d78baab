// Package status aggregates queue depth, conflict/failure counts and the
// last drain completion time per domain for UI badges. Consumers either
// poll Snapshot or subscribe for push updates.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
)

// Snapshot is the aggregate sync state of one domain.
type Snapshot struct {
	LastSyncedAt time.Time     `json:"last_synced_at"`
	Domain       models.Domain `json:"domain"`
	Pending      int           `json:"pending"`
	InFlight     int           `json:"in_flight"`
	Conflicts    int           `json:"conflicts"`
	Failed       int           `json:"failed"`
}

// Reporter is a read-only aggregate over the mutation queue state.
// Queue и scheduler дергают Invalidate после каждого перехода статуса.
type Reporter struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	subs map[models.Domain]map[chan Snapshot]struct{}
}

// NewReporter creates a reporter over the durable local store.
func NewReporter(st store.Store, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:  st,
		logger: logger,
		subs:   make(map[models.Domain]map[chan Snapshot]struct{}),
	}
}

// Snapshot computes the current aggregate state of a domain.
func (r *Reporter) Snapshot(ctx context.Context, domain models.Domain) (Snapshot, error) {
	mutations, err := r.store.ListMutations(ctx, domain)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list mutations: %w", err)
	}

	snap := Snapshot{Domain: domain}
	for _, m := range mutations {
		switch m.Status {
		case models.StatusPending:
			snap.Pending++
		case models.StatusInFlight:
			snap.InFlight++
		case models.StatusConflict:
			snap.Conflicts++
		case models.StatusFailed:
			snap.Failed++
		}
	}

	lastSynced, err := r.store.LastSyncedAt(ctx, domain)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read last synced at: %w", err)
	}
	snap.LastSyncedAt = lastSynced

	return snap, nil
}

// PendingCount returns the number of mutations waiting to sync.
func (r *Reporter) PendingCount(ctx context.Context, domain models.Domain) (int, error) {
	snap, err := r.Snapshot(ctx, domain)
	if err != nil {
		return 0, err
	}
	return snap.Pending + snap.InFlight, nil
}

// ConflictCount returns the number of mutations awaiting user resolution.
func (r *Reporter) ConflictCount(ctx context.Context, domain models.Domain) (int, error) {
	snap, err := r.Snapshot(ctx, domain)
	if err != nil {
		return 0, err
	}
	return snap.Conflicts, nil
}

// FailedCount returns the number of permanently failed mutations.
func (r *Reporter) FailedCount(ctx context.Context, domain models.Domain) (int, error) {
	snap, err := r.Snapshot(ctx, domain)
	if err != nil {
		return 0, err
	}
	return snap.Failed, nil
}

// LastSyncedAt returns the completion time of the latest drain cycle.
func (r *Reporter) LastSyncedAt(ctx context.Context, domain models.Domain) (time.Time, error) {
	return r.store.LastSyncedAt(ctx, domain)
}

// Subscribe registers a channel receiving a fresh Snapshot after every
// queue state transition of the domain.
func (r *Reporter) Subscribe(domain models.Domain) chan Snapshot {
	ch := make(chan Snapshot, 1)

	r.mu.Lock()
	if r.subs[domain] == nil {
		r.subs[domain] = make(map[chan Snapshot]struct{})
	}
	r.subs[domain][ch] = struct{}{}
	r.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Reporter) Unsubscribe(domain models.Domain, ch chan Snapshot) {
	r.mu.Lock()
	if subs, ok := r.subs[domain]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
	}
	r.mu.Unlock()
}

// Invalidate recomputes a domain's snapshot and pushes it to subscribers.
// Медленный подписчик пропускает промежуточные состояния, но никогда не
// блокирует очередь.
func (r *Reporter) Invalidate(domain models.Domain) {
	r.mu.Lock()
	subs := make([]chan Snapshot, 0, len(r.subs[domain]))
	for ch := range r.subs[domain] {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	snap, err := r.Snapshot(context.Background(), domain)
	if err != nil {
		r.logger.Warn("Failed to compute status snapshot", "domain", domain, "error", err)
		return
	}

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			// Вытесняем устаревший снимок, чтобы подписчик увидел свежий
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
