// Package sync drains the per-domain mutation queues against the remote
// record store: per-entity FIFO, bounded cross-entity concurrency,
// exponential backoff on transient failures and optimistic-concurrency
// conflict detection.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/queue"
	"github.com/voltmep/fieldsync/internal/remote"
	"github.com/voltmep/fieldsync/internal/store"
)

// Config tunes the drain cycle.
type Config struct {
	Concurrency int           // distinct entities in flight at once (per domain)
	MaxAttempts int           // transient retries before a mutation fails
	BackoffBase time.Duration // first retry delay
	BackoffCap  time.Duration // retry delay ceiling
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		MaxAttempts: 8,
		BackoffBase: time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// DrainReport summarizes one drain cycle across all domains.
type DrainReport struct {
	NextRetryAt time.Time // earliest backoff deadline among requeued mutations
	Applied     int       // мутации, принятые сервером
	Conflicts   int       // мутации, отклонённые по версии
	Failed      int       // permanent ошибки
	Requeued    int       // transient ошибки, ушли в backoff
	Interrupted int       // прерваны офлайном/остановкой, вернулись в pending
	Skipped     int       // не eligible (backoff ещё не истёк)
}

// Scheduler drains the mutation queues. Exactly one drain cycle runs at a
// time; overlapping triggers are serialized.
type Scheduler struct {
	queue  *queue.Queue
	store  store.Store
	remote remote.Store
	logger *slog.Logger
	cfg    Config

	drainMu gosync.Mutex
}

// NewScheduler creates a sync scheduler.
func NewScheduler(q *queue.Queue, st store.Store, rs remote.Store, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}

	return &Scheduler{
		queue:  q,
		store:  st,
		remote: rs,
		logger: logger,
		cfg:    cfg,
	}
}

// Drain flushes all domain queues once. Entities of a domain are processed
// concurrently up to Config.Concurrency; mutations of one entity strictly
// sequentially in CreatedAt order. A context cancellation (offline
// transition, shutdown) returns unfinished in-flight mutations to pending
// without counting an attempt.
//
// Drain completion updates every domain's last-synced timestamp even when
// some mutations ended in conflict or failed: those are per-entity states,
// not cycle errors.
func (s *Scheduler) Drain(ctx context.Context) (*DrainReport, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.logger.Info("Starting drain cycle")

	report := &DrainReport{}

	for _, domain := range models.AllDomains {
		if err := s.drainDomain(ctx, domain, report); err != nil {
			return report, fmt.Errorf("failed to drain %s queue: %w", domain, err)
		}

		// Отметка о прохождении цикла ставится даже при конфликтах и failed,
		// но не когда цикл оборван офлайном или остановкой: прерванный
		// drain ничего не гарантирует
		if ctx.Err() != nil {
			continue
		}
		if err := s.store.SaveLastSyncedAt(ctx, domain, time.Now().UTC()); err != nil {
			return report, fmt.Errorf("failed to record drain completion: %w", err)
		}
	}

	s.logger.Info("Drain cycle completed",
		"applied", report.Applied,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		"requeued", report.Requeued,
		"interrupted", report.Interrupted,
		"skipped", report.Skipped)

	return report, nil
}

// drainDomain processes one domain queue: pending mutations grouped into
// per-entity lanes, lanes run concurrently under the errgroup limit.
func (s *Scheduler) drainDomain(ctx context.Context, domain models.Domain, report *DrainReport) error {
	pending, err := s.queue.ListPending(ctx, domain)
	if err != nil {
		return fmt.Errorf("failed to list pending mutations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	// Группируем по сущности, сохраняя CreatedAt-порядок внутри lane
	lanes := make(map[string][]*models.Mutation)
	order := make([]string, 0, len(pending))
	for _, m := range pending {
		if _, seen := lanes[m.EntityID]; !seen {
			order = append(order, m.EntityID)
		}
		lanes[m.EntityID] = append(lanes[m.EntityID], m)
	}

	var reportMu gosync.Mutex

	g, laneCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, entityID := range order {
		lane := lanes[entityID]
		g.Go(func() error {
			laneReport := s.drainLane(laneCtx, lane)

			reportMu.Lock()
			report.merge(laneReport)
			reportMu.Unlock()

			return nil
		})
	}

	return g.Wait()
}

// drainLane applies one entity's mutations in order, stopping the lane at
// the first outcome other than synced: a conflicted, failed or backed-off
// head must never be overtaken by a later mutation of the same entity.
func (s *Scheduler) drainLane(ctx context.Context, lane []*models.Mutation) DrainReport {
	var report DrainReport
	now := time.Now().UTC()

	for _, m := range lane {
		if m.NextAttemptAt.After(now) {
			// Backoff ещё не истёк - lane ждёт следующего цикла
			report.Skipped++
			report.noteRetryAt(m.NextAttemptAt)
			return report
		}

		outcome := s.process(ctx, m)
		switch outcome {
		case outcomeSynced:
			report.Applied++
			continue
		case outcomeConflict:
			report.Conflicts++
		case outcomeFailed:
			report.Failed++
		case outcomeRequeued:
			report.Requeued++
			report.noteRetryAt(s.retryAt(m.Attempts + 1))
		case outcomeInterrupted:
			report.Interrupted++
		}
		return report
	}

	return report
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeConflict
	outcomeFailed
	outcomeRequeued
	outcomeInterrupted
)

// process sends one mutation through the conditional-write protocol and
// records the resulting state transition.
func (s *Scheduler) process(ctx context.Context, listed *models.Mutation) outcome {
	// Копия из выборки на старте цикла могла устареть: пока lane ждал
	// своей очереди, пользователь мог докоалесцировать правку в ещё
	// pending-мутацию. Отправляется запись, зафиксированная переходом
	// в in-flight, а не копия из листинга.
	m, err := s.queue.MarkInFlight(ctx, listed.ID)
	if err != nil {
		// Более ранняя мутация сущности не завершена - lane пропускается
		s.logger.Debug("Skipping mutation", "mutation_id", listed.ID, "reason", err)
		return outcomeInterrupted
	}

	result, err := s.remote.ConditionalWrite(ctx, remote.WriteRequest{
		Domain:          m.Domain,
		EntityID:        m.EntityID,
		MutationID:      m.ID,
		Operation:       m.Operation,
		Payload:         m.Payload,
		ExpectedVersion: m.BaseVersion,
		Force:           m.Force,
	})

	switch {
	case err != nil && ctx.Err() != nil:
		// Офлайн или остановка посреди запроса: мутация возвращается в
		// pending без счёта попытки. Повтор безопасен - запись на сервере
		// ключуется idempotency-идентификатором мутации.
		if rqErr := s.queue.RequeueInterrupted(context.WithoutCancel(ctx), m.ID); rqErr != nil {
			s.logger.Error("Failed to requeue interrupted mutation", "mutation_id", m.ID, "error", rqErr)
		}
		return outcomeInterrupted

	case err != nil && remote.IsPermanent(err):
		if failErr := s.queue.MarkFailed(ctx, m.ID, err.Error()); failErr != nil {
			s.logger.Error("Failed to mark mutation failed", "mutation_id", m.ID, "error", failErr)
		}
		return outcomeFailed

	case err != nil:
		return s.handleTransient(ctx, m, err)
	}

	if !result.Applied {
		// Версия на сервере ушла вперёд - конфликт, решает пользователь
		if confErr := s.queue.MarkConflict(ctx, m.ID, result.Snapshot); confErr != nil {
			s.logger.Error("Failed to mark mutation conflicted", "mutation_id", m.ID, "error", confErr)
			return outcomeInterrupted
		}
		return outcomeConflict
	}

	if err := s.queue.MarkSynced(ctx, m.ID, result.NewVersion, result.Snapshot); err != nil {
		s.logger.Error("Failed to mark mutation synced", "mutation_id", m.ID, "error", err)
		return outcomeInterrupted
	}
	return outcomeSynced
}

// handleTransient requeues with exponential backoff or, past the attempt
// cap, fails the mutation for good.
func (s *Scheduler) handleTransient(ctx context.Context, m *models.Mutation, cause error) outcome {
	attempts := m.Attempts + 1

	if attempts >= s.cfg.MaxAttempts {
		reason := fmt.Sprintf("retry limit of %d exceeded: %v", s.cfg.MaxAttempts, cause)
		if err := s.queue.MarkFailed(ctx, m.ID, reason); err != nil {
			s.logger.Error("Failed to mark mutation failed", "mutation_id", m.ID, "error", err)
		}
		return outcomeFailed
	}

	retryAt := s.retryAt(attempts)
	if err := s.queue.RequeueTransient(ctx, m.ID, retryAt); err != nil {
		s.logger.Error("Failed to requeue mutation", "mutation_id", m.ID, "error", err)
		return outcomeInterrupted
	}

	s.logger.Debug("Transient failure, backing off",
		"mutation_id", m.ID,
		"attempts", attempts,
		"retry_at", retryAt,
		"error", cause)
	return outcomeRequeued
}

// retryAt computes the backoff deadline for the given attempt count:
// BackoffBase * 2^(attempts-1), capped at BackoffCap.
func (s *Scheduler) retryAt(attempts int) time.Time {
	return time.Now().UTC().Add(s.BackoffDelay(attempts))
}

// BackoffDelay returns the delay applied before the given attempt.
func (s *Scheduler) BackoffDelay(attempts int) time.Duration {
	backoff := retry.WithCappedDuration(s.cfg.BackoffCap, retry.NewExponential(s.cfg.BackoffBase))

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := backoff.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

// merge folds a lane report into the cycle report.
func (r *DrainReport) merge(lane DrainReport) {
	r.Applied += lane.Applied
	r.Conflicts += lane.Conflicts
	r.Failed += lane.Failed
	r.Requeued += lane.Requeued
	r.Interrupted += lane.Interrupted
	r.Skipped += lane.Skipped
	r.noteRetryAt(lane.NextRetryAt)
}

// noteRetryAt keeps the earliest backoff deadline seen during the cycle.
func (r *DrainReport) noteRetryAt(at time.Time) {
	if at.IsZero() {
		return
	}
	if r.NextRetryAt.IsZero() || at.Before(r.NextRetryAt) {
		r.NextRetryAt = at
	}
}

// Backlog reports whether any domain still has eligible pending work.
func (s *Scheduler) Backlog(ctx context.Context) (bool, error) {
	for _, domain := range models.AllDomains {
		_, err := s.queue.PeekNext(ctx, domain)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, queue.ErrEmptyQueue) {
			return false, err
		}
	}
	return false, nil
}
