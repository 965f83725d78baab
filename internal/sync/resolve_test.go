package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/queue"
	"github.com/voltmep/fieldsync/internal/store"
)

// conflictedMutation готовит мутацию в состоянии conflict с приложенным
// серверным снимком (nil = сущность удалена на сервере)
func conflictedMutation(t *testing.T, f *schedulerFixture, serverSnap *models.Snapshot) string {
	t.Helper()
	ctx := context.Background()

	id := enqueue(t, f.queue, &models.Mutation{
		Domain:      models.DomainCableEntry,
		EntityID:    "C-101",
		Operation:   models.OpUpdate,
		Payload:     json.RawMessage(`{"length_m":55}`),
		BaseVersion: 3,
	})
	_, err := f.queue.MarkInFlight(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkConflict(ctx, id, serverSnap))
	return id
}

func createTestResolver(t *testing.T) (*Resolver, *schedulerFixture) {
	t.Helper()
	f := createTestScheduler(t, acceptAll(), DefaultConfig())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewResolver(f.queue, f.store, logger), f
}

func TestResolver_ListConflicts(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	serverSnap := &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  5,
		Data:     json.RawMessage(`{"tag":"C-101","length_m":60}`),
	}
	id := conflictedMutation(t, f, serverSnap)

	conflicts, err := r.ListConflicts(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// Пользователю показываются обе стороны конфликта
	assert.Equal(t, id, conflicts[0].Mutation.ID)
	assert.JSONEq(t, `{"length_m":55}`, string(conflicts[0].LocalPayload))
	require.NotNil(t, conflicts[0].ServerSnapshot)
	assert.Equal(t, int64(5), conflicts[0].ServerSnapshot.Version)
}

func TestResolver_Resolve_KeepLocal(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	id := conflictedMutation(t, f, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  5,
	})

	require.NoError(t, r.Resolve(ctx, id, models.ResolutionKeepLocal, nil))

	// Мутация снова pending: base подтянут к серверной версии, force взведён
	m, err := f.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.Equal(t, int64(5), m.BaseVersion)
	assert.True(t, m.Force)
	assert.JSONEq(t, `{"length_m":55}`, string(m.Payload))

	// Следующий drain перезаписывает сервер локальной правкой
	report, err := f.scheduler.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)

	calls := f.remote.ConditionalWriteCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Req.Force)
	assert.Equal(t, int64(5), calls[0].Req.ExpectedVersion)
}

func TestResolver_Resolve_KeepLocal_ServerDeleted(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	// nil снимок: сущность удалена на сервере другим пользователем
	id := conflictedMutation(t, f, nil)

	require.NoError(t, r.Resolve(ctx, id, models.ResolutionKeepLocal, nil))

	m, err := f.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.Zero(t, m.BaseVersion)
	assert.True(t, m.Force)
}

func TestResolver_Resolve_KeepServer(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	serverSnap := &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  5,
		Data:     json.RawMessage(`{"tag":"C-101","length_m":60}`),
	}
	id := conflictedMutation(t, f, serverSnap)

	require.NoError(t, r.Resolve(ctx, id, models.ResolutionKeepServer, nil))

	// Локальная правка отброшена, кэш - серверное состояние
	_, err := f.store.GetMutation(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap, err := f.store.GetSnapshot(ctx, models.DomainCableEntry, "C-101")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
	assert.JSONEq(t, `{"tag":"C-101","length_m":60}`, string(snap.Data))
}

func TestResolver_Resolve_KeepServer_ServerDeleted(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutSnapshot(ctx, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  3,
		Data:     json.RawMessage(`{"tag":"C-101"}`),
	}))

	id := conflictedMutation(t, f, nil)

	require.NoError(t, r.Resolve(ctx, id, models.ResolutionKeepServer, nil))

	// Сущность исчезает и из локального кэша
	_, err := f.store.GetSnapshot(ctx, models.DomainCableEntry, "C-101")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolver_Resolve_Merge(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	id := conflictedMutation(t, f, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  5,
		Data:     json.RawMessage(`{"tag":"C-101","length_m":60,"cores":4}`),
	})

	merged := json.RawMessage(`{"length_m":55,"cores":4}`)
	require.NoError(t, r.Resolve(ctx, id, models.ResolutionMerge, merged))

	// Слитый payload уходит обычной условной записью против свежей версии
	m, err := f.store.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.Equal(t, int64(5), m.BaseVersion)
	assert.False(t, m.Force)
	assert.JSONEq(t, `{"length_m":55,"cores":4}`, string(m.Payload))
}

func TestResolver_Resolve_MergeRequiresPayload(t *testing.T) {
	r, f := createTestResolver(t)

	id := conflictedMutation(t, f, nil)

	err := r.Resolve(context.Background(), id, models.ResolutionMerge, nil)
	assert.Error(t, err)
}

func TestResolver_Resolve_RejectsNonConflicted(t *testing.T) {
	r, f := createTestResolver(t)
	ctx := context.Background()

	id := enqueue(t, f.queue, &models.Mutation{
		Domain:      models.DomainCableEntry,
		EntityID:    "C-102",
		Operation:   models.OpUpdate,
		Payload:     json.RawMessage(`{"length_m":10}`),
		BaseVersion: 1,
	})

	err := r.Resolve(ctx, id, models.ResolutionKeepServer, nil)
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)
}

func TestResolver_Resolve_UnknownDecision(t *testing.T) {
	r, f := createTestResolver(t)

	id := conflictedMutation(t, f, nil)

	err := r.Resolve(context.Background(), id, models.Resolution("coin-flip"), nil)
	assert.Error(t, err)
}
