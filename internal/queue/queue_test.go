package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/store"
	"github.com/voltmep/fieldsync/internal/store/boltdb"
)

// testNotifier записывает домены, получившие invalidate
type testNotifier struct {
	domains []models.Domain
}

func (n *testNotifier) Invalidate(domain models.Domain) {
	n.domains = append(n.domains, domain)
}

func createTestQueue(t *testing.T) (*Queue, store.Store, *testNotifier) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := boltdb.New(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	notifier := &testNotifier{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	return New(st, notifier, logger), st, notifier
}

func markInFlight(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.MarkInFlight(context.Background(), id)
	require.NoError(t, err)
}

func cableUpdate(entityID string, payload string) *models.Mutation {
	return &models.Mutation{
		Domain:      models.DomainCableEntry,
		EntityID:    entityID,
		Operation:   models.OpUpdate,
		Payload:     json.RawMessage(payload),
		BaseVersion: 3,
	}
}

func TestQueue_Enqueue_PersistsDurably(t *testing.T) {
	q, st, notifier := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Мутация лежит в store со статусом pending ещё до любой попытки sync
	got, err := st.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, []models.Domain{models.DomainCableEntry}, notifier.domains)
}

func TestQueue_Enqueue_UnknownDomain(t *testing.T) {
	q, _, _ := createTestQueue(t)

	_, err := q.Enqueue(context.Background(), &models.Mutation{
		Domain:    models.Domain("invoices"),
		EntityID:  "X-1",
		Operation: models.OpUpdate,
	})
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestQueue_Enqueue_CoalescesUpdates(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)

	firstStored, err := st.GetMutation(ctx, first)
	require.NoError(t, err)

	// Вторая правка той же сущности вливается в первую
	second, err := q.Enqueue(ctx, cableUpdate("C-101", `{"cross_section":"3x4"}`))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := st.ListMutations(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.JSONEq(t, `{"length_m":55,"cross_section":"3x4"}`, string(all[0].Payload))
	// CreatedAt исходной мутации сохранен - порядок не нарушен
	assert.True(t, firstStored.CreatedAt.Equal(all[0].CreatedAt))
}

func TestQueue_Enqueue_UpdateFoldsIntoPendingCreate(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	createID, err := q.Enqueue(ctx, &models.Mutation{
		Domain:    models.DomainCableEntry,
		EntityID:  "C-200",
		Operation: models.OpCreate,
		Payload:   json.RawMessage(`{"tag":"C-200","length_m":10}`),
	})
	require.NoError(t, err)

	updateID, err := q.Enqueue(ctx, cableUpdate("C-200", `{"length_m":12}`))
	require.NoError(t, err)
	assert.Equal(t, createID, updateID)

	got, err := st.GetMutation(ctx, createID)
	require.NoError(t, err)
	assert.Equal(t, models.OpCreate, got.Operation)
	assert.JSONEq(t, `{"tag":"C-200","length_m":12}`, string(got.Payload))
}

func TestQueue_Enqueue_DeleteCancelsPendingCreate(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &models.Mutation{
		Domain:    models.DomainDrawing,
		EntityID:  "D-1",
		Operation: models.OpCreate,
		Payload:   json.RawMessage(`{"number":"E-401"}`),
	})
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, &models.Mutation{
		Domain:    models.DomainDrawing,
		EntityID:  "D-1",
		Operation: models.OpDelete,
	})
	require.NoError(t, err)
	assert.Empty(t, id)

	// Сервер никогда не видел сущность - очередь пуста
	all, err := st.ListMutations(ctx, models.DomainDrawing)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQueue_Enqueue_BlockedByConflict(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)

	markInFlight(t, q, id)
	require.NoError(t, q.MarkConflict(ctx, id, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  4,
	}))

	// Дальнейшие правки сущности блокируются до решения пользователя
	_, err = q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":60}`))
	assert.ErrorIs(t, err, ErrEntityConflicted)

	// Другие сущности не затронуты
	_, err = q.Enqueue(ctx, cableUpdate("C-102", `{"length_m":20}`))
	assert.NoError(t, err)
}

func TestQueue_PeekNext(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	_, err := q.PeekNext(ctx, models.DomainCableEntry)
	assert.ErrorIs(t, err, ErrEmptyQueue)

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)

	next, err := q.PeekNext(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	assert.Equal(t, id, next.ID)
}

func TestQueue_PeekNext_RespectsBackoff(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)

	markInFlight(t, q, id)
	require.NoError(t, q.RequeueTransient(ctx, id, time.Now().Add(time.Hour).UTC()))

	// Мутация в backoff - очередь «пуста» для планировщика
	_, err = q.PeekNext(ctx, models.DomainCableEntry)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestQueue_MarkInFlight_SingleInFlightPerEntity(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, first)

	// Вторая мутация не может коалесцировать (первая уже in-flight),
	// и не может уйти в полёт раньше завершения первой
	second, err := q.Enqueue(ctx, cableUpdate("C-101", `{"cores":4}`))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = q.MarkInFlight(ctx, second)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := st.GetMutation(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestQueue_MarkInFlight_NoOvertaking(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	// Переводим первую в conflict, чтобы вторая не коалесцировала с ней
	markInFlight(t, q, first)
	require.NoError(t, q.MarkConflict(ctx, first, nil))

	// Обходим Enqueue-блокировку напрямую через store невозможно - репродуцируем
	// через другую сущность: более ранняя незавершённая мутация блокирует позднюю
	a, err := q.Enqueue(ctx, cableUpdate("C-102", `{"length_m":1}`))
	require.NoError(t, err)
	markInFlight(t, q, a)
	require.NoError(t, q.RequeueTransient(ctx, a, time.Now().Add(time.Hour).UTC()))

	b, err := q.Enqueue(ctx, &models.Mutation{
		Domain:    models.DomainCableEntry,
		EntityID:  "C-102",
		Operation: models.OpDelete,
	})
	require.NoError(t, err)

	_, err = q.MarkInFlight(ctx, b)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueue_MarkSynced_UpdatesCacheAndPrunes(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)

	confirmed := &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Data:     json.RawMessage(`{"tag":"C-101","length_m":55}`),
	}
	require.NoError(t, q.MarkSynced(ctx, id, 4, confirmed))

	// Мутация вычищена
	_, err = st.GetMutation(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Кэш обновлён серверным состоянием
	snap, err := st.GetSnapshot(ctx, models.DomainCableEntry, "C-101")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.JSONEq(t, `{"tag":"C-101","length_m":55}`, string(snap.Data))
}

func TestQueue_MarkSynced_WithoutEcho_MergesPayloadIntoCache(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	require.NoError(t, st.PutSnapshot(ctx, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  3,
		Data:     json.RawMessage(`{"tag":"C-101","length_m":50}`),
	}))

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)
	require.NoError(t, q.MarkSynced(ctx, id, 4, nil))

	snap, err := st.GetSnapshot(ctx, models.DomainCableEntry, "C-101")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.JSONEq(t, `{"tag":"C-101","length_m":55}`, string(snap.Data))
}

func TestQueue_MarkSynced_DeleteRemovesCache(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	require.NoError(t, st.PutSnapshot(ctx, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  3,
		Data:     json.RawMessage(`{"tag":"C-101"}`),
	}))

	id, err := q.Enqueue(ctx, &models.Mutation{
		Domain:    models.DomainCableEntry,
		EntityID:  "C-101",
		Operation: models.OpDelete,
	})
	require.NoError(t, err)
	markInFlight(t, q, id)
	require.NoError(t, q.MarkSynced(ctx, id, 0, nil))

	_, err = st.GetSnapshot(ctx, models.DomainCableEntry, "C-101")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueue_MarkFailed_PreservesPayload(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)
	require.NoError(t, q.MarkFailed(ctx, id, "server error (400): length out of range"))

	got, err := st.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "server error (400): length out of range", got.FailReason)
	// Payload сохранён - пользователь сможет поправить и переотправить
	assert.JSONEq(t, `{"length_m":55}`, string(got.Payload))
}

func TestQueue_RequeueTransient_CountsAttempt(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)

	retryAt := time.Now().Add(2 * time.Second).UTC()
	require.NoError(t, q.RequeueTransient(ctx, id, retryAt))

	got, err := st.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, retryAt.Equal(got.NextAttemptAt))
}

func TestQueue_RequeueInterrupted_DoesNotCountAttempt(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)
	require.NoError(t, q.RequeueInterrupted(ctx, id))

	got, err := st.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, got.NextAttemptAt.IsZero())
}

func TestQueue_InvalidTransitions(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)

	// pending нельзя перевести в synced/conflict/failed минуя in-flight
	assert.ErrorIs(t, q.MarkSynced(ctx, id, 4, nil), ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkConflict(ctx, id, nil), ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkFailed(ctx, id, "nope"), ErrInvalidTransition)

	// Конфликтную мутацию нельзя повторно отправить без решения
	markInFlight(t, q, id)
	require.NoError(t, q.MarkConflict(ctx, id, nil))
	_, err = q.MarkInFlight(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// failed - терминальное состояние
	id2, err := q.Enqueue(ctx, cableUpdate("C-102", `{"length_m":10}`))
	require.NoError(t, err)
	markInFlight(t, q, id2)
	require.NoError(t, q.MarkFailed(ctx, id2, "validation"))
	_, err = q.MarkInFlight(ctx, id2)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueue_ReleaseConflict(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)
	require.NoError(t, q.MarkConflict(ctx, id, &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  4,
	}))

	require.NoError(t, q.ReleaseConflict(ctx, id, nil, 4, true))

	got, err := st.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, int64(4), got.BaseVersion)
	assert.True(t, got.Force)
	assert.Nil(t, got.ServerSnap)
	assert.Equal(t, 0, got.Attempts)
	// Локальный payload сохранён
	assert.JSONEq(t, `{"length_m":55}`, string(got.Payload))
}

func TestQueue_DiscardConflict_AppliesServerSnapshot(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)

	serverSnap := &models.Snapshot{
		Domain:   models.DomainCableEntry,
		EntityID: "C-101",
		Version:  4,
		Data:     json.RawMessage(`{"tag":"C-101","length_m":60}`),
	}
	require.NoError(t, q.MarkConflict(ctx, id, serverSnap))
	require.NoError(t, q.DiscardConflict(ctx, id))

	// Мутация отброшена, кэш - в точности серверное состояние
	_, err = st.GetMutation(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap, err := st.GetSnapshot(ctx, models.DomainCableEntry, "C-101")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.JSONEq(t, `{"tag":"C-101","length_m":60}`, string(snap.Data))
}

func TestQueue_DiscardConflict_ServerDeleted(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	require.NoError(t, st.PutSnapshot(ctx, &models.Snapshot{
		Domain:   models.DomainDrawing,
		EntityID: "D-1",
		Version:  2,
		Data:     json.RawMessage(`{"number":"E-401"}`),
	}))

	id, err := q.Enqueue(ctx, &models.Mutation{
		Domain:    models.DomainDrawing,
		EntityID:  "D-1",
		Operation: models.OpDelete,
	})
	require.NoError(t, err)
	markInFlight(t, q, id)
	// nil снимок: сущность удалена на сервере другим пользователем
	require.NoError(t, q.MarkConflict(ctx, id, nil))
	require.NoError(t, q.DiscardConflict(ctx, id))

	_, err = st.GetSnapshot(ctx, models.DomainDrawing, "D-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueue_RecoverInFlight(t *testing.T) {
	q, st, _ := createTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	markInFlight(t, q, id)

	// «Рестарт»: новая очередь поверх того же store
	q2 := New(st, nil, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	recovered, err := q2.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := st.GetMutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestQueue_Count(t *testing.T) {
	q, _, _ := createTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, cableUpdate("C-101", `{"length_m":55}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, cableUpdate("C-102", `{"length_m":10}`))
	require.NoError(t, err)

	markInFlight(t, q, a)
	require.NoError(t, q.MarkConflict(ctx, a, nil))

	counts, err := q.Count(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Conflicts: 1}, counts)
}
