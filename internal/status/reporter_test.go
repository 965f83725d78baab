package status

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

func createTestReporter(t *testing.T) (*Reporter, store.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := boltdb.New(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewReporter(st, logger), st
}

func putMutation(t *testing.T, st store.Store, entityID string, status models.Status) {
	t.Helper()

	require.NoError(t, st.PutMutation(context.Background(), &models.Mutation{
		ID:        "mut-" + entityID + "-" + string(status),
		Domain:    models.DomainCableEntry,
		EntityID:  entityID,
		Operation: models.OpUpdate,
		Payload:   json.RawMessage(`{}`),
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestReporter_Snapshot(t *testing.T) {
	r, st := createTestReporter(t)
	ctx := context.Background()

	putMutation(t, st, "C-1", models.StatusPending)
	putMutation(t, st, "C-2", models.StatusPending)
	putMutation(t, st, "C-3", models.StatusInFlight)
	putMutation(t, st, "C-4", models.StatusConflict)
	putMutation(t, st, "C-5", models.StatusFailed)

	syncedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SaveLastSyncedAt(ctx, models.DomainCableEntry, syncedAt))

	snap, err := r.Snapshot(ctx, models.DomainCableEntry)
	require.NoError(t, err)

	assert.Equal(t, models.DomainCableEntry, snap.Domain)
	assert.Equal(t, 2, snap.Pending)
	assert.Equal(t, 1, snap.InFlight)
	assert.Equal(t, 1, snap.Conflicts)
	assert.Equal(t, 1, snap.Failed)
	assert.True(t, syncedAt.Equal(snap.LastSyncedAt))
}

func TestReporter_Snapshot_EmptyDomain(t *testing.T) {
	r, _ := createTestReporter(t)

	snap, err := r.Snapshot(context.Background(), models.DomainBudgetItem)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{Domain: models.DomainBudgetItem}, snap)
}

func TestReporter_Counts(t *testing.T) {
	r, st := createTestReporter(t)
	ctx := context.Background()

	putMutation(t, st, "C-1", models.StatusPending)
	putMutation(t, st, "C-2", models.StatusInFlight)
	putMutation(t, st, "C-3", models.StatusConflict)
	putMutation(t, st, "C-4", models.StatusFailed)

	// PendingCount учитывает и in-flight: для UI это «ещё не на сервере»
	pending, err := r.PendingCount(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	conflicts, err := r.ConflictCount(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	assert.Equal(t, 1, conflicts)

	failed, err := r.FailedCount(ctx, models.DomainCableEntry)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestReporter_Subscribe_PushOnInvalidate(t *testing.T) {
	r, st := createTestReporter(t)

	ch := r.Subscribe(models.DomainCableEntry)

	putMutation(t, st, "C-1", models.StatusPending)
	r.Invalidate(models.DomainCableEntry)

	select {
	case snap := <-ch:
		assert.Equal(t, 1, snap.Pending)
	case <-time.After(time.Second):
		t.Fatal("no snapshot pushed to subscriber")
	}
}

func TestReporter_Invalidate_EvictsStaleSnapshot(t *testing.T) {
	r, st := createTestReporter(t)

	ch := r.Subscribe(models.DomainCableEntry)

	// Подписчик не читает - в буфере канала остаётся устаревший снимок
	putMutation(t, st, "C-1", models.StatusPending)
	r.Invalidate(models.DomainCableEntry)

	putMutation(t, st, "C-2", models.StatusPending)
	r.Invalidate(models.DomainCableEntry)

	// Прочитанный снимок - всегда последний, промежуточный вытеснен
	snap := <-ch
	assert.Equal(t, 2, snap.Pending)
}

func TestReporter_Invalidate_OtherDomainUntouched(t *testing.T) {
	r, st := createTestReporter(t)

	ch := r.Subscribe(models.DomainBudgetItem)

	putMutation(t, st, "C-1", models.StatusPending)
	r.Invalidate(models.DomainCableEntry)

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot for other domain: %+v", snap)
	default:
	}
}

func TestReporter_Unsubscribe(t *testing.T) {
	r, _ := createTestReporter(t)

	ch := r.Subscribe(models.DomainCableEntry)
	r.Unsubscribe(models.DomainCableEntry, ch)

	_, open := <-ch
	assert.False(t, open)

	// Invalidate после отписки не паникует
	r.Invalidate(models.DomainCableEntry)
}
