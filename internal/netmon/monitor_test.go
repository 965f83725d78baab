package netmon

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func waitState(t *testing.T, m *Monitor, want State) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never reached state %s (current %s)", want, m.State())
}

func TestMonitor_StartsOffline(t *testing.T) {
	m := New(testLogger(), nil)
	defer m.Close()

	assert.Equal(t, StateOffline, m.State())
}

func TestMonitor_FirstTransitionIsImmediate(t *testing.T) {
	m := New(testLogger(), nil, WithDebounce(time.Hour))
	defer m.Close()

	// Первый переход не ждёт debounce - ждать нечего, flip'ов ещё не было
	m.Notify(true)
	assert.Equal(t, StateOnline, m.State())
}

func TestMonitor_DebounceSuppressesFlap(t *testing.T) {
	m := New(testLogger(), nil, WithDebounce(50*time.Millisecond))
	defer m.Close()

	m.Notify(true)
	require.Equal(t, StateOnline, m.State())

	// Дребезг - offline и сразу обратно online внутри debounce-окна
	m.Notify(false)
	m.Notify(true)
	assert.Equal(t, StateOnline, m.State())

	// Окно прошло - промежуточный offline так и не эмитился
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateOnline, m.State())
}

func TestMonitor_DeferredFlipApplied(t *testing.T) {
	m := New(testLogger(), nil, WithDebounce(30*time.Millisecond))
	defer m.Close()

	m.Notify(true)
	m.Notify(false) // внутри окна - откладывается

	waitState(t, m, StateOffline)
}

func TestMonitor_OnOnlineFiresOncePerTransition(t *testing.T) {
	var calls atomic.Int64
	m := New(testLogger(), func() { calls.Add(1) }, WithDebounce(10*time.Millisecond))
	defer m.Close()

	m.Notify(true)
	waitState(t, m, StateOnline)

	// Повторные online-сигналы в online-состоянии не дёргают drain
	m.Notify(true)
	m.Notify(true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())

	// Второй цикл offline -> online даёт ровно один новый вызов
	m.Notify(false)
	waitState(t, m, StateOffline)
	m.Notify(true)
	waitState(t, m, StateOnline)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
}

func TestMonitor_SubscribeReceivesTransitions(t *testing.T) {
	m := New(testLogger(), nil, WithDebounce(time.Millisecond))
	defer m.Close()

	ch := m.Subscribe()

	m.Notify(true)

	select {
	case got := <-ch:
		assert.Equal(t, StateOnline, got)
	case <-time.After(time.Second):
		t.Fatal("no transition delivered to subscriber")
	}
}

func TestMonitor_SlowSubscriberNotBlockedOn(t *testing.T) {
	m := New(testLogger(), nil, WithDebounce(time.Millisecond))
	defer m.Close()

	ch := m.Subscribe() // никто не читает

	m.Notify(true)
	waitState(t, m, StateOnline)
	time.Sleep(5 * time.Millisecond)
	m.Notify(false)
	waitState(t, m, StateOffline)

	// Подписчик получил только первый переход, второй не блокировал монитор
	assert.Equal(t, StateOnline, <-ch)
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra transition %s", got)
	default:
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := New(testLogger(), nil)
	defer m.Close()

	ch := m.Subscribe()
	m.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Повторный Unsubscribe безопасен
	m.Unsubscribe(ch)
}
