// Package netmon observes connectivity transitions and exposes a debounced
// online/offline signal. It does not probe the network itself: the platform
// integration feeds raw signals through Notify and the monitor fans the
// debounced transitions out to subscribers.
package netmon

import (
	"log/slog"
	"sync"
	"time"
)

// State - состояние подключения
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// DefaultDebounce is the minimum interval between emitted flips.
// Защита от «моргающего» соединения на объекте.
const DefaultDebounce = 2 * time.Second

// OnOnlineFunc is invoked exactly once per offline-to-online transition.
// The scheduler's drain entry point is registered here.
type OnOnlineFunc func()

// Monitor debounces raw connectivity signals into online/offline transitions.
type Monitor struct {
	logger   *slog.Logger
	onOnline OnOnlineFunc

	mu          sync.Mutex
	subscribers map[chan State]struct{}
	state       State
	pending     State
	debounce    time.Duration
	lastFlip    time.Time
	timer       *time.Timer
}

// Option configures the monitor.
type Option func(*Monitor)

// WithDebounce overrides the minimum interval between emitted flips.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

// New creates a monitor that starts in the offline state.
func New(logger *slog.Logger, onOnline OnOnlineFunc, opts ...Option) *Monitor {
	m := &Monitor{
		logger:      logger,
		onOnline:    onOnline,
		subscribers: make(map[chan State]struct{}),
		state:       StateOffline,
		pending:     StateOffline,
		debounce:    DefaultDebounce,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current debounced connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Notify feeds a raw connectivity signal from the platform.
// Переходы чаще debounce-интервала откладываются; дребезг, вернувшийся
// к исходному состоянию до истечения интервала, не эмитится вовсе.
func (m *Monitor) Notify(online bool) {
	target := StateOffline
	if online {
		target = StateOnline
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = target

	// Отложенный flip уже взведён - он подхватит m.pending
	if m.timer != nil {
		return
	}

	if target == m.state {
		return
	}

	if wait := m.debounce - time.Since(m.lastFlip); wait > 0 {
		m.timer = time.AfterFunc(wait, m.applyPending)
		return
	}

	m.flipLocked(target)
}

// applyPending выполняет отложенный переход после debounce-паузы
func (m *Monitor) applyPending() {
	m.mu.Lock()
	m.timer = nil
	target := m.pending
	if target == m.state {
		m.mu.Unlock()
		return
	}
	m.flipLocked(target)
	m.mu.Unlock()
}

// flipLocked меняет состояние и оповещает подписчиков. Вызывается под m.mu.
func (m *Monitor) flipLocked(target State) {
	wasOffline := m.state == StateOffline
	m.state = target
	m.lastFlip = time.Now()

	m.logger.Info("Connectivity changed", "state", target)

	for sub := range m.subscribers {
		// Не блокируемся на медленном подписчике
		select {
		case sub <- target:
		default:
		}
	}

	if wasOffline && target == StateOnline && m.onOnline != nil {
		// Ровно один вызов на переход offline -> online
		go m.onOnline()
	}
}

// Subscribe registers a channel receiving debounced transitions.
// Slow subscribers miss intermediate states, they are never blocked on.
func (m *Monitor) Subscribe() chan State {
	ch := make(chan State, 1)

	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Monitor) Unsubscribe(ch chan State) {
	m.mu.Lock()
	if _, ok := m.subscribers[ch]; ok {
		delete(m.subscribers, ch)
		close(ch)
	}
	m.mu.Unlock()
}

// Close cancels any pending flip and drops all subscriptions.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = make(map[chan State]struct{})
}
