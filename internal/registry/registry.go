// Package registry implements the Lock & Order Registry: per-symbol
// locks, a priority-queued global lock, and the active-order table that
// is the single source of truth for "is there an in-flight order on this
// (venue, symbol, side)?".
//
// It generalizes the ad hoc sync.RWMutex-guarded maps the teacher's
// Engine kept inline (internal/engine/engine.go's slotsMu/tokenMapMu) into
// a standalone, independently testable type.
package registry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/internal/metrics"
	"github.com/fundingkeeper/keeper/pkg/types"
)

// Priority orders contenders for the global lock: safety > rebalance > normal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityRebalance
	PrioritySafety
)

func (p Priority) rank() int { return int(p) }

// Registry bundles symbol locks, the global lock, and the order table.
type Registry struct {
	symbolLockTimeout time.Duration
	globalLockTimeout time.Duration
	orderTimeout      time.Duration
	metrics           *metrics.Registry
	logger            Logger

	mu sync.Mutex

	symbolLocks map[string]*symbolLock
	global      globalLockState
	orders      map[types.OrderKey]*types.ActiveOrder
	history     []types.ActiveOrder
	lastExecAt  map[string]time.Time // symbol -> time execution most recently completed
}

// Logger is the minimal interface the registry needs for its stale-lock
// and collision warnings; *slog.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
}

const (
	defaultSymbolLockTimeout = 30 * time.Second
	defaultGlobalLockTimeout = 120 * time.Second
	defaultOrderTimeout      = 10 * time.Minute
	maxHistory               = 100
	execCooldownTTL          = time.Hour
	globalPollInterval       = 100 * time.Millisecond
)

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Option configures a Registry at construction.
type Option func(*Registry)

func WithSymbolLockTimeout(d time.Duration) Option { return func(r *Registry) { r.symbolLockTimeout = d } }
func WithGlobalLockTimeout(d time.Duration) Option { return func(r *Registry) { r.globalLockTimeout = d } }
func WithOrderTimeout(d time.Duration) Option      { return func(r *Registry) { r.orderTimeout = d } }
func WithMetrics(m *metrics.Registry) Option       { return func(r *Registry) { r.metrics = m } }
func WithLogger(l Logger) Option                   { return func(r *Registry) { r.logger = l } }

// New creates an empty Registry with default staleness thresholds,
// overridable via Option.
func New(opts ...Option) *Registry {
	r := &Registry{
		symbolLockTimeout: defaultSymbolLockTimeout,
		globalLockTimeout: defaultGlobalLockTimeout,
		orderTimeout:      defaultOrderTimeout,
		logger:            noopLogger{},
		symbolLocks:       make(map[string]*symbolLock),
		orders:            make(map[types.OrderKey]*types.ActiveOrder),
		lastExecAt:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ---- Symbol locks ----

type symbolLock struct {
	holder    string
	acquired  time.Time
	operation string
}

// TryAcquireSymbolOnly succeeds iff no current lock exists on symbol, or
// the existing lock is older than the stale threshold (in which case it
// is evicted with a warning first).
func (r *Registry) TryAcquireSymbolOnly(symbol, threadID, operation string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.symbolLocks[symbol]; ok {
		if time.Since(existing.acquired) < r.symbolLockTimeout {
			return false
		}
		r.logger.Warn("evicting stale symbol lock", "symbol", symbol, "holder", existing.holder, "age", time.Since(existing.acquired))
		r.metrics.ObserveStaleLockEviction("symbol")
	}

	r.symbolLocks[symbol] = &symbolLock{holder: threadID, acquired: time.Now(), operation: operation}
	return true
}

// ReleaseSymbolLock is a no-op unless the caller's thread id matches the
// current holder, preventing a thread from releasing a lock it doesn't own.
func (r *Registry) ReleaseSymbolLock(symbol, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.symbolLocks[symbol]
	if !ok || existing.holder != threadID {
		return
	}
	delete(r.symbolLocks, symbol)
}

// WithSymbolLock retries acquisition every 100ms until success or timeout,
// then runs fn and unconditionally releases the lock afterward, including
// when fn returns an error.
func (r *Registry) WithSymbolLock(ctx context.Context, symbol, threadID, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(timeout)
	for {
		if r.TryAcquireSymbolOnly(symbol, threadID, operation) {
			defer r.ReleaseSymbolLock(symbol, threadID)
			return fn(ctx)
		}
		if time.Now().After(deadline) {
			return &types.LockAcquisitionTimeout{Resource: "symbol:" + symbol}
		}
		timer := time.NewTimer(globalPollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// ---- Global lock ----

type globalWaiter struct {
	priority Priority
	seq      uint64
	index    int
	grant    chan struct{}
}

type globalWaiterHeap []*globalWaiter

func (h globalWaiterHeap) Len() int { return len(h) }
func (h globalWaiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority.rank() > h[j].priority.rank()
	}
	return h[i].seq < h[j].seq
}
func (h globalWaiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *globalWaiterHeap) Push(x any) {
	w := x.(*globalWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *globalWaiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

type globalLockState struct {
	held     bool
	holder   string
	acquired time.Time
	waiters  globalWaiterHeap
	seq      uint64
}

// TryAcquireGlobal is the non-blocking form of the global lock.
func (r *Registry) TryAcquireGlobal(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tryAcquireGlobalLocked(threadID)
}

func (r *Registry) tryAcquireGlobalLocked(threadID string) bool {
	if r.global.held {
		if time.Since(r.global.acquired) < r.globalLockTimeout {
			return false
		}
		r.logger.Warn("evicting stale global lock", "holder", r.global.holder, "age", time.Since(r.global.acquired))
		r.metrics.ObserveStaleLockEviction("global")
	}
	r.global.held = true
	r.global.holder = threadID
	r.global.acquired = time.Now()
	return true
}

// AcquireGlobal queues for the global lock with the given priority; the
// queue is priority-ordered then FIFO. It blocks until granted, ctx is
// cancelled, or timeout elapses.
func (r *Registry) AcquireGlobal(ctx context.Context, threadID string, priority Priority, timeout time.Duration) error {
	r.mu.Lock()
	if r.tryAcquireGlobalLocked(threadID) {
		r.mu.Unlock()
		return nil
	}
	r.global.seq++
	w := &globalWaiter{priority: priority, seq: r.global.seq, grant: make(chan struct{}, 1)}
	heap.Push(&r.global.waiters, w)
	r.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-w.grant:
		r.mu.Lock()
		r.global.holder = threadID
		r.global.acquired = time.Now()
		r.mu.Unlock()
		return nil
	case <-deadline.C:
		r.removeGlobalWaiter(w)
		return &types.LockAcquisitionTimeout{Resource: "global"}
	case <-ctx.Done():
		r.removeGlobalWaiter(w)
		return ctx.Err()
	}
}

func (r *Registry) removeGlobalWaiter(w *globalWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.index >= 0 && w.index < len(r.global.waiters) && r.global.waiters[w.index] == w {
		heap.Remove(&r.global.waiters, w.index)
	}
}

// ReleaseGlobal releases the lock if threadID is the current holder. On
// release, the lock transfers synchronously to the next waiter (highest
// priority, then FIFO) if any, otherwise it is cleared.
func (r *Registry) ReleaseGlobal(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseGlobalLocked(threadID)
}

func (r *Registry) releaseGlobalLocked(threadID string) {
	if !r.global.held || r.global.holder != threadID {
		return
	}
	if len(r.global.waiters) > 0 {
		next := heap.Pop(&r.global.waiters).(*globalWaiter)
		r.global.holder = "" // transferred holder set by the waiter once it wakes
		next.grant <- struct{}{}
		return
	}
	r.global.held = false
	r.global.holder = ""
}

// ForceReleaseGlobal unconditionally clears the lock and grants it to the
// next waiter, regardless of current holder — the force-release path used
// when external reconciliation determines the holder is gone.
func (r *Registry) ForceReleaseGlobal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.global.waiters) > 0 {
		next := heap.Pop(&r.global.waiters).(*globalWaiter)
		next.grant <- struct{}{}
		return
	}
	r.global.held = false
	r.global.holder = ""
}

// ---- Order registry ----

// RegisterOrderPlacing refuses to create a second active entry at the same
// key unless the prior entry is older than the order staleness threshold,
// in which case it is evicted with a warning. Returns false when refused.
func (r *Registry) RegisterOrderPlacing(order types.ActiveOrder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := order.Key()
	if existing, ok := r.orders[key]; ok {
		if time.Since(existing.PlacedAt) < r.orderTimeout {
			r.metrics.ObserveOrderCollision(string(key.Venue), key.Symbol)
			return false
		}
		r.logger.Warn("evicting stale active order", "key", key, "order_id", existing.OrderID, "age", time.Since(existing.PlacedAt))
	}

	orderCopy := order
	r.orders[key] = &orderCopy
	return true
}

// UpdateOrderStatus updates the fields of the order at key and, if the new
// status is terminal, moves it to history. Calling this twice with the
// same terminal status is a safe no-op on the second call.
func (r *Registry) UpdateOrderStatus(key types.OrderKey, status types.OrderStatus, filledSize, price *decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[key]
	if !ok {
		return // already moved to history by a prior terminal update
	}

	existing.Status = status
	if filledSize != nil {
		existing.Size = *filledSize
	}
	if price != nil {
		existing.Price = *price
	}

	if status.IsTerminal() {
		r.history = append(r.history, *existing)
		if len(r.history) > maxHistory {
			r.history = r.history[len(r.history)-maxHistory:]
		}
		delete(r.orders, key)
		r.lastExecAt[key.Symbol] = time.Now()
	}
}

// ActiveOrder returns the current entry at key, if any.
func (r *Registry) ActiveOrder(key types.OrderKey) (types.ActiveOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.orders[key]
	if !ok {
		return types.ActiveOrder{}, false
	}
	return *existing, true
}

// History returns a snapshot of the bounded order history, oldest first.
func (r *Registry) History() []types.ActiveOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ActiveOrder, len(r.history))
	copy(out, r.history)
	return out
}

// LastExecutionCompletedAt returns when execution most recently completed
// for symbol, and whether that record is still within the one-hour TTL.
func (r *Registry) LastExecutionCompletedAt(symbol string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.lastExecAt[symbol]
	if !ok || time.Since(at) > execCooldownTTL {
		return time.Time{}, false
	}
	return at, true
}
