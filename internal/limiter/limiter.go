package limiter

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// Config bundles the concurrency cap, queue depth, and per-request timeout
// for one Limiter: maxConcurrent, queueSize, and a per-request timeout.
type Config struct {
	MaxConcurrent int
	QueueSize     int
	Timeout       time.Duration
}

// Result is the admission decision returned to the caller.
type Result struct {
	Admitted   bool
	Reason     string // "queue_full", "queue_timeout", "circuit_open", "context_cancelled", ""
	RetryAfter int    // seconds; 0 when not applicable
}

// ErrQueueFull and ErrQueueTimeout name the "queue_full" and "queue_timeout"
// rejection reasons as error values. Acquire reports rejections only through
// Result.Reason and does not return these values.
var (
	ErrQueueFull    = fmt.Errorf("queue full")
	ErrQueueTimeout = fmt.Errorf("queue timeout")
)

type waiter struct {
	priority int
	seq      uint64
	admit    chan struct{}
	index    int
}

// waiterHeap orders waiters by priority (higher first), ties broken FIFO by
// sequence number "dequeue the highest-priority (ties FIFO)".
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Limiter is a bounded-concurrency admission gate with a priority-ordered
// waiting queue and an optional attached circuit breaker. The gateway builds
// a single gateway-wide instance; calls routed to an upstream are gated only
// by that upstream's CircuitBreaker in the proxy registry, with no
// per-upstream Limiter.
type Limiter struct {
	cfg     Config
	breaker *CircuitBreaker

	mu       sync.Mutex
	active   int
	queue    waiterHeap
	nextSeq  uint64
}

// New creates a Limiter. breaker may be nil to disable circuit-breaker
// admission checks.
func New(cfg Config, breaker *CircuitBreaker) *Limiter {
	l := &Limiter{cfg: cfg, breaker: breaker}
	heap.Init(&l.queue)
	return l
}

// Acquire blocks until a slot is admitted, the queue is full, the circuit
// is open, the context is cancelled, or the configured timeout elapses
// while queued. On success it returns a release function that MUST be
// called exactly once, with the observed outcome, when the admitted work
// completes.
func (l *Limiter) Acquire(ctx context.Context, priority int) (release func(success bool), result Result) {
	if l.breaker != nil {
		if ok, retryAfter := l.breaker.Allow(); !ok {
			return noopRelease, Result{Admitted: false, Reason: "circuit_open", RetryAfter: retryAfter}
		}
	}

	l.mu.Lock()
	if l.active < l.cfg.MaxConcurrent {
		l.active++
		l.mu.Unlock()
		return l.releaseFunc(), Result{Admitted: true}
	}

	if l.cfg.QueueSize >= 0 && l.queue.Len() >= l.cfg.QueueSize {
		l.mu.Unlock()
		if l.breaker != nil {
			// Admission-gate rejection never reaches the call itself, so it
			// must not be scored against the breaker.
		}
		return noopRelease, Result{Admitted: false, Reason: "queue_full"}
	}

	w := &waiter{priority: priority, seq: l.nextSeq, admit: make(chan struct{})}
	l.nextSeq++
	heap.Push(&l.queue, w)
	l.mu.Unlock()

	timeout := l.cfg.Timeout
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.admit:
		return l.releaseFunc(), Result{Admitted: true}
	case <-ctx.Done():
		l.removeWaiter(w)
		return noopRelease, Result{Admitted: false, Reason: "context_cancelled"}
	case <-timeoutCh:
		l.removeWaiter(w)
		return noopRelease, Result{Admitted: false, Reason: "queue_timeout"}
	}
}

func noopRelease(bool) {}

func (l *Limiter) removeWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.index >= 0 && w.index < l.queue.Len() && l.queue[w.index] == w {
		heap.Remove(&l.queue, w.index)
	}
}

func (l *Limiter) releaseFunc() func(success bool) {
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			if l.breaker != nil {
				if success {
					l.breaker.RecordSuccess()
				} else {
					l.breaker.RecordFailure()
				}
			}
			l.promoteNext()
		})
	}
}

// promoteNext hands the just-freed slot to the highest-priority queued
// waiter, or returns it to the free pool if the queue is empty.
func (l *Limiter) promoteNext() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queue.Len() == 0 {
		l.active--
		return
	}
	w := heap.Pop(&l.queue).(*waiter)
	close(w.admit)
	// active count unchanged: the slot transfers directly to the promoted waiter.
}

// Active returns the current number of occupied slots, for observability.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Queued returns the current queue depth.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}
