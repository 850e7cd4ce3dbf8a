// Package dispatch runs side-effecting actions under one global concurrency
// cap. Items start in descending priority, FIFO within a priority; each runs
// under its own timeout. A timed-out item frees its slot at once: the task
// goroutine keeps running until it honours its cancelled context, but its
// late result is dropped.
//
//	q := dispatch.New(dispatch.WithMaxConcurrent(5), dispatch.WithTimeout(30*time.Second))
//	defer q.Close(ctx)
//	f, err := q.Enqueue(ctx, func(ctx context.Context) (json.RawMessage, error) {
//	    return reg.Execute(ctx, act)
//	}, 0, 0)
//	res, err := f.Wait(ctx)
package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hazyhaar/controldeck/idgen"
)

// Task is the unit of work. It should return promptly once ctx is done.
type Task func(ctx context.Context) (json.RawMessage, error)

// Stats are cumulative counters. Averages are in milliseconds, weighted over
// completed+failed items.
type Stats struct {
	Total                int64   `json:"total"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	TimedOut             int64   `json:"timedOut"`
	Cancelled            int64   `json:"cancelled"`
	AverageWaitTime      float64 `json:"averageWaitTime"`
	AverageExecutionTime float64 `json:"averageExecutionTime"`
	Queued               int     `json:"queued"`
	Running              int     `json:"running"`
	SuccessRate          float64 `json:"successRate"`
}

// Status is the queue snapshot served by diagnostics.
type Status struct {
	Queued        int   `json:"queued"`
	Running       int   `json:"running"`
	MaxConcurrent int   `json:"maxConcurrent"`
	Stats         Stats `json:"stats"`
}

type item struct {
	id       string
	task     Task
	priority int
	seq      uint64
	timeout  time.Duration
	ctx      context.Context
	future   *Future
	index    int

	enqueued time.Time
	started  time.Time
	cancel   context.CancelFunc
	timer    *time.Timer
}

// itemHeap orders by priority descending, then by enqueue sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a bounded-concurrency priority queue. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending itemHeap
	running map[string]*item
	seq     uint64
	stats   Stats
	closed  bool
	tasks   sync.WaitGroup

	maxConcurrent int
	timeout       time.Duration
	newID         idgen.Generator
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrent sets the global cap. Default: 5.
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

// WithTimeout sets the default per-item timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithIDGenerator replaces idgen.Action.
func WithIDGenerator(g idgen.Generator) Option {
	return func(q *Queue) { q.newID = g }
}

// WithClock replaces time.Now for wait and execution accounting.
func WithClock(fn func() time.Time) Option {
	return func(q *Queue) { q.now = fn }
}

// New creates a Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		running:       make(map[string]*item),
		maxConcurrent: 5,
		timeout:       30 * time.Second,
		newID:         idgen.Action,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue submits task. A timeout <= 0 uses the queue default. The task's
// context derives from ctx: if ctx ends while the item is still queued the
// item is skipped with ErrCancelled.
func (q *Queue) Enqueue(ctx context.Context, task Task, priority int, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		timeout = q.timeout
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	q.seq++
	it := &item{
		id:       q.newID(),
		task:     task,
		priority: priority,
		seq:      q.seq,
		timeout:  timeout,
		ctx:      ctx,
		enqueued: q.now(),
	}
	it.future = newFuture(it.id)
	heap.Push(&q.pending, it)
	q.stats.Total++
	q.drainLocked()
	return it.future, nil
}

// drainLocked starts queued items while slots are free. Must hold mu.
func (q *Queue) drainLocked() {
	for len(q.running) < q.maxConcurrent && q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		if it.ctx.Err() != nil {
			q.stats.Cancelled++
			it.future.complete(nil, ErrCancelled)
			continue
		}

		it.started = q.now()
		n := float64(q.stats.Completed + q.stats.Failed)
		wait := float64(it.started.Sub(it.enqueued).Microseconds()) / 1000
		q.stats.AverageWaitTime = (q.stats.AverageWaitTime*n + wait) / (n + 1)

		q.running[it.id] = it
		q.start(it)
	}
}

// start launches the task and arms its timeout. Must hold mu.
func (q *Queue) start(it *item) {
	ctx, cancel := context.WithCancel(it.ctx)
	it.cancel = cancel
	it.timer = time.AfterFunc(it.timeout, func() { q.expire(it) })

	q.tasks.Add(1)
	go func() {
		defer q.tasks.Done()
		res, err := q.run(ctx, it)
		q.settle(it, res, err)
	}()
}

func (q *Queue) run(ctx context.Context, it *item) (res json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch: task panic recovered",
				"action_id", it.id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("dispatch: task panicked: %v", r)
		}
	}()
	return it.task(ctx)
}

func (q *Queue) settle(it *item, res json.RawMessage, err error) {
	q.mu.Lock()
	if _, ok := q.running[it.id]; !ok {
		// Timed out already; the late result is dropped.
		q.mu.Unlock()
		it.cancel()
		q.logger.Debug("dispatch: late result dropped", "action_id", it.id)
		return
	}
	it.timer.Stop()
	delete(q.running, it.id)

	n := float64(q.stats.Completed + q.stats.Failed)
	exec := float64(q.now().Sub(it.started).Microseconds()) / 1000
	q.stats.AverageExecutionTime = (q.stats.AverageExecutionTime*n + exec) / (n + 1)
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Completed++
	}
	it.future.complete(res, err)
	q.drainLocked()
	q.mu.Unlock()
	it.cancel()
}

func (q *Queue) expire(it *item) {
	q.mu.Lock()
	if _, ok := q.running[it.id]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, it.id)
	q.stats.TimedOut++
	it.future.complete(nil, &ErrTimeout{ActionID: it.id, After: it.timeout})
	q.drainLocked()
	q.mu.Unlock()

	it.cancel()
	q.logger.Warn("dispatch: action timed out", "action_id", it.id, "timeout", it.timeout)
}

// Cancel removes a queued item and completes its future with ErrCancelled.
// Running items cannot be cancelled; it returns false for them.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.pending {
		if it.id == id {
			heap.Remove(&q.pending, it.index)
			q.stats.Cancelled++
			it.future.complete(nil, ErrCancelled)
			return true
		}
	}
	return false
}

// Clear cancels every queued item and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearLocked(ErrCancelled)
}

func (q *Queue) clearLocked(err error) int {
	n := len(q.pending)
	for _, it := range q.pending {
		q.stats.Cancelled++
		it.future.complete(nil, err)
	}
	q.pending = nil
	return n
}

// Stats returns the cumulative counters plus the current queue depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := q.stats
	s.Queued = len(q.pending)
	s.Running = len(q.running)
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total) * 100
	}
	return s
}

// Status returns the diagnostics snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Queued:        len(q.pending),
		Running:       len(q.running),
		MaxConcurrent: q.maxConcurrent,
		Stats:         q.statsLocked(),
	}
}

// Close rejects queued items with ErrQueueClosed, cancels running tasks and
// waits for their goroutines until ctx ends. Further Enqueue calls fail.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.clearLocked(ErrQueueClosed)
	for _, it := range q.running {
		it.cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: close: %w", ctx.Err())
	}
}
