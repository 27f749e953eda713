// Package worker runs post-call background tasks on a bounded goroutine pool.
// Every task has a queryable status, and failures are spooled for replay
// instead of vanishing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/damso/damso/internal/metrics"
	"github.com/google/uuid"
)

// Errors returned by Enqueue and Replay.
var (
	ErrUnknownKind = errors.New("unknown task kind")
	ErrQueueFull   = errors.New("task queue full")
	ErrClosed      = errors.New("worker pool closed")
	ErrNotFound    = errors.New("dead letter not found")
)

const (
	defaultTaskTimeout = 2 * time.Minute
	statusHistory      = 1000
)

// Handler executes one task. The payload is the JSON the task was enqueued with.
type Handler func(ctx context.Context, payload json.RawMessage) error

// State is the lifecycle stage of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status describes a task's progress.
type Status struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type task struct {
	id      string
	kind    string
	payload json.RawMessage
}

// Pool runs registered handlers on a fixed number of goroutines.
type Pool struct {
	workers     int
	queue       chan task
	dead        DeadLetterStore
	taskTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	statuses map[string]*Status
	order    []string // status ids, oldest first
	closed   bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given number of workers and queue
// capacity. dead may be nil, in which case failures are only logged.
func NewPool(workers, queueSize int, dead DeadLetterStore) *Pool {
	return &Pool{
		workers:     workers,
		queue:       make(chan task, queueSize),
		dead:        dead,
		taskTimeout: defaultTaskTimeout,
		handlers:    make(map[string]Handler),
		statuses:    make(map[string]*Status),
	}
}

// Register binds a handler to a task kind. Call before Start.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	slog.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Enqueue schedules a task and returns its ID. payload is JSON encoded. The
// call never blocks: a full queue returns ErrQueueFull.
func (p *Pool) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return p.enqueueRaw(ctx, kind, raw)
}

func (p *Pool) enqueueRaw(ctx context.Context, kind string, raw json.RawMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrClosed
	}
	if _, ok := p.handlers[kind]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	t := task{id: uuid.NewString(), kind: kind, payload: raw}
	select {
	case p.queue <- t:
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		slog.Warn("worker queue full, dropping task", "kind", kind)
		metrics.WorkerTasks.WithLabelValues(kind, "rejected").Inc()
		return "", ErrQueueFull
	}

	p.track(&Status{ID: t.id, Kind: kind, State: StateQueued, EnqueuedAt: time.Now()})
	slog.Debug("task enqueued", "task_id", t.id, "kind", kind)
	return t.id, nil
}

// track records a status, evicting the oldest once the history is full.
// Caller holds p.mu.
func (p *Pool) track(s *Status) {
	p.statuses[s.ID] = s
	p.order = append(p.order, s.ID)
	for len(p.order) > statusHistory {
		delete(p.statuses, p.order[0])
		p.order = p.order[1:]
	}
}

// Status returns a copy of the task's status.
func (p *Pool) Status(id string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// DeadLetterCount returns the number of spooled failures.
func (p *Pool) DeadLetterCount(ctx context.Context) (int64, error) {
	if p.dead == nil {
		return 0, nil
	}
	return p.dead.Count(ctx)
}

// DeadLetters lists spooled failures, newest first.
func (p *Pool) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if p.dead == nil {
		return nil, nil
	}
	return p.dead.List(ctx, limit)
}

// Replay re-enqueues a spooled failure under a new task ID. The dead letter
// is claimed by deleting it first, so concurrent replays of the same ID
// enqueue it once; the loser gets ErrNotFound. If the enqueue fails the
// dead letter is spooled again under a new ID.
func (p *Pool) Replay(ctx context.Context, id int64) (string, error) {
	if p.dead == nil {
		return "", ErrNotFound
	}
	dl, err := p.dead.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if dl == nil {
		return "", ErrNotFound
	}
	claimed, err := p.dead.Delete(ctx, id)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", ErrNotFound
	}

	taskID, err := p.enqueueRaw(ctx, dl.Kind, dl.Payload)
	if err != nil {
		restored := *dl
		if addErr := p.dead.Add(context.WithoutCancel(ctx), &restored); addErr != nil {
			slog.Error("failed to restore dead letter after replay error", "dead_letter_id", id,
				"kind", dl.Kind, "error", addErr)
		} else {
			slog.Warn("dead letter replay failed, restored", "dead_letter_id", id,
				"new_dead_letter_id", restored.ID, "error", err)
		}
		return "", err
	}
	slog.Info("dead letter replayed", "dead_letter_id", id, "task_id", taskID, "kind", dl.Kind)
	return taskID, nil
}

// Shutdown stops accepting tasks and waits for queued ones to finish or for
// ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.queue {
		p.execute(t)
	}
}

func (p *Pool) execute(t task) {
	p.mu.Lock()
	h := p.handlers[t.kind]
	if s, ok := p.statuses[t.id]; ok {
		s.State = StateRunning
	}
	p.mu.Unlock()

	start := time.Now()
	err := p.invoke(h, t)

	now := time.Now()
	p.mu.Lock()
	if s, ok := p.statuses[t.id]; ok {
		s.FinishedAt = &now
		if err != nil {
			s.State = StateFailed
			s.Error = err.Error()
		} else {
			s.State = StateSucceeded
		}
	}
	p.mu.Unlock()

	if err == nil {
		metrics.WorkerTasks.WithLabelValues(t.kind, "succeeded").Inc()
		slog.Debug("task succeeded", "task_id", t.id, "kind", t.kind,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}

	metrics.WorkerTasks.WithLabelValues(t.kind, "failed").Inc()
	slog.Error("task failed", "task_id", t.id, "kind", t.kind, "error", err)
	if p.dead == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dl := &DeadLetter{TaskID: t.id, Kind: t.kind, Payload: t.payload, Error: err.Error()}
	if err := p.dead.Add(ctx, dl); err != nil {
		slog.Error("failed to spool dead letter", "task_id", t.id, "kind", t.kind, "error", err)
	}
}

// invoke runs the handler with a timeout, converting panics into errors.
func (p *Pool) invoke(h Handler, t task) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("task panic recovered", "task_id", t.id, "kind", t.kind,
				"panic", rv, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rv)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()
	return h(ctx, t.payload)
}
