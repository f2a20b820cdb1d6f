// Package scheduler is Aurelia's Task Scheduler (spec §4.5): a priority
// queue keyed by (scheduled_at, priority), a bounded worker pool, and a
// handler registry dispatched by kind.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tricorefile/aurelia/internal/events"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/metrics"
	"github.com/tricorefile/aurelia/internal/store"
	"github.com/tricorefile/aurelia/internal/types"
)

// Handler runs one task's work under ctx, which is cancelled if the
// task's timeout expires or the task is cancelled.
type Handler func(ctx context.Context, task *types.Task) error

// Config configures a Scheduler.
type Config struct {
	Store   store.Store
	Bus     *events.Bus
	Workers int // bounded worker pool, default 5, spec §4.5 "Worker pool"

	BackoffBase time.Duration
	BackoffCap  time.Duration

	PollInterval time.Duration
}

// Scheduler runs the priority queue and worker pool of spec §4.5. The
// queue lives in memory; Store is the durable record consulted for
// dependency state.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    taskHeap
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc
}

// New builds a Scheduler with spec defaults applied.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		handlers: map[string]Handler{},
		cancels:  map[string]context.CancelFunc{},
	}
}

// RegisterHandler populates the Custom(name) dispatch registry (spec
// §4.5 "Handlers ... populated at startup"). Built-in kinds
// (health_check, replication_check, backup, cleanup) are registered the
// same way by the engine at startup.
func (s *Scheduler) RegisterHandler(kind types.TaskKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind.Name] = h
}

// Enqueue adds a task to the priority queue and persists it.
func (s *Scheduler) Enqueue(task *types.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.State == "" {
		task.State = types.TaskReady
	}
	if err := s.cfg.Store.PutTask(task); err != nil {
		return err
	}
	s.mu.Lock()
	heap.Push(&s.queue, task)
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.mu.Unlock()
	return nil
}

// Stats summarizes queue state for the Decision Maker's Context (spec §3
// TaskStats).
func (s *Scheduler) Stats() types.TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := types.TaskStats{}
	now := time.Now()
	for _, t := range s.queue {
		switch t.State {
		case types.TaskReady:
			stats.Pending++
			if t.ScheduledAt.Before(now) {
				stats.Overdue++
			}
		case types.TaskRunning:
			stats.Running++
		case types.TaskFailed:
			stats.Failed++
		}
	}
	return stats
}

// Cancel implements spec §4.5 "Cancellation": a Ready task is removed
// without propagating failure; a Running task's context is cancelled and
// must surrender within its timeout.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[taskID]; ok {
		cancel()
		return
	}
	for i, t := range s.queue {
		if t.ID == taskID && t.State == types.TaskReady {
			heap.Remove(&s.queue, i)
			t.State = types.TaskCancelled
			s.cfg.Store.PutTask(t)
			metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
			return
		}
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logger := log.WithComponent("scheduler")
	logger.Info().Int("workers", s.cfg.Workers).Msg("task scheduler starting")

	var wg sync.WaitGroup
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			for {
				task := s.popReady()
				if task == nil {
					break
				}
				if err := s.sem.Acquire(ctx, 1); err != nil {
					return
				}
				wg.Add(1)
				go func(t *types.Task) {
					defer wg.Done()
					defer s.sem.Release(1)
					s.runTask(ctx, t)
				}(task)
			}
		}
	}
}

// popReady removes and returns the next Ready task whose dependencies
// are all Completed and whose scheduled_at has arrived, or nil.
func (s *Scheduler) popReady() *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	completed := s.completedSet()

	for i := 0; i < s.queue.Len(); i++ {
		t := s.queue[i]
		if t.State != types.TaskReady {
			continue
		}
		if t.ScheduledAt.After(now) {
			continue
		}
		if !dependenciesMet(t, completed) {
			continue
		}
		heap.Remove(&s.queue, i)
		t.State = types.TaskRunning
		metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
		return t
	}
	return nil
}

func (s *Scheduler) completedSet() map[string]bool {
	set := map[string]bool{}
	tasks, err := s.cfg.Store.ListTasks()
	if err != nil {
		return set
	}
	for _, t := range tasks {
		if t.State == types.TaskCompleted {
			set[t.ID] = true
		}
	}
	return set
}

func dependenciesMet(t *types.Task, completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func (s *Scheduler) runTask(parent context.Context, t *types.Task) {
	logger := log.WithComponent("scheduler").With().Str("task_id", t.ID).Str("kind", t.Kind.Name).Logger()

	s.cfg.Store.PutTask(t)

	ctx, cancel := context.WithTimeout(parent, taskTimeout(t))
	s.mu.Lock()
	s.cancels[t.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, t.ID)
		s.mu.Unlock()
		cancel()
	}()

	handler := s.lookupHandler(t.Kind)
	metrics.TasksScheduled.WithLabelValues(t.Kind.Name).Inc()

	timer := metrics.NewTimer()
	var err error
	if handler == nil {
		err = errNoHandler(t.Kind.Name)
	} else {
		err = handler(ctx, t)
	}
	timer.ObserveDurationVec(metrics.TaskHandlerDuration, t.Kind.Name)

	if ctx.Err() == context.Canceled && parent.Err() == nil {
		t.State = types.TaskCancelled
		s.cfg.Store.PutTask(t)
		logger.Info().Msg("task cancelled")
		return
	}

	if err == nil {
		s.onSuccess(t, logger)
		return
	}

	t.LastError = err.Error()
	t.AttemptCount++
	if t.AttemptCount < t.MaxRetries {
		delay := backoffFor(s.cfg.BackoffBase, s.cfg.BackoffCap, t.AttemptCount)
		t.State = types.TaskReady
		t.ScheduledAt = time.Now().Add(delay)
		s.cfg.Store.PutTask(t)
		s.mu.Lock()
		heap.Push(&s.queue, t)
		metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
		s.mu.Unlock()
		logger.Warn().Err(err).Dur("retry_after", delay).Int("attempt", t.AttemptCount).Msg("task failed, retrying")
		return
	}

	t.State = types.TaskFailed
	s.cfg.Store.PutTask(t)
	metrics.TasksFailed.WithLabelValues(t.Kind.Name).Inc()
	logger.Error().Err(err).Msg("task exhausted retries")
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(events.Event{Kind: events.KindTaskFailed, At: time.Now(), Message: t.ID})
	}
	s.propagateFailure(t.ID, logger)
}



// onSuccess marks a task Completed and, if Recurring, enqueues the next
// occurrence with scheduled_at advanced by the recurrence period (spec
// §4.5 "Recurring tasks").
func (s *Scheduler) onSuccess(t *types.Task, logger zerolog.Logger) {
	t.State = types.TaskCompleted
	s.cfg.Store.PutTask(t)
	logger.Info().Msg("task completed")

	if t.Recurring <= 0 {
		return
	}

	next := &types.Task{
		ID:           uuid.NewString(),
		Kind:         t.Kind,
		Priority:     t.Priority,
		ScheduledAt:  t.ScheduledAt.Add(t.Recurring),
		Dependencies: nil,
		MaxRetries:   t.MaxRetries,
		Timeout:      t.Timeout,
		State:        types.TaskReady,
		Recurring:    t.Recurring,
	}
	if err := s.Enqueue(next); err != nil {
		logger.Error().Err(err).Msg("failed to re-enqueue recurring task")
	}
}

func errNoHandler(name string) error {
	return &noHandlerError{name}
}

type noHandlerError struct{ name string }

func (e *noHandlerError) Error() string { return "no handler registered for task kind " + e.name }

func backoffFor(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > cap {
			return cap
		}
	}
	return d
}

func taskTimeout(t *types.Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 5 * time.Minute
}

func (s *Scheduler) lookupHandler(kind types.TaskKind) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[kind.Name]
}

// propagateFailure implements spec §4.5's mandatory dependency-failure
// propagation: any Ready task that lists a now-Failed task as a
// dependency is itself transitioned to Failed, recursively.
func (s *Scheduler) propagateFailure(failedID string, logger zerolog.Logger) {
	tasks, err := s.cfg.Store.ListTasks()
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.State != types.TaskReady {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == failedID {
				t.State = types.TaskFailed
				t.LastError = "dependency " + failedID + " failed"
				s.cfg.Store.PutTask(t)
				s.failQueuedTask(t.ID)
				metrics.TasksFailed.WithLabelValues(t.Kind.Name).Inc()
				s.propagateFailure(t.ID, logger)
				break
			}
		}
	}
}

// failQueuedTask removes the heap-resident task matching id, if still
// present. Store.PutTask/ListTasks round-trip every task through
// encoding/json (store.go), so the *types.Task propagateFailure just
// saved is never the same object as the one still sitting in s.queue;
// dependenciesMet only treats Completed dependencies as satisfied, so
// without this the heap copy would stay Ready forever — popReady would
// never select it (its dependency never completes) and it would never
// be removed, leaking one heap entry per propagated failure across
// ticks (spec §1 "must survive repeated decision ticks without
// leaking resources").
func (s *Scheduler) failQueuedTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.queue {
		if t.ID == id {
			t.State = types.TaskFailed
			heap.Remove(&s.queue, i)
			metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
			return
		}
	}
}
