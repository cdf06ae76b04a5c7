package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/praxis/internal/observability"
)

// Runner executes a due task and returns its textual output. Implemented by
// the orchestrator: reminders go straight to the chat, agent tasks run the
// full reasoning pipeline first.
type Runner interface {
	Execute(ctx context.Context, task *Task) (string, error)
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often due tasks are scanned. Default 2s.
	TickInterval time.Duration

	// AdvanceSeconds fires tasks this many seconds early so dispatch and
	// delivery latency do not make reminders late. Default 20.
	AdvanceSeconds int

	// MaxConcurrent bounds simultaneously running tasks. Default 5.
	MaxConcurrent int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics attaches the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the task table and the tick loop.
type Scheduler struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	running    map[string]bool
	executions []Execution

	store   *Store
	runner  Runner
	cfg     Config
	advance time.Duration
	sem     chan struct{}

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New loads persisted tasks, reconciles schedules missed while the process
// was down, and returns a stopped scheduler. Start launches the tick loop.
//
// Catch-up policy: a once task whose time passed is marked completed and
// disabled without firing; a recurring task gets its next run recomputed no
// earlier than one minute from now, so a restart does not unleash a burst.
func New(store *Store, runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.AdvanceSeconds < 0 {
		cfg.AdvanceSeconds = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}

	s := &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]bool),
		store:   store,
		runner:  runner,
		cfg:     cfg,
		advance: time.Duration(cfg.AdvanceSeconds) * time.Second,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	tasks, err := store.LoadTasks()
	if err != nil {
		return nil, err
	}
	execs, err := store.LoadExecutions()
	if err != nil {
		return nil, err
	}
	s.executions = execs

	now := s.now()
	floor := now.Add(time.Minute)
	for _, t := range tasks {
		// Interrupted mid-run last time; put it back on the schedule.
		if t.Status == StatusRunning {
			t.Status = StatusScheduled
		}
		if t.Enabled && t.NextRun != nil && t.NextRun.Before(now) {
			s.catchUp(t, floor)
		}
		s.tasks[t.ID] = t
	}
	if err := s.persistTasks(); err != nil {
		return nil, err
	}

	s.logger.Info("scheduler loaded", "tasks", len(s.tasks))
	return s, nil
}

// catchUp reconciles a task whose scheduled run passed while the process was
// down.
func (s *Scheduler) catchUp(t *Task, floor time.Time) {
	if t.TriggerType == TriggerOnce {
		t.Status = StatusCompleted
		t.Enabled = false
		t.NextRun = nil
		t.UpdatedAt = s.now()
		s.logger.Warn("missed one-shot task marked completed", "task", t.ID, "name", t.Name)
		return
	}
	trigger, err := BuildTrigger(t)
	if err != nil {
		t.Status = StatusFailed
		t.Enabled = false
		t.UpdatedAt = s.now()
		s.logger.Error("task trigger invalid on load", "task", t.ID, "error", err)
		return
	}
	next, ok := trigger.NextRun(floor, t.LastRun)
	if !ok {
		t.Status = StatusCompleted
		t.Enabled = false
		t.NextRun = nil
	} else {
		if next.Before(floor) {
			next = floor
		}
		t.NextRun = &next
		t.Status = StatusScheduled
	}
	t.UpdatedAt = s.now()
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		"tick", s.cfg.TickInterval, "advance_seconds", s.cfg.AdvanceSeconds)
	return nil
}

// Stop halts the tick loop and waits for in-flight task runs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans for due tasks and dispatches them. A task is due when the clock
// has reached its next run minus the advance window. The running mark is set
// under the lock before dispatch, so a slow run can never double-fire.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if !t.Enabled || t.NextRun == nil || s.running[t.ID] {
			continue
		}
		if t.Status != StatusScheduled && t.Status != StatusPending {
			continue
		}
		if now.Before(t.NextRun.Add(-s.advance)) {
			continue
		}
		s.running[t.ID] = true
		t.Status = StatusRunning
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		s.wg.Add(1)
		go s.execute(ctx, t)
	}
}

// execute runs one due task through the runner and applies the outcome.
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.stop:
		s.mu.Lock()
		delete(s.running, t.ID)
		t.Status = StatusScheduled
		s.mu.Unlock()
		return
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.running, t.ID)
		t.Status = StatusScheduled
		s.mu.Unlock()
		return
	}

	started := s.now()
	output, err := s.runner.Execute(ctx, t.Clone())
	finished := s.now()

	exec := Execution{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		TaskName:   t.Name,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Success:    err == nil,
		Output:     output,
	}
	if err != nil {
		exec.Error = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, t.ID)
	t.LastRun = &started
	t.RunCount++
	t.UpdatedAt = finished

	status := "success"
	if err == nil {
		t.FailCount = 0
		s.advanceSchedule(t, finished)
	} else {
		status = "failure"
		t.FailCount++
		s.logger.Error("task run failed",
			"task", t.ID, "name", t.Name, "fail_count", t.FailCount, "error", err)
		if t.FailCount >= maxFailures {
			// Quarantine: stop retrying until a human re-enables it.
			t.Status = StatusFailed
			t.Enabled = false
			t.NextRun = nil
			s.logger.Warn("task quarantined after repeated failures",
				"task", t.ID, "name", t.Name)
		} else if t.TriggerType == TriggerOnce {
			// A failed one-shot keeps its fire time: the next tick retries
			// it until it succeeds or quarantines.
			t.Status = StatusScheduled
		} else {
			s.advanceSchedule(t, finished)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordSchedulerRun(string(t.TaskType), status)
	}

	s.executions = append(s.executions, exec)
	if len(s.executions) > maxExecutions {
		s.executions = s.executions[len(s.executions)-maxExecutions:]
	}
	if err := s.store.SaveExecutions(s.executions); err != nil {
		s.logger.Error("persist executions failed", "error", err)
	}
	if err := s.persistTasksLocked(); err != nil {
		s.logger.Error("persist tasks failed", "error", err)
	}
}

// advanceSchedule recomputes the task's next run after a completed run, or
// retires it. Caller holds the lock.
func (s *Scheduler) advanceSchedule(t *Task, now time.Time) {
	if t.TriggerType == TriggerOnce {
		t.Status = StatusCompleted
		t.Enabled = false
		t.NextRun = nil
		return
	}
	trigger, err := BuildTrigger(t)
	if err != nil {
		t.Status = StatusFailed
		t.Enabled = false
		t.NextRun = nil
		s.logger.Error("task trigger invalid", "task", t.ID, "error", err)
		return
	}
	next, ok := trigger.NextRun(now, t.LastRun)
	if !ok {
		t.Status = StatusCompleted
		t.Enabled = false
		t.NextRun = nil
		return
	}
	t.NextRun = &next
	t.Status = StatusScheduled
}

// Add validates and registers a task, computing its first run.
func (s *Scheduler) Add(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		return fmt.Errorf("cron: task name required")
	}
	if t.TaskType == "" {
		t.TaskType = TaskReminder
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	trigger, err := BuildTrigger(t)
	if err != nil {
		return err
	}
	next, ok := trigger.NextRun(now, nil)
	if !ok {
		return fmt.Errorf("cron: task %s would never fire", t.ID)
	}
	t.NextRun = &next
	t.Enabled = true
	t.Status = StatusScheduled

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("cron: task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t
	s.logger.Info("task added",
		"task", t.ID, "name", t.Name, "trigger", t.TriggerType, "next_run", next)
	return s.persistTasksLocked()
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks, newest first.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Remove deletes a task. System tasks (Deletable false) can only be
// disabled.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("cron: task %s not found", id)
	}
	if !t.Deletable {
		return fmt.Errorf("cron: task %s is a system task and can only be disabled", id)
	}
	delete(s.tasks, id)
	s.logger.Info("task removed", "task", id, "name", t.Name)
	return s.persistTasksLocked()
}

// Enable re-arms a task, clearing any failure quarantine.
func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("cron: task %s not found", id)
	}
	trigger, err := BuildTrigger(t)
	if err != nil {
		return err
	}
	next, nextOK := trigger.NextRun(s.now(), t.LastRun)
	if !nextOK {
		return fmt.Errorf("cron: task %s would never fire again", id)
	}
	t.Enabled = true
	t.FailCount = 0
	t.Status = StatusScheduled
	t.NextRun = &next
	t.UpdatedAt = s.now()
	return s.persistTasksLocked()
}

// Disable takes a task off the schedule without deleting it.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("cron: task %s not found", id)
	}
	t.Enabled = false
	t.Status = StatusDisabled
	t.NextRun = nil
	t.UpdatedAt = s.now()
	return s.persistTasksLocked()
}

// Executions returns the most recent execution records, newest last.
func (s *Scheduler) Executions(limit int) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	execs := s.executions
	if limit > 0 && len(execs) > limit {
		execs = execs[len(execs)-limit:]
	}
	return append([]Execution(nil), execs...)
}

func (s *Scheduler) persistTasks() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistTasksLocked()
}

func (s *Scheduler) persistTasksLocked() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	return s.store.SaveTasks(tasks)
}
