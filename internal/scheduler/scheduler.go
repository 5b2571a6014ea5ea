package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sevir/capataz/internal/broker"
	"github.com/sevir/capataz/internal/store"
	"github.com/sevir/capataz/pkg/models"
)

// DefaultMaxParallel bounds how many assistant processes run at once when the
// config leaves it unset.
const DefaultMaxParallel = 2

// DefaultStopGrace is how long a cancelled process gets between SIGTERM and
// SIGKILL.
const DefaultStopGrace = 5 * time.Second

const defaultNudgeInterval = 30 * time.Second

// ProxyStopper lets Dispose tear down provider proxy listeners along with the
// task fleet.
type ProxyStopper interface {
	StopAll()
}

// Config assembles a Scheduler's collaborators and tuning.
type Config struct {
	MaxParallel       int
	Storage           store.Storage
	Broker            *broker.Broker
	Logger            *slog.Logger
	Proxies           ProxyStopper
	BatchWindow       time.Duration
	PermissionTimeout time.Duration
	EnforcerAttempts  int
	NudgeAfter        time.Duration
	StopGrace         time.Duration
}

// Scheduler runs tasks up to MaxParallel at a time and queues the rest FIFO.
type Scheduler struct {
	logger            *slog.Logger
	storage           store.Storage
	broker            *broker.Broker
	proxies           ProxyStopper
	maxParallel       int
	batchWindow       time.Duration
	permissionTimeout time.Duration
	enforcerAttempts  int
	nudgeAfter        time.Duration
	nudgeInterval     time.Duration
	stopGrace         time.Duration

	mu     sync.Mutex
	active map[string]*runningTask
	queue  []*runningTask
	closed bool
}

// New builds a Scheduler. Storage and Broker are required; zero tuning values
// take defaults.
func New(cfg Config) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = broker.DefaultTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:            logger,
		storage:           cfg.Storage,
		broker:            cfg.Broker,
		proxies:           cfg.Proxies,
		maxParallel:       cfg.MaxParallel,
		batchWindow:       cfg.BatchWindow,
		permissionTimeout: cfg.PermissionTimeout,
		enforcerAttempts:  cfg.EnforcerAttempts,
		nudgeAfter:        cfg.NudgeAfter,
		nudgeInterval:     defaultNudgeInterval,
		stopGrace:         cfg.StopGrace,
	}
}

// StartTask registers a task and either launches it immediately or enqueues
// it when all slots are busy. It returns once the task is running or queued;
// later promotion is reported through OnStatusChange. Availability and
// working-directory problems are reported synchronously.
func (s *Scheduler) StartTask(ctx context.Context, id string, cfg models.TaskConfig, adapter Adapter, cb Callbacks) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bs, ok := adapter.(BeforeStarter); ok {
		if err := bs.BeforeStart(id); err != nil {
			return nil, fmt.Errorf("adapter setup: %w", err)
		}
	}
	if cfg.WorkDir != "" {
		if info, err := os.Stat(cfg.WorkDir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("working directory %s not usable", cfg.WorkDir)
		}
	}
	// Check availability up front so even a queued task fails synchronously
	// when the CLI is missing, not minutes later at promotion time.
	if _, err := exec.LookPath(adapter.CLICommand()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCLIUnavailable, adapter.CLICommand())
	}

	task := &models.Task{
		ID:        id,
		Prompt:    cfg.Prompt,
		WorkDir:   cfg.WorkDir,
		Status:    models.TaskStatusQueued,
		SessionID: cfg.ResumeSessionID,
		Model:     cfg.Model,
		CreatedAt: time.Now(),
	}
	rt := &runningTask{task: task, cfg: cfg, adapter: adapter, cb: cb}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if _, exists := s.active[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	for _, q := range s.queue {
		if q.task.ID == id {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
	}
	if s.active == nil {
		s.active = make(map[string]*runningTask)
	}

	if err := s.storage.SaveTask(task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if len(s.runningLocked()) >= s.maxParallel {
		s.queue = append(s.queue, rt)
		s.active[id] = rt
		s.logger.Info("task queued", "task", id, "position", len(s.queue))
		return task, nil
	}

	s.active[id] = rt
	if err := s.spawn(rt); err != nil {
		delete(s.active, id)
		task.Status = models.TaskStatusFailed
		task.Error = err.Error()
		_ = s.storage.SaveTask(task)
		return nil, err
	}
	return task, nil
}

// runningLocked counts tasks that hold a process slot. Tasks parked in
// waiting_for_input do not.
func (s *Scheduler) runningLocked() []*runningTask {
	var running []*runningTask
	for _, rt := range s.active {
		if rt.status() == models.TaskStatusRunning {
			running = append(running, rt)
		}
	}
	return running
}

// promoteLocked launches queued tasks while slots are free. Caller holds the
// scheduler lock.
func (s *Scheduler) promoteLocked() {
	for len(s.queue) > 0 && len(s.runningLocked()) < s.maxParallel && !s.closed {
		rt := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.spawn(rt); err != nil {
			s.logger.Error("queued task failed to start", "task", rt.task.ID, "error", err)
			rt.mu.Lock()
			rt.task.Status = models.TaskStatusFailed
			rt.task.Error = err.Error()
			rt.mu.Unlock()
			_ = s.storage.SaveTask(rt.snapshot())
			delete(s.active, rt.task.ID)
			rt.cb.statusChange(rt.task.ID, models.TaskStatusFailed)
			if rt.cb.OnError != nil {
				rt.cb.OnError(rt.task.ID, err)
			}
			continue
		}
	}
}

// CancelTask terminates a task and discards its session. Queued tasks are
// removed from the queue; running tasks get SIGTERM, then SIGKILL after the
// grace period. Cancelling a finished task is a no-op.
func (s *Scheduler) CancelTask(id string) error {
	s.mu.Lock()
	rt, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		if task, err := s.storage.GetTask(id); err == nil && task.Status.IsTerminal() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	// Still queued: drop it before it ever runs.
	for i, q := range s.queue {
		if q.task.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			delete(s.active, id)
			s.mu.Unlock()
			s.discardQueued(rt)
			s.logger.Info("queued task cancelled", "task", id)
			return nil
		}
	}

	rt.mu.Lock()
	cmd := rt.cmd
	done := rt.done
	rt.cancelled = true
	rt.mu.Unlock()
	s.mu.Unlock()

	if cmd == nil {
		// Parked in waiting_for_input: no process, settle directly.
		s.settleSuspended(rt, models.TaskStatusCancelled)
		return nil
	}

	s.logger.Info("cancelling task", "task", id)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(s.stopGrace):
		s.logger.Warn("task ignored SIGTERM, killing", "task", id)
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// InterruptTask pauses a running task with SIGINT, preserving its session so
// the caller can resume it with SendResponse. Interrupting a task that is not
// running is a no-op for waiting tasks and an error for unknown ids.
func (s *Scheduler) InterruptTask(id string) error {
	s.mu.Lock()
	rt, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	rt.mu.Lock()
	cmd := rt.cmd
	done := rt.done
	if cmd != nil {
		rt.interrupt = true
	}
	rt.mu.Unlock()
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	s.logger.Info("interrupting task", "task", id)
	_ = cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-done:
	case <-time.After(s.stopGrace):
		s.logger.Warn("task ignored SIGINT, killing", "task", id)
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// CancelQueuedTask removes a task from the queue before it starts. It
// reports false when the task already left the queue.
func (s *Scheduler) CancelQueuedTask(id string) bool {
	s.mu.Lock()
	for i, rt := range s.queue {
		if rt.task.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			delete(s.active, id)
			s.mu.Unlock()
			s.discardQueued(rt)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// discardQueued settles a task that was removed from the queue before it
// ever ran.
func (s *Scheduler) discardQueued(rt *runningTask) {
	now := time.Now()
	rt.mu.Lock()
	rt.task.Status = models.TaskStatusCancelled
	rt.task.CompletedAt = &now
	rt.mu.Unlock()
	_ = s.storage.SaveTask(rt.snapshot())
	rt.cb.statusChange(rt.task.ID, models.TaskStatusCancelled)
}

// SendResponse forwards user text to a task. A running task receives it on
// stdin; a task parked in waiting_for_input is relaunched with its preserved
// session, re-entering the queue if all slots are busy.
func (s *Scheduler) SendResponse(id, text string) error {
	s.mu.Lock()
	rt, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if rt.status() == models.TaskStatusWaitingForInput {
		rt.mu.Lock()
		rt.cfg.ResumeSessionID = rt.task.SessionID
		rt.cfg.Prompt = text
		rt.mu.Unlock()
		if len(s.runningLocked()) >= s.maxParallel {
			s.queue = append(s.queue, rt)
			s.mu.Unlock()
			s.setStatus(rt, models.TaskStatusQueued)
			return nil
		}
		err := s.spawn(rt)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	msg := models.Message{Role: models.RoleUser, Content: text, CreatedAt: time.Now()}
	rt.mu.Lock()
	rt.task.Messages = append(rt.task.Messages, msg)
	rt.mu.Unlock()
	if err := s.storage.AddTaskMessage(id, msg); err != nil {
		s.logger.Warn("persist message", "task", id, "error", err)
	}
	return rt.writeInput(childInput{Type: "user_message", Text: text})
}

// settleSuspended finalizes a task that has no live process. Terminal
// callbacks fire the same way the process-exit path fires them.
func (s *Scheduler) settleSuspended(rt *runningTask, status models.TaskStatus) {
	s.broker.ClearTask(rt.task.ID)
	now := time.Now()
	rt.mu.Lock()
	rt.task.CompletedAt = &now
	if status == models.TaskStatusCancelled {
		rt.task.SessionID = ""
	}
	rt.mu.Unlock()
	s.setStatus(rt, status)
	_ = s.storage.SaveTask(rt.snapshot())

	s.mu.Lock()
	delete(s.active, rt.task.ID)
	s.promoteLocked()
	s.mu.Unlock()

	if status.IsTerminal() && rt.cb.OnComplete != nil {
		rt.cb.OnComplete(rt.snapshot())
	}
}

// IsTaskRunning reports whether the task currently holds a process slot.
func (s *Scheduler) IsTaskRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.active[id]
	return ok && rt.status() == models.TaskStatusRunning
}

// HasActiveTask reports whether any task is running, waiting or queued.
func (s *Scheduler) HasActiveTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// GetQueuePosition returns the 1-based position of a queued task, or 0 when
// the task is not queued.
func (s *Scheduler) GetQueuePosition(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q.task.ID == id {
			return i + 1
		}
	}
	return 0
}

// GetQueueLength returns how many tasks wait for a slot.
func (s *Scheduler) GetQueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// GetActiveTaskIDs lists running and waiting task ids.
func (s *Scheduler) GetActiveTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// GetActiveTaskCount returns how many tasks are running or waiting.
func (s *Scheduler) GetActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// GetSessionID returns the task's provider session id, empty until the init
// event confirms one.
func (s *Scheduler) GetSessionID(id string) (string, error) {
	s.mu.Lock()
	if rt, ok := s.active[id]; ok {
		rt.mu.Lock()
		sid := rt.task.SessionID
		rt.mu.Unlock()
		s.mu.Unlock()
		return sid, nil
	}
	s.mu.Unlock()
	task, err := s.storage.GetTask(id)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.SessionID, nil
}

// GetTask returns a copy of the live task when active, falling back to
// storage. The supervision goroutine keeps mutating the live value, so the
// boundary only ever hands out snapshots.
func (s *Scheduler) GetTask(id string) (*models.Task, error) {
	s.mu.Lock()
	if rt, ok := s.active[id]; ok {
		s.mu.Unlock()
		return rt.snapshot(), nil
	}
	s.mu.Unlock()
	task, err := s.storage.GetTask(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, nil
}

// CancelAllTasks cancels everything: queued tasks are dropped, running tasks
// are terminated, pending broker requests resolve to their safe defaults.
func (s *Scheduler) CancelAllTasks() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	var ids []string
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, rt := range queued {
		s.mu.Lock()
		delete(s.active, rt.task.ID)
		s.mu.Unlock()
		s.discardQueued(rt)
	}
	for _, id := range ids {
		if err := s.CancelTask(id); err != nil && !errors.Is(err, ErrTaskNotFound) {
			s.logger.Warn("cancel during shutdown", "task", id, "error", err)
		}
	}
	s.broker.ClearAll()
}

// Dispose cancels all tasks, stops proxy listeners and rejects further
// starts. Safe to call more than once.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAllTasks()
	if s.proxies != nil {
		s.proxies.StopAll()
	}
	s.logger.Info("scheduler disposed")
}
