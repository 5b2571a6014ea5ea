// Package scheduler owns the task queue, spawns and supervises assistant CLI
// processes through the Adapter contract, and wires the stream parser,
// completion enforcer and permission broker together per task.
package scheduler

import (
	"errors"

	"github.com/sevir/capataz/internal/broker"
	"github.com/sevir/capataz/pkg/models"
)

var (
	// ErrTaskNotFound is returned when an operation targets an id that was
	// never started.
	ErrTaskNotFound = errors.New("task not found")

	// ErrCLIUnavailable is returned synchronously when the adapter's CLI
	// command cannot be resolved, before any process is spawned.
	ErrCLIUnavailable = errors.New("assistant CLI not available")

	// ErrSchedulerClosed is returned after Dispose.
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrDuplicateTask is returned when a task id is already active or
	// queued.
	ErrDuplicateTask = errors.New("task id already in use")
)

// Adapter supplies the command, environment and arguments used to launch the
// assistant process for a task. Callers inject it so the scheduler stays
// agnostic of any particular CLI.
type Adapter interface {
	CLICommand() string
	BuildEnvironment(taskID string) []string
	BuildCLIArgs(cfg models.TaskConfig, taskID string) []string
}

// BeforeStarter is an optional Adapter hook invoked before the availability
// check and spawn.
type BeforeStarter interface {
	BeforeStart(taskID string) error
}

// Callbacks is the caller-facing event surface for one task. Nil entries are
// skipped. All invocations for a task are ordered; text deltas arrive
// coalesced per the batching window. Callbacks run on scheduler goroutines
// and must not call back into the Scheduler synchronously.
type Callbacks struct {
	OnMessage           func(taskID string, msg models.Message)
	OnProgress          func(taskID string, text string)
	OnPermissionRequest func(req broker.Request)
	OnComplete          func(task *models.Task)
	OnError             func(taskID string, err error)
	OnStatusChange      func(taskID string, status models.TaskStatus)
	OnDebug             func(taskID string, msg string)
	OnTodoUpdate        func(taskID string, todos []models.TodoItem)
	OnAuthError         func(taskID string, detail string)
}

func (c Callbacks) message(taskID string, msg models.Message) {
	if c.OnMessage != nil {
		c.OnMessage(taskID, msg)
	}
}

func (c Callbacks) progress(taskID, text string) {
	if c.OnProgress != nil {
		c.OnProgress(taskID, text)
	}
}

func (c Callbacks) statusChange(taskID string, status models.TaskStatus) {
	if c.OnStatusChange != nil {
		c.OnStatusChange(taskID, status)
	}
}

func (c Callbacks) debug(taskID, msg string) {
	if c.OnDebug != nil {
		c.OnDebug(taskID, msg)
	}
}

func (c Callbacks) todoUpdate(taskID string, todos []models.TodoItem) {
	if c.OnTodoUpdate != nil {
		c.OnTodoUpdate(taskID, todos)
	}
}
