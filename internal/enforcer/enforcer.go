// Package enforcer validates the assistant's self-reported completion
// declarations against its outstanding checklist before accepting them.
package enforcer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sevir/capataz/pkg/models"
)

// State is the enforcement state machine position for one task.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingDeclaration State = "awaiting_declaration"
	StateValidating          State = "validating"
	StateAccepted            State = "accepted"
	StateRejectedRetry       State = "rejected_retry"
)

// DefaultMaxAttempts caps how many times a success declaration may be
// rejected for open todos before it is accepted unconditionally.
const DefaultMaxAttempts = 3

// DefaultNudgeAfter is how long a task may sit without a declaration before
// a neutral reminder is injected.
const DefaultNudgeAfter = 5 * time.Minute

// Decision is the outcome of evaluating a completion declaration.
type Decision struct {
	Accepted    bool
	Forced      bool
	Instruction string
	Result      *models.TaskResult
}

// Config tunes one Enforcer.
type Config struct {
	MaxAttempts int
	NudgeAfter  time.Duration
}

// Enforcer holds per-task enforcement state. One instance per task; safe for
// use from the stream goroutine and the reminder ticker concurrently.
type Enforcer struct {
	logger *slog.Logger
	taskID string

	mu sync.Mutex

	maxAttempts int
	nudgeAfter  time.Duration

	state          State
	attempts       int
	planRoundDone  bool
	originalPrompt string
	lastActivity   time.Time
}

// New creates an Enforcer in the idle state.
func New(taskID string, cfg Config, logger *slog.Logger) *Enforcer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.NudgeAfter <= 0 {
		cfg.NudgeAfter = DefaultNudgeAfter
	}
	return &Enforcer{
		logger:      logger,
		taskID:      taskID,
		maxAttempts: cfg.MaxAttempts,
		nudgeAfter:  cfg.NudgeAfter,
		state:       StateIdle,
	}
}

// Start arms the machine for a new run, resetting the attempt counter.
func (e *Enforcer) Start(prompt string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateAwaitingDeclaration
	e.attempts = 0
	e.planRoundDone = false
	e.originalPrompt = prompt
	e.lastActivity = time.Now()
}

// State returns the current machine position.
func (e *Enforcer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Attempts returns how many success declarations were rejected so far.
func (e *Enforcer) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// NoteActivity records stream activity, deferring the inactivity reminder.
func (e *Enforcer) NoteActivity() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = time.Now()
}

// Evaluate consumes a terminal-outcome declaration and decides whether to
// accept it. Rejections carry the corrective instruction to replay into the
// conversation.
func (e *Enforcer) Evaluate(result models.TaskResult, todos []models.TodoItem) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateAccepted {
		return Decision{Accepted: true, Result: &result}
	}
	e.state = StateValidating
	e.lastActivity = time.Now()

	switch result.Status {
	case models.ResultBlocked:
		// Blocked is a legitimate terminal outcome. Nothing to enforce.
		e.state = StateAccepted
		e.logger.Info("declaration accepted", "task_id", e.taskID, "status", result.Status)
		return Decision{Accepted: true, Result: &result}

	case models.ResultPartial:
		if !e.planRoundDone {
			e.planRoundDone = true
			e.state = StateRejectedRetry
			e.logger.Info("partial declaration held for continuation plan", "task_id", e.taskID)
			return Decision{Instruction: e.continuationPlanInstruction()}
		}
		// The plan round already happened; accept partial as terminal
		// rather than looping.
		e.state = StateAccepted
		e.logger.Info("partial declaration accepted after plan round", "task_id", e.taskID)
		return Decision{Accepted: true, Result: &result}

	case models.ResultSuccess:
		open := openTodos(todos)
		if len(open) == 0 {
			e.state = StateAccepted
			e.logger.Info("declaration accepted", "task_id", e.taskID, "status", result.Status)
			return Decision{Accepted: true, Result: &result}
		}
		if e.attempts >= e.maxAttempts {
			e.state = StateAccepted
			e.logger.Warn("declaration force-accepted at attempt cap",
				"task_id", e.taskID, "attempts", e.attempts, "open_todos", len(open))
			return Decision{Accepted: true, Forced: true, Result: &result}
		}
		e.attempts++
		e.state = StateRejectedRetry
		e.logger.Info("success declaration rejected for open todos",
			"task_id", e.taskID, "attempt", e.attempts, "open_todos", len(open))
		return Decision{Instruction: e.correctiveInstruction(open)}

	default:
		// Unknown statuses never reach here via the parser, but a direct
		// caller gets a rejection rather than silent acceptance.
		e.state = StateRejectedRetry
		return Decision{Instruction: fmt.Sprintf(
			"The declared result status %q is not recognized. Declare one of: success, partial, blocked.", result.Status)}
	}
}

// Resume rearms the machine after a rejection was replayed into the
// conversation.
func (e *Enforcer) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRejectedRetry {
		e.state = StateAwaitingDeclaration
		e.lastActivity = time.Now()
	}
}

// MaybeNudge returns a neutral reminder when no declaration has arrived for
// the configured period. It rearms itself so reminders do not repeat every
// poll.
func (e *Enforcer) MaybeNudge(now time.Time) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAwaitingDeclaration {
		return "", false
	}
	if now.Sub(e.lastActivity) < e.nudgeAfter {
		return "", false
	}
	e.lastActivity = now
	e.logger.Info("injecting inactivity reminder", "task_id", e.taskID)
	return "Reminder: the task is still open. Continue working and emit a result declaration when the work is finished.", true
}

func (e *Enforcer) correctiveInstruction(open []models.TodoItem) string {
	var b strings.Builder
	b.WriteString("The task was declared successful, but these checklist items are still open:\n")
	for _, item := range open {
		fmt.Fprintf(&b, "- %s (%s)\n", item.Description, item.State)
	}
	b.WriteString("Finish each item, or mark it cancelled with a reason, before declaring success again.")
	return b.String()
}

func (e *Enforcer) continuationPlanInstruction() string {
	var b strings.Builder
	b.WriteString("A partial result was declared. Before re-attempting, produce a continuation plan that:\n")
	b.WriteString("1. restates the original request,\n")
	b.WriteString("2. lists the work already completed,\n")
	b.WriteString("3. lists the remaining work.\n")
	b.WriteString("Then carry out the remaining work.\n")
	if e.originalPrompt != "" {
		b.WriteString("\nOriginal request:\n")
		b.WriteString(e.originalPrompt)
	}
	return b.String()
}

func openTodos(todos []models.TodoItem) []models.TodoItem {
	var open []models.TodoItem
	for _, item := range todos {
		if item.State.Open() {
			open = append(open, item)
		}
	}
	return open
}
