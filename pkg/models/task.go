// Package models defines the core domain types for the capataz orchestrator.
package models

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued          TaskStatus = "queued"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusWaitingForInput TaskStatus = "waiting_for_input"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusBlocked         TaskStatus = "blocked"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusBlocked, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Transitions are monotonic except waiting_for_input <-> running,
// which is reversible so an interrupted task can be resumed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusCancelled || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusWaitingForInput || next.IsTerminal()
	case TaskStatusWaitingForInput:
		// Resuming may have to wait for a free slot.
		return next == TaskStatusRunning || next == TaskStatusQueued || next.IsTerminal()
	}
	return false
}

// MessageRole identifies the origin of a task message.
type MessageRole string

const (
	RoleAssistant MessageRole = "assistant"
	RoleUser      MessageRole = "user"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// Message is one entry in a task's ordered conversation transcript.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	ToolName  string      `json:"tool_name,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TodoState represents the state of a single checklist item.
type TodoState string

const (
	TodoPending    TodoState = "pending"
	TodoInProgress TodoState = "in_progress"
	TodoCompleted  TodoState = "completed"
	TodoCancelled  TodoState = "cancelled"
)

// Open reports whether the item still gates a success declaration.
func (s TodoState) Open() bool {
	return s != TodoCompleted && s != TodoCancelled
}

// TodoItem is a checklist entry the assistant maintains for a task.
type TodoItem struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       TodoState `json:"state"`
}

// ResultStatus is the assistant's self-reported terminal status.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultBlocked ResultStatus = "blocked"
)

// ValidResultStatus checks a declared status against the known set.
func ValidResultStatus(s ResultStatus) bool {
	return s == ResultSuccess || s == ResultPartial || s == ResultBlocked
}

// TaskResult carries the assistant's completion declaration.
type TaskResult struct {
	Status     ResultStatus `json:"status"`
	Summary    string       `json:"summary,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

// Task represents one supervised run of the external assistant process.
type Task struct {
	ID          string      `json:"id"`
	Prompt      string      `json:"prompt"`
	WorkDir     string      `json:"work_dir"`
	Status      TaskStatus  `json:"status"`
	SessionID   string      `json:"session_id,omitempty"`
	Messages    []Message   `json:"messages,omitempty"`
	Todos       []TodoItem  `json:"todos,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Model       string      `json:"model,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns an independent copy of the task. Callers holding live
// runtime state hand out clones so readers never see in-place mutation.
func (t *Task) Clone() *Task {
	c := *t
	if t.Messages != nil {
		c.Messages = append([]Message(nil), t.Messages...)
	}
	if t.Todos != nil {
		c.Todos = append([]TodoItem(nil), t.Todos...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.ExitCode != nil {
		ec := *t.ExitCode
		c.ExitCode = &ec
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsRunning returns true if the task is currently running.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// OpenTodos returns the checklist items that still gate completion.
func (t *Task) OpenTodos() []TodoItem {
	var open []TodoItem
	for _, item := range t.Todos {
		if item.State.Open() {
			open = append(open, item)
		}
	}
	return open
}

// Duration is a wrapper around time.Duration for JSON marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// TaskConfig describes how a task should be started.
type TaskConfig struct {
	Prompt          string   `json:"prompt"`
	WorkDir         string   `json:"work_dir,omitempty"`
	Model           string   `json:"model,omitempty"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	Timeout         Duration `json:"timeout,omitempty"`
	ExtraArgs       []string `json:"extra_args,omitempty"`
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID          string       `json:"id"`
	Prompt      string       `json:"prompt"`
	Status      TaskStatus   `json:"status"`
	Result      ResultStatus `json:"result,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Duration    string       `json:"duration,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:          t.ID,
		Prompt:      truncateString(t.Prompt, 100),
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Result != nil {
		summary.Result = t.Result.Status
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		summary.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
