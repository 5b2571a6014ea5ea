package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sevir/capataz/internal/broker"
	"github.com/sevir/capataz/internal/enforcer"
	"github.com/sevir/capataz/internal/stream"
	"github.com/sevir/capataz/pkg/models"
)

// runningTask is the supervision state for one spawned process. A task in
// waiting_for_input keeps its runningTask entry but has no live process.
type runningTask struct {
	task    *models.Task
	cfg     models.TaskConfig
	adapter Adapter
	cb      Callbacks

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	enforcer   *enforcer.Enforcer
	batcher    *stream.Batcher
	done       chan struct{}
	stderrDone chan struct{}
	stderr     tailBuffer
	cancelled  bool
	interrupt  bool
	nudgeStop  chan struct{}
}

// tailBuffer keeps the last chunk of stderr for diagnostics.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
}

const stderrTailLines = 20

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTailLines {
		t.lines = t.lines[len(t.lines)-stderrTailLines:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// child input lines, one JSON object per line on the process stdin.
type childInput struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Allowed   *bool  `json:"allowed,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Answered  *bool  `json:"answered,omitempty"`
}

func (rt *runningTask) writeInput(in childInput) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stdin == nil {
		return fmt.Errorf("task %s: process not accepting input", rt.task.ID)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = rt.stdin.Write(append(data, '\n'))
	return err
}

// spawn starts the adapter process for rt and launches the supervision
// goroutines. Caller holds the scheduler lock.
func (s *Scheduler) spawn(rt *runningTask) error {
	path, err := exec.LookPath(rt.adapter.CLICommand())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCLIUnavailable, rt.adapter.CLICommand())
	}

	args := rt.adapter.BuildCLIArgs(rt.cfg, rt.task.ID)
	cmd := exec.Command(path, args...)
	cmd.Dir = rt.cfg.WorkDir
	cmd.Env = rt.adapter.BuildEnvironment(rt.task.ID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", rt.adapter.CLICommand(), err)
	}

	rt.mu.Lock()
	rt.cmd = cmd
	rt.stdin = stdin
	rt.done = make(chan struct{})
	rt.stderrDone = make(chan struct{})
	rt.nudgeStop = make(chan struct{})
	rt.cancelled = false
	rt.interrupt = false
	rt.batcher = stream.NewBatcher(s.batchWindow, func(text string) {
		s.emitAssistantText(rt, text)
	})
	if rt.enforcer == nil {
		rt.enforcer = enforcer.New(rt.task.ID, enforcer.Config{
			MaxAttempts: s.enforcerAttempts,
			NudgeAfter:  s.nudgeAfter,
		}, s.logger)
		rt.enforcer.Start(rt.cfg.Prompt)
	} else {
		rt.enforcer.Resume()
	}
	rt.mu.Unlock()

	s.setStatus(rt, models.TaskStatusRunning)
	now := time.Now()
	rt.mu.Lock()
	if rt.task.StartedAt == nil {
		rt.task.StartedAt = &now
	}
	rt.mu.Unlock()
	if err := s.storage.SaveTask(rt.snapshot()); err != nil {
		s.logger.Warn("persist task", "task", rt.task.ID, "error", err)
	}

	go s.readStderr(rt, stderr)
	go s.nudgeLoop(rt)
	go s.supervise(rt, stdout)

	if d := time.Duration(rt.cfg.Timeout); d > 0 {
		done := rt.done
		time.AfterFunc(d, func() {
			select {
			case <-done:
			default:
				s.logger.Warn("task deadline exceeded", "task", rt.task.ID, "timeout", d)
				if err := s.CancelTask(rt.task.ID); err != nil {
					s.logger.Debug("deadline cancel", "task", rt.task.ID, "error", err)
				}
			}
		})
	}

	s.logger.Info("task started", "task", rt.task.ID, "cli", rt.adapter.CLICommand(), "pid", cmd.Process.Pid)
	return nil
}

func (s *Scheduler) emitAssistantText(rt *runningTask, text string) {
	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	}
	rt.mu.Lock()
	rt.task.Messages = append(rt.task.Messages, msg)
	rt.mu.Unlock()
	if err := s.storage.AddTaskMessage(rt.task.ID, msg); err != nil {
		s.logger.Warn("persist message", "task", rt.task.ID, "error", err)
	}
	rt.cb.message(rt.task.ID, msg)
}

func (s *Scheduler) readStderr(rt *runningTask, r io.Reader) {
	defer close(rt.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stream.Sanitize(scanner.Text())
		if line == "" {
			continue
		}
		rt.stderr.add(line)
		rt.cb.debug(rt.task.ID, line)
	}
}

// supervise reads stdout line by line, dispatches events in order, then
// finalizes the task when the process exits.
func (s *Scheduler) supervise(rt *runningTask, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, ev := range stream.ParseLine(scanner.Bytes()) {
			s.handleEvent(rt, ev)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// An over-long line aborts the scan. Keep draining so the child is
		// not wedged writing to a full pipe; the rest of the stream is lost.
		s.logger.Warn("stdout read aborted", "task", rt.task.ID, "error", scanErr)
		rt.cb.debug(rt.task.ID, fmt.Sprintf("stdout read aborted, discarding remaining output: %v", scanErr))
		_, _ = io.Copy(io.Discard, stdout)
	}

	// Wait must not run until the stderr pipe is fully read, or the captured
	// tail is lost.
	<-rt.stderrDone
	err := rt.cmd.Wait()
	rt.batcher.Close()
	close(rt.nudgeStop)
	s.finalize(rt, err)
	close(rt.done)
}

func (s *Scheduler) handleEvent(rt *runningTask, ev stream.Event) {
	if ev.Kind != stream.EventText {
		rt.batcher.Flush()
	}

	switch ev.Kind {
	case stream.EventInit:
		if ev.SessionID != "" {
			rt.mu.Lock()
			rt.task.SessionID = ev.SessionID
			rt.mu.Unlock()
		}

	case stream.EventText:
		rt.enforcer.NoteActivity()
		rt.batcher.AddText(ev.Text)

	case stream.EventToolUse:
		rt.cb.progress(rt.task.ID, fmt.Sprintf("tool: %s", ev.ToolName))

	case stream.EventToolResult:
		if ev.ToolOutput != "" {
			rt.cb.progress(rt.task.ID, ev.ToolOutput)
		}

	case stream.EventAttachment:
		rt.cb.progress(rt.task.ID, fmt.Sprintf("attachment: %s", ev.Attachment.Path))

	case stream.EventTodoUpdate:
		rt.mu.Lock()
		rt.task.Todos = ev.Todos
		rt.mu.Unlock()
		if err := s.storage.SaveTodosForTask(rt.task.ID, ev.Todos); err != nil {
			s.logger.Warn("persist todos", "task", rt.task.ID, "error", err)
		}
		rt.cb.todoUpdate(rt.task.ID, ev.Todos)

	case stream.EventPermissionRequest:
		s.handlePermission(rt, ev)

	case stream.EventQuestionRequest:
		s.handleQuestion(rt, ev)

	case stream.EventResult:
		s.handleResult(rt, ev)

	case stream.EventDiagnostic:
		rt.cb.debug(rt.task.ID, ev.Text)
	}
}

func (s *Scheduler) handlePermission(rt *runningTask, ev stream.Event) {
	payload, err := broker.ParsePermissionPayload(ev.Payload)
	if err != nil {
		rt.cb.debug(rt.task.ID, fmt.Sprintf("invalid permission request: %v", err))
		denied := false
		_ = rt.writeInput(childInput{
			Type:      "permission_response",
			RequestID: ev.RequestID,
			Allowed:   &denied,
		})
		return
	}

	id, ch := s.broker.CreatePermissionRequest(rt.task.ID, payload, s.permissionTimeout)
	if req, ok := s.broker.Get(id); ok && rt.cb.OnPermissionRequest != nil {
		rt.cb.OnPermissionRequest(req)
	}
	childID := ev.RequestID
	go func() {
		allowed := <-ch
		if err := rt.writeInput(childInput{
			Type:      "permission_response",
			RequestID: childID,
			Allowed:   &allowed,
		}); err != nil {
			s.logger.Debug("permission reply dropped", "task", rt.task.ID, "error", err)
		}
	}()
}

func (s *Scheduler) handleQuestion(rt *runningTask, ev stream.Event) {
	payload, err := broker.ParseQuestionPayload(ev.Payload)
	if err != nil {
		rt.cb.debug(rt.task.ID, fmt.Sprintf("invalid question request: %v", err))
		answered := false
		_ = rt.writeInput(childInput{
			Type:      "question_response",
			RequestID: ev.RequestID,
			Answered:  &answered,
		})
		return
	}

	id, ch := s.broker.CreateQuestionRequest(rt.task.ID, payload, s.permissionTimeout)
	if req, ok := s.broker.Get(id); ok && rt.cb.OnPermissionRequest != nil {
		rt.cb.OnPermissionRequest(req)
	}
	childID := ev.RequestID
	go func() {
		resp := <-ch
		answered := resp.Answered
		if err := rt.writeInput(childInput{
			Type:      "question_response",
			RequestID: childID,
			Answer:    resp.Answer,
			Answered:  &answered,
		}); err != nil {
			s.logger.Debug("question reply dropped", "task", rt.task.ID, "error", err)
		}
	}()
}

func (s *Scheduler) handleResult(rt *runningTask, ev stream.Event) {
	rt.mu.Lock()
	todos := rt.task.Todos
	rt.mu.Unlock()
	decision := rt.enforcer.Evaluate(*ev.Result, todos)
	if !decision.Accepted {
		if err := rt.writeInput(childInput{Type: "user_message", Text: decision.Instruction}); err != nil {
			s.logger.Warn("continuation dropped", "task", rt.task.ID, "error", err)
			return
		}
		rt.enforcer.Resume()
		return
	}

	rt.mu.Lock()
	rt.task.Result = decision.Result
	if decision.Result.Summary != "" {
		rt.task.Summary = decision.Result.Summary
	}
	rt.mu.Unlock()
	if decision.Forced {
		rt.cb.debug(rt.task.ID, "completion accepted with open todo items")
	}
}

// nudgeLoop periodically asks the enforcer whether a reminder is due while
// the task sits in awaiting-declaration.
func (s *Scheduler) nudgeLoop(rt *runningTask) {
	ticker := time.NewTicker(s.nudgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.nudgeStop:
			return
		case now := <-ticker.C:
			if msg, ok := rt.enforcer.MaybeNudge(now); ok {
				if err := rt.writeInput(childInput{Type: "user_message", Text: msg}); err != nil {
					return
				}
			}
		}
	}
}

// finalize settles the terminal (or waiting) state after process exit.
func (s *Scheduler) finalize(rt *runningTask, waitErr error) {
	s.broker.ClearTask(rt.task.ID)

	rt.mu.Lock()
	cancelled := rt.cancelled
	interrupted := rt.interrupt
	rt.cmd = nil
	rt.stdin = nil
	rt.mu.Unlock()

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}
	stderrTail := rt.stderr.String()

	rt.mu.Lock()
	rt.task.ExitCode = &exitCode

	var final models.TaskStatus
	authFailed := false
	switch {
	case cancelled:
		final = models.TaskStatusCancelled
		rt.task.SessionID = ""
	case interrupted:
		final = models.TaskStatusWaitingForInput
	case rt.task.Result != nil:
		switch rt.task.Result.Status {
		case models.ResultBlocked:
			final = models.TaskStatusBlocked
		default:
			final = models.TaskStatusCompleted
		}
	case waitErr != nil:
		final = models.TaskStatusFailed
		rt.task.Error = fmt.Sprintf("process exited with code %d: %s", exitCode, stderrTail)
		authFailed = isAuthFailure(stderrTail)
	default:
		final = models.TaskStatusCompleted
	}

	if final.IsTerminal() {
		now := time.Now()
		rt.task.CompletedAt = &now
	}
	rt.mu.Unlock()

	if authFailed && rt.cb.OnAuthError != nil {
		rt.cb.OnAuthError(rt.task.ID, stderrTail)
	}
	s.setStatus(rt, final)
	if err := s.storage.SaveTask(rt.snapshot()); err != nil {
		s.logger.Warn("persist task", "task", rt.task.ID, "error", err)
	}

	s.mu.Lock()
	if final.IsTerminal() {
		delete(s.active, rt.task.ID)
	}
	s.promoteLocked()
	s.mu.Unlock()

	s.logger.Info("task finished", "task", rt.task.ID, "status", final, "exit_code", exitCode)
	if final == models.TaskStatusFailed {
		if rt.cb.OnError != nil {
			rt.cb.OnError(rt.task.ID, fmt.Errorf("process exited with code %d: %s", exitCode, stderrTail))
		}
	} else if final.IsTerminal() {
		if rt.cb.OnComplete != nil {
			rt.cb.OnComplete(rt.snapshot())
		}
	}
}

func (s *Scheduler) setStatus(rt *runningTask, status models.TaskStatus) {
	rt.mu.Lock()
	cur := rt.task.Status
	if cur == status {
		rt.mu.Unlock()
		return
	}
	if !cur.CanTransition(status) {
		rt.mu.Unlock()
		s.logger.Warn("illegal status transition", "task", rt.task.ID, "from", cur, "to", status)
		return
	}
	rt.task.Status = status
	rt.mu.Unlock()
	if err := s.storage.UpdateTaskStatus(rt.task.ID, status); err != nil {
		s.logger.Warn("persist status", "task", rt.task.ID, "error", err)
	}
	rt.cb.statusChange(rt.task.ID, status)
}

func (rt *runningTask) status() models.TaskStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.task.Status
}

// snapshot returns a copy of the task safe to hand across the API boundary
// while the supervision goroutine keeps mutating the live value.
func (rt *runningTask) snapshot() *models.Task {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.task.Clone()
}

var authFailureMarkers = []string{
	"401", "403", "unauthorized", "invalid api key", "authentication", "expired token",
}

func isAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range authFailureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

