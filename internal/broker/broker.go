// Package broker mediates human-in-the-loop permission and question
// requests between a running assistant process and an external responder.
package broker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestKind distinguishes the two request flavours.
type RequestKind string

const (
	KindPermission RequestKind = "permission"
	KindQuestion   RequestKind = "question"
)

// DefaultTimeout applies when a caller passes a non-positive timeout.
const DefaultTimeout = 2 * time.Minute

// QuestionResponse is the resolution of a question request. A timed-out or
// force-cleared question resolves with Answered=false.
type QuestionResponse struct {
	Answered bool   `json:"answered"`
	Answer   string `json:"answer,omitempty"`
}

// Request is the public view of a pending entry, safe to hand to callbacks.
type Request struct {
	ID         string             `json:"id"`
	TaskID     string             `json:"task_id"`
	Kind       RequestKind        `json:"kind"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Question   *QuestionPayload   `json:"question,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	Deadline   time.Time          `json:"deadline"`
}

type entry struct {
	req     Request
	permCh  chan bool
	questCh chan QuestionResponse
	timer   *time.Timer
}

// Broker registers pending approval requests and resolves each exactly once,
// by id or by timeout.
type Broker struct {
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[string]*entry
}

// New creates a Broker.
func New(logger *slog.Logger) *Broker {
	return &Broker{
		logger:  logger,
		pending: make(map[string]*entry),
	}
}

// CreatePermissionRequest registers a pending permission entry and returns
// its id plus a channel delivering the single resolution. The channel is
// buffered so resolution never blocks on a slow receiver.
func (b *Broker) CreatePermissionRequest(taskID string, p PermissionPayload, timeout time.Duration) (string, <-chan bool) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := uuid.New().String()
	now := time.Now()

	e := &entry{
		req: Request{
			ID:         id,
			TaskID:     taskID,
			Kind:       KindPermission,
			Permission: &p,
			CreatedAt:  now,
			Deadline:   now.Add(timeout),
		},
		permCh: make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[id] = e
	e.timer = time.AfterFunc(timeout, func() {
		if b.ResolvePermission(id, false) {
			b.logger.Warn("permission request timed out", "request_id", id, "task_id", taskID)
		}
	})
	b.mu.Unlock()

	b.logger.Debug("permission request created",
		"request_id", id, "task_id", taskID, "operation", p.Operation, "timeout", timeout)
	return id, e.permCh
}

// CreateQuestionRequest registers a pending question entry. Semantics match
// CreatePermissionRequest; timeout resolves with an unanswered response.
func (b *Broker) CreateQuestionRequest(taskID string, q QuestionPayload, timeout time.Duration) (string, <-chan QuestionResponse) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := uuid.New().String()
	now := time.Now()

	e := &entry{
		req: Request{
			ID:        id,
			TaskID:    taskID,
			Kind:      KindQuestion,
			Question:  &q,
			CreatedAt: now,
			Deadline:  now.Add(timeout),
		},
		questCh: make(chan QuestionResponse, 1),
	}

	b.mu.Lock()
	b.pending[id] = e
	e.timer = time.AfterFunc(timeout, func() {
		if b.ResolveQuestion(id, QuestionResponse{}) {
			b.logger.Warn("question request timed out", "request_id", id, "task_id", taskID)
		}
	})
	b.mu.Unlock()

	b.logger.Debug("question request created",
		"request_id", id, "task_id", taskID, "timeout", timeout)
	return id, e.questCh
}

// Get returns the public view of a pending request, if any.
func (b *Broker) Get(id string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Pending returns the public view of all unresolved entries, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	reqs := make([]Request, 0, len(b.pending))
	for _, e := range b.pending {
		reqs = append(reqs, e.req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}

// PendingCount returns the number of unresolved entries.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ResolvePermission resolves a pending permission entry. It returns false if
// the id is unknown, already resolved, or refers to a question.
func (b *Broker) ResolvePermission(id string, allowed bool) bool {
	e := b.take(id, KindPermission)
	if e == nil {
		return false
	}
	e.permCh <- allowed
	b.logger.Debug("permission request resolved", "request_id", id, "allowed", allowed)
	return true
}

// ResolveQuestion resolves a pending question entry. It returns false if the
// id is unknown, already resolved, or refers to a permission.
func (b *Broker) ResolveQuestion(id string, resp QuestionResponse) bool {
	e := b.take(id, KindQuestion)
	if e == nil {
		return false
	}
	e.questCh <- resp
	b.logger.Debug("question request resolved", "request_id", id, "answered", resp.Answered)
	return true
}

// take atomically removes a pending entry of the given kind and stops its
// timer, so a timeout firing concurrently with a manual resolution can win
// at most once.
func (b *Broker) take(id string, kind RequestKind) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[id]
	if !ok || e.req.Kind != kind {
		return nil
	}
	delete(b.pending, id)
	e.timer.Stop()
	return e
}

// ClearTask force-resolves every pending entry belonging to a task with the
// safe default (denied / unanswered). Used on task cancellation.
func (b *Broker) ClearTask(taskID string) {
	b.clear(func(e *entry) bool { return e.req.TaskID == taskID })
}

// ClearAll force-resolves every pending entry. Used on shutdown so no caller
// is left waiting.
func (b *Broker) ClearAll() {
	b.clear(func(*entry) bool { return true })
}

func (b *Broker) clear(match func(*entry) bool) {
	b.mu.Lock()
	var victims []*entry
	for id, e := range b.pending {
		if match(e) {
			delete(b.pending, id)
			e.timer.Stop()
			victims = append(victims, e)
		}
	}
	b.mu.Unlock()

	for _, e := range victims {
		switch e.req.Kind {
		case KindPermission:
			e.permCh <- false
		case KindQuestion:
			e.questCh <- QuestionResponse{}
		}
		b.logger.Debug("request force-resolved", "request_id", e.req.ID, "task_id", e.req.TaskID)
	}
}
