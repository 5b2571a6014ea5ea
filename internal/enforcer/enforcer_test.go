package enforcer

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sevir/capataz/pkg/models"
)

func newTestEnforcer(cfg Config) *Enforcer {
	e := New("task-1", cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Start("refactor the config loader")
	return e
}

func success() models.TaskResult {
	return models.TaskResult{Status: models.ResultSuccess, Summary: "done"}
}

func TestSuccessWithCleanTodosAccepted(t *testing.T) {
	e := newTestEnforcer(Config{})

	todos := []models.TodoItem{
		{ID: "1", Description: "a", State: models.TodoCompleted},
		{ID: "2", Description: "b", State: models.TodoCancelled},
	}

	d := e.Evaluate(success(), todos)
	assert.True(t, d.Accepted)
	assert.False(t, d.Forced)
	assert.Equal(t, StateAccepted, e.State())
}

func TestSuccessWithOpenTodosRejected(t *testing.T) {
	e := newTestEnforcer(Config{})

	todos := []models.TodoItem{
		{ID: "1", Description: "migrate schema", State: models.TodoPending},
		{ID: "2", Description: "add tests", State: models.TodoCompleted},
	}

	d := e.Evaluate(success(), todos)
	require.False(t, d.Accepted)
	assert.Contains(t, d.Instruction, "migrate schema")
	assert.NotContains(t, d.Instruction, "add tests")
	assert.Equal(t, StateRejectedRetry, e.State())
	assert.Equal(t, 1, e.Attempts())

	// After the outstanding item is finished, success is accepted.
	e.Resume()
	todos[0].State = models.TodoCompleted
	d = e.Evaluate(success(), todos)
	assert.True(t, d.Accepted)
}

func TestAttemptCapForcesAcceptance(t *testing.T) {
	e := newTestEnforcer(Config{MaxAttempts: 2})

	todos := []models.TodoItem{{ID: "1", Description: "never done", State: models.TodoPending}}

	d := e.Evaluate(success(), todos)
	require.False(t, d.Accepted)
	e.Resume()
	d = e.Evaluate(success(), todos)
	require.False(t, d.Accepted)
	e.Resume()

	// Third declaration hits the cap and is accepted unconditionally.
	d = e.Evaluate(success(), todos)
	assert.True(t, d.Accepted)
	assert.True(t, d.Forced)
	assert.Equal(t, StateAccepted, e.State())
}

func TestPartialRequiresOneContinuationRound(t *testing.T) {
	e := newTestEnforcer(Config{})

	d := e.Evaluate(models.TaskResult{Status: models.ResultPartial}, nil)
	require.False(t, d.Accepted)
	assert.Contains(t, d.Instruction, "continuation plan")
	assert.Contains(t, d.Instruction, "refactor the config loader")

	// A later success is evaluated normally, not held again.
	e.Resume()
	d = e.Evaluate(success(), nil)
	assert.True(t, d.Accepted)
}

func TestSecondPartialAcceptedAfterPlanRound(t *testing.T) {
	e := newTestEnforcer(Config{})

	d := e.Evaluate(models.TaskResult{Status: models.ResultPartial}, nil)
	require.False(t, d.Accepted)

	e.Resume()
	d = e.Evaluate(models.TaskResult{Status: models.ResultPartial}, nil)
	assert.True(t, d.Accepted)
}

func TestBlockedAcceptedImmediately(t *testing.T) {
	e := newTestEnforcer(Config{})

	todos := []models.TodoItem{{ID: "1", Description: "stuck", State: models.TodoPending}}
	d := e.Evaluate(models.TaskResult{Status: models.ResultBlocked, Summary: "missing creds"}, todos)
	assert.True(t, d.Accepted)
	assert.Equal(t, StateAccepted, e.State())
}

func TestStartResetsAttempts(t *testing.T) {
	e := newTestEnforcer(Config{MaxAttempts: 1})

	todos := []models.TodoItem{{ID: "1", Description: "x", State: models.TodoPending}}
	e.Evaluate(success(), todos)
	require.Equal(t, 1, e.Attempts())

	e.Start("new run")
	assert.Equal(t, 0, e.Attempts())
	assert.Equal(t, StateAwaitingDeclaration, e.State())
}

func TestMaybeNudge(t *testing.T) {
	e := newTestEnforcer(Config{NudgeAfter: 10 * time.Minute})

	_, ok := e.MaybeNudge(time.Now())
	assert.False(t, ok, "no nudge while activity is recent")

	msg, ok := e.MaybeNudge(time.Now().Add(11 * time.Minute))
	require.True(t, ok)
	assert.Contains(t, msg, "Reminder")

	// The nudge rearms; an immediate second poll stays quiet.
	_, ok = e.MaybeNudge(time.Now().Add(11 * time.Minute))
	assert.False(t, ok)
}

func TestNoNudgeAfterAcceptance(t *testing.T) {
	e := newTestEnforcer(Config{NudgeAfter: time.Millisecond})

	e.Evaluate(models.TaskResult{Status: models.ResultBlocked}, nil)
	_, ok := e.MaybeNudge(time.Now().Add(time.Hour))
	assert.False(t, ok)
}
