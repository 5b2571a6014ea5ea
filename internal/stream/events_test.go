package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sevir/capataz/pkg/models"
)

func TestParseInit(t *testing.T) {
	events := ParseLine([]byte(`{"type":"init","session_id":"sess-42"}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventInit, events[0].Kind)
	assert.Equal(t, "sess-42", events[0].SessionID)
}

func TestParseMessageBlocks(t *testing.T) {
	line := `{"type":"message","role":"assistant","content":[` +
		`{"type":"text","text":"Looking at the file. "},` +
		`{"type":"tool_use","name":"read_file","input":{"path":"main.go"}},` +
		`{"type":"text","text":"Found it."}]}`

	events := ParseLine([]byte(line))
	require.Len(t, events, 3)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, "Looking at the file. ", events[0].Text)
	assert.Equal(t, EventToolUse, events[1].Kind)
	assert.Equal(t, "read_file", events[1].ToolName)
	assert.Equal(t, EventText, events[2].Kind)
}

func TestParseMalformedLineIsDiagnostic(t *testing.T) {
	events := ParseLine([]byte(`{this is not json`))
	require.Len(t, events, 1)
	assert.Equal(t, EventDiagnostic, events[0].Kind)
	assert.Contains(t, events[0].Text, "malformed")
}

func TestParseEmptyLine(t *testing.T) {
	assert.Nil(t, ParseLine([]byte("   ")))
	assert.Nil(t, ParseLine(nil))
}

func TestParseTodoUpdate(t *testing.T) {
	line := `{"type":"todo_update","todos":[` +
		`{"id":"1","description":"write parser","state":"completed"},` +
		`{"id":"2","description":"write tests","state":"pending"}]}`

	events := ParseLine([]byte(line))
	require.Len(t, events, 1)
	require.Equal(t, EventTodoUpdate, events[0].Kind)
	require.Len(t, events[0].Todos, 2)
	assert.Equal(t, models.TodoCompleted, events[0].Todos[0].State)
	assert.Equal(t, models.TodoPending, events[0].Todos[1].State)
}

func TestParseResult(t *testing.T) {
	events := ParseLine([]byte(`{"type":"result","status":"success","summary":"all done","duration_ms":1200}`))
	require.Len(t, events, 1)
	require.Equal(t, EventResult, events[0].Kind)
	require.NotNil(t, events[0].Result)
	assert.Equal(t, models.ResultSuccess, events[0].Result.Status)
	assert.Equal(t, "all done", events[0].Result.Summary)
}

func TestParseResultUnknownStatus(t *testing.T) {
	events := ParseLine([]byte(`{"type":"result","status":"maybe"}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventDiagnostic, events[0].Kind)
}

func TestParsePermissionRequestCarriesRawPayload(t *testing.T) {
	events := ParseLine([]byte(`{"type":"permission_request","request_id":"r1","request":{"operation":"write","paths":["a.go"]}}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventPermissionRequest, events[0].Kind)
	assert.Equal(t, "r1", events[0].RequestID)
	assert.JSONEq(t, `{"operation":"write","paths":["a.go"]}`, string(events[0].Payload))
}

func TestParseUnknownType(t *testing.T) {
	events := ParseLine([]byte(`{"type":"telemetry","data":1}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventDiagnostic, events[0].Kind)
}

func TestSanitizeStripsControlBytes(t *testing.T) {
	in := "ok\x00\x1b[31mred\x07\ttab\nline"
	out := Sanitize(in)
	assert.Equal(t, "ok[31mred\ttab\nline", out)
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", maxToolOutput+100)
	out := TruncateOutput(long)
	assert.Len(t, out, maxToolOutput+len(truncationMarker))
	assert.True(t, strings.HasSuffix(out, "[output truncated]"))

	short := "short output"
	assert.Equal(t, short, TruncateOutput(short))
}

func TestParseToolResultTruncatesAndSanitizes(t *testing.T) {
	events := ParseLine([]byte(`{"type":"tool_result","name":"run_command","output":"line1\u0000\nline2"}`))
	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].ToolOutput)
}
