package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformVertexRequestBody(t *testing.T) {
	in := []byte(`{"model":"claude-sonnet-4.5","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`)

	out, model, streaming, err := TransformVertexRequestBody(in)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4.5", model)
	assert.False(t, streaming)

	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.NotContains(t, parsed, "model")
	assert.JSONEq(t, `"vertex-2023-10-16"`, string(parsed["anthropic_version"]))
	assert.Contains(t, parsed, "messages")
}

func TestTransformVertexRequestBodyStreamFlag(t *testing.T) {
	// The flag comes from the parsed body, so formatting variants all count.
	for _, in := range []string{
		`{"model":"m","stream":true,"messages":[]}`,
		`{"model":"m", "stream" : true, "messages":[]}`,
		"{\"model\":\"m\",\n\t\"stream\": true,\n\t\"messages\":[]}",
	} {
		_, _, streaming, err := TransformVertexRequestBody([]byte(in))
		require.NoError(t, err)
		assert.True(t, streaming, "input: %s", in)
	}

	_, _, streaming, err := TransformVertexRequestBody([]byte(`{"model":"m","stream":false,"messages":[]}`))
	require.NoError(t, err)
	assert.False(t, streaming)
}

func TestTransformVertexRequestBodyMissingModel(t *testing.T) {
	_, _, _, err := TransformVertexRequestBody([]byte(`{"messages":[]}`))
	require.Error(t, err)
}

func TestTransformOpenAIRequestBody(t *testing.T) {
	in := []byte(`{
		"model":"gpt-5.1",
		"system":"You are terse.",
		"max_tokens":256,
		"stream":true,
		"messages":[
			{"role":"user","content":"hello"},
			{"role":"assistant","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}
		]}`)

	out, err := TransformOpenAIRequestBody(in)
	require.NoError(t, err)

	var parsed openAIRequest
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "gpt-5.1", parsed.Model)
	assert.True(t, parsed.Stream)
	require.Len(t, parsed.Messages, 3)
	assert.Equal(t, "system", parsed.Messages[0].Role)
	assert.Equal(t, "You are terse.", parsed.Messages[0].Content)
	assert.Equal(t, "hello", parsed.Messages[1].Content)
	assert.Equal(t, "part one\npart two", parsed.Messages[2].Content)
}

func TestEnsureProxyIdempotent(t *testing.T) {
	m := NewManager(Config{}, discardLogger())
	defer m.StopAll()

	addr1, err := m.EnsureOpenAIProxy()
	require.NoError(t, err)
	require.NotEmpty(t, addr1)
	assert.True(t, m.IsOpenAIProxyRunning())

	addr2, err := m.EnsureOpenAIProxy()
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)
}

func TestStopProxy(t *testing.T) {
	m := NewManager(Config{}, discardLogger())

	addr, err := m.EnsureOpenAIProxy()
	require.NoError(t, err)
	require.NoError(t, m.StopOpenAIProxy())
	assert.False(t, m.IsOpenAIProxyRunning())

	// Stopping an already-stopped proxy is a no-op.
	require.NoError(t, m.StopOpenAIProxy())

	// A fresh ensure binds a new listener.
	addr2, err := m.EnsureOpenAIProxy()
	require.NoError(t, err)
	assert.NotEqual(t, addr, addr2)
	m.StopAll()
	assert.False(t, m.IsOpenAIProxyRunning())
}

func TestOpenAIProxyTranslatesAndForwards(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer upstream.Close()

	m := NewManager(Config{OpenAI: OpenAIConfig{BaseURL: upstream.URL, APIKey: "sk-test"}}, discardLogger())
	defer m.StopAll()

	addr, err := m.EnsureOpenAIProxy()
	require.NoError(t, err)

	body := `{"model":"gpt-5.1","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(addr+"/v1/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	reply, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(reply), "choices")

	assert.Equal(t, "Bearer sk-test", gotAuth)
	var forwarded openAIRequest
	require.NoError(t, json.Unmarshal(gotBody, &forwarded))
	assert.Equal(t, "gpt-5.1", forwarded.Model)
}

func TestVertexProxyAddsBearerAndRewritesURL(t *testing.T) {
	var gotPath, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"content":[{"type":"text","text":"hi"}]}`))
	}))
	defer upstream.Close()

	m := NewManager(Config{Vertex: VertexConfig{
		ProjectID: "proj-1",
		Region:    "us-east5",
		Endpoint:  upstream.URL,
	}}, discardLogger())
	defer m.StopAll()

	m.Tokens().Register(ProviderVertex, func(ctx context.Context) (Token, error) {
		return Token{AccessToken: "vtx-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	addr, err := m.EnsureVertexProxy()
	require.NoError(t, err)

	body := `{"model":"claude-sonnet-4.5","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(addr+"/v1/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/projects/proj-1/locations/us-east5/publishers/anthropic/models/claude-sonnet-4.5:rawPredict", gotPath)
	assert.Equal(t, "Bearer vtx-token", gotAuth)
}

func TestAuthFailureClearsTokenCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"expired"}`, http.StatusUnauthorized)
	}))
	defer upstream.Close()

	m := NewManager(Config{Vertex: VertexConfig{
		ProjectID: "proj-1",
		Region:    "us-east5",
		Endpoint:  upstream.URL,
	}}, discardLogger())
	defer m.StopAll()

	m.Tokens().Register(ProviderVertex, func(ctx context.Context) (Token, error) {
		return Token{AccessToken: "stale", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	addr, err := m.EnsureVertexProxy()
	require.NoError(t, err)

	_, err = m.GetVertexToken(context.Background())
	require.NoError(t, err)
	require.True(t, m.HasValidToken(ProviderVertex))

	body := `{"model":"claude-sonnet-4.5","messages":[]}`
	resp, err := http.Post(addr+"/v1/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, m.HasValidToken(ProviderVertex),
		"401 from upstream must invalidate the cached token")
}
